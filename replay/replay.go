// Package replay is the replay/debug dispatch loop: it drives a
// traced thread through the recorded trace frame by frame, stepping
// with ptrace, reprogramming the PMU tick counter between frames, and
// handing control to an attached debugger when something looks wrong.
//
// Grounded on replayer.c: try_one_trace_step's dispatch on step kind,
// replay_one_trace_frame's per-frame bookkeeping, cont_syscall_boundary's
// signal discipline, and emergency_debug's divergence handling are all
// re-expressions of that file's control flow.
package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/checksum"
	"github.com/tickloop/rr/config"
	"github.com/tickloop/rr/dbgreq"
	"github.com/tickloop/rr/diversion"
	"github.com/tickloop/rr/task"
	"github.com/tickloop/rr/ticks"
	"github.com/tickloop/rr/trace"
)

// ErrDivergence is returned by emergencyDebug when replay detects the
// tracee's state no longer matches what was recorded: a checksum
// mismatch, an unexpected stop or signal, or a carried-over signal the
// next frame did not record.
var ErrDivergence = errors.New("replay: execution diverged from the recording")

// errRestartRequested is returned internally by the debugger gate when
// the attached debugger sends KindRestart; Replay treats it as a
// clean end of the loop rather than an error, the way replayer.c's
// main loop treats a restart request as "stop driving this
// recording".
var errRestartRequested = errors.New("replay: debugger requested restart")

// Session drives one traced thread through a trace.Reader. It is not
// safe for concurrent use: the engine runs each traced thread's
// replay loop from one goroutine, per the single-threaded model the
// rest of this module assumes.
type Session struct {
	Task        *task.Task
	Counter     *ticks.Counter
	Breakpoints *BreakpointTable
	Trace       *trace.Reader
	Checksums   *checksum.Verifier

	// Transport, when non-nil, is the attached debugger. nil means no
	// debugger (or --autopilot): the gate in debuggerGate is skipped
	// entirely in that case.
	Transport dbgreq.Transport

	cfg config.Config

	// validate gates the debugger gate and register-file comparison
	// against the recording; replayer.c starts this false and turns it
	// on once the tracee's first execve has retired, since a
	// freshly-exec'd process's register file before glibc startup
	// isn't worth comparing, and the engine's own process image is
	// still live before then.
	validate bool

	sawExecve bool

	// pendingSignal carries a signal seen at an ambiguous stop
	// (cont_syscall_boundary's ptrace stop classification) over to the
	// next frame, which is expected to assert it matches the signal it
	// recorded.
	pendingSignal int

	lastStopReason dbgreq.StopReason
	lastStopSignal int
}

// New builds a replay Session for one traced thread.
func New(t *task.Task, counter *ticks.Counter, tr *trace.Reader, cfg config.Config) *Session {
	return &Session{
		Task:        t,
		Counter:     counter,
		Breakpoints: NewBreakpointTable(t),
		Trace:       tr,
		cfg:         cfg,
	}
}

// Replay drives the session to the end of the trace, calling
// ReplayOneTraceFrame for each frame in order. It stops and returns
// the first error any frame produces, including io.EOF's absence
// (trace.Reader.Next returning io.EOF ends the loop cleanly, not as
// an error). A debugger-requested restart also ends the loop cleanly.
func (s *Session) Replay() error {
	for {
		frame, err := s.Trace.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading next trace frame: %w", err)
		}
		if err := s.ReplayOneTraceFrame(frame); err != nil {
			if errors.Is(err, errRestartRequested) {
				return nil
			}
			return err
		}
	}
}

// ReplayOneTraceFrame advances the tracee through one recorded frame,
// following replay_one_trace_frame's per-frame protocol: the debugger
// gate, carry-over pending-signal assertion, trace-frame
// interpretation, the validate flag, and the checksum check.
func (s *Session) ReplayOneTraceFrame(f trace.Frame) error {
	if err := s.debuggerGate(); err != nil {
		return err
	}
	if err := s.checkCarryOverSignal(f); err != nil {
		return err
	}

	if err := s.Counter.Reset(ticks.Ticks(f.Ticks)); err != nil {
		return fmt.Errorf("resetting tick counter for frame at tid=%d: %w", f.Tid, err)
	}

	if err := s.TryOneTraceStep(f); err != nil {
		return err
	}

	if err := s.checkFrameChecksum(f); err != nil {
		return err
	}

	if f.Event == trace.EventSyscall && f.SyscallNum == unix.SYS_EXECVE && !s.sawExecve {
		// The tracee's initial execve has gone through; replayer.c
		// sets validate unconditionally from here on (`validate |=
		// ...execve...`).
		s.sawExecve = true
		s.validate = true
	}

	return nil
}

// checkFrameChecksum compares the frame's recorded checksum, if any,
// against the tracee's live memory, acting as the "checksum mismatch"
// divergence case alongside the unexpected-trap cases.
func (s *Session) checkFrameChecksum(f trace.Frame) error {
	if s.cfg.Checksum == config.ChecksumOff || s.Checksums == nil || !f.HasChecksum {
		return nil
	}
	if s.cfg.Checksum != config.ChecksumAll &&
		!(s.cfg.Checksum == config.ChecksumSyscall && f.Event == trace.EventSyscall) &&
		!(s.cfg.Checksum == config.ChecksumAtTime && f.GlobalTime >= s.cfg.ChecksumAt) {
		return nil
	}

	want, err := checksum.DecodeSum(f.Checksum[:])
	if err != nil {
		return fmt.Errorf("decoding recorded checksum for frame at global_time=%d: %w", f.GlobalTime, err)
	}
	ok, got := s.Checksums.Check(want)
	if !ok {
		return s.emergencyDebug(fmt.Sprintf("checksum mismatch at global_time=%d: got %x, want %x", f.GlobalTime, got, want))
	}
	return nil
}

// checkCarryOverSignal asserts a signal stashed by a previous frame's
// ambiguous ptrace stop (see contSyscallBoundary) matches what this
// frame recorded, then clears it. A mismatch is a divergence: the
// recording expected a different signal than what the tracee actually
// took.
func (s *Session) checkCarryOverSignal(f trace.Frame) error {
	if s.pendingSignal == 0 {
		return nil
	}
	pending := s.pendingSignal
	s.pendingSignal = 0
	if f.Event != trace.EventSignal || int(f.Signal) != pending {
		return s.emergencyDebug(fmt.Sprintf("carried-over pending signal %d does not match frame's recorded event (event=%v signal=%d)", pending, f.Event, f.Signal))
	}
	return nil
}

// TryOneTraceStep dispatches on f.Event the way try_one_trace_step
// switches on step.action between TSTEP_RETIRE, TSTEP_ENTER_SYSCALL,
// and TSTEP_EXIT_SYSCALL, generalized with the USR_INIT_SCRATCH_MEM,
// USR_EXIT, and USR_FLUSH bookkeeping frames replay_one_trace_frame
// also dispatches on.
func (s *Session) TryOneTraceStep(f trace.Frame) error {
	switch f.Event {
	case trace.EventSyscall:
		return s.stepSyscall(f)
	case trace.EventSignal:
		return s.stepToSignal(f)
	case trace.EventPatchSyscall:
		return s.stepPatchedSyscall(f)
	case trace.EventScratchMem:
		return s.stepScratchMem(f)
	case trace.EventFlush:
		return s.stepFlush(f)
	case trace.EventExit:
		return nil
	default:
		return s.stepRetire(f)
	}
}

// stepScratchMem injects the PROT_NONE anonymous mmap
// USR_INIT_SCRATCH_MEM records: it rewrites the tracee's registers to
// describe the mmap(2) call, runs it across one syscall boundary, then
// restores the registers the frame interrupted. This assumes the
// tracee is parked at a point where a syscall can safely be injected
// (the same assumption replayer.c's inject_and_run_syscall makes).
func (s *Session) stepScratchMem(f trace.Frame) error {
	saved, err := s.Task.Regs()
	if err != nil {
		return fmt.Errorf("reading regs before scratch-mem injection: %w", err)
	}

	inject := saved
	inject.Orig_rax = unix.SYS_MMAP
	inject.Rax = unix.SYS_MMAP
	inject.Rdi = f.ScratchAddr
	inject.Rsi = f.ScratchSize
	inject.Rdx = unix.PROT_NONE
	inject.R10 = unix.MAP_FIXED | unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	inject.R8 = ^uint64(0) // fd = -1
	inject.R9 = 0
	if err := s.Task.SetRegs(&inject); err != nil {
		return fmt.Errorf("setting regs for scratch-mem injection: %w", err)
	}

	if ok, err := s.contSyscallBoundary(); err != nil || !ok {
		return err
	}
	if ok, err := s.contSyscallBoundary(); err != nil || !ok {
		return err
	}

	if err := s.Task.SetRegs(&saved); err != nil {
		return fmt.Errorf("restoring regs after scratch-mem injection: %w", err)
	}
	return nil
}

// stepFlush stands in for flushing the recorder's syscall-buffer
// replay queue. This engine has no syscallbuf collaborator of its own
// to flush (the distilled trace format here has no buffered-syscall
// records), so the step is a retire with nothing further to do.
func (s *Session) stepFlush(f trace.Frame) error {
	return nil
}

// stepRetire runs the tracee via PTRACE_CONT until the tick counter's
// programmed overflow fires, then validates that the trap it took was
// the expected tick interrupt and not some other, unrecorded signal.
func (s *Session) stepRetire(f trace.Frame) error {
	if err := s.Task.Cont(0); err != nil {
		return err
	}
	return s.waitForExpectedTrap(f)
}

// stepSyscall steps the tracee up to and back out of one syscall
// boundary, the way enter_syscall/exit_syscall do, via
// cont_syscall_boundary's PTRACE_SYSCALL-based stepping.
func (s *Session) stepSyscall(f trace.Frame) error {
	if ok, err := s.contSyscallBoundary(); err != nil || !ok {
		return err
	}
	if ok, err := s.contSyscallBoundary(); err != nil || !ok {
		return err
	}
	return nil
}

// stepPatchedSyscall emulates a syscall this engine rewrote in place
// at record time (a PTRACE_SYSEMU-style "don't really execute it"
// step), the Go analogue of step_exit_syscall_emu.
func (s *Session) stepPatchedSyscall(f trace.Frame) error {
	return s.Task.SingleStep(0)
}

// stepToSignal delivers the recorded signal and waits for the
// resulting trap.
func (s *Session) stepToSignal(f trace.Frame) error {
	if err := s.Task.Cont(int(f.Signal)); err != nil {
		return err
	}
	return s.waitForExpectedTrap(f)
}

// contSyscallBoundary resumes with PTRACE_SYSCALL and classifies the
// resulting stop: a benign SIGCHLD is swallowed and the wait is
// retried (the tracee's own children stopping shouldn't interrupt our
// stepping), a SIGTRAP at a syscall boundary is the expected case and
// reported via ok=true, and any other signal is stashed in
// pendingSignal for the next frame's checkCarryOverSignal, also with
// ok=true.
func (s *Session) contSyscallBoundary() (bool, error) {
	for {
		if err := s.Task.Syscall(0); err != nil {
			return false, err
		}
		status, err := s.Task.Wait()
		if err != nil {
			return false, err
		}
		if status.Exited() {
			return true, nil
		}
		if !status.Stopped() {
			continue
		}
		switch status.StopSignal() {
		case unix.SIGCHLD:
			continue
		case unix.SIGTRAP:
			return true, nil
		default:
			// Ambiguous stop: a real signal arrived at a syscall
			// boundary instead of the expected trap. Stash it for
			// checkCarryOverSignal to reconcile against the next
			// frame, rather than failing immediately — the recording
			// may simply have scheduled the signal's delivery one
			// frame later than this boundary.
			s.pendingSignal = int(status.StopSignal())
			return true, nil
		}
	}
}

// waitForExpectedTrap waits for the tracee to stop and requires the
// stop to be the tick-overflow SIGTRAP this frame was resumed to
// produce. A SIGTRAP taken at a planted breakpoint address instead is
// not a divergence: it is serviced via the debugger gate and the
// tracee is stepped back onto the recorded path. Any other outcome is
// a divergence.
func (s *Session) waitForExpectedTrap(f trace.Frame) error {
	for {
		status, err := s.Task.Wait()
		if err != nil {
			return err
		}
		if status.Exited() {
			return nil
		}
		if !status.Stopped() {
			return s.emergencyDebug(fmt.Sprintf("tid=%d stopped in an unexpected way (status=%v)", f.Tid, status))
		}
		if status.StopSignal() != unix.SIGTRAP {
			return s.emergencyDebug(fmt.Sprintf("tid=%d took signal %v instead of the recorded trap", f.Tid, status.StopSignal()))
		}

		hit, addr, err := s.breakpointHit()
		if err != nil {
			return err
		}
		if !hit {
			return nil
		}

		if err := s.notifyStop(dbgreq.StopBreakpoint, 0); err != nil {
			return err
		}
		if err := s.serviceDebuggerUntilResume(); err != nil {
			return err
		}
		if err := s.Breakpoints.StepOverAt(addr); err != nil {
			return fmt.Errorf("stepping over breakpoint at %#x: %w", addr, err)
		}
		if err := s.Task.Cont(0); err != nil {
			return err
		}
	}
}

// breakpointHit reports whether the tracee's current Rip sits one
// byte past a planted software breakpoint, the standard x86 int3
// trap-address offset.
func (s *Session) breakpointHit() (bool, uintptr, error) {
	regs, err := s.Task.Regs()
	if err != nil {
		return false, 0, fmt.Errorf("reading regs to classify trap: %w", err)
	}
	addr := uintptr(regs.Rip - 1)
	return s.Breakpoints.Contains(addr), addr, nil
}

// emergencyDebug is what replayer.c's emergency_debug does: give up on
// advancing the recording and hand control to whatever's watching,
// logging loudly on the way in. If a debugger is attached, it is
// notified of the stop and handed the request loop: it can inspect the
// diverged process, divert into it, or restart. Once it asks to
// resume, or if no debugger is attached, this returns ErrDivergence,
// which ends the replay.
func (s *Session) emergencyDebug(reason string) error {
	fields := logrus.Fields{"reason": reason}
	if s.Task != nil {
		fields["tid"] = s.Task.Tid
	}
	logrus.WithFields(fields).Error("replay diverged from the recording")

	if s.Transport != nil {
		if err := s.notifyStop(dbgreq.StopSignal, int(unix.SIGTRAP)); err != nil {
			return err
		}
		if err := s.serviceDebuggerUntilResume(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%s: %w", reason, ErrDivergence)
}

// debuggerGate implements the per-frame "debugger gate": once validate
// is true, the dispatch loop must service debugger requests until one
// asks to resume before advancing the recording any further. Before
// validate, or with no debugger attached (nil Transport, or
// --autopilot), the gate is a no-op — the process image up to the
// first execve is the engine's own, not worth exposing.
func (s *Session) debuggerGate() error {
	if s.Transport == nil || s.cfg.Autopilot || !s.validate {
		return nil
	}
	return s.serviceDebuggerUntilResume()
}

// serviceDebuggerUntilResume answers debugger requests against the
// live replay task, one per Recv, until a resume-class request
// (Continue/Step) arrives without Diverge set, in which case it
// returns nil to let the caller proceed with real stepping; a
// Diverge'd resume request instead runs a full diversion session to
// completion and keeps servicing requests afterward; KindRestart ends
// the replay loop via errRestartRequested. A nil Transport means no
// debugger is attached, so this is a no-op.
func (s *Session) serviceDebuggerUntilResume() error {
	if s.Transport == nil {
		return nil
	}
	for {
		req, err := s.Transport.Recv()
		if err != nil {
			return fmt.Errorf("replay tid=%d: receiving debugger request: %w", s.Task.Tid, err)
		}

		switch req.Kind {
		case dbgreq.KindRestart:
			return errRestartRequested

		case dbgreq.KindContinue, dbgreq.KindStep:
			if !req.Diverge {
				return nil
			}
			if err := s.runDiversion(); err != nil {
				return err
			}

		default:
			if err := s.replyToInfoRequest(req); err != nil {
				return err
			}
		}
	}
}

// runDiversion clones the current task into a fresh diversion.Session
// and runs its request loop to completion (restart, detach, or task
// exit), the concrete backend for a debugger request that asked to
// run inside a diversion (see dbgreq.Request.Diverge) rather than
// resume the recorded replay.
func (s *Session) runDiversion() error {
	sess := diversion.New(map[int]*task.Task{s.Task.Tid: s.Task})
	logrus.WithField("diversion", sess.ID).Info("entering diversion session")
	err := diversion.Divert(sess, s.Transport, s.Task.Tid)
	logrus.WithField("diversion", sess.ID).Info("diversion session ended")
	return err
}

// replyToInfoRequest answers every synchronous (non-resume-class)
// debugger request kind against the live replay task, the same set of
// kinds diversion.Divert answers against a diverted clone.
func (s *Session) replyToInfoRequest(req dbgreq.Request) error {
	switch req.Kind {
	case dbgreq.KindGetCurrentThread:
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Tid: s.Task.Tid})

	case dbgreq.KindSetQueryThread:
		ok := req.Tid == 0 || req.Tid == s.Task.Tid
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: ok, Tid: req.Tid})

	case dbgreq.KindGetThreadList:
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Data: encodeTid(s.Task.Tid)})

	case dbgreq.KindGetStopReason:
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, StopReason: s.lastStopReason, Signal: s.lastStopSignal})

	case dbgreq.KindInterrupt, dbgreq.KindDetach:
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true})

	case dbgreq.KindGetRegs:
		regs, err := s.Task.Regs()
		if err != nil {
			return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})
		}
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Data: encodeRegs(&regs)})

	case dbgreq.KindSetRegs:
		regs, err := decodeRegs(req.Data)
		if err != nil || s.Task.SetRegs(&regs) != nil {
			return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})
		}
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true})

	case dbgreq.KindGetMem:
		buf := make([]byte, req.Len)
		if _, err := s.Task.ReadMem(req.Addr, buf); err != nil {
			return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})
		}
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Data: buf})

	case dbgreq.KindSetMem:
		if _, err := s.Task.WriteMem(req.Addr, req.Data); err != nil {
			return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})
		}
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true})

	case dbgreq.KindSetSWBreak:
		if err := s.Breakpoints.Set(req.Addr); err != nil {
			return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})
		}
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true})

	case dbgreq.KindRemoveSWBreak:
		if err := s.Breakpoints.Remove(req.Addr); err != nil {
			return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})
		}
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true})

	case dbgreq.KindSetHWBreak, dbgreq.KindRemoveHWBreak, dbgreq.KindSetWatch, dbgreq.KindRemoveWatch:
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false})

	case dbgreq.KindReadSiginfo, dbgreq.KindWriteSiginfo:
		return s.Transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true})

	default:
		return fmt.Errorf("replay: unhandled debugger request kind %v", req.Kind)
	}
}

// notifyStop sends an unsolicited stop notification, e.g. after
// waitForExpectedTrap lands on a planted breakpoint or emergencyDebug
// gives up on the recording.
func (s *Session) notifyStop(reason dbgreq.StopReason, signal int) error {
	s.lastStopReason = reason
	s.lastStopSignal = signal
	if s.Transport == nil {
		return nil
	}
	return s.Transport.NotifyStop(dbgreq.Reply{StopReason: reason, Signal: signal})
}

// encodeRegs/decodeRegs/encodeTid let register and thread-list data
// cross the dbgreq.Transport boundary as bytes, mirroring the same
// small helpers diversion.Divert uses to answer the same request
// kinds against a diverted task clone.
func encodeRegs(regs *unix.PtraceRegs) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, regs)
	return buf.Bytes()
}

func decodeRegs(data []byte) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &regs); err != nil {
		return unix.PtraceRegs{}, fmt.Errorf("decoding register data: %w", err)
	}
	return regs, nil
}

func encodeTid(tid int) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, int32(tid))
	return buf.Bytes()
}
