// Package diversion implements diversion sessions: short-lived,
// mutable, non-recorded sibling execution contexts that let an
// attached debugger poke at a replayed process (call a function,
// step off the recorded path) without corrupting the replay session
// it forked from. Grounded on diverter.cc's process_debugger_requests
// and divert().
package diversion

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/dbgreq"
	"github.com/tickloop/rr/task"
)

// Session is one diversion: a clone of the replay session's tasks,
// refcounted because more than one in-flight debugger request
// (READ_SIGINFO ... WRITE_SIGINFO pairs) can keep it alive across
// multiple dispatch-loop turns.
type Session struct {
	ID         uuid.UUID
	refcount   int
	tasks      map[int]*task.Task
	dying      bool
	currentTid int
	lastStop   StepResult
}

// New clones tasks into a fresh diversion session with refcount 1, the
// same way divert() seeds session with a one-task clone of the
// replay session before entering its request loop.
func New(tasks map[int]*task.Task) *Session {
	clone := make(map[int]*task.Task, len(tasks))
	for tid, t := range tasks {
		clone[tid] = task.New(t.Tid)
	}
	return &Session{
		ID:       uuid.New(),
		refcount: 1,
		tasks:    clone,
	}
}

// Refcount reports the session's current reference count.
func (s *Session) Refcount() int { return s.refcount }

// MarkDying flags the session for teardown as soon as it is safe: once
// set, Divert tears the session down at the next WRITE_SIGINFO that
// drops the refcount to zero, or the next breakpoint request, rather
// than servicing further requests against clones the caller has
// decided to reclaim. A caller reaches for this when it needs the
// diversion gone for a reason unrelated to anything the debugger asked
// for — e.g. the replay session it diverted from is itself exiting.
func (s *Session) MarkDying() { s.dying = true }

// acquire increments the refcount; a READ_SIGINFO request keeps the
// session alive until its matching WRITE_SIGINFO arrives.
func (s *Session) acquire() { s.refcount++ }

// release decrements the refcount. It is a fatal protocol error to
// release a session that wasn't first acquired — diverter.cc asserts
// this with the same wording ("diversion_refcount > 0").
func (s *Session) release() error {
	if s.refcount <= 0 {
		return fmt.Errorf("diversion %s: WRITE_SIGINFO with no matching READ_SIGINFO (refcount already %d)", s.ID, s.refcount)
	}
	s.refcount--
	return nil
}

// task looks up a diverted clone by tid, the same set of tids the
// replay session being diverted from has.
func (s *Session) task(tid int) (*task.Task, bool) {
	t, ok := s.tasks[tid]
	return t, ok
}

// StepResult classifies how one Step call ended.
type StepResult struct {
	Reason dbgreq.StopReason
	Signal int
	Exited bool
}

// Step advances t by one ptrace resume chosen by cont: PTRACE_CONT if
// the debugger asked to run free, PTRACE_SINGLESTEP otherwise, with no
// signal delivered either way, then waits for the resulting stop and
// classifies it.
func Step(t *task.Task, cont bool) (StepResult, error) {
	var err error
	if cont {
		err = t.Cont(0)
	} else {
		err = t.SingleStep(0)
	}
	if err != nil {
		return StepResult{}, err
	}

	status, err := t.Wait()
	if err != nil {
		return StepResult{}, err
	}

	switch {
	case status.Exited():
		return StepResult{Reason: dbgreq.StopExited, Exited: true}, nil
	case status.Stopped():
		return StepResult{Reason: dbgreq.StopSignal, Signal: int(status.StopSignal())}, nil
	default:
		return StepResult{Reason: dbgreq.StopNone}, nil
	}
}

// Divert runs the diversion request/reply loop: each turn it services
// exactly one debugger request against the diverted task set — either
// answering it synchronously (register/memory/thread-list/stop-reason
// queries, breakpoint management) or, for the two resume-class
// requests (KindContinue, KindStep), driving one DiversionStep and
// notifying the debugger of the result — until the debugger restarts
// replay (KindRestart) or the diverted process exits. Once the
// refcount has dropped to zero the session is dying: the next resume
// or breakpoint request ends the diversion instead of being serviced.
// Mirrors
// divert()'s loop over process_debugger_requests + diversion_step,
// generalized so every DREQ_* kind diverter.cc answers synchronously
// is answered the same way here instead of being mis-serviced as a
// step.
func Divert(s *Session, transport dbgreq.Transport, initialTid int) error {
	s.currentTid = initialTid
	for {
		req, err := transport.Recv()
		if err != nil {
			return fmt.Errorf("diversion %s: receiving request: %w", s.ID, err)
		}

		switch req.Kind {
		case dbgreq.KindRestart:
			killAll(s)
			return nil

		case dbgreq.KindReadSiginfo:
			s.acquire()
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}

		case dbgreq.KindWriteSiginfo:
			if err := s.release(); err != nil {
				return err
			}
			if s.dying && s.refcount == 0 {
				// The debugger dropped its last pending request
				// while we were trying to wind the diversion down;
				// hand control back to replay now instead of
				// stepping a session nobody still needs.
				killAll(s)
				return transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, StopReason: dbgreq.StopExited})
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}

		case dbgreq.KindGetCurrentThread:
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Tid: s.currentTid}); err != nil {
				return err
			}

		case dbgreq.KindSetQueryThread:
			_, ok := s.task(req.Tid)
			if ok {
				s.currentTid = req.Tid
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: ok, Tid: req.Tid}); err != nil {
				return err
			}

		case dbgreq.KindGetThreadList:
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Data: encodeTids(s.tasks)}); err != nil {
				return err
			}

		case dbgreq.KindGetStopReason:
			if err := transport.Reply(stopReasonReply(req.Kind, s.lastStop)); err != nil {
				return err
			}

		case dbgreq.KindInterrupt:
			// Every step in this model already runs to completion
			// before Divert asks for the next request, so there is
			// never an in-flight resume to interrupt.
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}

		case dbgreq.KindGetRegs:
			t, ok := s.task(targetTid(req, s.currentTid))
			if !ok {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			regs, err := t.Regs()
			if err != nil {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Data: encodeRegs(&regs)}); err != nil {
				return err
			}

		case dbgreq.KindSetRegs:
			t, ok := s.task(targetTid(req, s.currentTid))
			if !ok {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			regs, err := decodeRegs(req.Data)
			if err != nil || t.SetRegs(&regs) != nil {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}

		case dbgreq.KindGetMem:
			t, ok := s.task(targetTid(req, s.currentTid))
			if !ok {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			buf := make([]byte, req.Len)
			if _, err := t.ReadMem(req.Addr, buf); err != nil {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true, Data: buf}); err != nil {
				return err
			}

		case dbgreq.KindSetMem:
			t, ok := s.task(targetTid(req, s.currentTid))
			if !ok {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			if _, err := t.WriteMem(req.Addr, req.Data); err != nil {
				if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
					return err
				}
				continue
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}

		case dbgreq.KindSetSWBreak, dbgreq.KindRemoveSWBreak:
			if s.dying || s.refcount == 0 {
				// Dying and asked to touch a breakpoint: the
				// diversion is on its way out, so this belongs to
				// replay's own breakpoint table instead.
				killAll(s)
				return nil
			}
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}

		case dbgreq.KindSetHWBreak, dbgreq.KindRemoveHWBreak, dbgreq.KindSetWatch, dbgreq.KindRemoveWatch:
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: false}); err != nil {
				return err
			}

		case dbgreq.KindDetach:
			if err := transport.Reply(dbgreq.Reply{Kind: req.Kind, OK: true}); err != nil {
				return err
			}
			killAll(s)
			return nil

		case dbgreq.KindContinue, dbgreq.KindStep:
			if s.refcount == 0 {
				// Nothing holds the diversion open any more: a resume
				// ends it rather than stepping the clones.
				killAll(s)
				return nil
			}
			t, ok := s.task(targetTid(req, s.currentTid))
			if !ok {
				return fmt.Errorf("diversion %s: no task tid=%d", s.ID, targetTid(req, s.currentTid))
			}
			result, err := Step(t, req.Kind == dbgreq.KindContinue)
			if err != nil {
				return err
			}
			s.lastStop = result
			if err := notify(transport, result); err != nil {
				return err
			}
			if result.Exited {
				killAll(s)
				return nil
			}

		default:
			return fmt.Errorf("diversion %s: unhandled request kind %v", s.ID, req.Kind)
		}
	}
}

// targetTid resolves the tid a request addresses: the request's own
// Tid if set, otherwise the diversion's current thread (the last one
// named by a successful KindSetQueryThread).
func targetTid(req dbgreq.Request, currentTid int) int {
	if req.Tid != 0 {
		return req.Tid
	}
	return currentTid
}

func stopReasonReply(kind dbgreq.Kind, last StepResult) dbgreq.Reply {
	return dbgreq.Reply{Kind: kind, OK: true, StopReason: last.Reason, Signal: last.Signal}
}

// encodeRegs/decodeRegs let register data cross the dbgreq.Transport
// boundary as bytes without Transport implementations needing to know
// about unix.PtraceRegs.
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

func encodeTids(tasks map[int]*task.Task) []byte {
	var buf bytes.Buffer
	for tid := range tasks {
		_ = binary.Write(&buf, binary.LittleEndian, int32(tid))
	}
	return buf.Bytes()
}

func notify(transport dbgreq.Transport, r StepResult) error {
	switch r.Reason {
	case dbgreq.StopExited:
		return transport.NotifyStop(dbgreq.Reply{StopReason: dbgreq.StopExited, ExitCode: 0})
	case dbgreq.StopSignal:
		return transport.NotifyStop(dbgreq.Reply{StopReason: dbgreq.StopSignal, Signal: r.Signal})
	default:
		return transport.NotifyStop(dbgreq.Reply{StopReason: dbgreq.StopNone})
	}
}

// killAll tears down every diverted task clone. Once called, s must
// not be used again.
func killAll(s *Session) {
	for tid, t := range s.tasks {
		if err := t.Detach(0); err != nil {
			logrus.WithError(err).WithField("tid", tid).Debug("detaching diverted task")
		}
	}
	s.tasks = nil
}
