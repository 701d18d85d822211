// Package task wraps ptrace(2) for one traced thread. It is the only
// package that talks to the kernel's ptrace ABI directly; replay,
// diversion, and the debugger-request dispatcher all go through a
// Task rather than calling golang.org/x/sys/unix themselves.
package task

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Task is one traced thread, identified by its kernel tid. Registers
// and memory access are only valid while the thread is stopped.
type Task struct {
	Tid int
}

// New wraps an already-attached tid. Attaching is the caller's
// responsibility (PTRACE_SEIZE at exec time, or PTRACE_ATTACH for an
// already-running process), since the attach sequence differs between
// the record and replay entry points.
func New(tid int) *Task {
	return &Task{Tid: tid}
}

// Regs reads this thread's general-purpose register file.
func (t *Task) Regs() (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.Tid, &regs); err != nil {
		return regs, fmt.Errorf("PTRACE_GETREGS(tid=%d): %w", t.Tid, err)
	}
	return regs, nil
}

// SetRegs writes this thread's general-purpose register file.
func (t *Task) SetRegs(regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(t.Tid, regs); err != nil {
		return fmt.Errorf("PTRACE_SETREGS(tid=%d): %w", t.Tid, err)
	}
	return nil
}

// ReadMem copies len(buf) bytes from the thread's address space
// starting at addr.
func (t *Task) ReadMem(addr uintptr, buf []byte) (int, error) {
	n, err := unix.PtracePeekData(t.Tid, addr, buf)
	if err != nil {
		return n, fmt.Errorf("PTRACE_PEEKDATA(tid=%d, addr=%#x): %w", t.Tid, addr, err)
	}
	return n, nil
}

// WriteMem copies buf into the thread's address space starting at
// addr.
func (t *Task) WriteMem(addr uintptr, buf []byte) (int, error) {
	n, err := unix.PtracePokeData(t.Tid, addr, buf)
	if err != nil {
		return n, fmt.Errorf("PTRACE_POKEDATA(tid=%d, addr=%#x): %w", t.Tid, addr, err)
	}
	return n, nil
}

// Cont resumes the thread until its next signal-delivery stop,
// optionally re-injecting sig (0 for none).
func (t *Task) Cont(sig int) error {
	if err := unix.PtraceCont(t.Tid, sig); err != nil {
		return fmt.Errorf("PTRACE_CONT(tid=%d, sig=%d): %w", t.Tid, sig, err)
	}
	return nil
}

// SingleStep resumes the thread for exactly one instruction.
func (t *Task) SingleStep(sig int) error {
	if err := unix.PtraceSingleStep(t.Tid); err != nil {
		return fmt.Errorf("PTRACE_SINGLESTEP(tid=%d): %w", t.Tid, err)
	}
	return nil
}

// Syscall resumes the thread until it enters or exits a syscall, or
// takes a signal.
func (t *Task) Syscall(sig int) error {
	if err := unix.PtraceSyscall(t.Tid, sig); err != nil {
		return fmt.Errorf("PTRACE_SYSCALL(tid=%d, sig=%d): %w", t.Tid, sig, err)
	}
	return nil
}

// SetOptions configures ptrace event delivery (PTRACE_O_* flags).
func (t *Task) SetOptions(opts int) error {
	if err := unix.PtraceSetOptions(t.Tid, opts); err != nil {
		return fmt.Errorf("PTRACE_SETOPTIONS(tid=%d): %w", t.Tid, err)
	}
	return nil
}

// Detach releases the thread from ptrace control entirely.
func (t *Task) Detach(sig int) error {
	if err := unix.PtraceDetach(t.Tid); err != nil {
		return fmt.Errorf("PTRACE_DETACH(tid=%d): %w", t.Tid, err)
	}
	return nil
}

// Wait blocks for this thread's next ptrace stop and returns its wait
// status.
func (t *Task) Wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(t.Tid, &status, 0, nil)
	if err != nil {
		return status, fmt.Errorf("wait4(tid=%d): %w", t.Tid, err)
	}
	return status, nil
}
