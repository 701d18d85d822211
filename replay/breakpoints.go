package replay

import (
	"fmt"

	"github.com/tickloop/rr/task"
)

// int3Insn is the x86 single-byte software breakpoint instruction
// (INT 3). Writing it over a tracee's code is how this package sets
// a software breakpoint; replayer.c calls it int_3_insn for the same
// reason.
const int3Insn byte = 0xCC

// BreakpointTable tracks every address this replay session has
// patched with int3, keyed by address so lookup, insert, and remove
// are all O(1) regardless of how many breakpoints are live.
// replayer.c instead uses a MAX_NUM_BREAKPOINTS=128 fixed array,
// linearly scanned; a map removes that ceiling without changing the
// table's actual job.
type BreakpointTable struct {
	t    *task.Task
	orig map[uintptr]byte
}

// NewBreakpointTable creates an empty table bound to t's address
// space.
func NewBreakpointTable(t *task.Task) *BreakpointTable {
	return &BreakpointTable{t: t, orig: make(map[uintptr]byte)}
}

// Set patches addr with int3, remembering the original byte so Remove
// can undo it. Setting a breakpoint that's already set is a no-op.
func (bt *BreakpointTable) Set(addr uintptr) error {
	if _, ok := bt.orig[addr]; ok {
		return nil
	}
	var buf [1]byte
	if _, err := bt.t.ReadMem(addr, buf[:]); err != nil {
		return fmt.Errorf("reading original byte at %#x: %w", addr, err)
	}
	bt.orig[addr] = buf[0]

	patch := [1]byte{int3Insn}
	if _, err := bt.t.WriteMem(addr, patch[:]); err != nil {
		delete(bt.orig, addr)
		return fmt.Errorf("patching breakpoint at %#x: %w", addr, err)
	}
	return nil
}

// Remove restores the original byte at addr. Removing an address
// that was never set is a no-op.
func (bt *BreakpointTable) Remove(addr uintptr) error {
	orig, ok := bt.orig[addr]
	if !ok {
		return nil
	}
	buf := [1]byte{orig}
	if _, err := bt.t.WriteMem(addr, buf[:]); err != nil {
		return fmt.Errorf("restoring original byte at %#x: %w", addr, err)
	}
	delete(bt.orig, addr)
	return nil
}

// Contains reports whether addr currently has a breakpoint set.
func (bt *BreakpointTable) Contains(addr uintptr) bool {
	_, ok := bt.orig[addr]
	return ok
}

// Len reports how many breakpoints are currently set.
func (bt *BreakpointTable) Len() int { return len(bt.orig) }

// RemoveAll restores every patched byte, e.g. before detaching.
func (bt *BreakpointTable) RemoveAll() error {
	for addr := range bt.orig {
		if err := bt.Remove(addr); err != nil {
			return err
		}
	}
	return nil
}

// StepOverAt steps the tracee past a software breakpoint at addr
// without the debugger seeing the planted int3 trap twice: it
// temporarily restores the original byte, rewinds Rip back onto addr
// (the trap left it at addr+1), single-steps, then replants int3.
// Addresses not in the table are passed straight to SingleStep.
func (bt *BreakpointTable) StepOverAt(addr uintptr) error {
	orig, ok := bt.orig[addr]
	if !ok {
		return bt.t.SingleStep(0)
	}

	buf := [1]byte{orig}
	if _, err := bt.t.WriteMem(addr, buf[:]); err != nil {
		return fmt.Errorf("restoring original byte at %#x to step over: %w", addr, err)
	}

	regs, err := bt.t.Regs()
	if err != nil {
		return fmt.Errorf("reading regs to step over breakpoint at %#x: %w", addr, err)
	}
	regs.Rip = uint64(addr)
	if err := bt.t.SetRegs(&regs); err != nil {
		return fmt.Errorf("rewinding rip to step over breakpoint at %#x: %w", addr, err)
	}

	stepErr := bt.t.SingleStep(0)

	patch := [1]byte{int3Insn}
	if _, err := bt.t.WriteMem(addr, patch[:]); err != nil {
		return fmt.Errorf("replanting breakpoint at %#x after step-over: %w", addr, err)
	}
	return stepErr
}
