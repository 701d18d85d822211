package task

import (
	"os/exec"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func startTracedChild(t *testing.T) *Task {
	t.Helper()
	cmd := exec.Command("/bin/sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start traced child: %v", err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &status, 0, nil); err != nil {
		t.Skipf("cannot wait for traced child's exec-stop: %v", err)
	}
	t.Cleanup(func() {
		unix.Kill(cmd.Process.Pid, unix.SIGKILL)
		cmd.Wait()
	})
	return New(cmd.Process.Pid)
}

func TestRegsRoundTrip(t *testing.T) {
	tr := startTracedChild(t)
	regs, err := tr.Regs()
	if err != nil {
		t.Skipf("cannot read registers: %v", err)
	}
	if err := tr.SetRegs(&regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
	again, err := tr.Regs()
	if err != nil {
		t.Fatalf("Regs after SetRegs: %v", err)
	}
	if again.Rip != regs.Rip {
		t.Errorf("Rip changed across a no-op SetRegs: %#x vs %#x", again.Rip, regs.Rip)
	}
}

func TestReadWriteMemRoundTrip(t *testing.T) {
	tr := startTracedChild(t)
	regs, err := tr.Regs()
	if err != nil {
		t.Skipf("cannot read registers: %v", err)
	}
	addr := uintptr(regs.Rip)

	var orig [8]byte
	if _, err := tr.ReadMem(addr, orig[:]); err != nil {
		t.Fatalf("ReadMem: %v", err)
	}

	patched := orig
	patched[0] ^= 0xFF
	if _, err := tr.WriteMem(addr, patched[:]); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}

	var readBack [8]byte
	if _, err := tr.ReadMem(addr, readBack[:]); err != nil {
		t.Fatalf("ReadMem after WriteMem: %v", err)
	}
	if readBack != patched {
		t.Errorf("read back %v, want %v", readBack, patched)
	}

	if _, err := tr.WriteMem(addr, orig[:]); err != nil {
		t.Fatalf("restoring original bytes: %v", err)
	}
}
