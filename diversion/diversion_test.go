package diversion

import (
	"os/exec"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/dbgreq"
	"github.com/tickloop/rr/dbgreq/fake"
	"github.com/tickloop/rr/task"
)

// startTracedChild starts a real traced child the way task_test.go
// does, so Divert's register/memory request handlers have a genuine
// tid to operate on instead of one that fails every ptrace call.
func startTracedChild(t *testing.T) *task.Task {
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
	return task.New(cmd.Process.Pid)
}

func TestNewSessionStartsWithRefcountOne(t *testing.T) {
	s := New(map[int]*task.Task{})
	if s.Refcount() != 1 {
		t.Errorf("refcount = %d, want 1", s.Refcount())
	}
}

func TestReleaseWithoutAcquireIsAnError(t *testing.T) {
	s := New(map[int]*task.Task{})
	if err := s.release(); err != nil {
		t.Fatalf("first release (consuming New's implicit ref) should succeed: %v", err)
	}
	if err := s.release(); err == nil {
		t.Error("expected an error releasing a session already at refcount 0")
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	s := New(map[int]*task.Task{})
	s.acquire()
	if s.Refcount() != 2 {
		t.Fatalf("refcount = %d, want 2", s.Refcount())
	}
	if err := s.release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s.Refcount() != 1 {
		t.Errorf("refcount = %d, want 1", s.Refcount())
	}
}

func TestDivertRestartEndsTheSession(t *testing.T) {
	s := New(map[int]*task.Task{})
	transport := fake.New(dbgreq.Request{Kind: dbgreq.KindRestart})

	if err := Divert(s, transport, 0); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if s.tasks != nil {
		t.Error("expected Divert to clear the diverted task set on restart")
	}
}

func TestDivertReadThenWriteSiginfoRoundTrips(t *testing.T) {
	s := New(map[int]*task.Task{})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindReadSiginfo},
		dbgreq.Request{Kind: dbgreq.KindWriteSiginfo},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)

	if err := Divert(s, transport, 0); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if len(transport.Replies) != 2 {
		t.Fatalf("got %d replies, want 2 (KindRestart ends the session without a reply)", len(transport.Replies))
	}
	for i, r := range transport.Replies {
		if !r.OK {
			t.Errorf("reply %d: OK = false, want true", i)
		}
	}
}

func TestDivertHardwareBreakpointsAreUnsupported(t *testing.T) {
	s := New(map[int]*task.Task{})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindSetHWBreak},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)

	if err := Divert(s, transport, 0); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if transport.Replies[0].OK {
		t.Error("expected hardware-breakpoint request to be refused")
	}
}

func TestDivertMarkDyingEndsSessionOnLastRelease(t *testing.T) {
	s := New(map[int]*task.Task{})
	s.MarkDying()
	transport := fake.New(dbgreq.Request{Kind: dbgreq.KindWriteSiginfo})

	if err := Divert(s, transport, 0); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if s.tasks != nil {
		t.Error("expected Divert to clear the diverted task set once a dying session's refcount hits zero")
	}
	if len(transport.Replies) != 1 || !transport.Replies[0].OK || transport.Replies[0].StopReason != dbgreq.StopExited {
		t.Errorf("got replies %+v, want one OK reply with StopReason=StopExited", transport.Replies)
	}
}

func TestDivertMarkDyingEndsSessionOnBreakpointRequest(t *testing.T) {
	s := New(map[int]*task.Task{})
	s.MarkDying()
	transport := fake.New(dbgreq.Request{Kind: dbgreq.KindSetSWBreak})

	if err := Divert(s, transport, 0); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if s.tasks != nil {
		t.Error("expected Divert to clear the diverted task set on a breakpoint request while dying")
	}
	if len(transport.Replies) != 0 {
		t.Errorf("got %d replies, want 0 (dying session tears down without replying)", len(transport.Replies))
	}
}

func TestDivertSetQueryThreadUnknownTidFails(t *testing.T) {
	s := New(map[int]*task.Task{})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindSetQueryThread, Tid: 4242},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)

	if err := Divert(s, transport, 0); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if transport.Replies[0].OK {
		t.Error("expected SetQueryThread for an unknown tid to fail")
	}
}

func TestDivertGetRegsAnswersSynchronously(t *testing.T) {
	tr := startTracedChild(t)
	s := New(map[int]*task.Task{tr.Tid: tr})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindGetRegs},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)

	if err := Divert(s, transport, tr.Tid); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if !transport.Replies[0].OK {
		t.Fatal("GetRegs on a live diverted tid should succeed")
	}
	if len(transport.Replies[0].Data) == 0 {
		t.Error("expected GetRegs to return non-empty register data")
	}
}

func TestDivertSetRegsThenGetRegsRoundTrips(t *testing.T) {
	tr := startTracedChild(t)
	s := New(map[int]*task.Task{tr.Tid: tr})

	getFirst := fake.New(dbgreq.Request{Kind: dbgreq.KindGetRegs})
	if err := Divert(s, getFirst, tr.Tid); err == nil {
		t.Fatal("expected Divert to exhaust its single queued request and fail on the next Recv")
	}
	if !getFirst.Replies[0].OK {
		t.Fatal("GetRegs should succeed")
	}
	original := getFirst.Replies[0].Data

	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindSetRegs, Data: original},
		dbgreq.Request{Kind: dbgreq.KindGetRegs},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)
	if err := Divert(s, transport, tr.Tid); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if !transport.Replies[0].OK {
		t.Error("SetRegs with a previously-read register file should succeed")
	}
	if !transport.Replies[1].OK {
		t.Error("GetRegs after SetRegs should succeed")
	}
}

func TestDivertGetMemSetMemRoundTrip(t *testing.T) {
	tr := startTracedChild(t)
	regs, err := tr.Regs()
	if err != nil {
		t.Skipf("cannot read registers: %v", err)
	}
	s := New(map[int]*task.Task{tr.Tid: tr})
	addr := uintptr(regs.Rip)

	get := fake.New(dbgreq.Request{Kind: dbgreq.KindGetMem, Addr: addr, Len: 8})
	if err := Divert(s, get, tr.Tid); err == nil {
		t.Fatal("expected Divert to exhaust its single queued request")
	}
	if !get.Replies[0].OK || len(get.Replies[0].Data) != 8 {
		t.Fatalf("GetMem reply = %+v, want 8 bytes of OK data", get.Replies[0])
	}
	orig := get.Replies[0].Data
	patched := append([]byte{}, orig...)
	patched[0] ^= 0xFF

	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindSetMem, Addr: addr, Data: patched},
		dbgreq.Request{Kind: dbgreq.KindGetMem, Addr: addr, Len: 8},
		dbgreq.Request{Kind: dbgreq.KindSetMem, Addr: addr, Data: orig},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)
	if err := Divert(s, transport, tr.Tid); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if !transport.Replies[0].OK {
		t.Fatal("SetMem should succeed")
	}
	if string(transport.Replies[1].Data) != string(patched) {
		t.Errorf("GetMem after SetMem = %v, want %v", transport.Replies[1].Data, patched)
	}
	if !transport.Replies[2].OK {
		t.Error("restoring the original bytes should succeed")
	}
}

func TestDivertGetThreadListIncludesEveryDivertedTask(t *testing.T) {
	tr := startTracedChild(t)
	s := New(map[int]*task.Task{tr.Tid: tr})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindGetThreadList},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)

	if err := Divert(s, transport, tr.Tid); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if !transport.Replies[0].OK || len(transport.Replies[0].Data) != 4 {
		t.Fatalf("GetThreadList reply = %+v, want one OK reply with 4 bytes of tid data", transport.Replies[0])
	}
}

func TestDivertGetStopReasonReflectsLastStep(t *testing.T) {
	tr := startTracedChild(t)
	s := New(map[int]*task.Task{tr.Tid: tr})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindStep},
		dbgreq.Request{Kind: dbgreq.KindGetStopReason},
		dbgreq.Request{Kind: dbgreq.KindRestart},
	)

	if err := Divert(s, transport, tr.Tid); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if transport.Replies[0].StopReason != s.lastStop.Reason {
		t.Errorf("GetStopReason = %v, want %v (last step's reason)", transport.Replies[0].StopReason, s.lastStop.Reason)
	}
}

func TestDivertInterruptAndDetachAreAcknowledged(t *testing.T) {
	tr := startTracedChild(t)
	s := New(map[int]*task.Task{tr.Tid: tr})
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindInterrupt},
		dbgreq.Request{Kind: dbgreq.KindDetach},
	)

	if err := Divert(s, transport, tr.Tid); err != nil {
		t.Fatalf("Divert: %v", err)
	}
	if !transport.Replies[0].OK {
		t.Error("Interrupt should be acknowledged")
	}
	if !transport.Replies[1].OK {
		t.Error("Detach should be acknowledged")
	}
	if s.tasks != nil {
		t.Error("expected Detach to tear the diversion down")
	}
}

func TestDivertStepOnUnknownTidFails(t *testing.T) {
	s := New(map[int]*task.Task{})
	transport := fake.New(dbgreq.Request{Kind: dbgreq.KindStep, Tid: 99999})

	if err := Divert(s, transport, 0); err == nil {
		t.Fatal("expected Divert to fail stepping a tid that isn't in the diversion")
	}
}
