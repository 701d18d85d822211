package replay

import (
	"errors"
	"testing"

	"github.com/tickloop/rr/checksum"
	"github.com/tickloop/rr/config"
	"github.com/tickloop/rr/dbgreq"
	"github.com/tickloop/rr/dbgreq/fake"
	"github.com/tickloop/rr/trace"
)

func TestDebuggerGateNoOpWithoutTransport(t *testing.T) {
	s := &Session{validate: true}
	if err := s.debuggerGate(); err != nil {
		t.Fatalf("debuggerGate with no Transport should be a no-op, got: %v", err)
	}
}

func TestDebuggerGateNoOpBeforeValidate(t *testing.T) {
	s := &Session{Transport: fake.New(), validate: false}
	if err := s.debuggerGate(); err != nil {
		t.Fatalf("debuggerGate before validate should be a no-op, got: %v", err)
	}
}

func TestDebuggerGateNoOpUnderAutopilot(t *testing.T) {
	s := &Session{Transport: fake.New(), validate: true, cfg: config.Config{Autopilot: true}}
	if err := s.debuggerGate(); err != nil {
		t.Fatalf("debuggerGate under autopilot should be a no-op, got: %v", err)
	}
}

func TestDebuggerGateServicesUntilPlainResume(t *testing.T) {
	tr := startTracedChild(t)
	transport := fake.New(
		dbgreq.Request{Kind: dbgreq.KindGetCurrentThread},
		dbgreq.Request{Kind: dbgreq.KindContinue},
	)
	s := &Session{
		Task:        tr,
		Breakpoints: NewBreakpointTable(tr),
		Transport:   transport,
		validate:    true,
	}
	if err := s.debuggerGate(); err != nil {
		t.Fatalf("debuggerGate: %v", err)
	}
	if len(transport.Replies) != 1 || !transport.Replies[0].OK {
		t.Fatalf("got replies %+v, want one OK reply answering GetCurrentThread before the plain resume", transport.Replies)
	}
}

func TestServiceDebuggerUntilResumeRestartReturnsSentinel(t *testing.T) {
	s := &Session{Transport: fake.New(dbgreq.Request{Kind: dbgreq.KindRestart})}
	if err := s.serviceDebuggerUntilResume(); !errors.Is(err, errRestartRequested) {
		t.Errorf("serviceDebuggerUntilResume on KindRestart = %v, want errRestartRequested", err)
	}
}

func TestReplyToInfoRequestGetRegs(t *testing.T) {
	tr := startTracedChild(t)
	transport := fake.New()
	s := &Session{Task: tr, Transport: transport}

	if err := s.replyToInfoRequest(dbgreq.Request{Kind: dbgreq.KindGetRegs}); err != nil {
		t.Fatalf("replyToInfoRequest: %v", err)
	}
	if !transport.Replies[0].OK || len(transport.Replies[0].Data) == 0 {
		t.Errorf("GetRegs reply = %+v, want OK with non-empty data", transport.Replies[0])
	}
}

func TestReplyToInfoRequestUnhandledKindFails(t *testing.T) {
	s := &Session{Transport: fake.New()}
	if err := s.replyToInfoRequest(dbgreq.Request{Kind: dbgreq.KindContinue}); err == nil {
		t.Error("expected replyToInfoRequest to reject a resume-class kind it doesn't own")
	}
}

func TestCheckCarryOverSignalMatchingClearsIt(t *testing.T) {
	s := &Session{pendingSignal: 11}
	f := trace.Frame{Event: trace.EventSignal, Signal: 11}
	if err := s.checkCarryOverSignal(f); err != nil {
		t.Fatalf("checkCarryOverSignal: %v", err)
	}
	if s.pendingSignal != 0 {
		t.Errorf("pendingSignal = %d after a matching frame, want 0", s.pendingSignal)
	}
}

func TestCheckCarryOverSignalMismatchIsDivergence(t *testing.T) {
	s := &Session{pendingSignal: 11}
	f := trace.Frame{Event: trace.EventSignal, Signal: 5}
	err := s.checkCarryOverSignal(f)
	if err == nil {
		t.Fatal("expected a mismatched carry-over signal to be a divergence")
	}
	if !errors.Is(err, ErrDivergence) {
		t.Errorf("checkCarryOverSignal error = %v, want ErrDivergence", err)
	}
}

func TestCheckCarryOverSignalNoneIsANoOp(t *testing.T) {
	s := &Session{}
	if err := s.checkCarryOverSignal(trace.Frame{Event: trace.EventExit}); err != nil {
		t.Fatalf("checkCarryOverSignal with no pending signal should be a no-op, got: %v", err)
	}
}

func TestBreakpointHitDetectsPlantedBreakpoint(t *testing.T) {
	tr := startTracedChild(t)
	regs, err := tr.Regs()
	if err != nil {
		t.Skipf("cannot read registers of traced child: %v", err)
	}
	addr := uintptr(regs.Rip)

	bt := NewBreakpointTable(tr)
	if err := bt.Set(addr); err != nil {
		t.Fatalf("Set: %v", err)
	}

	regs.Rip = uint64(addr) + 1
	if err := tr.SetRegs(&regs); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}

	s := &Session{Task: tr, Breakpoints: bt}
	hit, got, err := s.breakpointHit()
	if err != nil {
		t.Fatalf("breakpointHit: %v", err)
	}
	if !hit {
		t.Fatal("expected breakpointHit to report a hit at Rip-1")
	}
	if got != addr {
		t.Errorf("breakpointHit addr = %#x, want %#x", got, addr)
	}
}

func TestBreakpointHitFalseWithNothingPlanted(t *testing.T) {
	tr := startTracedChild(t)
	s := &Session{Task: tr, Breakpoints: NewBreakpointTable(tr)}
	hit, _, err := s.breakpointHit()
	if err != nil {
		t.Fatalf("breakpointHit: %v", err)
	}
	if hit {
		t.Error("expected breakpointHit to report no hit with an empty breakpoint table")
	}
}

func TestCheckFrameChecksumSkippedWhenModeOff(t *testing.T) {
	s := &Session{cfg: config.Config{Checksum: config.ChecksumOff}}
	f := trace.Frame{HasChecksum: true}
	if err := s.checkFrameChecksum(f); err != nil {
		t.Fatalf("checkFrameChecksum with ChecksumOff should be a no-op, got: %v", err)
	}
}

func TestCheckFrameChecksumSkippedWhenFrameHasNone(t *testing.T) {
	s := &Session{cfg: config.Config{Checksum: config.ChecksumAll}, Checksums: checksum.NewVerifier([]byte("region"))}
	f := trace.Frame{HasChecksum: false}
	if err := s.checkFrameChecksum(f); err != nil {
		t.Fatalf("checkFrameChecksum on a frame with no recorded checksum should be a no-op, got: %v", err)
	}
}

func TestCheckFrameChecksumMismatchWithoutTransportIsDivergence(t *testing.T) {
	mem := []byte("region")
	s := &Session{cfg: config.Config{Checksum: config.ChecksumAll}, Checksums: checksum.NewVerifier(mem)}
	wrong := checksum.Of([]byte("not the region"))
	f := trace.Frame{HasChecksum: true, Checksum: [32]byte(checksum.EncodeSum(wrong))}
	err := s.checkFrameChecksum(f)
	if !errors.Is(err, ErrDivergence) {
		t.Errorf("checkFrameChecksum on a mismatch = %v, want ErrDivergence", err)
	}
}

func TestCheckFrameChecksumMatchIsANoOp(t *testing.T) {
	mem := []byte("region")
	s := &Session{cfg: config.Config{Checksum: config.ChecksumAll}, Checksums: checksum.NewVerifier(mem)}
	want := checksum.Of(mem)
	f := trace.Frame{HasChecksum: true, Checksum: [32]byte(checksum.EncodeSum(want))}
	if err := s.checkFrameChecksum(f); err != nil {
		t.Errorf("checkFrameChecksum on a match should be a no-op, got: %v", err)
	}
}

func TestNotifyStopWithoutTransportRecordsLastStop(t *testing.T) {
	s := &Session{}
	if err := s.notifyStop(dbgreq.StopBreakpoint, 5); err != nil {
		t.Fatalf("notifyStop: %v", err)
	}
	if s.lastStopReason != dbgreq.StopBreakpoint || s.lastStopSignal != 5 {
		t.Errorf("lastStopReason/lastStopSignal = %v/%d, want StopBreakpoint/5", s.lastStopReason, s.lastStopSignal)
	}
}

func TestEmergencyDebugWithoutTransportReturnsErrDivergence(t *testing.T) {
	tr := startTracedChild(t)
	s := &Session{Task: tr}
	err := s.emergencyDebug("test divergence")
	if !errors.Is(err, ErrDivergence) {
		t.Errorf("emergencyDebug without a Transport = %v, want ErrDivergence", err)
	}
}
