package ticks

import (
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/pmu"
)

// fakeReadableFD returns a perfFD backed by a pipe preloaded with
// value, so ReadTicks's tie-break logic can be exercised without a
// real perf_event_open (unavailable in most test sandboxes).
func fakeReadableFD(t *testing.T, value uint64) *perfFD {
	t.Helper()
	r, w, err := unixPipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.Write(w, buf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	unix.Close(w)
	t.Cleanup(func() { unix.Close(r) })
	return &perfFD{fd: r}
}

func unixPipe() (r, w int, err error) {
	var fds [2]int
	err = unix.Pipe(fds[:])
	return fds[0], fds[1], err
}

func TestReadTicksWithoutMeasureCounter(t *testing.T) {
	c := &Counter{fdInterrupt: fakeReadableFD(t, 42), started: true, counting: true}
	got, err := c.ReadTicks()
	if err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestReadTicksTieBreakPrefersInterruptWhenMeasuredIsHigher(t *testing.T) {
	c := &Counter{
		fdInterrupt: fakeReadableFD(t, 80),
		fdMeasure:   fakeReadableFD(t, 100),
		started:     true,
		counting:    true,
	}
	got, err := c.ReadTicks()
	if err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if got != 80 {
		t.Errorf("got %d, want interrupt value 80 (measured 100 is a spurious IN_TXCP overcount)", got)
	}
}

func TestReadTicksTieBreakTrustsMeasuredWhenNotHigher(t *testing.T) {
	c := &Counter{
		fdInterrupt: fakeReadableFD(t, 80),
		fdMeasure:   fakeReadableFD(t, 50),
		started:     true,
		counting:    true,
	}
	got, err := c.ReadTicks()
	if err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if got != 50 {
		t.Errorf("got %d, want measured value 50", got)
	}
}

func TestReadTicksInTransactionSanityCheckFailsOnNonZero(t *testing.T) {
	c := &Counter{
		fdInterrupt:     fakeReadableFD(t, 80),
		fdInTransaction: fakeReadableFD(t, 3),
		started:         true,
		counting:        true,
	}
	if _, err := c.ReadTicks(); err == nil {
		t.Error("expected an error when the in-transaction sanity-check counter reads non-zero")
	}
}

func TestReadTicksInTransactionSanityCheckPassesOnZero(t *testing.T) {
	c := &Counter{
		fdInterrupt:     fakeReadableFD(t, 80),
		fdInTransaction: fakeReadableFD(t, 0),
		started:         true,
		counting:        true,
	}
	got, err := c.ReadTicks()
	if err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if got != 80 {
		t.Errorf("got %d, want interrupt value 80", got)
	}
}

func TestReadTicksBeforeStartedOrCountingReturnsZero(t *testing.T) {
	c := &Counter{}
	got, err := c.ReadTicks()
	if err != nil {
		t.Fatalf("ReadTicks: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0 for a counter not started/counting", got)
	}
}

func TestReadTicksWithoutFdIsAnError(t *testing.T) {
	c := &Counter{started: true, counting: true}
	if _, err := c.ReadTicks(); err == nil {
		t.Error("expected an error reading ticks with no interrupt fd open")
	}
}

func TestIsTicksAttrMatchesOwnEncoding(t *testing.T) {
	cfg := pmu.Lookup(pmu.Skylake)
	c := &Counter{cfg: cfg}
	attrs := newAttrs(cfg)

	if !c.IsTicksAttr(attrs.ticks) {
		t.Error("IsTicksAttr should recognize the exact attr this package builds")
	}
}

func TestIsTicksAttrIgnoresSamplePeriodAndTXCP(t *testing.T) {
	cfg := pmu.Lookup(pmu.Skylake)
	c := &Counter{cfg: cfg}
	attrs := newAttrs(cfg)

	withPeriod := attrs.ticks
	withPeriod.Sample = 123456
	withPeriod.Wakeup = 1
	if !c.IsTicksAttr(withPeriod) {
		t.Error("IsTicksAttr should ignore sample_period/wakeup_events differences")
	}

	withTXCP := attrs.ticks
	withTXCP.Config |= inTXCP
	if !c.IsTicksAttr(withTXCP) {
		t.Error("IsTicksAttr should ignore a degraded/non-degraded IN_TXCP bit")
	}
}

func TestIsTicksAttrRejectsDifferentEvent(t *testing.T) {
	cfg := pmu.Lookup(pmu.Skylake)
	c := &Counter{cfg: cfg}
	other := newRawAttr(cfg.RetiredInstructionsEvent)

	if c.IsTicksAttr(other) {
		t.Error("IsTicksAttr should reject the instructions-retired attr")
	}
}

func TestStopClosesFDsExactlyOnceAndIsIdempotent(t *testing.T) {
	c := &Counter{
		fdInterrupt:  fakeReadableFD(t, 1),
		fdPageFaults: fakeReadableFD(t, 1),
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}
