// Package ticks is the Ticks Counter: it programs the host's PMU to
// count retired conditional branches for one tracee thread, the
// engine's unit of deterministic progress, and knows how to work
// around the handful of kernel/hypervisor bugs that make that
// counting unreliable on some hosts.
//
// It is grounded on PerfCounters.cc: the fd layout, the IN_TX/IN_TXCP
// tie-break in ReadTicks, and the two kernel-bug probes are all
// re-expressions of that file's logic, not new designs.
package ticks

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/config"
	"github.com/tickloop/rr/pmu"
)

// Ticks is a count of retired conditional branches: the engine's
// definition of deterministic progress through a thread's execution.
type Ticks uint64

// Extra bundles the auxiliary counters the engine reads alongside
// ticks for diagnostics and scheduling heuristics, never for replay
// determinism itself.
type Extra struct {
	InstructionsRetired uint64
	HardwareInterrupts  uint64
	PageFaults          uint64
}

// Counter owns every perf_event fd open for one tracee thread. A
// Counter must be closed (via Stop) before the thread it was opened
// against exits, or the fds leak until the process itself exits.
type Counter struct {
	tid int
	cfg *pmu.Config

	fdInterrupt           *perfFD // carries SamplePeriod, fires the overflow signal
	fdMeasure             *perfFD // IN_TXCP, SamplePeriod=0: authoritative tick value when HLE is in use
	fdInTransaction       *perfFD // IN_TX, SamplePeriod=0: sanity check, opened only when the measure counter is unreliable (B1)
	fdUseless             *perfFD // Silvermont-family workaround counter, see activateUselessCounter
	fdInstructionsRetired *perfFD
	fdHardwareInterrupts  *perfFD
	fdPageFaults          *perfFD

	started  bool
	counting bool

	// usingTXCP records whether fdMeasure was actually opened with the
	// IN_TXCP modifier set. openMeasureAttr retries without the
	// modifier on EINVAL (older kernels reject it outright), leaving
	// this false. ReadTicks does not consult it.
	usingTXCP bool

	// activateUselessCounterDecided/activateUselessCounter implement the
	// useless-counter policy: activated exactly when
	// hasIOCPeriodBug() && !config.RunningNested, decided once on
	// Reset's first call rather than re-evaluated every time.
	activateUselessCounterDecided bool
	activateUselessCounter        bool
}

// New opens a Counter for tid, programmed from cfg. The counter is
// constructed in the stopped state; call Reset to arm it.
func New(tid int, cfg *pmu.Config) (*Counter, error) {
	c := &Counter{
		tid: tid,
		cfg: cfg,
	}
	return c, nil
}

// Tid returns the thread this counter is currently programmed
// against.
func (c *Counter) Tid() int { return c.tid }

// Reset (re)programs the counter to fire an overflow after period
// ticks and starts counting from zero. period == 0 means "never
// overflow": the counter still counts, but no interrupt is armed,
// matching rr's semantics for a thread the scheduler isn't currently
// time-slicing.
//
// On the first call, Reset decides the useless-counter policy once
// (hasIOCPeriodBug(tid) && !RunningNested) and remembers it for
// every later call, matching reset()'s one-time decision in
// PerfCounters.cc rather than re-probing on every frame.
//
// If the counter is already started and this host does not need
// AlwaysRecreateCounters, Reset reuses the open fds in place via
// IOC_RESET/IOC_PERIOD/IOC_ENABLE instead of closing and reopening
// them, the same shortcut PerfCounters.cc::reset takes when neither B1
// nor B2 is present. Otherwise every fd is closed and reopened from
// scratch.
func (c *Counter) Reset(period Ticks) error {
	if !c.activateUselessCounterDecided {
		c.activateUselessCounter = hasIOCPeriodBug(c.tid) && !config.Default().RunningNested
		c.activateUselessCounterDecided = true
	}

	if c.started && !AlwaysRecreateCounters(c.tid) {
		return c.resetInPlace(period)
	}

	if err := c.Stop(); err != nil {
		return err
	}
	return c.openAll(period)
}

// resetInPlace reprograms an already-open counter set without closing
// any fd: IOC_RESET zeroes the count, IOC_PERIOD reprograms the
// overflow point, IOC_ENABLE resumes counting. Mirrors reset()'s
// "started" branch.
func (c *Counter) resetInPlace(period Ticks) error {
	for _, fd := range c.allFDs() {
		if err := fd.reset(); err != nil {
			return fmt.Errorf("resetting counter: %w", err)
		}
	}
	if err := c.fdInterrupt.setPeriod(periodOrUnreachable(period)); err != nil {
		return fmt.Errorf("reprogramming interrupt counter period: %w", err)
	}
	for _, fd := range c.allFDs() {
		if err := fd.enable(); err != nil {
			return fmt.Errorf("re-enabling counter: %w", err)
		}
	}
	c.counting = true
	return nil
}

// periodOrUnreachable maps a requested period onto the sample_period
// the kernel is actually programmed with: 0 means "no interrupt
// desired", implemented as an effectively unreachable period rather
// than a literal 0 (which the kernel treats as "fire on every
// event").
func periodOrUnreachable(period Ticks) uint64 {
	if period == 0 {
		return 1 << 60
	}
	return uint64(period)
}

// openAll opens every fd from scratch: the interrupt counter (plain,
// carrying the period — the kernel does not support combining a
// sample period with IN_TXCP on one fd) and, separately, exactly one
// of the measure counter (IN_TXCP) or the in-transaction sanity-check
// counter (IN_TX), chosen by hasKVMInTXCPBug.
func (c *Counter) openAll(period Ticks) error {
	attrSet := newAttrs(c.cfg)

	interruptAttr := attrSet.ticks
	interruptAttr.Sample = periodOrUnreachable(period)
	interruptAttr.Wakeup = 1

	fd, err := openPerfEvent(&interruptAttr, c.tid)
	if err != nil {
		return fmt.Errorf("opening interrupt counter: %w", err)
	}
	c.fdInterrupt = fd

	if hasKVMInTXCPBug(c.tid) {
		txAttr := attrSet.ticks
		txAttr.Config |= inTX
		c.fdInTransaction, err = openPerfEvent(&txAttr, c.tid)
		if err != nil {
			c.Stop()
			return fmt.Errorf("opening IN_TX sanity-check counter: %w", err)
		}
	} else {
		measureAttr := attrSet.ticks
		measureAttr.Config |= inTXCP
		c.fdMeasure, c.usingTXCP, err = c.openMeasureAttr(measureAttr)
		if err != nil {
			c.Stop()
			return err
		}
	}

	if c.activateUselessCounter {
		c.fdUseless, err = openPerfEvent(&attrSet.cycles, c.tid)
		if err != nil {
			c.Stop()
			return fmt.Errorf("opening useless counter: %w", err)
		}
	}

	c.fdInstructionsRetired, err = openPerfEvent(&attrSet.instructionsRetired, c.tid)
	if err != nil {
		c.Stop()
		return fmt.Errorf("opening instructions-retired counter: %w", err)
	}
	c.fdHardwareInterrupts, err = openPerfEvent(&attrSet.hwInterrupts, c.tid)
	if err != nil {
		c.Stop()
		return fmt.Errorf("opening hw-interrupts counter: %w", err)
	}
	c.fdPageFaults, err = openPerfEvent(&attrSet.pageFaults, c.tid)
	if err != nil {
		c.Stop()
		return fmt.Errorf("opening page-faults counter: %w", err)
	}

	for _, fd := range c.allFDs() {
		if err := fd.enable(); err != nil {
			c.Stop()
			return fmt.Errorf("enabling counter: %w", err)
		}
	}

	c.started = true
	c.counting = true
	return nil
}

// openMeasureAttr opens attr, retrying once without IN_TXCP if the
// kernel rejects the modifier with EINVAL: some kernels that
// understand IN_TX don't understand the narrower IN_TXCP, and rr
// treats that as a degrade-not-fail condition.
func (c *Counter) openMeasureAttr(attr unix.PerfEventAttr) (*perfFD, bool, error) {
	hadTXCP := attr.Config&inTXCP != 0
	fd, err := openPerfEvent(&attr, c.tid)
	if err == nil {
		return fd, hadTXCP, nil
	}
	if !hadTXCP || !errors.Is(err, unix.EINVAL) {
		return nil, false, fmt.Errorf("opening measure counter: %w", err)
	}

	logDegradedTXCP(c.tid)
	attr.Config &^= inTXCP
	fd, err = openPerfEvent(&attr, c.tid)
	if err != nil {
		return nil, false, fmt.Errorf("opening measure counter without IN_TXCP: %w", err)
	}
	return fd, false, nil
}

// StopCounting disables every open counter without closing the fds,
// so a subsequent Reset can cheaply re-enable them rather than reopen
// from scratch — unless AlwaysRecreateCounters says this host's
// kernel doesn't tolerate that, in which case StopCounting is
// equivalent to Stop. When the fds stay open the useless counter is
// left running, since its whole purpose is to keep the PMU alive
// across the gap between frames; Stop is what closes it.
func (c *Counter) StopCounting() error {
	if AlwaysRecreateCounters(c.tid) {
		return c.Stop()
	}
	if !c.counting {
		return nil
	}
	var firstErr error
	for _, fd := range c.allFDs() {
		if fd == c.fdUseless {
			continue
		}
		if err := fd.disable(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.counting = false
	return firstErr
}

// Stop disables and closes every counter fd this Counter owns. It is
// idempotent.
func (c *Counter) Stop() error {
	var firstErr error
	for _, fd := range c.allFDs() {
		if err := fd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.fdInterrupt = nil
	c.fdMeasure = nil
	c.fdInTransaction = nil
	c.fdUseless = nil
	c.fdInstructionsRetired = nil
	c.fdHardwareInterrupts = nil
	c.fdPageFaults = nil
	c.started = false
	c.counting = false
	return firstErr
}

// SetTid reprograms this Counter for a different thread, used when a
// replayed task's tid changes identity across an exec. The existing
// counters are torn down; the caller must Reset again before reading.
func (c *Counter) SetTid(newTid int) error {
	if err := c.Stop(); err != nil {
		return err
	}
	c.tid = newTid
	return nil
}

// ReadTicks returns the current tick count. if !started || !counting
// it returns 0. Otherwise it applies the tie-break between the
// interrupt counter and, if open, the measure counter: fdInTransaction
// (when open) is only a sanity check — a non-zero reading there means
// HLE ran in a configuration where accurate ticks are impossible, and
// is reported as an error rather than folded into the count.
func (c *Counter) ReadTicks() (Ticks, error) {
	if !c.started || !c.counting {
		return 0, nil
	}
	if !c.fdInterrupt.valid() {
		return 0, fmt.Errorf("ReadTicks on a counter with no interrupt fd open")
	}
	interrupt, err := c.fdInterrupt.read()
	if err != nil {
		return 0, err
	}

	if c.fdInTransaction.valid() {
		inTx, err := c.fdInTransaction.read()
		if err != nil {
			return 0, err
		}
		if inTx != 0 {
			msg := fmt.Sprintf("ticks counter tid=%d: hardware transaction ran with accurate ticks impossible (in-transaction count = %d)", c.tid, inTx)
			if !config.Default().ForceThings {
				return 0, errors.New(msg)
			}
			logrus.WithField("tid", c.tid).Warn(msg)
		}
	}

	if !c.fdMeasure.valid() {
		return Ticks(interrupt), nil
	}

	measure, err := c.fdMeasure.read()
	if err != nil {
		return 0, err
	}
	if measure > interrupt {
		// Spurious IN_TXCP overcount: the measure counter cannot
		// legitimately exceed the interrupt counter it's a strict
		// subset of, so fall back to the interrupt count.
		return Ticks(interrupt), nil
	}
	return Ticks(measure), nil
}

// ReadExtra reads the auxiliary counters. It does not participate in
// the IN_TXCP tie-break: these counters exist for diagnostics, not
// replay determinism.
func (c *Counter) ReadExtra() (Extra, error) {
	var extra Extra
	var err error

	if c.fdInstructionsRetired.valid() {
		extra.InstructionsRetired, err = c.fdInstructionsRetired.read()
		if err != nil {
			return Extra{}, err
		}
	}
	if c.fdHardwareInterrupts.valid() {
		extra.HardwareInterrupts, err = c.fdHardwareInterrupts.read()
		if err != nil {
			return Extra{}, err
		}
	}
	if c.fdPageFaults.valid() {
		extra.PageFaults, err = c.fdPageFaults.read()
		if err != nil {
			return Extra{}, err
		}
	}
	return extra, nil
}

// IsTicksAttr reports whether attr describes the same event this
// package programs as the tick source, ignoring the fields that can
// legitimately differ between an attr this package built and one it
// reads back from the kernel (sample_period changes on every Reset;
// IN_TXCP may have been dropped by the EINVAL-retry in openMeasureAttr).
func (c *Counter) IsTicksAttr(attr unix.PerfEventAttr) bool {
	want := newRawAttr(c.cfg.RetiredConditionalBranchesEvent)
	if attr.Type != want.Type || attr.Config&^inTXCP != want.Config&^inTXCP {
		return false
	}
	return attr.Bits == want.Bits
}

func (c *Counter) allFDs() []*perfFD {
	return []*perfFD{
		c.fdInterrupt,
		c.fdMeasure,
		c.fdInTransaction,
		c.fdUseless,
		c.fdInstructionsRetired,
		c.fdHardwareInterrupts,
		c.fdPageFaults,
	}
}

func logDegradedTXCP(tid int) {
	logrus.WithField("tid", tid).Warn("kernel rejected IN_TXCP, retrying ticks counter without it")
}
