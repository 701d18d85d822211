package ticks

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tickloop/rr/pmu"
)

// sizeofPerfEventAttr is written into every attr's Size field, as the
// kernel requires, so it can tell which ABI version it's being asked
// to interpret.
var sizeofPerfEventAttr = uint32(unsafe.Sizeof(unix.PerfEventAttr{}))

// perf_event_attr.Bits packs several single-bit and two-bit fields
// into one uint64; golang.org/x/sys/unix does not name the individual
// bits (its PerfEventAttr.Bits is an opaque uint64), so this mirrors
// the layout from include/uapi/linux/perf_event.h directly, the same
// way rr's init_perf_event_attr does by hand.
const (
	bitExcludeKernel = 1 << 5
	bitExcludeHV     = 1 << 6
	bitExcludeGuest  = 1 << 20
)

// IN_TX and IN_TXCP are Intel PMU raw-event config modifiers: IN_TX
// restricts counting to events inside a hardware transaction, IN_TXCP
// additionally excludes events that occurred in a transaction that
// later aborted. Copied from PerfCounters.cc.
const (
	inTX   uint64 = 1 << 32
	inTXCP uint64 = 1 << 33
)

// newRawAttr builds the perf_event_attr the engine uses for every
// counter it opens on the ticks/instructions/hw-interrupts events: a
// raw event, counting only unprivileged host-userspace execution
// (kernel and guest execution are excluded).
// This is init_perf_event_attr from PerfCounters.cc: rr requires that
// its events count userspace tracee code only.
func newRawAttr(config uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_RAW,
		Size:   sizeofPerfEventAttr,
		Config: config,
		Bits:   bitExcludeKernel | bitExcludeGuest,
	}
}

func newHardwareAttr(config uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Size:   sizeofPerfEventAttr,
		Config: config,
		Bits:   bitExcludeKernel | bitExcludeGuest,
	}
}

func newSoftwareAttr(config uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Size:   sizeofPerfEventAttr,
		Config: config,
		Bits:   bitExcludeKernel | bitExcludeGuest,
	}
}

// attrs bundles the event descriptors this package opens, derived
// once from the detected PMU configuration. It mirrors the package-
// level ticks_attr/cycles_attr/... globals in PerfCounters.cc, but
// scoped to a struct instead of process globals so tests can build
// more than one without cross-contamination.
type attrs struct {
	ticks               unix.PerfEventAttr
	cycles              unix.PerfEventAttr
	pageFaults          unix.PerfEventAttr
	hwInterrupts        unix.PerfEventAttr
	instructionsRetired unix.PerfEventAttr
}

func newAttrs(cfg *pmu.Config) attrs {
	hw := newRawAttr(cfg.HardwareInterruptsEvent)
	// libpfm encodes the hw-interrupts event with exclude_hv set;
	// rr does the same "unclear if necessary".
	hw.Bits |= bitExcludeHV

	return attrs{
		ticks:               newRawAttr(cfg.RetiredConditionalBranchesEvent),
		cycles:              newHardwareAttr(unix.PERF_COUNT_HW_CPU_CYCLES),
		pageFaults:          newSoftwareAttr(unix.PERF_COUNT_SW_PAGE_FAULTS),
		hwInterrupts:        hw,
		instructionsRetired: newRawAttr(cfg.RetiredInstructionsEvent),
	}
}
