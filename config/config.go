// Package config holds the configuration surface consumed by the
// engine's core: the PMU registry, the ticks counter, the diversion
// controller and the dispatch loop all read from a single immutable
// Config rather than reaching for globals or flags of their own.
package config

import "time"

// ChecksumMode controls when the dispatch loop asks the memory-checksum
// collaborator to validate a task's address space.
type ChecksumMode int

const (
	// ChecksumOff never checksums memory.
	ChecksumOff ChecksumMode = iota
	// ChecksumAll checksums after every trace frame.
	ChecksumAll
	// ChecksumSyscall checksums only after syscall-exit frames.
	ChecksumSyscall
	// ChecksumAtTime checksums every frame whose recorded global time
	// is at or past ChecksumAt.
	ChecksumAtTime
)

// DumpMode controls when process memory is dumped to disk for offline
// inspection. The dump itself is an external collaborator; the core
// only decides when to call it.
type DumpMode int

const (
	DumpOff DumpMode = iota
	DumpOnAll
	DumpOnStopReason
	DumpAtTime
)

// Config is the configuration surface described by the specification's
// external-interfaces section. It is constructed once (typically by the
// cmd/rrreplay CLI) and treated as immutable by every component that
// reads it.
type Config struct {
	// ForcedUarch overrides CPU microarchitecture detection by
	// case-insensitive substring match against a PmuConfig display
	// name. Empty means "detect".
	ForcedUarch string

	// SuppressEnvironmentWarnings is set by the CLI but read by no
	// package: no HLE/IN_TXCP kernel compatibility caveat is printed,
	// so there is nothing for it to silence.
	SuppressEnvironmentWarnings bool

	// ForceThings downgrades the HLE-diverted-ticks assertion (an
	// in-transaction counter reading a nonzero value when HLE
	// support is unavailable) from fatal to a warning.
	ForceThings bool

	// DbgPort is the TCP port a debugger connection is requested on.
	// Zero means no debugger attach. No listener exists in this build:
	// cmd/rrreplay only warns when it is non-zero.
	DbgPort int

	// Autopilot runs the replay to completion without ever
	// contacting a debugger.
	Autopilot bool

	Checksum   ChecksumMode
	ChecksumAt uint64

	DumpOn DumpMode
	DumpAt time.Time

	// Redirect controls whether the traced process' stdout/stderr
	// are redirected to the engine's own, or left attached to the
	// recorded fds.
	Redirect bool

	// RunningNested is true when this engine is itself being
	// traced by an outer instance of the same engine. The outer
	// instance presents idealized performance counters, so the
	// inner instance skips its own kernel-bug probes.
	RunningNested bool

	// ExtraCounters is read by no package: ticks.Counter opens the
	// page-faults / hw-interrupts / instructions-retired counters
	// alongside the ticks counters on every fresh open, whatever its
	// value.
	ExtraCounters bool
}

// Default returns the zero-value configuration augmented with the
// detection of whether this process is itself running under a nested
// instance of the engine, mirroring the original's running_under_rr().
func Default() Config {
	return Config{
		RunningNested: runningNested(),
	}
}
