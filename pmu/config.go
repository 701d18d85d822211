package pmu

// Config is an immutable description of the raw PMU event encodings
// to use on one microarchitecture, plus known-bug workaround flags.
//
// The event codes are copied verbatim from rr's pmu_configs table
// (PerfCounters.cc): a single wrong code silently corrupts tick
// counts, so this table is not meant to be "improved" independently
// of the upstream project that measured these values on real silicon.
type Config struct {
	Uarch       CpuMicroarch
	DisplayName string

	// RetiredConditionalBranchesEvent is the raw PERF_TYPE_RAW
	// event code counting retired conditional branches: the
	// engine's definition of a tick.
	RetiredConditionalBranchesEvent uint64
	RetiredInstructionsEvent        uint64
	HardwareInterruptsEvent         uint64

	Supported bool

	// BenefitsFromUselessCounter records the upstream project's
	// *original* intent for the useless-counter policy (see
	// ticks.activateUselessCounter, which documents why this
	// implementation does not use this field directly).
	BenefitsFromUselessCounter bool
}

// registry is the static table this package answers Lookup from. It
// is indexed by CpuMicroarch for O(1) lookup; Unknown has no entry and
// Lookup on it always fails fatally.
var registry = map[CpuMicroarch]Config{
	Kabylake: {
		Uarch: Kabylake, DisplayName: "Intel Kabylake",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
	},
	Silvermont: {
		Uarch: Silvermont, DisplayName: "Intel Silvermont",
		RetiredConditionalBranchesEvent: 0x517ec4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
		BenefitsFromUselessCounter:      true,
	},
	Skylake: {
		Uarch: Skylake, DisplayName: "Intel Skylake",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
	},
	Broadwell: {
		Uarch: Broadwell, DisplayName: "Intel Broadwell",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
	},
	Haswell: {
		Uarch: Haswell, DisplayName: "Intel Haswell",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
	},
	IvyBridge: {
		Uarch: IvyBridge, DisplayName: "Intel Ivy Bridge",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
	},
	SandyBridge: {
		Uarch: SandyBridge, DisplayName: "Intel Sandy Bridge",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x5301cb,
		Supported:                       true,
	},
	Nehalem: {
		Uarch: Nehalem, DisplayName: "Intel Nehalem",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x50011d,
		Supported:                       true,
	},
	Westmere: {
		Uarch: Westmere, DisplayName: "Intel Westmere",
		RetiredConditionalBranchesEvent: 0x5101c4,
		RetiredInstructionsEvent:        0x5100c0,
		HardwareInterruptsEvent:         0x50011d,
		Supported:                       true,
	},
	Penryn: {
		Uarch: Penryn, DisplayName: "Intel Penryn",
		Supported: false,
	},
	Merom: {
		Uarch: Merom, DisplayName: "Intel Merom",
		Supported: false,
	},
}

// Lookup returns the PMU configuration for uarch. It fails fatally if
// uarch has no entry, or if the entry is marked unsupported — using an
// unsupported microarchitecture would silently corrupt tick counts
// rather than produce a usable error.
func Lookup(uarch CpuMicroarch) *Config {
	cfg, ok := registry[uarch]
	if !ok {
		fatalUnknownUarch(uarch)
	}
	if !cfg.Supported {
		fatalUnsupportedUarch(cfg)
	}
	return &cfg
}

// All returns every entry in the registry, supported or not, for
// tooling (e.g. cmd/pmuinfo --list) that wants to enumerate what the
// engine knows about.
func All() []Config {
	out := make([]Config, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	return out
}
