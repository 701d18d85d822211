package pmu

import (
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/tickloop/rr/internal/fatal"
)

// CPUIDSource supplies the CPUID-derived family/model pair Detect
// classifies. The default source wraps github.com/klauspost/cpuid/v2;
// tests inject a fake pair so the registry's classification logic can
// be exercised without depending on the host CPU.
type CPUIDSource interface {
	FamilyModel() (family, model uint8)
}

type hostCPUID struct{}

func (hostCPUID) FamilyModel() (uint8, uint8) {
	return uint8(cpuid.CPU.Family), uint8(cpuid.CPU.Model)
}

// HostCPUID is the CPUIDSource backed by the real CPU this process is
// running on.
var HostCPUID CPUIDSource = hostCPUID{}

type famModel struct {
	family, model uint8
}

// byFamilyModel mirrors get_cpu_microarch()'s switch over the masked
// CPUID leaf-1 EAX register, re-expressed in terms of the standard
// "display family / display model" pair (family<<0, extendedModel<<4 |
// model) that every public microarchitecture table uses, and that
// klauspost/cpuid/v2 computes for us. Entries come straight from
// PerfCounters.cc.
var byFamilyModel = map[famModel]CpuMicroarch{
	{6, 0x0F}: Merom,
	{6, 0x16}: Merom,
	{6, 0x17}: Penryn,
	{6, 0x1D}: Penryn,
	{6, 0x1A}: Nehalem,
	{6, 0x1E}: Nehalem,
	{6, 0x2E}: Nehalem,
	{6, 0x25}: Westmere,
	{6, 0x2C}: Westmere,
	{6, 0x2F}: Westmere,
	{6, 0x2A}: SandyBridge,
	{6, 0x2D}: SandyBridge,
	{6, 0x3E}: SandyBridge,
	{6, 0x3A}: IvyBridge,
	{6, 0x3C}: Haswell,
	{6, 0x3F}: Haswell,
	{6, 0x45}: Haswell,
	{6, 0x46}: Haswell,
	{6, 0x3D}: Broadwell,
	{6, 0x4F}: Broadwell,
	{6, 0x56}: Broadwell,
	{6, 0x4E}: Skylake,
	{6, 0x5E}: Skylake,
	{6, 0x57}: Silvermont,
	{6, 0x8E}: Kabylake,
	{6, 0x9E}: Kabylake,
}

// Detect returns the microarchitecture this process should program
// PMU counters for. If forcedUarch is non-empty, it overrides
// detection by case-insensitive substring match against a registry
// entry's display name; an unmatched forced value is a fatal
// configuration error, exactly as with a CPUID pattern this registry
// doesn't recognize.
func Detect(forcedUarch string, src CPUIDSource) CpuMicroarch {
	if forcedUarch != "" {
		return detectForced(forcedUarch)
	}

	family, model := src.FamilyModel()
	uarch, ok := byFamilyModel[famModel{family, model}]
	if !ok {
		fatal.F("CPU family %#x model %#x unknown to the PMU registry", family, model)
	}
	return uarch
}

func detectForced(forcedUarch string) CpuMicroarch {
	needle := strings.ToLower(forcedUarch)
	for _, cfg := range registry {
		if strings.Contains(strings.ToLower(cfg.DisplayName), needle) {
			return cfg.Uarch
		}
	}
	fatal.F("forced uarch %q isn't known", forcedUarch)
	panic("unreachable")
}

func fatalUnknownUarch(uarch CpuMicroarch) {
	fatal.F("microarchitecture %v has no PMU registry entry", uarch)
}

func fatalUnsupportedUarch(cfg Config) {
	fatal.F("microarchitecture %q currently unsupported", cfg.DisplayName)
}
