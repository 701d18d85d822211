// Command pmuinfo prints what the PMU registry knows about either the
// host CPU or every microarchitecture it has an entry for.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tickloop/rr/pmu"
)

func main() {
	var (
		flagList  = flag.Bool("list", false, "list every microarchitecture in the registry, not just the detected one")
		flagForce = flag.String("force-microarch", "", "`name` to force detection to, instead of reading the host CPU")
	)
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(1)
	}

	if *flagList {
		for _, cfg := range pmu.All() {
			printConfig(cfg)
		}
		return
	}

	uarch := pmu.Detect(*flagForce, pmu.HostCPUID)
	printConfig(*pmu.Lookup(uarch))
}

func printConfig(cfg pmu.Config) {
	fmt.Printf("%s (supported=%v)\n", cfg.DisplayName, cfg.Supported)
	if !cfg.Supported {
		return
	}
	fmt.Printf("  retired-conditional-branches: %#x\n", cfg.RetiredConditionalBranchesEvent)
	fmt.Printf("  retired-instructions:         %#x\n", cfg.RetiredInstructionsEvent)
	fmt.Printf("  hardware-interrupts:          %#x\n", cfg.HardwareInterruptsEvent)
	if cfg.BenefitsFromUselessCounter {
		fmt.Printf("  benefits from a useless counter workaround\n")
	}
}
