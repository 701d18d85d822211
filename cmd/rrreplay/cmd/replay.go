package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tickloop/rr/config"
	"github.com/tickloop/rr/pmu"
	"github.com/tickloop/rr/replay"
	"github.com/tickloop/rr/task"
	"github.com/tickloop/rr/ticks"
	"github.com/tickloop/rr/trace"
)

var cfg = config.Default()

var replayCmd = &cobra.Command{
	Use:   "replay <trace-file>",
	Short: "replay a recorded trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	flags := replayCmd.Flags()
	flags.StringVar(&cfg.ForcedUarch, "microarch", "", "force PMU detection to this microarchitecture instead of reading the host CPU")
	flags.IntVar(&cfg.DbgPort, "dbgport", 0, "TCP port to accept a debugger connection on; 0 disables debugger attach")
	flags.BoolVar(&cfg.Autopilot, "autopilot", false, "run to completion without waiting for a debugger to attach")
	flags.BoolVar(&cfg.SuppressEnvironmentWarnings, "suppress-environment-warnings", false, "accepted for compatibility; no environment warning is printed in this build, so it has no effect")
}

func runReplay(c *cobra.Command, args []string) error {
	traceFile := args[0]

	f, err := os.Open(traceFile)
	if err != nil {
		return fmt.Errorf("opening trace file: %w", err)
	}
	defer f.Close()

	reader, err := trace.New(f)
	if err != nil {
		return fmt.Errorf("reading trace header: %w", err)
	}

	uarch := pmu.Detect(cfg.ForcedUarch, pmu.HostCPUID)
	pmuCfg := pmu.Lookup(uarch)
	logrus.WithField("microarch", pmuCfg.DisplayName).Info("detected PMU configuration")

	pid := os.Getpid()
	tr := task.New(pid)
	counter, err := ticks.New(pid, pmuCfg)
	if err != nil {
		return fmt.Errorf("opening tick counter: %w", err)
	}
	defer counter.Stop()

	session := replay.New(tr, counter, reader, cfg)
	if cfg.DbgPort != 0 {
		logrus.WithField("dbgport", cfg.DbgPort).Warn("debugger attach requested but this build has no GDB Remote Serial Protocol listener; continuing with no attached debugger")
	}
	logrus.WithFields(logrus.Fields{
		"frames":    reader.Remaining(),
		"autopilot": cfg.Autopilot,
	}).Info("starting replay")
	return session.Replay()
}
