// Package cmd provides the command-line interface for rrreplay.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "rrreplay",
	Short: "rrreplay replays and debugs a recorded execution trace",
	Long: `rrreplay replays a trace recorded by this project's recorder, ` +
		`driving the traced process deterministically back through the ` +
		`events that were recorded and optionally attaching a debugger.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("rrreplay failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(replayCmd)
}
