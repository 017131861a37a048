// Package cli wires the companion's commands: the long-running serve process
// and one-shot utilities.
package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rune-companion",
	Short: "Long-term memory and task follow-through for a conversational companion",
	Long: "rune-companion persists what a companion learns about its users as decaying\n" +
		"memories and structured facts, and runs the scheduler that delivers deferred\n" +
		"messages and two-phase ask/reply-back tasks.",
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}
