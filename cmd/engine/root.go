package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information, set at build time via -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"

	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "statengine",
	Short: "Deterministic concurrent state-machine engine",
	Long: `statengine runs a deterministic, concurrency-aware state-machine
engine: a layered key/value store, an epoch-based scheduler that executes
independent transitions in parallel under safety axioms, and a replay
result cache.

It drives a pluggable Application (see pkg/engine.Application); this
binary's "run" command wires one up against a configurable storage
backend for manual testing and demonstration.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.toml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("statengine %s\n", Version)
		fmt.Printf("  Git commit: %s\n", GitCommit)
		fmt.Printf("  Built:      %s\n", BuildTime)
	},
}
