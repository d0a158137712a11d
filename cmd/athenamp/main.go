package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Processors register themselves with the registry.
	_ "github.com/nemanja-m/athenamp/examples/grep"
	_ "github.com/nemanja-m/athenamp/examples/wordcount"
)

var rootCmd = &cobra.Command{
	Use:   "athenamp",
	Short: "Multi-process event processing on one host",
	Long: `athenamp runs an event processor over line-delimited input files with a
pool of worker processes. A provider hands out event ranges, consumers run
the processor and an optional shared writer collects their output, all
coordinated through shared-memory queues.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd, workerCmd, processorsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
