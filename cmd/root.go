package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// shutdownGrace bounds how long a runnable process waits for in-flight
// work to drain on SIGINT/SIGTERM before the process exits anyway.
const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "decision-audit",
	Short: "Decision step audit pipeline for AI agents",
	Long: `decision-audit ingests structured decision-step logs emitted by AI
agents, durably queues them on an event bus, persists them through a
single-writer worker, and maintains a hash-linked, Merkle-windowed audit
chain over the result. A websocket notifier fans outcomes out to
subscribed clients in near real time.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".audit.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
