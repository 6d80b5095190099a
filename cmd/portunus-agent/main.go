package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "portunus-agent",
	Short: "Portunus presence agent",
	Long: `The agent turns beacon radio events into attendance sessions and
delivers check-in, heartbeat and check-out events to the collector.

Settings come from PORTUNUS_* environment variables; flags override them.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "agent database path (PORTUNUS_AGENT_DB_PATH)")
	rootCmd.PersistentFlags().String("log-format", "", "text or json (PORTUNUS_LOG_FORMAT)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (PORTUNUS_LOG_LEVEL)")
}
