package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/okapi-labs/nerve/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nerve",
	Short: "Autonomous task coordination runtime",
	Long: `Nerve runs an event-driven coordination pipeline: requests are
classified into prioritized tasks, persisted, and dispatched across
orchestrators whose workers execute tool-backed sub-tasks under
escalating deadlines.

Start the runtime with 'nerve run', submit work with 'nerve submit',
and inspect task state with 'nerve status'.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig honors the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
