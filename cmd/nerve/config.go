package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okapi-labs/nerve/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after merging defaults, the user config,
the project .nerve.yaml, and environment overrides.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("user config: %s\n\n", config.GetUserConfigPath())

	fmt.Println("bus:")
	fmt.Printf("  workers: %d\n", cfg.Bus.Workers)
	fmt.Printf("  queue_size: %d\n", cfg.Bus.QueueSize)
	fmt.Printf("  drop_policy: %s\n", cfg.Bus.DropPolicy)
	fmt.Printf("  shutdown_grace: %s\n", cfg.Bus.ShutdownGrace)
	fmt.Printf("  durable: %v\n", cfg.Bus.Durable)

	fmt.Println("coordinator:")
	fmt.Printf("  tick_interval: %s\n", cfg.Coordinator.TickInterval)
	fmt.Printf("  orchestrators: %d\n", cfg.Coordinator.Orchestrators)
	fmt.Printf("  degraded_enter_percent: %.0f\n", cfg.Coordinator.DegradedEnterPercent)
	fmt.Printf("  degraded_exit_percent: %.0f\n", cfg.Coordinator.DegradedExitPercent)
	fmt.Printf("  max_retries: %d\n", cfg.Coordinator.MaxRetries)
	fmt.Printf("  dispatch_batch: %d\n", cfg.Coordinator.DispatchBatch)

	fmt.Println("policy:")
	fmt.Printf("  min_timeout: %s\n", cfg.Policy.MinTimeout)
	fmt.Printf("  max_timeout: %s\n", cfg.Policy.MaxTimeout)
	fmt.Printf("  backoff_factor: %.1f\n", cfg.Policy.BackoffFactor)
	fmt.Printf("  backoff_cap: %.1f\n", cfg.Policy.BackoffCap)

	fmt.Println("agent:")
	fmt.Printf("  strategy: %s\n", cfg.Agent.Strategy)
	fmt.Printf("  wave_interval: %s\n", cfg.Agent.WaveInterval)
	fmt.Printf("  error_warning_threshold: %d\n", cfg.Agent.ErrorWarningThreshold)

	fmt.Println("anthropic:")
	key := "not set"
	if cfg.Anthropic.APIKey != "" {
		key = "set"
	}
	fmt.Printf("  api_key: %s\n", key)
	fmt.Printf("  model: %s\n", cfg.Anthropic.Model)

	return nil
}
