// Package config handles configuration loading and management for nerve.
// It supports XDG config paths, project-level overrides, and environment
// variables. Every threshold the runtime treats as tunable lives here
// with a documented default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for nerve.
type Config struct {
	Anthropic   AnthropicConfig   `mapstructure:"anthropic"`
	Bus         BusConfig         `mapstructure:"bus"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle"`
	Tools       ToolsConfig       `mapstructure:"tools"`
}

// AnthropicConfig holds Anthropic API settings for the optional
// decomposition collaborator.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. Supports ${VAR} expansion.
	APIKey string `mapstructure:"api_key"`
	// Model is the model used for task decomposition.
	Model string `mapstructure:"model"`
}

// BusConfig holds message bus tuning knobs.
type BusConfig struct {
	// Workers is the dispatch worker pool size.
	Workers int `mapstructure:"workers"`
	// QueueSize is the bounded queue capacity.
	QueueSize int `mapstructure:"queue_size"`
	// DropPolicy is one of reject, drop_oldest, drop_lowest_priority.
	DropPolicy string `mapstructure:"drop_policy"`
	// ShutdownGrace bounds how long Stop waits for the queue to drain.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	// Durable selects the persisted backend instead of memory-only.
	Durable bool `mapstructure:"durable"`
	// PollInterval is the durable backend's reclaim scan interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// CoordinatorConfig holds coordinator loop settings.
type CoordinatorConfig struct {
	// TickInterval is the health/dispatch loop period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// Orchestrators is the number of task orchestrators to start.
	Orchestrators int `mapstructure:"orchestrators"`
	// DegradedEnterPercent is the resource high-water mark; crossing it
	// pauses new dispatch.
	DegradedEnterPercent float64 `mapstructure:"degraded_enter_percent"`
	// DegradedExitPercent is the low-water mark; dropping below it
	// resumes dispatch. The gap between the two prevents flapping.
	DegradedExitPercent float64 `mapstructure:"degraded_exit_percent"`
	// MaxRetries is the default retry budget for new tasks.
	MaxRetries int `mapstructure:"max_retries"`
	// DispatchBatch bounds how many pending tasks one tick dispatches.
	DispatchBatch int `mapstructure:"dispatch_batch"`
}

// PolicyConfig holds timeout policy settings.
type PolicyConfig struct {
	// MinTimeout is the floor for computed deadlines.
	MinTimeout time.Duration `mapstructure:"min_timeout"`
	// MaxTimeout is the ceiling for computed deadlines.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	// BackoffFactor is the retry deadline growth factor.
	BackoffFactor float64 `mapstructure:"backoff_factor"`
	// BackoffCap limits retry deadlines to this multiple of the first
	// attempt's deadline.
	BackoffCap float64 `mapstructure:"backoff_cap"`
}

// AgentConfig holds agent loop settings.
type AgentConfig struct {
	// Strategy is one of step, wave, continuous.
	Strategy string `mapstructure:"strategy"`
	// WaveInterval is the pause between batches in wave mode.
	WaveInterval time.Duration `mapstructure:"wave_interval"`
	// ErrorWarningThreshold is the number of consecutive iteration
	// errors that triggers a health-warning event.
	ErrorWarningThreshold int `mapstructure:"error_warning_threshold"`
}

// LifecycleConfig holds lifecycle manager settings.
type LifecycleConfig struct {
	// StageTimeout is the default per-stage start/stop timeout.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	// ManifestPath is an optional YAML manifest of available tools.
	ManifestPath string `mapstructure:"manifest_path"`
}

// Load loads configuration with the following precedence (highest first):
// environment variables (NERVE_*, ANTHROPIC_API_KEY), project config
// (.nerve.yaml in the current directory or a parent), user config
// (~/.config/nerve/config.yaml), built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("NERVE")
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// setDefaults configures default values for every tunable.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")

	v.SetDefault("bus.workers", 4)
	v.SetDefault("bus.queue_size", 1000)
	v.SetDefault("bus.drop_policy", "reject")
	v.SetDefault("bus.shutdown_grace", 5*time.Second)
	v.SetDefault("bus.durable", false)
	v.SetDefault("bus.poll_interval", time.Second)

	v.SetDefault("coordinator.tick_interval", time.Second)
	v.SetDefault("coordinator.orchestrators", 3)
	v.SetDefault("coordinator.degraded_enter_percent", 90.0)
	v.SetDefault("coordinator.degraded_exit_percent", 80.0)
	v.SetDefault("coordinator.max_retries", 3)
	v.SetDefault("coordinator.dispatch_batch", 20)

	v.SetDefault("policy.min_timeout", 10*time.Second)
	v.SetDefault("policy.max_timeout", 300*time.Second)
	v.SetDefault("policy.backoff_factor", 2.0)
	v.SetDefault("policy.backoff_cap", 10.0)

	v.SetDefault("agent.strategy", "wave")
	v.SetDefault("agent.wave_interval", 2*time.Second)
	v.SetDefault("agent.error_warning_threshold", 5)

	v.SetDefault("lifecycle.stage_timeout", 30*time.Second)

	v.SetDefault("tools.manifest_path", "")
}

// getUserConfigDir returns the XDG config directory for nerve.
func getUserConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "nerve")
}

// findProjectConfig walks up from the current directory looking for a
// .nerve.yaml file.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".nerve.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
