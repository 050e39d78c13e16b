// Package policy computes execution deadlines for tasks. The engine is a
// pure calculation with no side effects: (task type, priority, interaction
// level) in, deadline out. Retry deadlines grow exponentially with a hard
// cap so a retrying task can never stretch its deadline without bound.
package policy

import (
	"math"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

// Config holds the tunable inputs to deadline calculation. All values
// have working defaults from DefaultConfig; zero values are replaced.
type Config struct {
	// MinTimeout is the floor for any computed deadline.
	MinTimeout time.Duration
	// MaxTimeout is the ceiling for any computed deadline.
	MaxTimeout time.Duration
	// DefaultBase is the base deadline for unknown task types.
	DefaultBase time.Duration
	// Bases maps task type to its base deadline before scaling.
	Bases map[string]time.Duration
	// BackoffFactor is the exponential growth factor for retry deadlines.
	BackoffFactor float64
	// BackoffCap limits a retry deadline to BackoffCap times the first
	// attempt's deadline.
	BackoffCap float64
}

// DefaultConfig returns the standard policy configuration.
func DefaultConfig() Config {
	return Config{
		MinTimeout:  10 * time.Second,
		MaxTimeout:  300 * time.Second,
		DefaultBase: 60 * time.Second,
		Bases: map[string]time.Duration{
			"computation":  45 * time.Second,
			"query":        30 * time.Second,
			"conversation": 20 * time.Second,
			"analysis":     90 * time.Second,
			"maintenance":  120 * time.Second,
		},
		BackoffFactor: 2.0,
		BackoffCap:    10.0,
	}
}

// Engine computes deadlines from a fixed configuration. It is stateless
// and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine, filling any zero config fields with the
// defaults from DefaultConfig.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = def.MinTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.DefaultBase <= 0 {
		cfg.DefaultBase = def.DefaultBase
	}
	if cfg.Bases == nil {
		cfg.Bases = def.Bases
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.BackoffCap <= 1 {
		cfg.BackoffCap = def.BackoffCap
	}
	return &Engine{cfg: cfg}
}

// priorityFactor scales the base deadline by priority. The relationship
// is inverse: urgent tasks get shorter deadlines so they fail fast rather
// than starve the rest of the queue.
func priorityFactor(p models.TaskPriority) float64 {
	switch p {
	case models.PriorityUrgent:
		return 0.5
	case models.PriorityHigh:
		return 0.75
	case models.PriorityLow:
		return 1.5
	default:
		return 1.0
	}
}

// interactionFactor scales the base deadline by interaction level.
// Interactive work has a human waiting on it.
func interactionFactor(l models.InteractionLevel) float64 {
	switch l {
	case models.InteractionHigh:
		return 0.6
	case models.InteractionNone:
		return 1.3
	default:
		return 1.0
	}
}

// base returns the configured base deadline for a task type.
func (e *Engine) base(taskType string) time.Duration {
	if b, ok := e.cfg.Bases[taskType]; ok {
		return b
	}
	return e.cfg.DefaultBase
}

// clamp bounds a deadline to [MinTimeout, MaxTimeout].
func (e *Engine) clamp(d time.Duration) time.Duration {
	if d < e.cfg.MinTimeout {
		return e.cfg.MinTimeout
	}
	if d > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return d
}

// Timeout computes the overall execution deadline for a task:
// base(type) scaled by priority and interaction factors, clamped to the
// configured bounds.
func (e *Engine) Timeout(taskType string, priority models.TaskPriority, interaction models.InteractionLevel) time.Duration {
	scaled := float64(e.base(taskType)) * priorityFactor(priority) * interactionFactor(interaction)
	return e.clamp(time.Duration(scaled))
}

// RetryTimeout computes the per-attempt deadline for a retry. Attempt 0 is
// the first execution and returns the same value as Timeout. Each retry
// multiplies the first attempt's deadline by BackoffFactor^retryCount,
// capped at BackoffCap times the first attempt's deadline.
func (e *Engine) RetryTimeout(taskType string, priority models.TaskPriority, interaction models.InteractionLevel, retryCount int) time.Duration {
	first := e.Timeout(taskType, priority, interaction)
	if retryCount <= 0 {
		return first
	}
	grown := float64(first) * math.Pow(e.cfg.BackoffFactor, float64(retryCount))
	cap := float64(first) * e.cfg.BackoffCap
	if grown > cap {
		grown = cap
	}
	return time.Duration(grown)
}
