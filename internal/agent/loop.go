// Package agent implements the autonomous sense/plan/act/reflect loop.
// The loop's collaborators sit behind small interfaces so the same
// driver runs against live perceivers and executors or test fakes. A
// gate pauses the loop at iteration boundaries, and a consecutive-error
// counter raises a health warning when the loop keeps failing.
package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/pkg/models"
)

// Strategy selects how the loop paces its iterations.
type Strategy string

const (
	// StrategyStep runs one iteration per explicit Step call.
	StrategyStep Strategy = "step"
	// StrategyWave runs iterations separated by a fixed interval.
	StrategyWave Strategy = "wave"
	// StrategyContinuous runs iterations back to back.
	StrategyContinuous Strategy = "continuous"
)

// Valid returns true if the strategy is a known value.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyStep, StrategyWave, StrategyContinuous:
		return true
	}
	return false
}

// Config contains the loop's collaborators and tuning.
type Config struct {
	// ID identifies this agent in events and logs.
	ID string
	// Perceiver supplies observations. Required.
	Perceiver Perceiver
	// Decider turns observations into actions. Required.
	Decider Decider
	// Executor carries out actions. Required.
	Executor ActionExecutor
	// Memory receives reflections. Optional.
	Memory MemorySink
	// Bus receives loop lifecycle and phase events. Optional.
	Bus bus.Bus
	// Strategy is the pacing strategy. Defaults to wave.
	Strategy Strategy
	// WaveInterval separates iterations in wave mode. Defaults to 2s.
	WaveInterval time.Duration
	// ErrorWarningThreshold is the consecutive-error count that raises a
	// health warning. Defaults to 5.
	ErrorWarningThreshold int
}

// Stats is a snapshot of loop counters.
type Stats struct {
	// Iterations counts completed iterations.
	Iterations int
	// Errors counts iterations that ended in error.
	Errors int
	// ConsecutiveErrors counts the current error streak.
	ConsecutiveErrors int
}

// Agent drives the sense/plan/act/reflect loop.
type Agent struct {
	cfg  Config
	gate *Gate

	stepCh chan struct{}

	mu    sync.Mutex
	stats Stats
}

// New creates an Agent. Strategy, interval, and threshold get defaults
// when unset.
func New(cfg Config) *Agent {
	if cfg.ID == "" {
		cfg.ID = "agent"
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = StrategyWave
	}
	if cfg.WaveInterval <= 0 {
		cfg.WaveInterval = 2 * time.Second
	}
	if cfg.ErrorWarningThreshold <= 0 {
		cfg.ErrorWarningThreshold = 5
	}
	return &Agent{
		cfg:    cfg,
		gate:   NewGate(),
		stepCh: make(chan struct{}, 1),
	}
}

// Gate returns the loop's pause gate.
func (a *Agent) Gate() *Gate {
	return a.gate
}

// Stats returns a snapshot of the loop counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Step triggers one iteration in step mode. Extra triggers while an
// iteration is pending collapse into one.
func (a *Agent) Step() {
	select {
	case a.stepCh <- struct{}{}:
	default:
	}
}

// Stop closes the gate, ending Run at the next iteration boundary.
func (a *Agent) Stop() {
	a.gate.Stop()
}

// Run drives the loop until the context is cancelled or the gate is
// stopped. It always emits a stop summary on the way out.
func (a *Agent) Run(ctx context.Context) {
	a.emit("agent.started", models.LevelInfo, map[string]any{
		"agent_id": a.cfg.ID,
		"strategy": string(a.cfg.Strategy),
	})
	defer func() {
		s := a.Stats()
		a.emit("agent.stopped", models.LevelInfo, map[string]any{
			"agent_id":   a.cfg.ID,
			"iterations": s.Iterations,
			"errors":     s.Errors,
		})
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.gate.Wait(ctx); err != nil {
			return
		}
		if !a.pace(ctx) {
			return
		}
		// A pause raised while pacing still holds the boundary.
		if err := a.gate.Wait(ctx); err != nil {
			return
		}
		a.iterate(ctx)
	}
}

// pace blocks per the strategy before the next iteration. It returns
// false when the loop should exit instead of iterating.
func (a *Agent) pace(ctx context.Context) bool {
	switch a.cfg.Strategy {
	case StrategyStep:
		select {
		case <-a.stepCh:
			return true
		case <-ctx.Done():
			return false
		}
	case StrategyWave:
		// The first iteration starts immediately; the wait happens after.
		if a.Stats().Iterations == 0 {
			return true
		}
		select {
		case <-time.After(a.cfg.WaveInterval):
			return true
		case <-ctx.Done():
			return false
		}
	default:
		return true
	}
}

// iterate runs one sense/plan/act/reflect cycle.
func (a *Agent) iterate(ctx context.Context) {
	a.mu.Lock()
	a.stats.Iterations++
	n := a.stats.Iterations
	a.mu.Unlock()

	r := Reflection{Iteration: n}

	perceptions, err := a.cfg.Perceiver.Sense(ctx)
	if err != nil {
		r.Err = err
		a.reflect(ctx, r)
		return
	}
	r.Perceptions = len(perceptions)
	a.emit("agent.sense", models.LevelDebug, map[string]any{
		"agent_id":    a.cfg.ID,
		"iteration":   n,
		"perceptions": len(perceptions),
	})

	actions, err := a.cfg.Decider.Plan(ctx, perceptions)
	if err != nil {
		r.Err = err
		a.reflect(ctx, r)
		return
	}
	r.Actions = len(actions)
	a.emit("agent.plan", models.LevelDebug, map[string]any{
		"agent_id":  a.cfg.ID,
		"iteration": n,
		"actions":   len(actions),
	})

	for _, action := range actions {
		result, err := a.cfg.Executor.Act(ctx, action)
		if err != nil || (result != nil && !result.Success) {
			r.Failed++
		} else {
			r.Succeeded++
		}
		a.emit("agent.act", models.LevelDebug, map[string]any{
			"agent_id":    a.cfg.ID,
			"iteration":   n,
			"action_type": action.Type,
			"ok":          err == nil && (result == nil || result.Success),
		})
	}

	a.reflect(ctx, r)
}

// reflect records the iteration, updates the error streak, and raises
// the health warning when the streak reaches the threshold. The warning
// fires exactly once per streak; a successful iteration resets it.
func (a *Agent) reflect(ctx context.Context, r Reflection) {
	failed := r.Err != nil || (r.Actions > 0 && r.Succeeded == 0 && r.Failed > 0)

	a.mu.Lock()
	if failed {
		a.stats.Errors++
		a.stats.ConsecutiveErrors++
	} else {
		a.stats.ConsecutiveErrors = 0
	}
	streak := a.stats.ConsecutiveErrors
	a.mu.Unlock()

	if a.cfg.Memory != nil {
		if err := a.cfg.Memory.Record(ctx, r); err != nil {
			log.Printf("[agent] %s memory record: %v", a.cfg.ID, err)
		}
	}

	a.emit("agent.reflect", models.LevelDebug, map[string]any{
		"agent_id":  a.cfg.ID,
		"iteration": r.Iteration,
		"succeeded": r.Succeeded,
		"failed":    r.Failed,
	})

	if streak == a.cfg.ErrorWarningThreshold {
		log.Printf("[agent] %s health warning: %d consecutive failed iterations", a.cfg.ID, streak)
		a.emit("agent.health_warning", models.LevelWarning, map[string]any{
			"agent_id":           a.cfg.ID,
			"consecutive_errors": streak,
		})
	}
}

// emit publishes a loop event when a bus is wired.
func (a *Agent) emit(eventType string, level models.EventLevel, data map[string]any) {
	if a.cfg.Bus == nil {
		return
	}
	a.cfg.Bus.Publish(models.NewEvent(eventType, a.cfg.ID, level, data))
}
