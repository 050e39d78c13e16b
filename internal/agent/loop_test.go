package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/pkg/models"
)

// recordBus captures published events.
type recordBus struct {
	mu     sync.Mutex
	events []*models.Event
}

var _ bus.Bus = (*recordBus)(nil)

func (b *recordBus) Start() error { return nil }
func (b *recordBus) Stop() error  { return nil }
func (b *recordBus) Publish(e *models.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return true
}
func (b *recordBus) Subscribe(string, bus.EventHandler, bus.PropagationMode, bus.EventFilter) string {
	return ""
}
func (b *recordBus) Unsubscribe(string) bool { return false }
func (b *recordBus) Stats() bus.Stats        { return bus.Stats{} }

func (b *recordBus) count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// noopCollaborators returns collaborators that sense one perception,
// plan one action, and execute it successfully.
func noopCollaborators() (Perceiver, Decider, ActionExecutor) {
	p := PerceiverFunc(func(ctx context.Context) ([]*models.Perception, error) {
		return []*models.Perception{{ID: "p", Kind: "tick"}}, nil
	})
	d := DeciderFunc(func(ctx context.Context, ps []*models.Perception) ([]*models.Action, error) {
		return []*models.Action{{ID: "a", Type: "noop"}}, nil
	})
	e := ExecutorFunc(func(ctx context.Context, action *models.Action) (*models.ActionResult, error) {
		return &models.ActionResult{Success: true}, nil
	})
	return p, d, e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runAgent(t *testing.T, a *Agent) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not exit after cancel")
		}
	})
	return cancel
}

func TestAgent_StepStrategyIteratesOnDemand(t *testing.T) {
	p, d, e := noopCollaborators()
	rb := &recordBus{}
	a := New(Config{ID: "agent-1", Perceiver: p, Decider: d, Executor: e, Bus: rb, Strategy: StrategyStep})
	runAgent(t, a)

	time.Sleep(30 * time.Millisecond)
	if got := a.Stats().Iterations; got != 0 {
		t.Fatalf("iterations without Step = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		a.Step()
		waitFor(t, "iteration", func() bool { return a.Stats().Iterations == i+1 })
	}

	if got := rb.count("agent.sense"); got != 3 {
		t.Errorf("agent.sense events = %d, want 3", got)
	}
	if got := rb.count("agent.reflect"); got != 3 {
		t.Errorf("agent.reflect events = %d, want 3", got)
	}
}

func TestAgent_WaveStrategySpacesIterations(t *testing.T) {
	p, d, e := noopCollaborators()
	a := New(Config{Perceiver: p, Decider: d, Executor: e, Strategy: StrategyWave, WaveInterval: 20 * time.Millisecond})
	runAgent(t, a)

	waitFor(t, "three waves", func() bool { return a.Stats().Iterations >= 3 })
}

func TestAgent_ContinuousRunsUntilStopped(t *testing.T) {
	p, d, e := noopCollaborators()
	rb := &recordBus{}
	a := New(Config{Perceiver: p, Decider: d, Executor: e, Bus: rb, Strategy: StrategyContinuous})
	runAgent(t, a)

	waitFor(t, "iterations", func() bool { return a.Stats().Iterations >= 10 })
	a.Stop()
	waitFor(t, "stop summary", func() bool { return rb.count("agent.stopped") == 1 })
}

func TestAgent_HealthWarningFiresOncePerStreak(t *testing.T) {
	p := PerceiverFunc(func(ctx context.Context) ([]*models.Perception, error) {
		return []*models.Perception{{ID: "p"}}, nil
	})
	d := DeciderFunc(func(ctx context.Context, ps []*models.Perception) ([]*models.Action, error) {
		return []*models.Action{{ID: "a", Type: "flaky"}}, nil
	})

	var mu sync.Mutex
	failing := true
	e := ExecutorFunc(func(ctx context.Context, action *models.Action) (*models.ActionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, fmt.Errorf("backend down")
		}
		return &models.ActionResult{Success: true}, nil
	})

	rb := &recordBus{}
	a := New(Config{
		Perceiver: p, Decider: d, Executor: e, Bus: rb,
		Strategy:              StrategyStep,
		ErrorWarningThreshold: 5,
	})
	runAgent(t, a)

	// Eight straight failures: the warning fires at the fifth, not again.
	for i := 0; i < 8; i++ {
		a.Step()
		waitFor(t, "iteration", func() bool { return a.Stats().Iterations == i+1 })
	}
	if got := rb.count("agent.health_warning"); got != 1 {
		t.Fatalf("health warnings after 8 failures = %d, want 1", got)
	}
	if a.Stats().ConsecutiveErrors != 8 {
		t.Errorf("consecutive errors = %d, want 8", a.Stats().ConsecutiveErrors)
	}

	// A success resets the streak; a fresh streak warns again.
	mu.Lock()
	failing = false
	mu.Unlock()
	a.Step()
	waitFor(t, "recovery iteration", func() bool { return a.Stats().Iterations == 9 })
	if a.Stats().ConsecutiveErrors != 0 {
		t.Errorf("consecutive errors after success = %d, want 0", a.Stats().ConsecutiveErrors)
	}

	mu.Lock()
	failing = true
	mu.Unlock()
	for i := 0; i < 5; i++ {
		a.Step()
		waitFor(t, "iteration", func() bool { return a.Stats().Iterations == 10+i })
	}
	if got := rb.count("agent.health_warning"); got != 2 {
		t.Errorf("health warnings after second streak = %d, want 2", got)
	}
}

func TestAgent_SenseErrorCountsAsIterationError(t *testing.T) {
	p := PerceiverFunc(func(ctx context.Context) ([]*models.Perception, error) {
		return nil, fmt.Errorf("sensor offline")
	})
	_, d, e := noopCollaborators()

	var recorded []Reflection
	var mu sync.Mutex
	sink := memorySinkFunc(func(ctx context.Context, r Reflection) error {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, r)
		return nil
	})

	a := New(Config{Perceiver: p, Decider: d, Executor: e, Memory: sink, Strategy: StrategyStep})
	runAgent(t, a)

	a.Step()
	waitFor(t, "iteration", func() bool { return a.Stats().Iterations == 1 })

	if a.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", a.Stats().Errors)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(recorded) != 1 || recorded[0].Err == nil {
		t.Errorf("reflection = %+v, want one entry with Err set", recorded)
	}
}

// memorySinkFunc adapts a function to the MemorySink interface.
type memorySinkFunc func(ctx context.Context, r Reflection) error

func (f memorySinkFunc) Record(ctx context.Context, r Reflection) error { return f(ctx, r) }

func TestAgent_PauseHoldsIterationBoundary(t *testing.T) {
	p, d, e := noopCollaborators()
	a := New(Config{Perceiver: p, Decider: d, Executor: e, Strategy: StrategyStep})
	runAgent(t, a)

	a.Gate().Pause()
	a.Step()
	time.Sleep(30 * time.Millisecond)
	if got := a.Stats().Iterations; got != 0 {
		t.Fatalf("paused agent iterated %d times", got)
	}

	a.Gate().Resume()
	waitFor(t, "iteration after resume", func() bool { return a.Stats().Iterations == 1 })
}
