// Package coordinator is the top of the task pipeline: it classifies
// incoming requests into tasks, persists them, and load-balances pending
// tasks across orchestrators on a fixed tick. A two-threshold health
// monitor degrades dispatch under resource pressure, and file-based
// signals provide out-of-band pause and stop control.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/policy"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/pkg/models"
)

// TypeInputMessage is the bus event type the coordinator consumes as
// external input. The payload is the request text, either a bare string
// or a map with a "text" or "message" key.
const TypeInputMessage = "input.message"

// Orchestrator is the dispatch target contract. The concrete
// implementation lives in internal/orchestrator; tests use fakes.
type Orchestrator interface {
	ID() string
	ActiveWorkers() int
	Assign(ctx context.Context, task *models.Task) error
}

// Config contains the coordinator's dependencies and tuning.
type Config struct {
	// Bus is the shared message bus.
	Bus bus.Bus
	// Store is the task store.
	Store store.TaskStore
	// Orchestrators are the dispatch targets. At least one is required.
	Orchestrators []Orchestrator
	// TickInterval is the health/dispatch loop period. Defaults to 1s.
	TickInterval time.Duration
	// DegradedEnterPercent is the resource high-water mark. Defaults to 90.
	DegradedEnterPercent float64
	// DegradedExitPercent is the low-water mark. Defaults to 80.
	DegradedExitPercent float64
	// MaxRetries is the retry budget stamped on new tasks. Defaults to 3.
	MaxRetries int
	// DispatchBatch bounds tasks dispatched per tick. Defaults to 20.
	DispatchBatch int
	// Policy computes the execution deadline stamped on new tasks.
	// When nil, tasks carry no deadline and workers compute their own.
	Policy *policy.Engine
	// Sampler overrides the load sampler.
	Sampler Sampler
	// Classify overrides the request classifier.
	Classify Classify
	// Signals is the optional file-signal manager.
	Signals *SignalManager
}

// Coordinator drives the classify/persist/dispatch pipeline.
type Coordinator struct {
	cfg    Config
	health *healthMonitor

	mu    sync.RWMutex
	state State

	inputSub string
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Coordinator in the idle state.
func New(cfg Config) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 20
	}
	if cfg.Classify == nil {
		cfg.Classify = KeywordClassify
	}
	return &Coordinator{
		cfg:    cfg,
		health: newHealthMonitor(cfg.Sampler, cfg.DegradedEnterPercent, cfg.DegradedExitPercent),
		state:  StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Load returns the most recent load sample.
func (c *Coordinator) Load() LoadSample {
	return c.health.snapshot()
}

// setState performs a checked transition and emits a state event.
// Invalid transitions are rejected.
func (c *Coordinator) setState(to State) error {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		return fmt.Errorf("invalid coordinator transition %s -> %s", from, to)
	}
	c.state = to
	c.mu.Unlock()

	level := models.LevelInfo
	if to == StateDegraded || to == StateError {
		level = models.LevelWarning
	}
	c.emit("coordinator.state", level, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	log.Printf("[coordinator] state %s -> %s", from, to)
	return nil
}

// Start validates dependencies, recovers orphaned tasks from a previous
// run, launches the dispatch loop, and subscribes to input events on
// the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.setState(StateStarting); err != nil {
		return err
	}

	if c.cfg.Store == nil || len(c.cfg.Orchestrators) == 0 {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		return fmt.Errorf("start coordinator: store and at least one orchestrator are required")
	}

	if n, err := c.cfg.Store.RecoverOrphanedTasks(); err != nil {
		log.Printf("[coordinator] orphan recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("[coordinator] recovered %d orphaned tasks to pending", n)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(loopCtx)

	if err := c.setState(StateRunning); err != nil {
		return err
	}

	// Competing mode keeps exactly one consumer per input even when
	// several coordinators share a bus. Subscribed only once running,
	// so the handler never sees a state that rejects submissions.
	if c.cfg.Bus != nil {
		c.inputSub = c.cfg.Bus.Subscribe(TypeInputMessage, c.handleInput, bus.Competing, nil)
	}
	return nil
}

// handleInput turns a published input event into a submitted task.
func (c *Coordinator) handleInput(e *models.Event) error {
	text := inputText(e.Data)
	if text == "" {
		return fmt.Errorf("input event %s: no text payload", e.ID)
	}
	_, err := c.Submit(context.Background(), text)
	return err
}

// inputText extracts the request text from an input payload.
func inputText(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s
		}
		if s, ok := v["message"].(string); ok {
			return s
		}
	}
	return ""
}

// Stop halts the dispatch loop. In-flight workers are drained by their
// orchestrators, not here.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.setState(StateStopping); err != nil {
		return err
	}
	if c.inputSub != "" && c.cfg.Bus != nil {
		c.cfg.Bus.Unsubscribe(c.inputSub)
		c.inputSub = ""
	}
	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("stop coordinator: %w", ctx.Err())
	}
	return c.setState(StateStopped)
}

// Submit classifies a request, persists it as a pending task, and
// returns it. Dispatch happens on the next tick.
func (c *Coordinator) Submit(ctx context.Context, request string) (*models.Task, error) {
	if request == "" {
		return nil, fmt.Errorf("submit: empty request")
	}
	switch c.State() {
	case StateRunning, StateDegraded:
	default:
		return nil, fmt.Errorf("submit: coordinator is %s", c.State())
	}

	class, err := c.cfg.Classify(ctx, request)
	if err != nil {
		log.Printf("[coordinator] classify failed, using keyword fallback: %v", err)
		class, _ = KeywordClassify(ctx, request)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:            uuid.New().String(),
		Type:          class.TaskType,
		Data:          map[string]any{"message": request},
		Status:        models.TaskStatusPending,
		Priority:      class.Priority,
		Interaction:   class.Interaction,
		CorrelationID: uuid.New().String(),
		CreatedAt:     now,
		UpdatedAt:     now,
		MaxRetries:    c.cfg.MaxRetries,
	}
	if c.cfg.Policy != nil {
		task.TimeoutSeconds = int(c.cfg.Policy.Timeout(task.Type, task.Priority, task.Interaction).Seconds())
	}
	if err := c.cfg.Store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	c.emit("task.submitted", models.LevelInfo, map[string]any{
		"task_id":   task.ID,
		"task_type": task.Type,
		"priority":  task.Priority.String(),
	}, models.WithCorrelationID(task.CorrelationID))

	return task, nil
}

// loop runs health checks and dispatch on each tick.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick is one pass of the coordinator loop: health, signals, dispatch.
func (c *Coordinator) tick(ctx context.Context) {
	degraded, changed := c.health.check()
	if changed {
		if degraded {
			if err := c.setState(StateDegraded); err == nil {
				sample := c.health.snapshot()
				c.emit("coordinator.degraded", models.LevelWarning, map[string]any{
					"cpu_percent":    sample.CPUPercent,
					"memory_percent": sample.MemoryPercent,
				})
			}
		} else {
			if err := c.setState(StateRunning); err == nil {
				c.emit("coordinator.recovered", models.LevelInfo, nil)
			}
		}
	}

	if c.cfg.Signals != nil {
		if c.cfg.Signals.ShouldStop() {
			c.emit("coordinator.stop_requested", models.LevelWarning, nil)
			return
		}
		if c.cfg.Signals.ShouldPause() {
			return
		}
	}

	c.dispatch(ctx)
	c.heartbeat()
}

// dispatch assigns pending tasks to the least loaded orchestrators. In
// the degraded state only urgent and high priority tasks move.
func (c *Coordinator) dispatch(ctx context.Context) {
	tasks, err := c.cfg.Store.ListPendingTasks(c.cfg.DispatchBatch)
	if err != nil {
		log.Printf("[coordinator] list pending: %v", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	degraded := c.State() == StateDegraded
	counts := c.activeCounts()

	for _, task := range tasks {
		if degraded && task.Priority < models.PriorityHigh {
			continue
		}

		target := c.leastLoaded(counts)
		if target == nil {
			return
		}

		if err := c.cfg.Store.UpdateTaskStatus(task.ID, models.TaskStatusAssigned, target.ID()); err != nil {
			log.Printf("[coordinator] assign task %s: %v", task.ID, err)
			continue
		}
		if err := target.Assign(ctx, task); err != nil {
			log.Printf("[coordinator] dispatch task %s to %s: %v", task.ID, target.ID(), err)
			// Put the task back so another tick can try again.
			if rerr := c.cfg.Store.UpdateTaskStatus(task.ID, models.TaskStatusPending, ""); rerr != nil {
				log.Printf("[coordinator] revert task %s: %v", task.ID, rerr)
			}
			continue
		}
		counts[target.ID()]++

		c.emit("task.dispatched", models.LevelInfo, map[string]any{
			"task_id":      task.ID,
			"orchestrator": target.ID(),
		}, models.WithCorrelationID(task.CorrelationID))
	}
}

// activeCounts merges persisted assignment counts with live worker
// counts so balancing survives restarts but still sees tasks whose
// rows have not landed yet.
func (c *Coordinator) activeCounts() map[string]int {
	counts, err := c.cfg.Store.CountActiveByOrchestrator()
	if err != nil {
		log.Printf("[coordinator] count active: %v", err)
		counts = make(map[string]int)
	}
	for _, o := range c.cfg.Orchestrators {
		if live := o.ActiveWorkers(); live > counts[o.ID()] {
			counts[o.ID()] = live
		}
	}
	return counts
}

// leastLoaded picks the orchestrator with the fewest active tasks,
// breaking ties by registration order.
func (c *Coordinator) leastLoaded(counts map[string]int) Orchestrator {
	var best Orchestrator
	bestCount := 0
	for _, o := range c.cfg.Orchestrators {
		n := counts[o.ID()]
		if best == nil || n < bestCount {
			best = o
			bestCount = n
		}
	}
	return best
}

// heartbeat publishes a debug-level liveness event with load numbers.
func (c *Coordinator) heartbeat() {
	sample := c.health.snapshot()
	c.emit("coordinator.heartbeat", models.LevelDebug, map[string]any{
		"state":          string(c.State()),
		"cpu_percent":    sample.CPUPercent,
		"memory_percent": sample.MemoryPercent,
		"goroutines":     sample.Goroutines,
	})
}

// emit publishes a coordinator event when a bus is wired.
func (c *Coordinator) emit(eventType string, level models.EventLevel, data map[string]any, opts ...models.EventOption) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(models.NewEvent(eventType, "coordinator", level, data, opts...))
}
