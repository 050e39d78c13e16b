// Package orchestrator manages per-task decomposition, tool matching,
// and bounded-lifetime worker execution. The coordinator load-balances
// tasks across a pool of orchestrators; each orchestrator spawns exactly
// one worker per assigned task and drains them gracefully on shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/policy"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/internal/tool"
	"github.com/okapi-labs/nerve/pkg/models"
)

// Decomposer breaks a task into an ordered sub-task list. It is the
// external-collaborator boundary: the Anthropic-backed implementation
// lives in internal/llm, and tests plug in fakes.
type Decomposer interface {
	Decompose(ctx context.Context, task *models.Task) ([]*models.SubTask, error)
}

// simpleTypes decompose trivially into a single sub-task without
// consulting the collaborator.
var simpleTypes = map[string]bool{
	"conversation": true,
	"query":        true,
}

// Config contains the dependencies an Orchestrator needs.
type Config struct {
	// ID identifies this orchestrator in task assignments and events.
	ID string
	// Bus is the shared message bus for lifecycle events.
	Bus bus.Bus
	// Store is the task store.
	Store store.TaskStore
	// Tools is the tool registry used for sub-task matching.
	Tools tool.Registry
	// Policy computes execution deadlines.
	Policy *policy.Engine
	// Decomposer is the optional decomposition collaborator. When nil,
	// every task decomposes into a single sub-task.
	Decomposer Decomposer
}

// Orchestrator pulls assigned tasks, decomposes them, matches sub-tasks
// to tools, and runs one Worker per task.
type Orchestrator struct {
	cfg Config

	// workers tracks the live worker per task ID. The invariant: at most
	// one worker holds a given task ID at a time.
	mu      sync.Mutex
	workers map[string]*Worker
	wg      sync.WaitGroup

	stopped bool
}

// New creates an Orchestrator. An empty ID gets a generated one.
func New(cfg Config) *Orchestrator {
	if cfg.ID == "" {
		cfg.ID = "orch-" + uuid.New().String()[:8]
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.NewEngine(policy.Config{})
	}
	return &Orchestrator{
		cfg:     cfg,
		workers: make(map[string]*Worker),
	}
}

// ID returns the orchestrator's identifier.
func (o *Orchestrator) ID() string {
	return o.cfg.ID
}

// ActiveWorkers returns the number of live workers.
func (o *Orchestrator) ActiveWorkers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// Assign takes ownership of a task: it decomposes the task, matches
// sub-tasks to tools, and spawns the worker. The coordinator has already
// stamped the task assigned; Assign moves it to processing before the
// worker starts.
func (o *Orchestrator) Assign(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("assign: nil task")
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return fmt.Errorf("assign task %s: orchestrator %s is stopped", task.ID, o.cfg.ID)
	}
	if _, exists := o.workers[task.ID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("assign task %s: already has a live worker", task.ID)
	}
	o.mu.Unlock()

	subtasks := o.decompose(ctx, task)
	o.matchTools(subtasks)
	debugLog("[%s] task %s decomposed into %d sub-tasks", o.cfg.ID, task.ID, len(subtasks))

	if err := o.cfg.Store.UpdateTaskStatus(task.ID, models.TaskStatusProcessing, o.cfg.ID); err != nil {
		return fmt.Errorf("assign task %s: %w", task.ID, err)
	}

	w := newWorker(workerConfig{
		Task:     task,
		SubTasks: subtasks,
		Store:    o.cfg.Store,
		Tools:    o.cfg.Tools,
		Policy:   o.cfg.Policy,
		Bus:      o.cfg.Bus,
	})

	o.mu.Lock()
	o.workers[task.ID] = w
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.workers, task.ID)
			o.mu.Unlock()
		}()
		w.Run(ctx)
	}()

	return nil
}

// Stop waits for all spawned workers to finish. It does not hard-kill
// workers; each worker's own deadline bounds the wait. The context
// bounds how long the drain itself may take.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	n := len(o.workers)
	o.mu.Unlock()

	if n > 0 {
		log.Printf("[orchestrator] %s draining %d workers", o.cfg.ID, n)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop orchestrator %s: %w", o.cfg.ID, ctx.Err())
	}
}

// decompose produces the ordered sub-task list for a task. Simple task
// types skip the collaborator; a collaborator failure falls back to a
// single sub-task rather than failing the task.
func (o *Orchestrator) decompose(ctx context.Context, task *models.Task) []*models.SubTask {
	if !simpleTypes[task.Type] && o.cfg.Decomposer != nil {
		subtasks, err := o.cfg.Decomposer.Decompose(ctx, task)
		if err == nil && len(subtasks) > 0 {
			return subtasks
		}
		if err != nil {
			log.Printf("[orchestrator] %s decompose task %s failed, falling back to single sub-task: %v",
				o.cfg.ID, task.ID, err)
		}
	}
	return []*models.SubTask{singleSubTask(task)}
}

// singleSubTask wraps a task into its trivial one-element decomposition.
func singleSubTask(task *models.Task) *models.SubTask {
	desc, _ := task.Data["message"].(string)
	if desc == "" {
		desc = task.Type
	}
	return &models.SubTask{
		ID:           uuid.New().String(),
		ParentTaskID: task.ID,
		Description:  desc,
		Status:       models.SubTaskPending,
	}
}

// matchTools assigns each sub-task its best-matching tool by keyword/tag
// overlap. Sub-tasks with no match keep an empty tool name and the
// worker synthesizes a result directly.
func (o *Orchestrator) matchTools(subtasks []*models.SubTask) {
	if o.cfg.Tools == nil {
		return
	}
	for _, st := range subtasks {
		if st.ToolName != "" {
			continue
		}
		if name := o.cfg.Tools.Match(st.Description); name != "" {
			st.ToolName = name
		}
	}
}

// validateSubTasks rejects decompositions whose dependency references
// point outside the list. Malformed decompositions are validation
// errors: terminal, never retried.
func validateSubTasks(subtasks []*models.SubTask) error {
	ids := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		ids[st.ID] = true
	}
	var unknown []string
	for _, st := range subtasks {
		for _, dep := range st.Dependencies {
			if !ids[dep] {
				unknown = append(unknown, dep)
			}
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("sub-task dependencies reference unknown ids: %s", strings.Join(unknown, ", "))
	}
	return nil
}
