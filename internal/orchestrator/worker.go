package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/policy"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/internal/tool"
	"github.com/okapi-labs/nerve/pkg/models"
)

// Error codes stored on terminal tasks.
const (
	errCodeTimeout    = "timeout"
	errCodeToolFail   = "tool_failure"
	errCodeValidation = "validation"
	errCodeCancelled  = "cancelled"
)

// workerConfig contains everything a Worker needs to run one task.
type workerConfig struct {
	Task     *models.Task
	SubTasks []*models.SubTask
	Store    store.TaskStore
	Tools    tool.Registry
	Policy   *policy.Engine
	Bus      bus.Bus
}

// Worker executes exactly one task to a terminal status and exits. It is
// bounded-lifetime: a worker is created for a task, retries within the
// task's retry budget under escalating per-attempt deadlines, marks the
// task terminal, and is never reused.
type Worker struct {
	cfg workerConfig
}

// newWorker creates a Worker for a single task.
func newWorker(cfg workerConfig) *Worker {
	return &Worker{cfg: cfg}
}

// Run drives the task to a terminal status. It never returns an error:
// every failure mode ends as a terminal task status plus a bus event, so
// the spawning orchestrator has nothing to handle.
func (w *Worker) Run(ctx context.Context) {
	task := w.cfg.Task

	w.emit("task.started", models.LevelInfo, map[string]any{
		"task_id":   task.ID,
		"task_type": task.Type,
		"priority":  task.Priority.String(),
	})

	if err := validateSubTasks(w.cfg.SubTasks); err != nil {
		w.finish(models.TaskStatusFailed, errCodeValidation, err.Error(), nil)
		return
	}

	ordered, err := orderSubTasks(w.cfg.SubTasks)
	if err != nil {
		w.finish(models.TaskStatusFailed, errCodeValidation, err.Error(), nil)
		return
	}

	var lastErr error
	retries := task.RetryCount
	for {
		deadline := w.attemptDeadline(retries)
		debugLog("[worker] task %s attempt %d deadline=%s", task.ID, retries+1, deadline)
		result, err := w.attempt(ctx, ordered, deadline)
		if err == nil {
			w.finish(models.TaskStatusCompleted, "", "", result)
			return
		}
		lastErr = err

		// Parent cancellation means shutdown, not a per-attempt timeout.
		if ctx.Err() != nil {
			w.finish(models.TaskStatusCancelled, errCodeCancelled, ctx.Err().Error(), nil)
			return
		}

		if retries >= task.MaxRetries {
			break
		}

		newCount, rerr := w.cfg.Store.IncrementTaskRetry(task.ID)
		if rerr != nil {
			log.Printf("[worker] task %s: record retry: %v", task.ID, rerr)
			newCount = retries + 1
		}
		retries = newCount

		w.emit("task.retry", models.LevelWarning, map[string]any{
			"task_id":     task.ID,
			"retry_count": retries,
			"error":       err.Error(),
		})
		resetSubTasks(ordered)
	}

	if errors.Is(lastErr, errAttemptDeadline) {
		w.finish(models.TaskStatusTimeout, errCodeTimeout, lastErr.Error(), nil)
		return
	}
	w.finish(models.TaskStatusFailed, errCodeToolFail, lastErr.Error(), nil)
}

// errAttemptDeadline marks an attempt that ran out of its deadline, as
// opposed to a tool reporting failure.
var errAttemptDeadline = errors.New("attempt deadline exceeded")

// attemptDeadline computes the deadline for a given attempt number.
func (w *Worker) attemptDeadline(retryCount int) time.Duration {
	task := w.cfg.Task
	if task.TimeoutSeconds > 0 && retryCount == 0 {
		return time.Duration(task.TimeoutSeconds) * time.Second
	}
	return w.cfg.Policy.RetryTimeout(task.Type, task.Priority, task.Interaction, retryCount)
}

// attempt runs every sub-task in dependency order under one shared
// deadline. The first failing sub-task aborts the attempt; remaining
// sub-tasks are marked skipped.
func (w *Worker) attempt(ctx context.Context, ordered []*models.SubTask, deadline time.Duration) (map[string]any, error) {
	actx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(map[string]any, len(ordered))
	for i, st := range ordered {
		if actx.Err() != nil {
			markSkipped(ordered[i:])
			return nil, fmt.Errorf("%w after %s", errAttemptDeadline, deadline)
		}

		st.Status = models.SubTaskRunning
		res := w.runSubTask(actx, st)
		if !res.Success {
			st.Status = models.SubTaskFailed
			st.Result = res.Error
			markSkipped(ordered[i+1:])
			if actx.Err() != nil {
				return nil, fmt.Errorf("%w after %s", errAttemptDeadline, deadline)
			}
			return nil, fmt.Errorf("sub-task %q: %s", st.Description, res.Error)
		}
		st.Status = models.SubTaskCompleted
		st.Result = res.Data
		results[st.ID] = res.Data
	}
	return map[string]any{"subtasks": results}, nil
}

// runSubTask executes one sub-task. Sub-tasks with no matched tool
// synthesize a trivial acknowledgement instead of failing; an
// unmatchable step is not an error, it just has nothing to run.
func (w *Worker) runSubTask(ctx context.Context, st *models.SubTask) tool.Result {
	if st.ToolName == "" || w.cfg.Tools == nil {
		return tool.Result{Success: true, Data: st.Description}
	}
	params := map[string]any{"input": st.Description}
	for k, v := range w.cfg.Task.Data {
		params[k] = v
	}
	return w.cfg.Tools.Execute(ctx, st.ToolName, params)
}

// finish marks the task terminal and emits the matching lifecycle event.
func (w *Worker) finish(status models.TaskStatus, errCode, errMsg string, result map[string]any) {
	task := w.cfg.Task
	if err := w.cfg.Store.MarkTaskTerminal(task.ID, status, errCode, errMsg, result); err != nil {
		log.Printf("[worker] task %s: mark terminal %s: %v", task.ID, status, err)
	}

	level := models.LevelInfo
	eventType := "task.completed"
	switch status {
	case models.TaskStatusFailed:
		level = models.LevelError
		eventType = "task.failed"
	case models.TaskStatusTimeout:
		level = models.LevelError
		eventType = "task.timeout"
	case models.TaskStatusCancelled:
		level = models.LevelWarning
		eventType = "task.cancelled"
	}

	data := map[string]any{"task_id": task.ID, "status": string(status)}
	if errMsg != "" {
		data["error_code"] = errCode
		data["error"] = errMsg
	}
	w.emit(eventType, level, data)
}

// emit publishes a lifecycle event carrying the task's correlation ID.
func (w *Worker) emit(eventType string, level models.EventLevel, data map[string]any) {
	if w.cfg.Bus == nil {
		return
	}
	w.cfg.Bus.Publish(models.NewEvent(eventType, "worker", level, data,
		models.WithCorrelationID(w.cfg.Task.CorrelationID)))
}

// orderSubTasks returns sub-tasks in dependency order using a stable
// topological sort. A dependency cycle is a validation error.
func orderSubTasks(subtasks []*models.SubTask) ([]*models.SubTask, error) {
	byID := make(map[string]*models.SubTask, len(subtasks))
	indegree := make(map[string]int, len(subtasks))
	dependents := make(map[string][]string, len(subtasks))
	for _, st := range subtasks {
		byID[st.ID] = st
		indegree[st.ID] = len(st.Dependencies)
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	// Seed the ready list in declaration order so independent sub-tasks
	// keep their authored sequence.
	var ready []string
	for _, st := range subtasks {
		if indegree[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}

	ordered := make([]*models.SubTask, 0, len(subtasks))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(subtasks) {
		return nil, fmt.Errorf("sub-task dependencies contain a cycle")
	}
	return ordered, nil
}

// markSkipped marks not-yet-run sub-tasks as skipped after an abort.
func markSkipped(subtasks []*models.SubTask) {
	for _, st := range subtasks {
		if st.Status == models.SubTaskPending {
			st.Status = models.SubTaskSkipped
		}
	}
}

// resetSubTasks returns every sub-task to pending before a retry.
func resetSubTasks(subtasks []*models.SubTask) {
	for _, st := range subtasks {
		st.Status = models.SubTaskPending
		st.Result = nil
	}
}
