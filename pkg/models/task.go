package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for dispatch.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned indicates the task has been handed to an orchestrator.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusProcessing indicates a worker is executing the task.
	TaskStatusProcessing TaskStatus = "processing"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task exhausted its retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusTimeout indicates the task exceeded its deadline.
	TaskStatusTimeout TaskStatus = "timeout"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusProcessing,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is an end state. Terminal tasks are
// never deleted, only stamped, so the store keeps a full audit history.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Active returns true if the task is currently owned by an orchestrator
// or worker. The ownership invariant: AssignedTo is non-empty iff Active.
func (s TaskStatus) Active() bool {
	return s == TaskStatusAssigned || s == TaskStatusProcessing
}

// TaskPriority represents the urgency of a task. Higher values dispatch
// sooner and receive shorter deadlines so urgent work fails fast instead
// of starving the rest of the queue.
type TaskPriority int

const (
	// PriorityLow is background work.
	PriorityLow TaskPriority = iota
	// PriorityNormal is the default priority.
	PriorityNormal
	// PriorityHigh is elevated work.
	PriorityHigh
	// PriorityUrgent is work that must run as soon as possible.
	PriorityUrgent
)

// String returns the string representation of the priority.
func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParseTaskPriority converts a string to a TaskPriority, defaulting to
// PriorityNormal for unknown values.
func ParseTaskPriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// InteractionLevel describes how interactive a task is. Interactive tasks
// get tighter deadlines because a user is waiting on the result.
type InteractionLevel string

const (
	// InteractionNone is fully autonomous background work.
	InteractionNone InteractionLevel = "none"
	// InteractionLow is work a user may check on later.
	InteractionLow InteractionLevel = "low"
	// InteractionHigh is work a user is actively waiting on.
	InteractionHigh InteractionLevel = "high"
)

// Task represents a unit of work created by the coordinator and executed
// by a worker. Tasks are persisted for their entire life and only ever
// terminal-stamped, never deleted.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Type is the classified task type (e.g. "computation", "query").
	Type string `json:"type"`
	// Data is the task payload, typically the classified input message.
	Data map[string]any `json:"data,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority is the dispatch and deadline priority.
	Priority TaskPriority `json:"priority"`
	// Interaction is the interaction level used for deadline calculation.
	Interaction InteractionLevel `json:"interaction"`
	// AssignedTo is the ID of the orchestrator that owns this task.
	// Non-empty iff Status is assigned or processing.
	AssignedTo string `json:"assigned_to,omitempty"`
	// CorrelationID links the task to the event chain that created it.
	CorrelationID string `json:"correlation_id,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
	// RetryCount is the number of execution attempts consumed so far.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the number of retries allowed after the first attempt.
	MaxRetries int `json:"max_retries"`
	// TimeoutSeconds is the overall execution deadline in seconds.
	TimeoutSeconds int `json:"timeout_seconds"`
	// ErrorCode distinguishes the failure class on terminal tasks
	// (capacity rejection vs. tool failure vs. timeout).
	ErrorCode string `json:"error_code,omitempty"`
	// ErrorMessage is the last error recorded for the task.
	ErrorMessage string `json:"error_message,omitempty"`
	// Result holds the aggregated sub-task results on completion.
	Result map[string]any `json:"result,omitempty"`
}

// SubTaskStatus represents the state of a single sub-task.
type SubTaskStatus string

const (
	// SubTaskPending indicates the sub-task has not run yet.
	SubTaskPending SubTaskStatus = "pending"
	// SubTaskRunning indicates the sub-task is executing.
	SubTaskRunning SubTaskStatus = "running"
	// SubTaskCompleted indicates the sub-task finished successfully.
	SubTaskCompleted SubTaskStatus = "completed"
	// SubTaskFailed indicates the sub-task failed.
	SubTaskFailed SubTaskStatus = "failed"
	// SubTaskSkipped indicates a dependency failed so the sub-task never ran.
	SubTaskSkipped SubTaskStatus = "skipped"
)

// SubTask is one step of a decomposed task. Sub-tasks are owned
// exclusively by the worker executing the parent task and are discarded
// with the worker.
type SubTask struct {
	// ID is the unique identifier for this sub-task.
	ID string `json:"id"`
	// ParentTaskID is the ID of the task this sub-task belongs to.
	ParentTaskID string `json:"parent_task_id"`
	// Description is what this sub-task should accomplish.
	Description string `json:"description"`
	// ToolName is the matched tool, or empty for direct synthesis.
	ToolName string `json:"tool_name,omitempty"`
	// Dependencies lists sub-task IDs that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Status is the current state of the sub-task.
	Status SubTaskStatus `json:"status"`
	// Result is the output of the sub-task, if any.
	Result any `json:"result,omitempty"`
}
