// Package store provides SQLite-based persistence for nerve.
package store

import (
	"io"

	"github.com/okapi-labs/nerve/pkg/models"
)

// TaskStore handles task persistence. The coordinator, orchestrators, and
// workers all mutate tasks through id-scoped operations on this
// interface; assigned_to acts as an advisory ownership lock.
type TaskStore interface {
	CreateTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTaskStatus(id string, status models.TaskStatus, assignedTo string) error
	MarkTaskTerminal(id string, status models.TaskStatus, errorCode, errorMessage string, result map[string]any) error
	IncrementTaskRetry(id string) (int, error)
	ListPendingTasks(limit int) ([]*models.Task, error)
	ListRecentTasks(limit int) ([]*models.Task, error)
	CountActiveByOrchestrator() (map[string]int, error)
	RecoverOrphanedTasks() (int, error)
}

// EventStore handles persisted bus events for the durable backend.
type EventStore interface {
	InsertEvent(e *models.Event) error
	MarkEventProcessed(id string) error
	ListUnprocessedEvents(limit int) ([]*models.Event, error)
	PurgeProcessedEvents(keep int) (int, error)
}

// Migrator handles database schema migrations. Separating this allows
// clients to depend only on migration functionality.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence contract, composed of focused
// sub-interfaces so components can depend on only what they use.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	EventStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store      = (*DB)(nil)
	_ Migrator   = (*DB)(nil)
	_ TaskStore  = (*DB)(nil)
	_ EventStore = (*DB)(nil)
)
