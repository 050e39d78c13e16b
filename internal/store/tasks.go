package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

// CreateTask inserts a new task row.
func (db *DB) CreateTask(t *models.Task) error {
	data, err := marshalJSON(t.Data)
	if err != nil {
		return fmt.Errorf("encode task data: %w", err)
	}
	result, err := marshalJSON(t.Result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, type, data, status, priority, interaction, assigned_to,
			correlation_id, created_at, updated_at, retry_count, max_retries,
			timeout_seconds, error_code, error_message, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Type, data, string(t.Status), int(t.Priority), string(t.Interaction),
		t.AssignedTo, t.CorrelationID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		t.RetryCount, t.MaxRetries, t.TimeoutSeconds, t.ErrorCode, t.ErrorMessage, result)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) if no such task exists.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`
		SELECT id, type, data, status, priority, interaction, assigned_to,
			correlation_id, created_at, updated_at, retry_count, max_retries,
			timeout_seconds, error_code, error_message, result
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus performs an id-scoped status transition, maintaining
// the ownership invariant: assignedTo must be non-empty for assigned and
// processing, and is cleared for every other status.
func (db *DB) UpdateTaskStatus(id string, status models.TaskStatus, assignedTo string) error {
	if !status.Active() {
		assignedTo = ""
	}
	_, err := db.Exec(`
		UPDATE tasks SET status = ?, assigned_to = ?, updated_at = ? WHERE id = ?
	`, string(status), assignedTo, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// MarkTaskTerminal stamps a task with a terminal status, its error fields,
// and its result. Terminal tasks are never deleted.
func (db *DB) MarkTaskTerminal(id string, status models.TaskStatus, errorCode, errorMessage string, result map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("mark task terminal: %q is not a terminal status", status)
	}
	encoded, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	_, err = db.Exec(`
		UPDATE tasks SET status = ?, assigned_to = '', error_code = ?,
			error_message = ?, result = ?, updated_at = ?
		WHERE id = ?
	`, string(status), errorCode, errorMessage, encoded, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark task terminal: %w", err)
	}
	return nil
}

// IncrementTaskRetry bumps the durable retry counter and returns the new
// value.
func (db *DB) IncrementTaskRetry(id string) (int, error) {
	_, err := db.Exec(`
		UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("increment task retry: %w", err)
	}
	var count int
	row := db.QueryRow("SELECT retry_count FROM tasks WHERE id = ?", id)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("read task retry count: %w", err)
	}
	return count, nil
}

// ListPendingTasks returns unassigned pending tasks in dispatch order:
// priority descending, then oldest first.
func (db *DB) ListPendingTasks(limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, type, data, status, priority, interaction, assigned_to,
			correlation_id, created_at, updated_at, retry_count, max_retries,
			timeout_seconds, error_code, error_message, result
		FROM tasks
		WHERE status = ? AND assigned_to = ''
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, string(models.TaskStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListRecentTasks returns the most recently updated tasks, newest first.
func (db *DB) ListRecentTasks(limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, type, data, status, priority, interaction, assigned_to,
			correlation_id, created_at, updated_at, retry_count, max_retries,
			timeout_seconds, error_code, error_message, result
		FROM tasks
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountActiveByOrchestrator returns the number of assigned or processing
// tasks per orchestrator. Used by the coordinator's load balancer.
func (db *DB) CountActiveByOrchestrator() (map[string]int, error) {
	rows, err := db.Query(`
		SELECT assigned_to, COUNT(*)
		FROM tasks
		WHERE status IN (?, ?)
		GROUP BY assigned_to
	`, string(models.TaskStatusAssigned), string(models.TaskStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var orch string
		var n int
		if err := rows.Scan(&orch, &n); err != nil {
			return nil, fmt.Errorf("scan active count: %w", err)
		}
		counts[orch] = n
	}
	return counts, rows.Err()
}

// RecoverOrphanedTasks reverts tasks left assigned or processing by a
// previous run to pending so the next dispatch tick picks them up again.
// Returns the number of recovered tasks.
func (db *DB) RecoverOrphanedTasks() (int, error) {
	res, err := db.Exec(`
		UPDATE tasks SET status = ?, assigned_to = '', updated_at = ?
		WHERE status IN (?, ?)
	`, string(models.TaskStatusPending), formatTime(time.Now()),
		string(models.TaskStatusAssigned), string(models.TaskStatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	return int(n), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row.
func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var data, result sql.NullString
	var status, interaction, createdAt, updatedAt string
	var priority int

	err := row.Scan(&t.ID, &t.Type, &data, &status, &priority, &interaction,
		&t.AssignedTo, &t.CorrelationID, &createdAt, &updatedAt, &t.RetryCount,
		&t.MaxRetries, &t.TimeoutSeconds, &t.ErrorCode, &t.ErrorMessage, &result)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	t.Priority = models.TaskPriority(priority)
	t.Interaction = models.InteractionLevel(interaction)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &t.Data); err != nil {
			return nil, fmt.Errorf("decode task data: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	return &t, nil
}

// scanTasks reads all task rows.
func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// marshalJSON encodes a value as JSON, mapping nil to the empty string.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
