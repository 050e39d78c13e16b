package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/okapi-labs/nerve/pkg/models"
)

// InsertEvent persists an event for the durable bus backend with
// processed=false. The event is not considered published until this
// write succeeds.
func (db *DB) InsertEvent(e *models.Event) error {
	payload, err := marshalJSON(e.Data)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	metadata, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO bus_events (id, type, payload, level, source, correlation_id, metadata, timestamp, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, e.ID, e.Type, payload, int(e.Level), e.Source, e.CorrelationID, metadata, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// MarkEventProcessed flips the processed flag after dispatch.
func (db *DB) MarkEventProcessed(id string) error {
	_, err := db.Exec("UPDATE bus_events SET processed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// ListUnprocessedEvents returns up to limit undelivered events in
// priority-poll order: severity descending, then oldest first. The
// idx_bus_events_poll index backs this query.
func (db *DB) ListUnprocessedEvents(limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, type, payload, level, source, correlation_id, metadata, timestamp
		FROM bus_events
		WHERE processed = 0
		ORDER BY level DESC, timestamp ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var payload, metadata sql.NullString
		var id, typ, source, correlationID, timestamp string
		var level int
		if err := rows.Scan(&id, &typ, &payload, &level, &source, &correlationID, &metadata, &timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		e := &models.Event{
			ID:            id,
			Type:          typ,
			Source:        source,
			Level:         models.EventLevel(level),
			CorrelationID: correlationID,
			Timestamp:     parseTime(timestamp),
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Data); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeProcessedEvents deletes processed rows beyond the newest keep,
// keeping the append-mostly table bounded.
func (db *DB) PurgeProcessedEvents(keep int) (int, error) {
	res, err := db.Exec(`
		DELETE FROM bus_events
		WHERE processed = 1 AND id NOT IN (
			SELECT id FROM bus_events WHERE processed = 1
			ORDER BY timestamp DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return int(n), nil
}
