package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLevel represents the severity of an event. Levels are ordered:
// a higher value is always more severe, and the bus dequeues more severe
// events first.
type EventLevel int

const (
	// LevelDebug is diagnostic chatter, dropped first under pressure.
	LevelDebug EventLevel = iota
	// LevelInfo is routine operational information.
	LevelInfo
	// LevelNotice is a normal but significant condition.
	LevelNotice
	// LevelWarning indicates something unexpected that did not fail.
	LevelWarning
	// LevelError indicates an operation failed.
	LevelError
	// LevelCritical indicates a component-level failure.
	LevelCritical
	// LevelAlert indicates a condition requiring immediate attention.
	LevelAlert
	// LevelEmergency indicates the system is unusable.
	LevelEmergency
)

// String returns the string representation of the level.
func (l EventLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelNotice:
		return "notice"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	case LevelAlert:
		return "alert"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Valid returns true if the level is a known value.
func (l EventLevel) Valid() bool {
	return l >= LevelDebug && l <= LevelEmergency
}

// Event is the immutable message envelope carried by the bus.
// Events are never mutated after publish; components that need to add
// context publish a new event with the same correlation ID.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// Type is the event type used for subscription matching.
	Type string `json:"type"`
	// Data is the event payload.
	Data any `json:"data,omitempty"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Level is the severity of the event; it drives queue ordering.
	Level EventLevel `json:"level"`
	// CorrelationID threads together all events in one causal chain.
	// It defaults to a fresh unique ID when not supplied.
	CorrelationID string `json:"correlation_id"`
	// Metadata holds additional string key/value context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// EventOption configures an Event at construction time.
type EventOption func(*Event)

// WithCorrelationID sets the correlation ID, joining this event to an
// existing causal chain instead of starting a new one.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) {
		if id != "" {
			e.CorrelationID = id
		}
	}
}

// WithMetadata sets a metadata key/value pair.
func WithMetadata(key, value string) EventOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// NewEvent creates an Event with a fresh ID, timestamp, and correlation ID.
func NewEvent(eventType, source string, level EventLevel, data any, opts ...EventOption) *Event {
	e := &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Data:          data,
		Timestamp:     time.Now(),
		Source:        source,
		Level:         level,
		CorrelationID: uuid.New().String(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}
