package models

import "time"

// Perception is a single sensed input delivered to an agent loop.
// Perception sources return batches that are already deduplicated and
// priority-tagged.
type Perception struct {
	// ID is the unique identifier for this perception.
	ID string `json:"id"`
	// Source identifies where the perception came from.
	Source string `json:"source"`
	// Kind classifies the perception (e.g. "message", "observation").
	Kind string `json:"kind"`
	// Content is the raw perceived content.
	Content string `json:"content"`
	// Priority orders perceptions within one sense batch.
	Priority TaskPriority `json:"priority"`
	// Timestamp is when the perception was sensed.
	Timestamp time.Time `json:"timestamp"`
}

// Action is the planned response to a perception.
type Action struct {
	// ID is the unique identifier for this action.
	ID string `json:"id"`
	// Type classifies the action (e.g. "respond", "tool_call").
	Type string `json:"type"`
	// PerceptionID links the action back to the perception it answers.
	PerceptionID string `json:"perception_id"`
	// Params carries action-specific parameters.
	Params map[string]any `json:"params,omitempty"`
}

// ActionResult is the outcome of executing an action. Executors return
// all failure as data; they never panic or raise across the boundary.
type ActionResult struct {
	// Success indicates whether the action succeeded.
	Success bool `json:"success"`
	// Response is the action's output, if any.
	Response string `json:"response,omitempty"`
	// Error is the failure description when Success is false.
	Error string `json:"error,omitempty"`
}
