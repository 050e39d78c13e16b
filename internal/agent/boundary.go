package agent

import (
	"context"

	"github.com/okapi-labs/nerve/pkg/models"
)

// Perceiver produces the observations for one loop iteration. A sense
// with nothing to report returns an empty slice, not an error.
type Perceiver interface {
	Sense(ctx context.Context) ([]*models.Perception, error)
}

// Decider turns observations into actions. Returning no actions is a
// valid plan; the iteration simply records and moves on.
type Decider interface {
	Plan(ctx context.Context, perceptions []*models.Perception) ([]*models.Action, error)
}

// ActionExecutor carries out one planned action.
type ActionExecutor interface {
	Act(ctx context.Context, action *models.Action) (*models.ActionResult, error)
}

// Reflection is the record of one completed iteration, written to the
// memory sink during the reflect phase.
type Reflection struct {
	// Iteration is the 1-based iteration number.
	Iteration int
	// Perceptions counts observations sensed this iteration.
	Perceptions int
	// Actions counts actions the plan produced.
	Actions int
	// Succeeded counts actions that executed successfully.
	Succeeded int
	// Failed counts actions that returned failure or an error.
	Failed int
	// Err holds the iteration-level error, if the iteration aborted.
	Err error
}

// MemorySink receives reflections. Implementations decide what to keep;
// a sink error is logged but never stops the loop.
type MemorySink interface {
	Record(ctx context.Context, r Reflection) error
}

// PerceiverFunc adapts a function to the Perceiver interface.
type PerceiverFunc func(ctx context.Context) ([]*models.Perception, error)

// Sense calls f.
func (f PerceiverFunc) Sense(ctx context.Context) ([]*models.Perception, error) { return f(ctx) }

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, perceptions []*models.Perception) ([]*models.Action, error)

// Plan calls f.
func (f DeciderFunc) Plan(ctx context.Context, perceptions []*models.Perception) ([]*models.Action, error) {
	return f(ctx, perceptions)
}

// ExecutorFunc adapts a function to the ActionExecutor interface.
type ExecutorFunc func(ctx context.Context, action *models.Action) (*models.ActionResult, error)

// Act calls f.
func (f ExecutorFunc) Act(ctx context.Context, action *models.Action) (*models.ActionResult, error) {
	return f(ctx, action)
}
