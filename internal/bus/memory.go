package bus

import "github.com/okapi-labs/nerve/pkg/models"

// MemoryBus is the best-effort in-memory backend. Events live only in the
// bounded queue; nothing survives a restart.
type MemoryBus struct {
	*engine
}

// Compile-time verification that MemoryBus implements Bus.
var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-memory bus with the given configuration.
func NewMemoryBus(cfg Config) *MemoryBus {
	return &MemoryBus{engine: newEngine(cfg)}
}

// Start launches the dispatch worker pool.
func (b *MemoryBus) Start() error { return b.engine.start() }

// Stop drains the queue best-effort, then cancels the workers.
func (b *MemoryBus) Stop() error { return b.engine.stop() }

// Publish enqueues an event, returning false on overflow rejection.
func (b *MemoryBus) Publish(e *models.Event) bool { return b.engine.enqueue(e) }

// Subscribe registers a handler for an event type.
func (b *MemoryBus) Subscribe(eventType string, handler EventHandler, mode PropagationMode, filter EventFilter) string {
	return b.engine.subscribe(eventType, handler, mode, filter)
}

// Unsubscribe removes a subscription by ID.
func (b *MemoryBus) Unsubscribe(id string) bool { return b.engine.unsubscribe(id) }

// Stats returns a snapshot of bus counters.
func (b *MemoryBus) Stats() Stats { return b.engine.stats() }
