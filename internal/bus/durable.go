package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

// EventStore is the persistence boundary for the durable backend. It is
// implemented by the sqlite store.
type EventStore interface {
	// InsertEvent persists an event with processed=false.
	InsertEvent(e *models.Event) error
	// MarkEventProcessed flips the processed flag for an event ID.
	MarkEventProcessed(id string) error
	// ListUnprocessedEvents returns up to limit undelivered events in
	// priority order (severity desc, timestamp asc).
	ListUnprocessedEvents(limit int) ([]*models.Event, error)
}

// DurableBus persists every event before admission and polls the store
// for undelivered rows, so events accepted before a crash are redelivered
// after restart. Delivery is at-least-once: a crash between dispatch and
// the processed-flag write replays the event.
type DurableBus struct {
	*engine
	store EventStore

	// pollInterval is how often the reclaim loop scans for undelivered rows.
	pollInterval time.Duration
	// reclaimBatch bounds how many rows one reclaim pass loads.
	reclaimBatch int

	// pending tracks event IDs currently admitted to the in-memory queue
	// so the reclaim loop does not double-enqueue rows that are simply
	// waiting their turn.
	pendingMu sync.Mutex
	pending   map[string]struct{}

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// Compile-time verification that DurableBus implements Bus.
var _ Bus = (*DurableBus)(nil)

// NewDurableBus creates a durable bus over the given store. A pollInterval
// of zero or less defaults to one second.
func NewDurableBus(cfg Config, store EventStore, pollInterval time.Duration) *DurableBus {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	b := &DurableBus{
		engine:       newEngine(cfg),
		store:        store,
		pollInterval: pollInterval,
		reclaimBatch: 100,
		pending:      make(map[string]struct{}),
	}
	b.engine.onProcessed = b.markProcessed
	return b
}

// Start launches the worker pool and the reclaim loop. Undelivered rows
// from a previous run are picked up by the first reclaim pass.
func (b *DurableBus) Start() error {
	if err := b.engine.start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.pollCancel = cancel
	b.pollWG.Add(1)
	go b.reclaimLoop(ctx)
	return nil
}

// Stop halts the reclaim loop, then drains and stops the worker pool.
// Rows left unprocessed remain in the store for the next run.
func (b *DurableBus) Stop() error {
	if b.pollCancel != nil {
		b.pollCancel()
		b.pollWG.Wait()
	}
	return b.engine.stop()
}

// Publish writes the event to the store before admitting it to the queue.
// A failed store write rejects the publish: an event is not considered
// published until it is durable.
func (b *DurableBus) Publish(e *models.Event) bool {
	if e == nil {
		return false
	}
	if err := b.store.InsertEvent(e); err != nil {
		log.Printf("[bus] durable insert failed, rejecting publish: %v", err)
		b.counters.dropped.Add(1)
		return false
	}

	b.track(e.ID)
	if !b.engine.enqueue(e) {
		// Queue overflow: the row stays in the store and the reclaim loop
		// re-admits it once there is room.
		b.untrack(e.ID)
		return false
	}
	return true
}

// Subscribe registers a handler for an event type.
func (b *DurableBus) Subscribe(eventType string, handler EventHandler, mode PropagationMode, filter EventFilter) string {
	return b.engine.subscribe(eventType, handler, mode, filter)
}

// Unsubscribe removes a subscription by ID.
func (b *DurableBus) Unsubscribe(id string) bool { return b.engine.unsubscribe(id) }

// Stats returns a snapshot of bus counters.
func (b *DurableBus) Stats() Stats { return b.engine.stats() }

// markProcessed flips the store row after dispatch.
func (b *DurableBus) markProcessed(e *models.Event) {
	b.untrack(e.ID)
	if err := b.store.MarkEventProcessed(e.ID); err != nil {
		log.Printf("[bus] mark processed %s: %v", e.ID, err)
	}
}

// reclaimLoop periodically re-admits undelivered rows that are not
// already queued in memory.
func (b *DurableBus) reclaimLoop(ctx context.Context) {
	defer b.pollWG.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reclaim()
		}
	}
}

// reclaim loads one batch of undelivered rows and enqueues the ones not
// already in flight.
func (b *DurableBus) reclaim() {
	events, err := b.store.ListUnprocessedEvents(b.reclaimBatch)
	if err != nil {
		log.Printf("[bus] reclaim scan: %v", err)
		return
	}
	for _, e := range events {
		b.pendingMu.Lock()
		_, inflight := b.pending[e.ID]
		b.pendingMu.Unlock()
		if inflight {
			continue
		}
		b.track(e.ID)
		if !b.engine.enqueue(e) {
			b.untrack(e.ID)
			// Queue still full; try again next pass.
			return
		}
	}
}

func (b *DurableBus) track(id string) {
	b.pendingMu.Lock()
	b.pending[id] = struct{}{}
	b.pendingMu.Unlock()
}

func (b *DurableBus) untrack(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}
