// Package bus implements the internal publish/subscribe message bus: a
// bounded severity-ordered queue, a fixed worker pool, and a load-aware
// dispatcher with broadcast, competing, and round-robin propagation.
//
// Two backends share the same queue/dispatch core: MemoryBus is
// best-effort and fastest; DurableBus writes every event to the store
// before admission and reclaims undelivered rows by polling, giving
// at-least-once delivery across process restarts.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

// Bus is the publish/subscribe contract shared by both backends.
type Bus interface {
	// Start launches the worker pool. It is an error to publish before Start.
	Start() error
	// Stop drains the queue for a bounded grace period, then cancels the
	// workers. Events still queued after the grace period are discarded.
	Stop() error
	// Publish enqueues an event and returns immediately. It returns false
	// if the overflow policy rejected the event or the bus is draining.
	// Publish never blocks on handler execution.
	Publish(e *models.Event) bool
	// Subscribe registers a handler and returns the subscription ID.
	// A nil filter delivers every event of the type.
	Subscribe(eventType string, handler EventHandler, mode PropagationMode, filter EventFilter) string
	// Unsubscribe removes a subscription by ID.
	Unsubscribe(id string) bool
	// Stats returns a snapshot of bus counters.
	Stats() Stats
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	// Published counts events accepted into the queue.
	Published uint64 `json:"published"`
	// Processed counts events taken off the queue and dispatched.
	Processed uint64 `json:"processed"`
	// Dropped counts events rejected or evicted by the overflow policy.
	Dropped uint64 `json:"dropped"`
	// Errors counts handler errors and panics.
	Errors uint64 `json:"errors"`
	// QueueDepth is the current number of queued events.
	QueueDepth int `json:"queue_depth"`
	// SubscriberCount is the current number of live subscriptions.
	SubscriberCount int `json:"subscriber_count"`
}

// Config holds bus tuning knobs. Zero values take the documented defaults.
type Config struct {
	// Workers is the size of the dispatch worker pool. Default 4.
	Workers int
	// QueueSize is the bounded queue capacity. Default 1000.
	QueueSize int
	// Policy is the overflow policy. Default reject.
	Policy DropPolicy
	// PollTimeout bounds how long an idle worker waits on the queue
	// before re-checking for shutdown. Default 100ms.
	PollTimeout time.Duration
	// ShutdownGrace bounds how long Stop waits for the queue to drain.
	// Default 5s.
	ShutdownGrace time.Duration
}

// withDefaults fills zero config fields.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if !c.Policy.Valid() {
		c.Policy = DropReject
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// engine is the queue/dispatch core shared by both backends. Keeping the
// propagation logic in one place guarantees the backends behave
// identically under test; they differ only in where queue data lives.
type engine struct {
	cfg   Config
	queue *PriorityQueue
	disp  *Dispatcher

	counters struct {
		published atomic.Uint64
		processed atomic.Uint64
		dropped   atomic.Uint64
		errors    atomic.Uint64
	}

	mu       sync.Mutex
	running  bool
	draining bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// onProcessed runs after an event has been dispatched. The durable
	// backend uses it to mark the store row processed.
	onProcessed func(*models.Event)
}

func newEngine(cfg Config) *engine {
	cfg = cfg.withDefaults()
	return &engine{
		cfg:   cfg,
		queue: NewPriorityQueue(cfg.QueueSize, cfg.Policy),
		disp:  NewDispatcher(),
	}
}

// start launches the worker pool.
func (e *engine) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.draining = false
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}
	return nil
}

// stop drains best-effort, then cancels the workers.
func (e *engine) stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.draining = true
	cancel := e.cancel
	e.mu.Unlock()

	deadline := time.Now().Add(e.cfg.ShutdownGrace)
	for e.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := e.queue.Len(); n > 0 {
		log.Printf("[bus] discarding %d undelivered events after shutdown grace period", n)
	}

	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

// enqueue admits one event, applying the draining gate and counters.
func (e *engine) enqueue(ev *models.Event) bool {
	if ev == nil {
		return false
	}
	e.mu.Lock()
	rejected := !e.running || e.draining
	e.mu.Unlock()
	if rejected {
		e.counters.dropped.Add(1)
		return false
	}
	if !e.queue.Enqueue(ev) {
		e.counters.dropped.Add(1)
		return false
	}
	e.counters.published.Add(1)
	return true
}

// workerLoop continuously dequeues and dispatches until cancelled.
func (e *engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev := e.queue.Dequeue(e.cfg.PollTimeout)
		if ev == nil {
			continue
		}

		_, errs := e.disp.Dispatch(ev)
		e.counters.processed.Add(1)
		if errs > 0 {
			e.counters.errors.Add(uint64(errs))
		}
		if e.onProcessed != nil {
			e.onProcessed(ev)
		}
	}
}

func (e *engine) subscribe(eventType string, handler EventHandler, mode PropagationMode, filter EventFilter) string {
	return e.disp.Subscribe(eventType, handler, mode, filter)
}

func (e *engine) unsubscribe(id string) bool {
	return e.disp.Unsubscribe(id)
}

func (e *engine) stats() Stats {
	return Stats{
		Published:       e.counters.published.Load(),
		Processed:       e.counters.processed.Load(),
		Dropped:         e.counters.dropped.Load(),
		Errors:          e.counters.errors.Load(),
		QueueDepth:      e.queue.Len(),
		SubscriberCount: e.disp.SubscriberCount(),
	}
}
