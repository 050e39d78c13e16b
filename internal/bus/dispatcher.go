package bus

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/okapi-labs/nerve/pkg/models"
)

// PropagationMode controls how one published event fans out across the
// subscriptions for its type.
type PropagationMode string

const (
	// Broadcast invokes every matching subscription for the same event.
	Broadcast PropagationMode = "broadcast"
	// Competing invokes exactly one subscription: the one with the fewest
	// in-flight invocations, giving at-most-one-handler load balancing.
	Competing PropagationMode = "competing"
	// RoundRobin invokes subscriptions in strict rotation, one per event,
	// independent of load.
	RoundRobin PropagationMode = "round_robin"
)

// Valid returns true if the mode is a known value.
func (m PropagationMode) Valid() bool {
	switch m {
	case Broadcast, Competing, RoundRobin:
		return true
	default:
		return false
	}
}

// TypeWildcard subscribes a handler to every event type. Monitors and
// audit sinks use it; routing subscriptions should name their type.
const TypeWildcard = "*"

// EventHandler processes one delivered event. A returned error is counted
// but never propagated to other handlers or back to the publisher.
type EventHandler func(*models.Event) error

// EventFilter decides whether a subscription should receive an event.
// A filter error fails open (the event is delivered) so a broken filter
// cannot silently blackhole events.
type EventFilter func(*models.Event) (bool, error)

// subscription is one registered handler for an event type.
type subscription struct {
	id        string
	eventType string
	handler   EventHandler
	mode      PropagationMode
	filter    EventFilter
	// inflight counts invocations currently executing on this handler.
	// Incremented before invoke, decremented after, including on error.
	inflight atomic.Int64
}

// Dispatcher routes dequeued events to subscriptions, partitioning each
// type's subscriptions by propagation mode. It is the only shared mutable
// state in the delivery path besides the queue itself.
type Dispatcher struct {
	mu sync.RWMutex
	// byType holds subscriptions grouped by event type, in subscribe order.
	byType map[string][]*subscription
	// byID supports O(1) unsubscribe.
	byID map[string]*subscription
	// cursors holds the round-robin rotation position per event type.
	cursors map[string]int
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		byType:  make(map[string][]*subscription),
		byID:    make(map[string]*subscription),
		cursors: make(map[string]int),
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription ID. A nil filter delivers every event of the type.
func (d *Dispatcher) Subscribe(eventType string, handler EventHandler, mode PropagationMode, filter EventFilter) string {
	if !mode.Valid() {
		mode = Broadcast
	}
	sub := &subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		mode:      mode,
		filter:    filter,
	}

	d.mu.Lock()
	d.byType[eventType] = append(d.byType[eventType], sub)
	d.byID[sub.id] = sub
	d.mu.Unlock()

	return sub.id
}

// Unsubscribe removes a subscription by ID, returning false if no such
// subscription exists.
func (d *Dispatcher) Unsubscribe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)

	subs := d.byType[sub.eventType]
	for i := range subs {
		if subs[i].id == id {
			d.byType[sub.eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(d.byType[sub.eventType]) == 0 {
		delete(d.byType, sub.eventType)
		delete(d.cursors, sub.eventType)
	}
	return true
}

// SubscriberCount returns the total number of live subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

// Dispatch delivers one event to its subscriptions and returns the number
// of handler invocations and the number of handler errors. Handler panics
// are recovered and counted as errors; they never abort the calling worker
// or other handlers.
func (d *Dispatcher) Dispatch(e *models.Event) (invoked, errs int) {
	d.mu.RLock()
	subs := d.byType[e.Type]
	// Wildcard subscriptions see every type. They join the event type's
	// own partitions so mode semantics still hold.
	if e.Type != TypeWildcard {
		subs = append(append([]*subscription(nil), subs...), d.byType[TypeWildcard]...)
	}
	var broadcast, competing, roundRobin []*subscription
	for _, s := range subs {
		switch s.mode {
		case Competing:
			competing = append(competing, s)
		case RoundRobin:
			roundRobin = append(roundRobin, s)
		default:
			broadcast = append(broadcast, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range broadcast {
		if d.accepts(s, e) {
			invoked++
			if d.invoke(s, e) != nil {
				errs++
			}
		}
	}

	if target := d.pickCompeting(competing, e); target != nil {
		invoked++
		if d.invoke(target, e) != nil {
			errs++
		}
	}

	if target := d.pickRoundRobin(roundRobin, e); target != nil {
		invoked++
		if d.invoke(target, e) != nil {
			errs++
		}
	}

	return invoked, errs
}

// accepts runs a subscription's filter, failing open on filter error.
func (d *Dispatcher) accepts(s *subscription, e *models.Event) bool {
	if s.filter == nil {
		return true
	}
	ok, err := s.filter(e)
	if err != nil {
		log.Printf("[bus] filter error on subscription %s (fail open): %v", s.id, err)
		return true
	}
	return ok
}

// pickCompeting selects the filter-passing subscription with the fewest
// in-flight invocations. Ties are broken by subscribe order.
func (d *Dispatcher) pickCompeting(subs []*subscription, e *models.Event) *subscription {
	var best *subscription
	var bestLoad int64
	for _, s := range subs {
		if !d.accepts(s, e) {
			continue
		}
		load := s.inflight.Load()
		if best == nil || load < bestLoad {
			best = s
			bestLoad = load
		}
	}
	return best
}

// pickRoundRobin advances the per-type rotation cursor to the next
// filter-passing subscription.
func (d *Dispatcher) pickRoundRobin(subs []*subscription, e *models.Event) *subscription {
	if len(subs) == 0 {
		return nil
	}
	d.mu.Lock()
	start := d.cursors[e.Type]
	d.mu.Unlock()

	for i := 0; i < len(subs); i++ {
		idx := (start + i) % len(subs)
		if d.accepts(subs[idx], e) {
			d.mu.Lock()
			d.cursors[e.Type] = idx + 1
			d.mu.Unlock()
			return subs[idx]
		}
	}
	return nil
}

// invoke runs one handler with in-flight accounting and panic isolation.
func (d *Dispatcher) invoke(s *subscription, e *models.Event) (err error) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on subscription %s: %v", s.id, r)
			log.Printf("[bus] %v", err)
		}
	}()
	return s.handler(e)
}
