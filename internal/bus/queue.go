package bus

import (
	"container/heap"
	"sync"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

// DropPolicy decides what happens when the queue is full. All policies
// preserve the never-blocks-publisher guarantee: Enqueue always returns
// immediately with an accept/reject answer.
type DropPolicy string

const (
	// DropReject rejects the incoming event when the queue is full.
	DropReject DropPolicy = "reject"
	// DropOldest evicts the oldest queued event to make room.
	DropOldest DropPolicy = "drop_oldest"
	// DropLowestPriority evicts the least severe queued event to make
	// room, but only if the incoming event is strictly more severe.
	DropLowestPriority DropPolicy = "drop_lowest_priority"
)

// Valid returns true if the policy is a known value.
func (p DropPolicy) Valid() bool {
	switch p {
	case DropReject, DropOldest, DropLowestPriority:
		return true
	default:
		return false
	}
}

// queueEntry pairs an event with a monotonic sequence number. Severity
// alone is not a total order; the sequence number provides the FIFO
// tie-break among entries at the same level.
type queueEntry struct {
	event *models.Event
	seq   uint64
}

// entryHeap is a max-heap on (level desc, seq asc).
type entryHeap []queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].event.Level != h[j].event.Level {
		return h[i].event.Level > h[j].event.Level
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(queueEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = queueEntry{}
	*h = old[:n-1]
	return e
}

// PriorityQueue is a bounded in-memory queue ordered by event severity,
// with FIFO ordering among events at the same severity. Overflow behavior
// is controlled by the configured DropPolicy.
type PriorityQueue struct {
	mu      sync.Mutex
	entries entryHeap
	max     int
	policy  DropPolicy
	seq     uint64
	// signal wakes one blocked Dequeue when an entry arrives.
	signal chan struct{}
}

// NewPriorityQueue creates a queue holding at most max entries. A max of
// zero or less falls back to 1000. An unknown policy falls back to reject.
func NewPriorityQueue(max int, policy DropPolicy) *PriorityQueue {
	if max <= 0 {
		max = 1000
	}
	if !policy.Valid() {
		policy = DropReject
	}
	return &PriorityQueue{
		entries: make(entryHeap, 0, max),
		max:     max,
		policy:  policy,
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue adds an event, returning false if the overflow policy rejected
// it. Enqueue never blocks beyond lock acquisition.
func (q *PriorityQueue) Enqueue(e *models.Event) bool {
	if e == nil {
		return false
	}

	q.mu.Lock()
	if len(q.entries) >= q.max {
		if !q.evictLocked(e) {
			q.mu.Unlock()
			return false
		}
	}
	q.seq++
	heap.Push(&q.entries, queueEntry{event: e, seq: q.seq})
	q.mu.Unlock()

	q.wake()
	return true
}

// evictLocked makes room for the incoming event per the drop policy.
// Returns false if the incoming event should be rejected instead.
func (q *PriorityQueue) evictLocked(incoming *models.Event) bool {
	switch q.policy {
	case DropOldest:
		oldest := -1
		for i := range q.entries {
			if oldest < 0 || q.entries[i].seq < q.entries[oldest].seq {
				oldest = i
			}
		}
		if oldest >= 0 {
			heap.Remove(&q.entries, oldest)
		}
		return true
	case DropLowestPriority:
		lowest := -1
		for i := range q.entries {
			if lowest < 0 ||
				q.entries[i].event.Level < q.entries[lowest].event.Level ||
				(q.entries[i].event.Level == q.entries[lowest].event.Level && q.entries[i].seq > q.entries[lowest].seq) {
				lowest = i
			}
		}
		// Only evict if the incoming event is strictly more severe than
		// the queue's current minimum.
		if lowest < 0 || incoming.Level <= q.entries[lowest].event.Level {
			return false
		}
		heap.Remove(&q.entries, lowest)
		return true
	default:
		return false
	}
}

// Dequeue removes and returns the most severe queued event, waiting up to
// timeout for one to arrive. Returns nil on timeout.
func (q *PriorityQueue) Dequeue(timeout time.Duration) *models.Event {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			e := heap.Pop(&q.entries).(queueEntry)
			remaining := len(q.entries)
			q.mu.Unlock()
			if remaining > 0 {
				// More work queued; wake the next waiter.
				q.wake()
			}
			return e.event
		}
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

// wake signals one blocked Dequeue without blocking the caller.
func (q *PriorityQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// minLevel returns the level of the least severe queued event, or false
// if the queue is empty.
func (q *PriorityQueue) minLevel() (models.EventLevel, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return 0, false
	}
	min := q.entries[0].event.Level
	for i := range q.entries {
		if q.entries[i].event.Level < min {
			min = q.entries[i].event.Level
		}
	}
	return min, true
}
