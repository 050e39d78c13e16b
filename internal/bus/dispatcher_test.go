package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okapi-labs/nerve/pkg/models"
)

func TestDispatcher_BroadcastInvokesAll(t *testing.T) {
	d := NewDispatcher()

	var a, b atomic.Int64
	d.Subscribe("test.event", func(e *models.Event) error { a.Add(1); return nil }, Broadcast, nil)
	d.Subscribe("test.event", func(e *models.Event) error { b.Add(1); return nil }, Broadcast, nil)
	d.Subscribe("other", func(e *models.Event) error { t.Error("wrong type delivered"); return nil }, Broadcast, nil)

	invoked, errs := d.Dispatch(testEvent(models.LevelInfo, 0))
	if invoked != 2 || errs != 0 {
		t.Errorf("Dispatch = (%d, %d), want (2, 0)", invoked, errs)
	}
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("handler counts = (%d, %d), want (1, 1)", a.Load(), b.Load())
	}
}

func TestDispatcher_WildcardSeesEveryType(t *testing.T) {
	d := NewDispatcher()

	var all, typed atomic.Int64
	d.Subscribe(TypeWildcard, func(e *models.Event) error { all.Add(1); return nil }, Broadcast, nil)
	d.Subscribe("test.event", func(e *models.Event) error { typed.Add(1); return nil }, Broadcast, nil)

	d.Dispatch(testEvent(models.LevelInfo, 0))
	d.Dispatch(models.NewEvent("task.completed", "test", models.LevelInfo, nil))

	if all.Load() != 2 {
		t.Errorf("wildcard deliveries = %d, want 2", all.Load())
	}
	if typed.Load() != 1 {
		t.Errorf("typed deliveries = %d, want 1", typed.Load())
	}
}

func TestDispatcher_CompetingInvokesExactlyOne(t *testing.T) {
	d := NewDispatcher()

	var total atomic.Int64
	for i := 0; i < 3; i++ {
		d.Subscribe("test.event", func(e *models.Event) error { total.Add(1); return nil }, Competing, nil)
	}

	for i := 0; i < 10; i++ {
		d.Dispatch(testEvent(models.LevelInfo, i))
	}
	if total.Load() != 10 {
		t.Errorf("total invocations = %d, want 10 (exactly one handler per event)", total.Load())
	}
}

func TestDispatcher_CompetingFavorsLessLoadedHandler(t *testing.T) {
	d := NewDispatcher()

	release := make(chan struct{})
	var slow, fast atomic.Int64

	// The slow handler parks until released, keeping its in-flight count up.
	d.Subscribe("test.event", func(e *models.Event) error {
		slow.Add(1)
		<-release
		return nil
	}, Competing, nil)
	d.Subscribe("test.event", func(e *models.Event) error {
		fast.Add(1)
		return nil
	}, Competing, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Dispatch(testEvent(models.LevelInfo, i))
		}(i)
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if fast.Load() <= slow.Load() {
		t.Errorf("fast handler received %d events, slow %d; competing must favor the less loaded handler",
			fast.Load(), slow.Load())
	}
}

func TestDispatcher_RoundRobinRotates(t *testing.T) {
	d := NewDispatcher()

	var got []int
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		i := i
		d.Subscribe("test.event", func(e *models.Event) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		}, RoundRobin, nil)
	}

	for i := 0; i < 6; i++ {
		d.Dispatch(testEvent(models.LevelInfo, i))
	}

	want := []int{0, 1, 2, 0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("invocations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", got, want)
		}
	}
}

func TestDispatcher_FilterRejects(t *testing.T) {
	d := NewDispatcher()

	var count atomic.Int64
	d.Subscribe("test.event", func(e *models.Event) error { count.Add(1); return nil }, Broadcast,
		func(e *models.Event) (bool, error) { return e.Level >= models.LevelError, nil })

	d.Dispatch(testEvent(models.LevelInfo, 0))
	d.Dispatch(testEvent(models.LevelError, 1))
	d.Dispatch(testEvent(models.LevelCritical, 2))

	if count.Load() != 2 {
		t.Errorf("filtered handler invoked %d times, want 2", count.Load())
	}
}

func TestDispatcher_FilterErrorFailsOpen(t *testing.T) {
	d := NewDispatcher()

	var count atomic.Int64
	d.Subscribe("test.event", func(e *models.Event) error { count.Add(1); return nil }, Broadcast,
		func(e *models.Event) (bool, error) { return false, errors.New("broken filter") })

	d.Dispatch(testEvent(models.LevelInfo, 0))

	if count.Load() != 1 {
		t.Errorf("broken filter must fail open; handler invoked %d times, want 1", count.Load())
	}
}

func TestDispatcher_HandlerErrorIsolated(t *testing.T) {
	d := NewDispatcher()

	var healthy atomic.Int64
	d.Subscribe("test.event", func(e *models.Event) error { return errors.New("boom") }, Broadcast, nil)
	d.Subscribe("test.event", func(e *models.Event) error { healthy.Add(1); return nil }, Broadcast, nil)

	invoked, errs := d.Dispatch(testEvent(models.LevelInfo, 0))
	if invoked != 2 || errs != 1 {
		t.Errorf("Dispatch = (%d, %d), want (2, 1)", invoked, errs)
	}
	if healthy.Load() != 1 {
		t.Error("error in one handler must not prevent delivery to others")
	}
}

func TestDispatcher_HandlerPanicIsolated(t *testing.T) {
	d := NewDispatcher()

	var healthy atomic.Int64
	d.Subscribe("test.event", func(e *models.Event) error { panic("handler bug") }, Broadcast, nil)
	d.Subscribe("test.event", func(e *models.Event) error { healthy.Add(1); return nil }, Broadcast, nil)

	invoked, errs := d.Dispatch(testEvent(models.LevelInfo, 0))
	if invoked != 2 || errs != 1 {
		t.Errorf("Dispatch = (%d, %d), want (2, 1)", invoked, errs)
	}
	if healthy.Load() != 1 {
		t.Error("panic in one handler must not prevent delivery to others")
	}
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher()

	var count atomic.Int64
	id := d.Subscribe("test.event", func(e *models.Event) error { count.Add(1); return nil }, Broadcast, nil)

	if !d.Unsubscribe(id) {
		t.Fatal("Unsubscribe of live subscription returned false")
	}
	if d.Unsubscribe(id) {
		t.Error("double Unsubscribe returned true")
	}
	if d.Unsubscribe("no-such-id") {
		t.Error("Unsubscribe of unknown ID returned true")
	}

	d.Dispatch(testEvent(models.LevelInfo, 0))
	if count.Load() != 0 {
		t.Error("unsubscribed handler was invoked")
	}
	if d.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", d.SubscriberCount())
	}
}

func TestDispatcher_InflightAccountingAfterError(t *testing.T) {
	d := NewDispatcher()

	id := d.Subscribe("test.event", func(e *models.Event) error { return errors.New("always fails") }, Competing, nil)
	for i := 0; i < 5; i++ {
		d.Dispatch(testEvent(models.LevelInfo, i))
	}

	d.mu.RLock()
	sub := d.byID[id]
	d.mu.RUnlock()
	if load := sub.inflight.Load(); load != 0 {
		t.Errorf("in-flight count = %d after errors, want 0 (decrement must run on error)", load)
	}
}
