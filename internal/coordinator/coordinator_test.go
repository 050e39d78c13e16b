package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/pkg/models"
)

// fakeOrch records assignments without running workers.
type fakeOrch struct {
	id string

	mu       sync.Mutex
	assigned []*models.Task
	failAll  bool
}

var _ Orchestrator = (*fakeOrch)(nil)

func (f *fakeOrch) ID() string { return f.id }

func (f *fakeOrch) ActiveWorkers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigned)
}

func (f *fakeOrch) Assign(ctx context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return fmt.Errorf("orchestrator %s is full", f.id)
	}
	f.assigned = append(f.assigned, task)
	return nil
}

func (f *fakeOrch) assignedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.assigned))
	for i, t := range f.assigned {
		ids[i] = t.ID
	}
	return ids
}

// recordBus captures published events.
type recordBus struct {
	mu     sync.Mutex
	events []*models.Event
}

var _ bus.Bus = (*recordBus)(nil)

func (b *recordBus) Start() error { return nil }
func (b *recordBus) Stop() error  { return nil }
func (b *recordBus) Publish(e *models.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return true
}
func (b *recordBus) Subscribe(string, bus.EventHandler, bus.PropagationMode, bus.EventFilter) string {
	return ""
}
func (b *recordBus) Unsubscribe(string) bool { return false }
func (b *recordBus) Stats() bus.Stats        { return bus.Stats{} }

func (b *recordBus) has(eventType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func openTestStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// calmSampler reports no load.
func calmSampler() Sampler {
	return SamplerFunc(func() LoadSample { return LoadSample{} })
}

func newTestCoordinator(t *testing.T, db *store.DB, orchs []Orchestrator, sampler Sampler) (*Coordinator, *recordBus) {
	t.Helper()
	rb := &recordBus{}
	c := New(Config{
		Bus:           rb,
		Store:         db,
		Orchestrators: orchs,
		TickInterval:  10 * time.Millisecond,
		Sampler:       sampler,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Stop(ctx)
	})
	return c, rb
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCoordinator_SubmitAndDispatch(t *testing.T) {
	db := openTestStore(t)
	orch := &fakeOrch{id: "orch-a"}
	c, rb := newTestCoordinator(t, db, []Orchestrator{orch}, calmSampler())

	task, err := c.Submit(context.Background(), "urgent: compute total sales")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Type != "computation" {
		t.Errorf("task type = %q, want computation", task.Type)
	}
	if task.Priority != models.PriorityUrgent {
		t.Errorf("priority = %s, want urgent", task.Priority)
	}

	waitFor(t, "dispatch", func() bool { return orch.ActiveWorkers() == 1 })

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != models.TaskStatusAssigned {
		t.Errorf("status = %s, want assigned", got.Status)
	}
	if got.AssignedTo != "orch-a" {
		t.Errorf("assigned_to = %q, want orch-a", got.AssignedTo)
	}
	if !rb.has("task.submitted") || !rb.has("task.dispatched") {
		t.Error("missing task.submitted or task.dispatched events")
	}
}

func TestCoordinator_BalancesAcrossOrchestrators(t *testing.T) {
	db := openTestStore(t)
	a := &fakeOrch{id: "orch-a"}
	b := &fakeOrch{id: "orch-b"}
	c, _ := newTestCoordinator(t, db, []Orchestrator{a, b}, calmSampler())

	for i := 0; i < 4; i++ {
		if _, err := c.Submit(context.Background(), fmt.Sprintf("find record %d", i)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	waitFor(t, "all dispatched", func() bool {
		return a.ActiveWorkers()+b.ActiveWorkers() == 4
	})
	if a.ActiveWorkers() != 2 || b.ActiveWorkers() != 2 {
		t.Errorf("distribution = %d/%d, want 2/2", a.ActiveWorkers(), b.ActiveWorkers())
	}
}

func TestCoordinator_DegradedGatesLowPriority(t *testing.T) {
	db := openTestStore(t)
	orch := &fakeOrch{id: "orch-a"}

	var mu sync.Mutex
	mem := 95.0
	sampler := SamplerFunc(func() LoadSample {
		mu.Lock()
		defer mu.Unlock()
		return LoadSample{MemoryPercent: mem}
	})

	c, rb := newTestCoordinator(t, db, []Orchestrator{orch}, sampler)
	waitFor(t, "degraded state", func() bool { return c.State() == StateDegraded })
	if !rb.has("coordinator.degraded") {
		t.Error("missing coordinator.degraded event")
	}

	normal, err := c.Submit(context.Background(), "find the report")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	urgent, err := c.Submit(context.Background(), "urgent: compute the totals")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, "urgent dispatched", func() bool { return orch.ActiveWorkers() == 1 })
	if ids := orch.assignedIDs(); ids[0] != urgent.ID {
		t.Errorf("dispatched %s, want the urgent task %s", ids[0], urgent.ID)
	}

	// Recovery resumes normal dispatch.
	mu.Lock()
	mem = 20.0
	mu.Unlock()

	waitFor(t, "recovered state", func() bool { return c.State() == StateRunning })
	waitFor(t, "normal task dispatched", func() bool { return orch.ActiveWorkers() == 2 })
	if got, _ := db.GetTask(normal.ID); got.Status != models.TaskStatusAssigned {
		t.Errorf("normal task status after recovery = %s, want assigned", got.Status)
	}
	if !rb.has("coordinator.recovered") {
		t.Error("missing coordinator.recovered event")
	}
}

func TestCoordinator_DispatchFailureRevertsToPending(t *testing.T) {
	db := openTestStore(t)
	orch := &fakeOrch{id: "orch-a", failAll: true}
	c, _ := newTestCoordinator(t, db, []Orchestrator{orch}, calmSampler())

	task, err := c.Submit(context.Background(), "find something")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Give the loop a few ticks to attempt and revert.
	waitFor(t, "task reverted to pending", func() bool {
		got, err := db.GetTask(task.ID)
		if err != nil || got == nil {
			return false
		}
		return got.Status == models.TaskStatusPending && got.AssignedTo == ""
	})
}

func TestCoordinator_SubmitRejectedWhenNotRunning(t *testing.T) {
	db := openTestStore(t)
	c := New(Config{Store: db, Orchestrators: []Orchestrator{&fakeOrch{id: "o"}}})

	if _, err := c.Submit(context.Background(), "anything"); err == nil {
		t.Error("submit before Start should fail")
	}
}

func TestCoordinator_InvalidTransitions(t *testing.T) {
	db := openTestStore(t)
	c := New(Config{Store: db, Orchestrators: []Orchestrator{&fakeOrch{id: "o"}}, Sampler: calmSampler()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err == nil {
		t.Error("stop before Start should fail")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("double Start should fail")
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := c.State(); got != StateStopped {
		t.Errorf("state after Stop = %s, want stopped", got)
	}
}

func TestCoordinator_PauseSignalBlocksDispatch(t *testing.T) {
	db := openTestStore(t)
	orch := &fakeOrch{id: "orch-a"}

	sm, err := NewSignalManager(t.TempDir())
	if err != nil {
		t.Fatalf("signal manager: %v", err)
	}
	t.Cleanup(sm.Close)

	rb := &recordBus{}
	c := New(Config{
		Bus:           rb,
		Store:         db,
		Orchestrators: []Orchestrator{orch},
		TickInterval:  10 * time.Millisecond,
		Sampler:       calmSampler(),
		Signals:       sm,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Stop(ctx)
	})

	if err := sm.SendPause(); err != nil {
		t.Fatalf("send pause: %v", err)
	}
	if _, err := c.Submit(context.Background(), "find something"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := orch.ActiveWorkers(); got != 0 {
		t.Fatalf("paused coordinator dispatched %d tasks", got)
	}

	if err := sm.SendResume(); err != nil {
		t.Fatalf("send resume: %v", err)
	}
	waitFor(t, "dispatch after resume", func() bool { return orch.ActiveWorkers() == 1 })
}
