package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/orchestrator"
	"github.com/okapi-labs/nerve/internal/policy"
	"github.com/okapi-labs/nerve/internal/tool"
	"github.com/okapi-labs/nerve/pkg/models"
)

// TestEndToEnd_SubmitToCompletion runs the full pipeline with real
// components: memory bus, sqlite store, two orchestrators, and the
// builtin compute tool. A submitted request should classify, dispatch,
// decompose trivially (no collaborator), execute, and land completed.
func TestEndToEnd_SubmitToCompletion(t *testing.T) {
	db := openTestStore(t)

	b := bus.NewMemoryBus(bus.Config{Workers: 2, QueueSize: 64})
	if err := b.Start(); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	var mu sync.Mutex
	var seen []string
	b.Subscribe(bus.TypeWildcard, func(e *models.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	}, bus.Broadcast, nil)

	tools := tool.NewRegistry()
	if err := tool.RegisterBuiltins(tools); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	engine := policy.NewEngine(policy.Config{
		MinTimeout:  50 * time.Millisecond,
		MaxTimeout:  2 * time.Second,
		DefaultBase: 200 * time.Millisecond,
	})

	var orchs []Orchestrator
	for _, id := range []string{"orch-1", "orch-2"} {
		orchs = append(orchs, orchestrator.New(orchestrator.Config{
			ID:     id,
			Bus:    b,
			Store:  db,
			Tools:  tools,
			Policy: engine,
		}))
	}

	c := New(Config{
		Bus:           b,
		Store:         db,
		Orchestrators: orchs,
		TickInterval:  10 * time.Millisecond,
		Sampler:       calmSampler(),
		Policy:        engine,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c.Stop(ctx)
	})

	task, err := c.Submit(context.Background(), "urgent: compute the total of 19 and 23")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Type != "computation" {
		t.Errorf("task type = %q, want computation", task.Type)
	}
	if task.Priority != models.PriorityUrgent {
		t.Errorf("priority = %v, want urgent", task.Priority)
	}

	var final *models.Task
	waitFor(t, "task to complete", func() bool {
		got, err := db.GetTask(task.ID)
		if err != nil || got == nil {
			return false
		}
		if !got.Status.Terminal() {
			return false
		}
		final = got
		return true
	})

	if final.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %v (%s: %s), want completed", final.Status, final.ErrorCode, final.ErrorMessage)
	}
	if final.AssignedTo != "" {
		t.Errorf("assigned_to = %q after completion, want cleared", final.AssignedTo)
	}
	if final.Result == nil {
		t.Error("completed task has no result")
	}

	waitFor(t, "lifecycle events to flow", func() bool {
		mu.Lock()
		defer mu.Unlock()
		var submitted, started, completed bool
		for _, typ := range seen {
			switch typ {
			case "task.submitted":
				submitted = true
			case "task.started":
				started = true
			case "task.completed":
				completed = true
			}
		}
		return submitted && started && completed
	})
}

// TestInputEventCreatesTask drives the coordinator through its bus-facing
// input path: a published input event should classify into a task without
// any direct Submit call, and stopping the coordinator should drop the
// subscription.
func TestInputEventCreatesTask(t *testing.T) {
	db := openTestStore(t)

	b := bus.NewMemoryBus(bus.Config{Workers: 2, QueueSize: 64})
	if err := b.Start(); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	orch := &fakeOrch{id: "orch-a"}
	c := New(Config{
		Bus:           b,
		Store:         db,
		Orchestrators: []Orchestrator{orch},
		TickInterval:  10 * time.Millisecond,
		Sampler:       calmSampler(),
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}

	if !b.Publish(models.NewEvent(TypeInputMessage, "api", models.LevelInfo,
		map[string]any{"text": "urgent: compute total sales"})) {
		t.Fatal("publish input event rejected")
	}

	var task *models.Task
	waitFor(t, "input event to create a task", func() bool {
		tasks, err := db.ListRecentTasks(10)
		if err != nil || len(tasks) == 0 {
			return false
		}
		task = tasks[0]
		return true
	})
	if task.Type != "computation" {
		t.Errorf("task type = %q, want computation", task.Type)
	}
	if task.Priority != models.PriorityUrgent {
		t.Errorf("priority = %v, want urgent", task.Priority)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop coordinator: %v", err)
	}

	// The subscription is gone with the coordinator: publishing more
	// input must not create tasks.
	b.Publish(models.NewEvent(TypeInputMessage, "api", models.LevelInfo,
		map[string]any{"text": "low: compute something else"}))
	time.Sleep(100 * time.Millisecond)
	tasks, err := db.ListRecentTasks(10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("task count after stop = %d, want 1", len(tasks))
	}
}

// TestInputText exercises the accepted input payload shapes.
func TestInputText(t *testing.T) {
	tests := []struct {
		name string
		data any
		want string
	}{
		{"bare string", "do the thing", "do the thing"},
		{"text key", map[string]any{"text": "from text"}, "from text"},
		{"message key", map[string]any{"message": "from message"}, "from message"},
		{"text wins over message", map[string]any{"text": "t", "message": "m"}, "t"},
		{"nil payload", nil, ""},
		{"wrong type", 42, ""},
		{"empty map", map[string]any{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inputText(tt.data); got != tt.want {
				t.Errorf("inputText(%v) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}

// TestSubmitStampsDeadline checks that classification also computes and
// persists the task's execution deadline when a policy engine is wired.
func TestSubmitStampsDeadline(t *testing.T) {
	db := openTestStore(t)
	engine := policy.NewEngine(policy.Config{})

	c := New(Config{
		Store:         db,
		Orchestrators: []Orchestrator{&fakeOrch{id: "orch-a"}},
		TickInterval:  time.Hour,
		Sampler:       calmSampler(),
		Policy:        engine,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c.Stop(ctx)
	})

	task, err := c.Submit(context.Background(), "urgent: compute the totals")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	want := int(engine.Timeout(task.Type, task.Priority, task.Interaction).Seconds())
	if want <= 0 {
		t.Fatalf("policy deadline = %d seconds, expected positive", want)
	}
	if task.TimeoutSeconds != want {
		t.Errorf("TimeoutSeconds = %d, want %d", task.TimeoutSeconds, want)
	}

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.TimeoutSeconds != want {
		t.Errorf("persisted TimeoutSeconds = %d, want %d", got.TimeoutSeconds, want)
	}
}
