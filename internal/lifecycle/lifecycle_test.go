package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recorder tracks the order of start and stop calls across stages.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func stage(r *recorder, name string, deps ...string) *Stage {
	return &Stage{
		Name:         name,
		Dependencies: deps,
		Start: func(ctx context.Context) error {
			r.add("start:" + name)
			return nil
		},
		Stop: func(ctx context.Context) error {
			r.add("stop:" + name)
			return nil
		},
	}
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestManager_StartsInDependencyOrder(t *testing.T) {
	r := &recorder{}
	m := NewManager(time.Second)

	// Registered out of order on purpose.
	if err := m.Register(stage(r, "coordinator", "bus", "store")); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(stage(r, "store")); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(stage(r, "bus", "store")); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	assertOrder(t, r.get(), []string{"start:store", "start:bus", "start:coordinator"})

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	assertOrder(t, r.get(), []string{
		"start:store", "start:bus", "start:coordinator",
		"stop:coordinator", "stop:bus", "stop:store",
	})
}

func TestManager_CriticalFailureRollsBack(t *testing.T) {
	r := &recorder{}
	m := NewManager(time.Second)

	m.Register(stage(r, "a"))
	m.Register(stage(r, "b", "a"))
	c := stage(r, "c", "b")
	c.Critical = true
	c.Start = func(ctx context.Context) error {
		r.add("start:c")
		return fmt.Errorf("c exploded")
	}
	m.Register(c)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("critical failure should surface from Start")
	}
	assertOrder(t, r.get(), []string{
		"start:a", "start:b", "start:c",
		"stop:b", "stop:a",
	})
}

func TestManager_NonCriticalFailureContinues(t *testing.T) {
	r := &recorder{}
	m := NewManager(time.Second)

	m.Register(stage(r, "a"))
	b := stage(r, "b")
	b.Start = func(ctx context.Context) error { return fmt.Errorf("b is optional and broken") }
	m.Register(b)
	m.Register(stage(r, "c"))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("non-critical failure should not surface: %v", err)
	}
	assertOrder(t, r.get(), []string{"start:a", "start:c"})

	// b never started, so it is not stopped.
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	assertOrder(t, r.get(), []string{"start:a", "start:c", "stop:c", "stop:a"})
}

func TestManager_StopErrorDoesNotBlockOthers(t *testing.T) {
	r := &recorder{}
	m := NewManager(time.Second)

	m.Register(stage(r, "a"))
	b := stage(r, "b")
	b.Stop = func(ctx context.Context) error { return fmt.Errorf("b refuses to die") }
	m.Register(b)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err == nil {
		t.Error("stop should report the failing stage")
	}
	// a still stopped despite b's failure.
	got := r.get()
	if got[len(got)-1] != "stop:a" {
		t.Errorf("calls = %v, want stop:a last", got)
	}
}

func TestManager_StageTimeout(t *testing.T) {
	m := NewManager(time.Second)
	m.Register(&Stage{
		Name:    "hung",
		Timeout: 30 * time.Millisecond,
		Start: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Critical: true,
	})

	start := time.Now()
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("hung critical stage should fail startup")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v, want about 30ms", elapsed)
	}
}

func TestManager_CycleFallsBackToRegistrationOrder(t *testing.T) {
	r := &recorder{}
	m := NewManager(time.Second)

	m.Register(stage(r, "a", "b"))
	m.Register(stage(r, "b", "a"))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start with cycle: %v", err)
	}
	assertOrder(t, r.get(), []string{"start:a", "start:b"})
}

func TestManager_DuplicateNameRejected(t *testing.T) {
	m := NewManager(time.Second)
	if err := m.Register(&Stage{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(&Stage{Name: "x"}); err == nil {
		t.Error("duplicate stage name should be rejected")
	}
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := NewManager(time.Second)

	done := make(chan struct{})
	go func() {
		m.WaitForShutdown(context.Background())
		close(done)
	}()

	m.Shutdown()
	m.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForShutdown did not return")
	}
}
