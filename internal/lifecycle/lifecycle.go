// Package lifecycle starts and stops the process's components in
// dependency order. Stages register with optional dependencies; startup
// runs a topological sort, shutdown walks the started stages in reverse,
// and a critical stage failing mid-startup rolls back everything already
// started.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// StageFunc is a start or stop hook. The context carries the stage's
// deadline.
type StageFunc func(ctx context.Context) error

// Stage is one managed component.
type Stage struct {
	// Name identifies the stage in logs and dependency lists.
	Name string
	// Start brings the stage up. Optional.
	Start StageFunc
	// Stop tears the stage down. Optional.
	Stop StageFunc
	// Dependencies are stage names that must start first.
	Dependencies []string
	// Timeout bounds Start and Stop. Zero uses the manager default.
	Timeout time.Duration
	// Critical aborts startup and rolls back when the stage fails to
	// start. Non-critical failures log and continue.
	Critical bool
}

// Manager runs registered stages through startup and shutdown.
type Manager struct {
	defaultTimeout time.Duration

	mu      sync.Mutex
	stages  []*Stage
	started []*Stage

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewManager creates a Manager. A zero defaultTimeout means 30s.
func NewManager(defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Manager{
		defaultTimeout: defaultTimeout,
		shutdownCh:     make(chan struct{}),
	}
}

// Register adds a stage. Registration order is the tiebreak when the
// dependency graph allows multiple orders.
func (m *Manager) Register(s *Stage) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("register stage: name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stages {
		if existing.Name == s.Name {
			return fmt.Errorf("register stage: duplicate name %q", s.Name)
		}
	}
	m.stages = append(m.stages, s)
	return nil
}

// Start brings every stage up in dependency order. A critical failure
// stops startup, rolls back the stages already started in reverse
// order, and returns the failure.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	ordered, err := m.order()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, s := range ordered {
		if err := m.runStage(ctx, s, s.Start, "start"); err != nil {
			if s.Critical {
				log.Printf("[lifecycle] critical stage %s failed, rolling back: %v", s.Name, err)
				m.rollback(ctx)
				return fmt.Errorf("start stage %s: %w", s.Name, err)
			}
			log.Printf("[lifecycle] stage %s failed to start, continuing: %v", s.Name, err)
			continue
		}
		m.mu.Lock()
		m.started = append(m.started, s)
		m.mu.Unlock()
		log.Printf("[lifecycle] started %s", s.Name)
	}
	return nil
}

// Stop tears down the started stages in reverse order. A stage failing
// to stop is logged and does not block the stages after it.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	started := make([]*Stage, len(m.started))
	copy(started, m.started)
	m.started = nil
	m.mu.Unlock()

	var firstErr error
	for i := len(started) - 1; i >= 0; i-- {
		s := started[i]
		if err := m.runStage(ctx, s, s.Stop, "stop"); err != nil {
			log.Printf("[lifecycle] stage %s failed to stop: %v", s.Name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("stop stage %s: %w", s.Name, err)
			}
			continue
		}
		log.Printf("[lifecycle] stopped %s", s.Name)
	}
	return firstErr
}

// rollback stops already-started stages after a failed startup.
func (m *Manager) rollback(ctx context.Context) {
	if err := m.Stop(ctx); err != nil {
		log.Printf("[lifecycle] rollback incomplete: %v", err)
	}
}

// runStage invokes one hook under the stage's timeout.
func (m *Manager) runStage(ctx context.Context, s *Stage, fn StageFunc, op string) error {
	if fn == nil {
		return nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(stageCtx) }()

	select {
	case err := <-done:
		return err
	case <-stageCtx.Done():
		return fmt.Errorf("%s timed out after %s", op, timeout)
	}
}

// order topologically sorts the stages, preserving registration order
// among peers. An unresolvable graph (cycle or unknown dependency)
// falls back to registration order with a logged warning rather than
// refusing to boot.
func (m *Manager) order() ([]*Stage, error) {
	byName := make(map[string]*Stage, len(m.stages))
	for _, s := range m.stages {
		byName[s.Name] = s
	}

	indegree := make(map[string]int, len(m.stages))
	dependents := make(map[string][]string, len(m.stages))
	resolvable := true
	for _, s := range m.stages {
		for _, dep := range s.Dependencies {
			if _, ok := byName[dep]; !ok {
				log.Printf("[lifecycle] stage %s depends on unknown stage %s", s.Name, dep)
				resolvable = false
				continue
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}
	if !resolvable {
		return append([]*Stage(nil), m.stages...), nil
	}

	var ready []string
	for _, s := range m.stages {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	ordered := make([]*Stage, 0, len(m.stages))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(m.stages) {
		log.Printf("[lifecycle] dependency cycle detected, using registration order")
		return append([]*Stage(nil), m.stages...), nil
	}
	return ordered, nil
}

// HandleSignals arranges for SIGINT and SIGTERM to trigger shutdown
// exactly once. Repeated signals are absorbed.
func (m *Manager) HandleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range ch {
			m.shutdownOnce.Do(func() {
				log.Printf("[lifecycle] received %s, shutting down", sig)
				close(m.shutdownCh)
			})
		}
	}()
}

// Shutdown triggers shutdown programmatically. Safe to call any number
// of times and alongside signal delivery.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}

// WaitForShutdown blocks until a signal or Shutdown call arrives, or
// the context is cancelled.
func (m *Manager) WaitForShutdown(ctx context.Context) {
	select {
	case <-m.shutdownCh:
	case <-ctx.Done():
	}
}
