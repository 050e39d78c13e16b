package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Gate controls pause/resume/stop for a running loop. Pausing blocks the
// loop between iterations; an iteration already underway always runs to
// completion.
type Gate struct {
	// paused indicates whether the loop is paused.
	paused bool
	// stopped indicates whether the loop has been stopped.
	stopped bool
	// mu protects all fields.
	mu sync.RWMutex
	// cond signals when the loop is unpaused or stopped.
	cond *sync.Cond
}

// NewGate creates an open Gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Pause blocks the loop at its next iteration boundary.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		log.Printf("[agent] paused at iteration boundary")
	}
}

// Resume lifts a pause.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		log.Printf("[agent] resumed")
		g.cond.Broadcast()
	}
}

// Stop permanently closes the gate, unblocking any Wait.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.stopped {
		g.stopped = true
		g.cond.Broadcast()
	}
}

// IsPaused returns whether the gate is currently paused.
func (g *Gate) IsPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// IsStopped returns whether the gate has been stopped.
func (g *Gate) IsStopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopped
}

// Wait blocks while paused, returning when unpaused, stopped, or the
// context is cancelled. A stopped gate returns an error.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.paused && !g.stopped {
		// One goroutine bridges context cancellation into the condition.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				g.mu.Lock()
				g.cond.Broadcast()
				g.mu.Unlock()
			case <-done:
			}
		}()

		for g.paused && !g.stopped {
			g.cond.Wait()
			if ctx.Err() != nil {
				close(done)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		close(done)
	}
	if g.stopped {
		g.mu.Unlock()
		return fmt.Errorf("gate stopped")
	}
	g.mu.Unlock()
	return nil
}
