package runner

import (
	"context"
	"sync"

	"github.com/loomctl/loom/internal/errkind"
)

// Gate controls pause/resume/stop for the run loop. While paused, no
// new tasks are dispatched; in-flight executions finish on their own.
type Gate struct {
	// paused indicates dispatching is suspended.
	paused bool
	// stopped indicates the gate is permanently closed.
	stopped bool
	// mu protects all fields.
	mu sync.RWMutex
	// cond signals waiters on resume or stop.
	cond *sync.Cond
}

// NewGate creates an open Gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Pause suspends dispatching of new tasks.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// Resume lifts a pause and wakes any waiters.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		g.cond.Broadcast()
	}
}

// Stop closes the gate permanently and wakes any waiters.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.stopped {
		g.stopped = true
		g.cond.Broadcast()
	}
}

// IsPaused reports whether dispatching is currently suspended.
func (g *Gate) IsPaused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// IsStopped reports whether the gate is closed.
func (g *Gate) IsStopped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stopped
}

// Wait blocks while the gate is paused, returning when it reopens. A
// stop or context cancellation ends the wait with an error.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.paused && !g.stopped {
		// One watcher goroutine wakes the cond if the context dies.
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
		return errkind.New(errkind.Cancelled, "runner", "run loop stopped")
	}
	g.mu.Unlock()
	return nil
}
