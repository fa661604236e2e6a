package session

import (
	"context"
	"sync"
)

// Gate is the pause point workers block on. It starts open; Pause closes
// it, Resume reopens it. Waiting on an open gate returns immediately.
type Gate struct {
	mu     sync.Mutex
	opened chan struct{}
	paused bool
}

// NewGate creates an open gate.
func NewGate() *Gate {
	g := &Gate{opened: make(chan struct{})}
	close(g.opened)
	return g
}

// Pause closes the gate. Idempotent.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.opened = make(chan struct{})
	}
}

// Resume reopens the gate, releasing all waiters. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.opened)
	}
}

// Paused reports the gate state.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks until the gate is open or the context is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.opened
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
