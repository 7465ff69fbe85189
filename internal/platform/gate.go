package platform

import "sync"

// Gate is the parking primitive the TX goroutine blocks on while waiting
// for the packet ring to become non-empty (spec.md §5 suspension point b).
// It is a thin sync.Cond wrapper so the wait/signal intent reads clearly at
// call sites instead of being buried in raw mutex/cond plumbing.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	signal bool
	closed bool
}

// NewGate creates a Gate in the not-signaled state.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Open wakes any goroutine parked in Wait. Idempotent: opening an already
// open gate is a no-op until the next Wait consumes the signal.
func (g *Gate) Open() {
	g.mu.Lock()
	g.signal = true
	g.mu.Unlock()
	g.cond.Signal()
}

// Wait blocks until Open is called or Close is called, then returns
// whether the gate is still open (false means the gate was closed and the
// caller should stop).
func (g *Gate) Wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for !g.signal && !g.closed {
		g.cond.Wait()
	}
	signaled := g.signal
	g.signal = false
	return signaled || !g.closed
}

// Close permanently wakes any waiter and causes future Wait calls to
// return immediately with false once the signal backlog is drained.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}
