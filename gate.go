package kurir

import (
	"context"
	"sync"
	"time"
)

// Gate is the bounded set of in-flight call ids. Waiters are woken by a
// broadcast channel that is closed and replaced on every release.
type Gate struct {
	mu       sync.Mutex
	limit    int
	inFlight map[string]struct{}
	released chan struct{}
}

// NewGate returns a gate admitting at most limit ids at once. limit is
// clamped to at least 1.
func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{
		limit:    limit,
		inFlight: make(map[string]struct{}),
		released: make(chan struct{}),
	}
}

// TryAcquire grants a slot to id if one is free and id is not already in
// flight.
func (g *Gate) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tryAcquireLocked(id)
}

func (g *Gate) tryAcquireLocked(id string) bool {
	if _, dup := g.inFlight[id]; dup {
		return false
	}
	if len(g.inFlight) >= g.limit {
		return false
	}
	g.inFlight[id] = struct{}{}
	return true
}

// Acquire waits until id is granted a slot, maxWait elapses (false) or ctx
// ends (false, ctx.Err()). maxWait <= 0 waits without a bound.
func (g *Gate) Acquire(ctx context.Context, id string, maxWait time.Duration) (bool, error) {
	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		g.mu.Lock()
		if g.tryAcquireLocked(id) {
			g.mu.Unlock()
			return true, nil
		}
		wake := g.released
		g.mu.Unlock()

		select {
		case <-wake:
		case <-timeout:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Release frees id's slot and wakes waiters. Releasing an unknown id is a
// no-op.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	if _, ok := g.inFlight[id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.inFlight, id)
	g.broadcastLocked()
	g.mu.Unlock()
}

func (g *Gate) broadcastLocked() {
	close(g.released)
	g.released = make(chan struct{})
}

// Has reports whether id holds a slot.
func (g *Gate) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inFlight[id]
	return ok
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inFlight)
}

// Available returns the number of free slots.
func (g *Gate) Available() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if free := g.limit - len(g.inFlight); free > 0 {
		return free
	}
	return 0
}

// Limit returns the concurrency ceiling.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// SetLimit reconfigures the ceiling. Lowering it never evicts running ids;
// new grants wait until the in-flight count drops below the new limit.
func (g *Gate) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	raised := limit > g.limit
	g.limit = limit
	if raised {
		g.broadcastLocked()
	}
	g.mu.Unlock()
}
