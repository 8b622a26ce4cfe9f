package sso

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Gate serializes the check-then-create resolution sequence per provider
// namespace. Each provider ID gets its own lane; contended acquisitions queue
// in FIFO order, so two browser tabs finishing login for the same identity
// cannot both observe "no binding" and both provision.
type Gate struct {
	mu    sync.Mutex
	lanes map[string]*semaphore.Weighted
}

// NewGate creates a gate with no lanes; lanes are created on first use.
func NewGate() *Gate {
	return &Gate{
		lanes: make(map[string]*semaphore.Weighted),
	}
}

// Acquire takes exclusive possession of the lane for key, blocking until the
// lane is free or ctx is done. On success it returns a release function that
// must be called on every exit path.
func (g *Gate) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	lane, ok := g.lanes[key]
	if !ok {
		lane = semaphore.NewWeighted(1)
		g.lanes[key] = lane
	}
	g.mu.Unlock()

	if err := lane.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire lane %q: %w", key, err)
	}
	return func() { lane.Release(1) }, nil
}
