package storage

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of concurrent backend calls. One Gate is shared by
// all operations of a driver instance so backpressure is centrally controlled
// instead of being improvised at every call site.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting at most n concurrent calls.
func NewGate(n int64) *Gate {
	if n <= 0 {
		n = 1
	}
	return &Gate{sem: semaphore.NewWeighted(n)}
}

// run executes fn once a slot is available. Acquisition respects the context,
// so a cancelled request never queues behind slow backend calls.
func (g *Gate) run(ctx context.Context, fn func() error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for backend slot: %w", err)
	}
	defer g.sem.Release(1)
	return fn()
}
