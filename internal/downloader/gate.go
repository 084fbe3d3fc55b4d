package downloader

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of top-level downloads running at once. Parts of a
// multipart download are not gated.
type Gate struct {
	sem    *semaphore.Weighted
	size   int
	active atomic.Int64
}

// NewGate returns a Gate admitting size holders; size is raised to 1 if lower.
func NewGate(size int) *Gate {
	size = max(size, 1)

	return &Gate{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	g.active.Add(1)

	return nil
}

// Release frees a slot obtained by Acquire.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Active returns the number of slots currently held.
func (g *Gate) Active() int {
	return int(g.active.Load())
}

// Size returns the number of slots.
func (g *Gate) Size() int {
	return g.size
}
