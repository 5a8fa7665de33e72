package concurrency

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/genkai/docqa/pkg/docqa/common"
)

// ResourcePool bounds concurrent use of a scarce downstream resource,
// such as the outbound connection budget to the inference backend.
// It is independent of the admitted-work semaphore; both are applied
// together on the execution path.
type ResourcePool struct {
	sem  *semaphore.Weighted
	size int

	mu     sync.Mutex
	active int
}

// PoolStatus is a point-in-time view of pool occupancy.
type PoolStatus struct {
	Size      int `json:"pool_size"`
	Active    int `json:"active_connections"`
	Available int `json:"available_connections"`
}

// NewResourcePool creates a pool with the given number of slots.
func NewResourcePool(size int) *ResourcePool {
	return &ResourcePool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// WithSlot acquires a slot, runs fn, and releases the slot on every exit
// path, including panics. Acquisition is bounded by ctx; if ctx expires
// before a slot frees up, the error satisfies errors.Is(err, common.ErrTimeout).
func (p *ResourcePool) WithSlot(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("acquiring pool slot: %w", common.ErrTimeout)
		}
		return err
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.sem.Release(1)
	}()

	return fn()
}

// Status returns the current pool occupancy.
func (p *ResourcePool) Status() PoolStatus {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	return PoolStatus{
		Size:      p.size,
		Active:    active,
		Available: p.size - active,
	}
}

// Active returns the number of slots currently held.
func (p *ResourcePool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
