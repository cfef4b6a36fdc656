package scanning

import (
	"context"
	"sync"
)

// SlotPool bounds how many operations of one kind run at once. Each slot is
// held under a key so the pool can report what is in flight.
type SlotPool struct {
	capacity  int
	semaphore chan struct{}
	mu        sync.Mutex
	active    map[string]int
	peak      int
}

// NewSlotPool creates a pool with capacity slots. Non-positive capacities are
// raised to one.
func NewSlotPool(capacity int) *SlotPool {
	if capacity <= 0 {
		capacity = 1
	}
	return &SlotPool{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]int),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *SlotPool) Acquire(ctx context.Context, key string) error {
	// A cancelled context wins even when a slot happens to be free.
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.active[key]++
	if n := len(p.semaphore); n > p.peak {
		p.peak = n
	}
	p.mu.Unlock()
	return nil
}

// Release frees the slot held under key. Releasing a key that holds no slot
// does nothing.
func (p *SlotPool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.active[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(p.active, key)
	} else {
		p.active[key] = n - 1
	}
	<-p.semaphore
}

// InFlight returns the number of held slots.
func (p *SlotPool) InFlight() int {
	return len(p.semaphore)
}

// Peak returns the largest number of slots ever held at once.
func (p *SlotPool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Capacity returns the pool size.
func (p *SlotPool) Capacity() int {
	return p.capacity
}
