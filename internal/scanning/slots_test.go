package scanning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSlotPool_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		p := NewSlotPool(5)

		if err := p.Acquire(context.Background(), "10.0.0.1"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}
		if p.InFlight() != 1 {
			t.Errorf("Expected 1 slot in flight, got %d", p.InFlight())
		}

		p.Release("10.0.0.1")
		if p.InFlight() != 0 {
			t.Errorf("Expected 0 slots in flight, got %d", p.InFlight())
		}
	})

	t.Run("pool exhaustion", func(t *testing.T) {
		p := NewSlotPool(2)
		ctx := context.Background()

		if err := p.Acquire(ctx, "a"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}
		if err := p.Acquire(ctx, "b"); err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}

		ctx3, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := p.Acquire(ctx3, "c"); err == nil {
			t.Error("Expected timeout error, got success")
		}

		p.Release("a")
		if err := p.Acquire(ctx, "c"); err != nil {
			t.Errorf("Expected a freed slot to be reusable, got %v", err)
		}
	})

	t.Run("cancelled context wins over a free slot", func(t *testing.T) {
		p := NewSlotPool(1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := p.Acquire(ctx, "a"); err == nil {
			t.Error("Expected cancellation error, got success")
		}
		if p.InFlight() != 0 {
			t.Errorf("Expected no slot held, got %d", p.InFlight())
		}
	})
}

func TestSlotPool_Release(t *testing.T) {
	t.Run("unknown key is ignored", func(t *testing.T) {
		p := NewSlotPool(1)
		p.Release("never-acquired")
		if p.InFlight() != 0 {
			t.Errorf("Expected 0 slots in flight, got %d", p.InFlight())
		}
	})

	t.Run("same key held twice", func(t *testing.T) {
		p := NewSlotPool(2)
		ctx := context.Background()
		_ = p.Acquire(ctx, "dup")
		_ = p.Acquire(ctx, "dup")

		p.Release("dup")
		if p.InFlight() != 1 {
			t.Errorf("Expected 1 slot in flight, got %d", p.InFlight())
		}
		p.Release("dup")
		p.Release("dup")
		if p.InFlight() != 0 {
			t.Errorf("Expected 0 slots in flight, got %d", p.InFlight())
		}
	})
}

func TestSlotPool_Concurrency(t *testing.T) {
	const capacity = 4
	p := NewSlotPool(capacity)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("host-%d", i)
			if err := p.Acquire(context.Background(), key); err != nil {
				t.Errorf("Acquire(%s): %v", key, err)
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(key)
		}(i)
	}
	wg.Wait()

	if p.Peak() > capacity {
		t.Errorf("Expected at most %d slots in flight, peak was %d", capacity, p.Peak())
	}
	if p.InFlight() != 0 {
		t.Errorf("Expected all slots released, got %d", p.InFlight())
	}
}

func TestNewSlotPool_MinimumCapacity(t *testing.T) {
	for _, c := range []int{-3, 0} {
		if got := NewSlotPool(c).Capacity(); got != 1 {
			t.Errorf("NewSlotPool(%d).Capacity() = %d, want 1", c, got)
		}
	}
}
