package slab

import "testing"

func TestGrowAndAlloc(t *testing.T) {
	p := New(16)

	buf := make([]byte, 64)
	if n := p.Grow(buf); n != 4 {
		t.Fatalf("Grow: got %d slots, want 4", n)
	}

	if p.FreeCount() != 4 {
		t.Fatalf("FreeCount: got %d, want 4", p.FreeCount())
	}

	for i := 0; i < 4; i++ {
		obj, err := p.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}

		if len(obj) != 16 {
			t.Fatalf("Alloc %d: got len %d, want 16", i, len(obj))
		}
	}

	if _, err := p.Alloc(); err != ErrEmpty {
		t.Fatalf("Alloc on empty pool: got %v, want ErrEmpty", err)
	}
}

func TestFreeReturnsSlot(t *testing.T) {
	p := New(8)
	p.Grow(make([]byte, 8))

	obj, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	p.Free(obj)

	if p.FreeCount() != 1 {
		t.Fatalf("FreeCount after Free: got %d, want 1", p.FreeCount())
	}

	if _, err := p.Alloc(); err != nil {
		t.Fatalf("Alloc after Free: %v", err)
	}
}

func TestEnsureCapacityRefills(t *testing.T) {
	p := New(8)

	var refilling bool

	calls := 0
	refill := func(p *Pool) error {
		calls++
		return nil // simulates Grow happening below, assigned separately in this test
	}

	// A refiller that actually grows the pool.
	growingRefill := func(p *Pool) error {
		calls++
		p.Grow(make([]byte, 32))

		return nil
	}

	if err := p.EnsureCapacity(2, &refilling, growingRefill); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}

	if p.FreeCount() < 2 {
		t.Fatalf("FreeCount after EnsureCapacity: got %d, want >= 2", p.FreeCount())
	}

	if calls != 1 {
		t.Fatalf("refill calls: got %d, want 1", calls)
	}

	_ = refill
}

func TestEnsureCapacityGuardsReentry(t *testing.T) {
	p := New(8)

	var refilling bool

	var reentrantCalls int

	refill := func(p *Pool) error {
		// Simulate a refill that itself needs a slot from this same pool.
		if err := p.EnsureCapacity(1, &refilling, func(p *Pool) error {
			reentrantCalls++
			return nil
		}); err != nil {
			return err
		}

		p.Grow(make([]byte, 8))

		return nil
	}

	if err := p.EnsureCapacity(1, &refilling, refill); err != nil {
		t.Fatalf("EnsureCapacity: %v", err)
	}

	if reentrantCalls != 0 {
		t.Fatalf("reentrant refill ran %d times, want 0 (should be short-circuited)", reentrantCalls)
	}

	if refilling {
		t.Fatalf("refilling flag left set after EnsureCapacity returned")
	}
}

func TestEnsureCapacityNoProgressErrors(t *testing.T) {
	p := New(8)

	var refilling bool

	err := p.EnsureCapacity(1, &refilling, func(p *Pool) error { return nil })
	if err == nil {
		t.Fatalf("EnsureCapacity: expected error when refill makes no progress")
	}
}
