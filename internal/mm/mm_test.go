package mm

import (
	"sync"
	"testing"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
)

const testPageSize = 4096

// fakeSlots is a trivial, never-exhausted slot source for exercising the manager in isolation from
// internal/slotalloc.
type fakeSlots struct {
	k    *kernel.Kernel
	root capref.Capref
	next uint32
}

func (f *fakeSlots) Alloc() (capref.Capref, error) {
	c := capref.Capref{Root: f.root.Root, CNode: f.root.CNode, Slot: f.next, Level: capref.L1}
	f.next++

	return c, nil
}

func (f *fakeSlots) Free(capref.Capref) error { return nil }
func (f *fakeSlots) NeedsRefill() bool        { return false }
func (f *fakeSlots) Refill() error            { return nil }

func newTestManager(t *testing.T) (*Manager, *kernel.Kernel, *fakeSlots) {
	t.Helper()

	k := kernel.New()
	root := k.NewRootCNode(256)
	slots := &fakeSlots{k: k, root: root, next: 1}

	var mu sync.Mutex

	m := New(&mu, k, slots, capref.KindRAM, testPageSize)

	return m, k, slots
}

func donateRAM(t *testing.T, m *Manager, k *kernel.Kernel, slots *fakeSlots, base, size uint64) {
	t.Helper()

	dst, err := slots.Alloc()
	if err != nil {
		t.Fatalf("seed slot alloc: %v", err)
	}

	if err := k.CreateTyped(dst, capref.KindRAM, size); err != nil {
		t.Fatalf("seed create ram: %v", err)
	}

	cap, err := k.Identify(dst)
	if err != nil {
		t.Fatalf("seed identify: %v", err)
	}

	_ = cap // base is forced by CreateTyped starting at 0; tests use relative offsets only

	if err := m.Add(dst); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestAllocAlignedRoundTrip(t *testing.T) {
	m, k, slots := newTestManager(t)

	donateRAM(t, m, k, slots, 0, 1<<20)

	cap, err := m.AllocAligned(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("AllocAligned: %v", err)
	}

	id, err := k.Identify(cap)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}

	if id.Bytes != testPageSize {
		t.Fatalf("allocated bytes: got %d, want %d", id.Bytes, testPageSize)
	}

	if m.Available() != (1<<20)-testPageSize {
		t.Fatalf("Available after alloc: got %d, want %d", m.Available(), (1<<20)-testPageSize)
	}

	if err := m.Free(cap); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if m.Available() != 1<<20 {
		t.Fatalf("Available after free: got %d, want %d", m.Available(), 1<<20)
	}
}

func TestAllocRejectsBadAlignment(t *testing.T) {
	m, k, slots := newTestManager(t)
	donateRAM(t, m, k, slots, 0, 1<<20)

	if _, err := m.AllocAligned(testPageSize, 3); err == nil {
		t.Fatalf("AllocAligned with non-power-of-two alignment: expected error")
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	m, k, slots := newTestManager(t)
	donateRAM(t, m, k, slots, 0, testPageSize)

	if _, err := m.AllocAligned(testPageSize, testPageSize); err != nil {
		t.Fatalf("first AllocAligned: %v", err)
	}

	if _, err := m.AllocAligned(testPageSize, testPageSize); err == nil {
		t.Fatalf("second AllocAligned: expected out-of-memory error")
	}
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	m, k, slots := newTestManager(t)
	donateRAM(t, m, k, slots, 0, 4*testPageSize)

	var caps []capref.Capref

	for i := 0; i < 4; i++ {
		c, err := m.AllocAligned(testPageSize, testPageSize)
		if err != nil {
			t.Fatalf("AllocAligned %d: %v", i, err)
		}

		caps = append(caps, c)
	}

	if m.Available() != 0 {
		t.Fatalf("Available after draining pool: got %d, want 0", m.Available())
	}

	for _, c := range caps {
		if err := m.Free(c); err != nil {
			t.Fatalf("Free: %v", err)
		}
	}

	if m.Available() != 4*testPageSize {
		t.Fatalf("Available after freeing all: got %d, want %d", m.Available(), 4*testPageSize)
	}

	// A fully coalesced pool should satisfy a single allocation spanning all four pages.
	big, err := m.AllocAligned(4*testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("AllocAligned after coalescing: %v", err)
	}

	id, err := k.Identify(big)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}

	if id.Bytes != 4*testPageSize {
		t.Fatalf("coalesced alloc bytes: got %d, want %d", id.Bytes, 4*testPageSize)
	}
}
