package slotalloc

import (
	"testing"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
)

const (
	testL2Slots    = 8
	testL2CapBytes = 1 << 16
)

// fakeRAM hands out RAM capabilities directly from the kernel, bypassing internal/mm, so these
// tests exercise the allocator in isolation.
type fakeRAM struct {
	k    *kernel.Kernel
	root capref.Capref
	next uint32 // scratch root-cnode slots for RAM caps themselves
	base uint64
}

func newFakeRAM(k *kernel.Kernel, root capref.Capref, scratchStart uint32) *fakeRAM {
	return &fakeRAM{k: k, root: root, next: scratchStart}
}

func (f *fakeRAM) AllocAligned(size, alignment uint64) (capref.Capref, error) {
	dst := capref.Capref{Root: f.root.Root, CNode: f.root.CNode, Slot: f.next, Level: capref.L1}
	f.next++

	if err := f.k.CreateTyped(dst, capref.KindRAM, size); err != nil {
		return capref.Null, err
	}

	f.base += size

	return dst, nil
}

func (f *fakeRAM) Free(ramcap capref.Capref) error {
	return f.k.Delete(ramcap)
}

func newTestAllocator(t *testing.T) (*Allocator, *kernel.Kernel) {
	t.Helper()

	k := kernel.New()
	root := k.NewRootCNode(64)

	// slots 0-1 reserved for the initial L2 CNode and its backing; root scratch for RAM caps
	// starts at 8, reserved root range for future L2 CNodes is [16, 32).
	initSlot := capref.Capref{Root: root.Root, CNode: root.CNode, Slot: 1, Level: capref.L1}

	ram := newFakeRAM(k, root, 8)

	ramCap, err := ram.AllocAligned(testL2CapBytes, testL2CapBytes)
	if err != nil {
		t.Fatalf("seed ram alloc: %v", err)
	}

	if err := k.RetypeRAM(ramCap, 0, testL2CapBytes, capref.KindCNodeL2, initSlot); err != nil {
		t.Fatalf("seed retype: %v", err)
	}

	addr, err := k.NewCNodeStorage(initSlot, testL2Slots)
	if err != nil {
		t.Fatalf("seed cnode storage: %v", err)
	}

	cfg := Config{L2Slots: testL2Slots, L2CapBytes: testL2CapBytes, RootCapacity: 16, RootSlotStart: 16}

	a, err := New(k, root, ram, cfg, initSlot, addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return a, k
}

func TestAllocFromSeededHalf(t *testing.T) {
	a, _ := newTestAllocator(t)

	for i := 0; i < testL2Slots; i++ {
		c, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}

		if c.Slot != uint32(i) {
			t.Fatalf("Alloc %d: got slot %d, want %d", i, c.Slot, i)
		}
	}

	if _, err := a.Alloc(); err != ErrNoSlots {
		t.Fatalf("Alloc on exhausted allocator: got %v, want ErrNoSlots", err)
	}
}

func TestRefillFlipsAndRefills(t *testing.T) {
	a, _ := newTestAllocator(t)

	for i := 0; i < testL2Slots; i++ {
		if _, err := a.Alloc(); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}

	if !a.NeedsRefill() {
		t.Fatalf("NeedsRefill: expected true once first half drained")
	}

	if err := a.Refill(); err != nil {
		t.Fatalf("Refill: %v", err)
	}

	if a.NeedsRefill() {
		t.Fatalf("NeedsRefill: expected false after Refill")
	}

	c, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc after refill: %v", err)
	}

	if c.Slot != 0 {
		t.Fatalf("Alloc after refill: got slot %d, want 0 (fresh half)", c.Slot)
	}

	if got := a.FreeSpace(); got != testL2Slots-1 {
		t.Fatalf("FreeSpace: got %d, want %d", got, testL2Slots-1)
	}
}

func TestFreeOnlyLastAllocation(t *testing.T) {
	a, _ := newTestAllocator(t)

	first, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	second, err := a.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.Free(first); err != nil {
		t.Fatalf("Free first (should be a no-op leak warning, not an error): %v", err)
	}

	if got := a.FreeSpace(); got != testL2Slots-2 {
		t.Fatalf("FreeSpace after freeing non-last slot: got %d, want %d (leak, not reclaimed)", got, testL2Slots-2)
	}

	if err := a.Free(second); err != nil {
		t.Fatalf("Free second: %v", err)
	}

	if got := a.FreeSpace(); got != testL2Slots-1 {
		t.Fatalf("FreeSpace after freeing last slot: got %d, want %d", got, testL2Slots-1)
	}
}
