package vspace

import (
	"sync"
	"testing"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
)

const testPageSize = 4096

// fakeSlots and fakeFrames give vspace isolated, never-exhausted dependencies so these tests
// exercise the paging logic without internal/slotalloc or internal/mm.
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

type fakeFrames struct {
	k    *kernel.Kernel
	root capref.Capref
	next uint32
}

func (f *fakeFrames) AllocAlignedLocked(size, alignment uint64) (capref.Capref, error) {
	c := capref.Capref{Root: f.root.Root, CNode: f.root.CNode, Slot: f.next, Level: capref.L1}
	f.next++

	if err := f.k.CreateTyped(c, capref.KindFrame, size); err != nil {
		return capref.Null, err
	}

	return c, nil
}

func (f *fakeFrames) FreeLocked(cap capref.Capref) error {
	return f.k.Delete(cap)
}

func newTestSpace(t *testing.T) (*Space, *kernel.Kernel) {
	t.Helper()

	k := kernel.New()
	root := k.NewRootCNode(512)

	l0slot := capref.Capref{Root: root.Root, CNode: root.CNode, Slot: 1, Level: capref.L1}
	if err := k.CreateTyped(l0slot, capref.KindVNodeL0, 0); err != nil {
		t.Fatalf("create l0: %v", err)
	}

	slots := &fakeSlots{k: k, root: root, next: 2}
	frames := &fakeFrames{k: k, root: root, next: 100}

	var mu sync.Mutex

	s := New(&mu, k, slots, frames, l0slot, 0, testPageSize)

	return s, k
}

func TestAllocDoesNotOverlap(t *testing.T) {
	s, _ := newTestSpace(t)

	a, err := s.Alloc(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	b, err := s.Alloc(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if a == b {
		t.Fatalf("two allocations returned the same address %#x", a)
	}
}

func TestMapFrameThenTryMapIsNoop(t *testing.T) {
	s, k := newTestSpace(t)

	// Allocate a frame via the fake frame source directly to map eagerly.
	fc, err := s.frame.AllocAlignedLocked(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("alloc frame: %v", err)
	}

	vaddr, err := s.MapFrame(testPageSize, fc, 0, MapRead|MapWrite)
	if err != nil {
		t.Fatalf("MapFrame: %v", err)
	}

	if err := s.TryMap(vaddr); err != nil {
		t.Fatalf("TryMap on already-mapped page: %v", err)
	}

	if _, err := k.Identify(fc); err != nil {
		t.Fatalf("frame cap should still exist: %v", err)
	}
}

func TestLazyFaultMapsOnDemand(t *testing.T) {
	s, _ := newTestSpace(t)

	vaddr, err := s.Alloc(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := s.HandleFault(vaddr + 10); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	buf, err := s.Bytes(vaddr)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if len(buf) != testPageSize {
		t.Fatalf("backing buffer size: got %d, want %d", len(buf), testPageSize)
	}

	buf[0] = 0x42
	if buf[0] != 0x42 {
		t.Fatalf("write to backing store did not stick")
	}
}

func TestHandleFaultRejectsNullPage(t *testing.T) {
	s, _ := newTestSpace(t)

	if err := s.HandleFault(10); err != ErrNullDeref {
		t.Fatalf("HandleFault(10): got %v, want ErrNullDeref", err)
	}
}

func TestDecommitThenRefault(t *testing.T) {
	s, _ := newTestSpace(t)

	vaddr, err := s.Alloc(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := s.HandleFault(vaddr); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if err := s.Decommit(vaddr, testPageSize); err != nil {
		t.Fatalf("Decommit: %v", err)
	}

	if err := s.HandleFault(vaddr); err != nil {
		t.Fatalf("HandleFault after Decommit (refault): %v", err)
	}
}

func TestUnmapFreesVirtualRange(t *testing.T) {
	s, _ := newTestSpace(t)

	vaddr, err := s.Alloc(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := s.HandleFault(vaddr); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}

	if err := s.Unmap(vaddr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	// The range should be free again and reusable by a subsequent allocation of the same size.
	again, err := s.Alloc(testPageSize, testPageSize)
	if err != nil {
		t.Fatalf("Alloc after Unmap: %v", err)
	}

	if again != vaddr {
		t.Fatalf("Alloc after Unmap: got %#x, want reused address %#x", again, vaddr)
	}
}
