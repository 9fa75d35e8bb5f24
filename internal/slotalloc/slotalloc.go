// Package slotalloc implements CS1, the two-tier capability slot allocator: a ping-pong pair of
// L2 CNode halves that hand out empty capability slots, refilling the non-current half from the
// memory manager once it runs dry.
package slotalloc

import (
	"errors"
	"fmt"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
	"github.com/domainkit/substrate/internal/log"
)

// Sentinel errors, per the memory-manager error family in spec.md §7.
var (
	ErrNoSlots  = errors.New("slotalloc: out of slots")
	ErrInitBad  = errors.New("slotalloc: incomplete initial cnode")
	ErrRootFull = errors.New("slotalloc: root cnode slot range exhausted")
)

// RAMSource is the subset of the memory manager this allocator needs: enough RAM, rounded and
// aligned to whatever the manager requires, to back one L2 CNode. Taking this as an interface
// rather than importing internal/mm directly breaks the allocator/manager import cycle described
// in the original's "slot allocator needs RAM, memory manager needs slots" note.
type RAMSource interface {
	AllocAligned(size, alignment uint64) (capref.Capref, error)
	Free(ramcap capref.Capref) error
}

type half struct {
	cnodeCap  capref.Capref // slot in the root CNode holding this half's KindCNodeL2 capability
	cnodeAddr capref.Addr   // storage address returned by kernel.NewCNodeStorage, used to build Caprefs
	capacity  uint32
	next      uint32
	free      uint32
}

// Allocator is CS1: two L2-CNode halves, one of them "current", backed by a kernel simulation and
// a RAM source for refills.
type Allocator struct {
	k    *kernel.Kernel
	root capref.Capref // root CNode capability (its own slot 0)
	ram  RAMSource
	log  *log.Logger

	meta       [2]half
	current    int
	isRefiling bool

	l2Slots    uint32
	l2CapBytes uint64

	rootNextSlot uint32
	rootSlotEnd  uint32
}

// Config describes the fixed geometry of the CSpace this allocator manages.
type Config struct {
	// L2Slots is the number of capability slots each L2 CNode half holds.
	L2Slots uint32
	// L2CapBytes is the RAM size required to back one L2 CNode of L2Slots capacity.
	L2CapBytes uint64
	// RootCapacity is the number of slots in the root CNode reserved for installing new L2
	// CNode capabilities (the original's well-known SLOT_ALLOC_CNODE_SLOT range).
	RootCapacity uint32
	// RootSlotStart is the first reserved root-CNode slot index in that range.
	RootSlotStart uint32
}

// New constructs an allocator pre-seeded with one full L2 CNode, per the bootstrapping approach
// in spec.md §9 ("pre-seeding the slot allocator with one full CNode"): initialCNode must already
// be an empty L2 CNode capability with capacity cfg.L2Slots, installed at initialCNodeAddr.
func New(k *kernel.Kernel, root capref.Capref, ram RAMSource, cfg Config, initialCNodeCap capref.Capref, initialCNodeAddr capref.Addr) (*Allocator, error) {
	if initialCNodeCap.IsNull() || ram == nil {
		return nil, ErrInitBad
	}

	a := &Allocator{
		k:            k,
		root:         root,
		ram:          ram,
		log:          log.DefaultLogger(),
		l2Slots:      cfg.L2Slots,
		l2CapBytes:   cfg.L2CapBytes,
		rootNextSlot: cfg.RootSlotStart,
		rootSlotEnd:  cfg.RootSlotStart + cfg.RootCapacity,
	}

	a.meta[0] = half{cnodeCap: initialCNodeCap, cnodeAddr: initialCNodeAddr, capacity: cfg.L2Slots, free: cfg.L2Slots}

	return a, nil
}

// Alloc hands out an empty slot from the current half, flipping to the other half first if the
// current one is exhausted. It does not itself refill; call Refill first (or rely on a caller like
// the memory manager to do so opportunistically, per spec.md §4.D).
func (a *Allocator) Alloc() (capref.Capref, error) {
	if a.meta[0].free == 0 && a.meta[1].free == 0 {
		return capref.Null, ErrNoSlots
	}

	if a.meta[a.current].free == 0 {
		a.current = 1 - a.current
	}

	h := &a.meta[a.current]
	if h.free == 0 {
		return capref.Null, ErrNoSlots
	}

	c := capref.Capref{Root: a.root.Root, CNode: h.cnodeAddr, Slot: h.next, Level: capref.L2}

	h.next++
	h.free--

	return c, nil
}

// Free returns cap to the allocator, but only if it is the most recently allocated slot of the
// half it came from — matching the original's "can only free the last allocated slot again"
// restriction, which keeps this a stack rather than a general free list.
func (a *Allocator) Free(cap capref.Capref) error {
	for i := range a.meta {
		h := &a.meta[i]
		if h.next > 0 && cap.CNode == h.cnodeAddr && cap.Slot == h.next-1 {
			h.next--
			h.free++

			return nil
		}
	}

	a.log.Warn("slotalloc: leaking capability slot, not the most recent allocation", "cap", cap)

	return nil
}

// NeedsRefill reports whether the non-current half is not yet full.
func (a *Allocator) NeedsRefill() bool {
	other := 1 - a.current
	return a.meta[other].capacity == 0 || a.meta[other].free < a.meta[other].capacity
}

// Refill tops up the non-current half to a full L2 CNode, guarded against reentrancy: a refill
// that needs a root-CNode slot or RAM that itself needs a slot-allocator call simply proceeds with
// whatever is available rather than refilling again (spec.md §5 nested-refill guards).
func (a *Allocator) Refill() error {
	if a.isRefiling {
		return nil
	}

	other := 1 - a.current
	if a.meta[other].capacity != 0 && a.meta[other].free == a.meta[other].capacity {
		return nil
	}

	a.isRefiling = true
	defer func() { a.isRefiling = false }()

	ramCap, err := a.ram.AllocAligned(a.l2CapBytes, a.l2CapBytes)
	if err != nil {
		return fmt.Errorf("slotalloc: refill: alloc ram for l2 cnode: %w", err)
	}

	cnodeSlot, err := a.allocRootSlot()
	if err != nil {
		if ferr := a.ram.Free(ramCap); ferr != nil {
			a.log.Warn("slotalloc: refill: failed to release ram after root-slot failure", "err", ferr)
		}

		return fmt.Errorf("slotalloc: refill: alloc root cnode slot: %w", err)
	}

	if err := a.k.RetypeRAM(ramCap, 0, a.l2CapBytes, capref.KindCNodeL2, cnodeSlot); err != nil {
		if ferr := a.ram.Free(ramCap); ferr != nil {
			a.log.Warn("slotalloc: refill: failed to release ram after retype failure", "err", ferr)
		}

		return fmt.Errorf("slotalloc: refill: retype l2 cnode: %w", err)
	}

	addr, err := a.k.NewCNodeStorage(cnodeSlot, a.l2Slots)
	if err != nil {
		return fmt.Errorf("slotalloc: refill: back l2 cnode storage: %w", err)
	}

	a.meta[other] = half{cnodeCap: cnodeSlot, cnodeAddr: addr, capacity: a.l2Slots, next: 0, free: a.l2Slots}

	return nil
}

// allocRootSlot hands out the next reserved root-CNode slot used to install new L2 CNodes. This
// range is small and fixed (the original's SLOT_ALLOC_CNODE_SLOT well-known slots), so it is a
// plain bump allocator rather than routed back through this same allocator.
func (a *Allocator) allocRootSlot() (capref.Capref, error) {
	if a.rootNextSlot >= a.rootSlotEnd {
		return capref.Null, ErrRootFull
	}

	slot := a.rootNextSlot
	a.rootNextSlot++

	return capref.Capref{Root: a.root.Root, CNode: a.root.CNode, Slot: slot, Level: capref.L1}, nil
}

// FreeSpace returns the total number of slots available across both halves, for diagnostics and
// tests.
func (a *Allocator) FreeSpace() uint32 { return a.meta[0].free + a.meta[1].free }
