// Package mm implements CS2, the physical memory manager: a region/block free-list allocator over
// donated RAM capabilities, backed by its own slab-allocated metadata, with first-fit allocation,
// alignment support, and eager coalescing on free.
package mm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
	"github.com/domainkit/substrate/internal/log"
)

// Sentinel errors, the memory-manager family from spec.md §7.
var (
	ErrOutOfMemory      = errors.New("mm: out of memory")
	ErrAllocConstraints = errors.New("mm: alloc constraints")
	ErrBadAlignment     = errors.New("mm: bad alignment")
	ErrOutOfBounds      = errors.New("mm: out of bounds")
	ErrSlotAllocFail    = errors.New("mm: slot alloc failed")
	ErrNotFound         = errors.New("mm: region not found")
	ErrDoubleFree       = errors.New("mm: double free")
	ErrCapType          = errors.New("mm: wrong capability type")
)

// SlotSource is the capability-slot provider a Manager needs: one free slot per allocation, with
// an opportunistic refill hook run once free space gets low. internal/slotalloc satisfies this.
type SlotSource interface {
	Alloc() (capref.Capref, error)
	Free(cap capref.Capref) error
	NeedsRefill() bool
	Refill() error
}

type block struct {
	addr, size uint64
	next       *block
}

type region struct {
	cap        capref.Capref
	addr, size uint64
	freeHead   *block
	next       *region
}

// Manager is CS2. It is constructed with a shared *sync.Mutex so that the pager (internal/vspace)
// can take the very same lock and call the Locked variants below in nested fashion, exactly as
// spec.md §5 describes a single recursive mutex guarding both subsystems.
type Manager struct {
	mu *sync.Mutex

	k       *kernel.Kernel
	slots   SlotSource
	objKind capref.Kind
	log     *log.Logger

	pageSize uint64

	regionHead *region

	// blockFree/regionFree are the manager's own metadata pools, refilled in batches so steady
	// allocation never needs to fall back to a general-purpose allocator mid-critical-section.
	blockFree    []*block
	regionFree   []*region
	refillingMD  bool
	refillBatch  int
	totalMemory  uint64
	availableMem uint64
}

// New creates an empty manager. objKind is the capability kind allocations are retyped into
// (KindRAM for the general-purpose pool). pageSize is the rounding granularity for every request
// (the base page size). mu is shared with whichever pager will nest calls into this manager.
func New(mu *sync.Mutex, k *kernel.Kernel, slots SlotSource, objKind capref.Kind, pageSize uint64) *Manager {
	return &Manager{
		mu:          mu,
		k:           k,
		slots:       slots,
		objKind:     objKind,
		log:         log.DefaultLogger(),
		pageSize:    pageSize,
		refillBatch: 64,
	}
}

func alignUp(x, align uint64) uint64 {
	return ((x - 1) | (align - 1)) + 1
}

// Add donates ramCap — a RAM capability already installed in the caller's CSpace — to the pool.
// Ownership of the capability passes to the manager.
func (m *Manager) Add(ramCap capref.Capref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addLocked(ramCap)
}

func (m *Manager) addLocked(ramCap capref.Capref) error {
	cap, err := m.k.Identify(ramCap)
	if err != nil {
		return fmt.Errorf("%w: identify: %w", ErrCapType, err)
	}

	if cap.Kind != capref.KindRAM {
		return fmt.Errorf("%w: got %s", ErrCapType, cap.Kind)
	}

	reg, err := m.allocRegionNode()
	if err != nil {
		return err
	}

	blk, err := m.allocBlockNode()
	if err != nil {
		return err
	}

	reg.cap = ramCap
	reg.addr = cap.Base
	reg.size = cap.Bytes
	reg.freeHead = blk
	reg.next = m.regionHead
	m.regionHead = reg

	blk.addr = cap.Base
	blk.size = cap.Bytes
	blk.next = nil

	m.totalMemory += cap.Bytes
	m.availableMem += cap.Bytes

	m.refillMetadata()

	return nil
}

// AllocAligned allocates size bytes (rounded up to the page size) aligned to alignment, from
// anywhere in the pool.
func (m *Manager) AllocAligned(size, alignment uint64) (capref.Capref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocFromRangeLocked(0, ^uint64(0), size, alignment)
}

// AllocAlignedLocked is AllocAligned for a caller that already holds the shared mutex (the pager,
// operating inside its own critical section).
func (m *Manager) AllocAlignedLocked(size, alignment uint64) (capref.Capref, error) {
	return m.allocFromRangeLocked(0, ^uint64(0), size, alignment)
}

// AllocFromRangeAligned allocates size bytes aligned to alignment, constrained to lie within
// [base, limit).
func (m *Manager) AllocFromRangeAligned(base, limit, size, alignment uint64) (capref.Capref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocFromRangeLocked(base, limit, size, alignment)
}

func (m *Manager) allocFromRangeLocked(base, limit, size, alignment uint64) (capref.Capref, error) {
	if size == 0 {
		return capref.Null, nil
	}

	size = alignUp(size, m.pageSize)

	if alignment == 0 || alignment&(alignment-1) != 0 {
		return capref.Null, fmt.Errorf("%w: %d", ErrBadAlignment, alignment)
	}

	if m.availableMem < size {
		return capref.Null, fmt.Errorf("%w: need %d, have %d", ErrOutOfMemory, size, m.availableMem)
	}

	var (
		foundRegion     *region
		foundBlock      *block
		foundPrev       *block
		foundAlignedHit uint64
	)

	for reg := m.regionHead; reg != nil; reg = reg.next {
		var prev *block

		for cur := reg.freeHead; cur != nil; cur = cur.next {
			blockEnd := cur.addr + cur.size
			aligned := alignUp(cur.addr, alignment)

			if aligned <= blockEnd && base <= aligned && aligned < limit && size <= limit-aligned {
				realSize := blockEnd - aligned
				if realSize >= size {
					foundRegion, foundBlock, foundPrev, foundAlignedHit = reg, cur, prev, aligned

					goto found
				}
			}

			prev = cur
		}
	}

found:
	if foundRegion == nil {
		return capref.Null, fmt.Errorf("%w: no block satisfies size=%d align=%d range=[%#x,%#x)", ErrAllocConstraints, size, alignment, base, limit)
	}

	dst, err := m.slots.Alloc()
	if err != nil {
		return capref.Null, fmt.Errorf("%w: %w", ErrSlotAllocFail, err)
	}

	offset := foundAlignedHit - foundRegion.addr
	if err := m.k.RetypeRAM(foundRegion.cap, offset, size, m.objKind, dst); err != nil {
		return capref.Null, fmt.Errorf("mm: retype: %w", err)
	}

	if foundAlignedHit != foundBlock.addr {
		head, err := m.allocBlockNode()
		if err != nil {
			return capref.Null, err
		}

		head.addr = foundBlock.addr
		head.size = foundAlignedHit - foundBlock.addr
		head.next = foundBlock

		if foundPrev != nil {
			foundPrev.next = head
		} else {
			foundRegion.freeHead = head
		}

		foundPrev = head
	}

	remaining := (foundBlock.addr + foundBlock.size) - (foundAlignedHit + size)
	if remaining > 0 {
		foundBlock.addr = foundAlignedHit + size
		foundBlock.size = remaining
	} else {
		if foundPrev != nil {
			foundPrev.next = foundBlock.next
		} else {
			foundRegion.freeHead = foundBlock.next
		}

		m.freeBlockNode(foundBlock)
	}

	m.availableMem -= size

	if m.slots.NeedsRefill() {
		if err := m.slots.Refill(); err != nil {
			m.log.Warn("mm: slot allocator refill failed", "err", err)
		}
	}

	m.refillMetadata()

	return dst, nil
}

// Free returns cap's memory to the pool, merging with an adjacent predecessor and/or successor
// block when they are physically adjacent. cap must have no outstanding copies or descendants.
func (m *Manager) Free(cap capref.Capref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freeLocked(cap)
}

// FreeLocked is Free for a caller already holding the shared mutex.
func (m *Manager) FreeLocked(cap capref.Capref) error {
	return m.freeLocked(cap)
}

func (m *Manager) freeLocked(cap capref.Capref) error {
	id, err := m.k.Identify(cap)
	if err != nil {
		return fmt.Errorf("%w: identify: %w", ErrCapType, err)
	}

	addr, size := id.Base, id.Bytes

	var reg *region
	for r := m.regionHead; r != nil; r = r.next {
		if r.addr <= addr && addr < r.addr+r.size {
			reg = r
			break
		}
	}

	if reg == nil {
		return fmt.Errorf("%w: addr %#x", ErrNotFound, addr)
	}

	if err := m.k.Delete(cap); err != nil {
		return fmt.Errorf("mm: delete on free: %w", err)
	}

	if err := m.slots.Free(cap); err != nil {
		m.log.Warn("mm: slot free failed", "err", err)
	}

	// Find the insertion point: succ is the first free block starting at or after the freed
	// range, pred is the one immediately before it.
	var pred, succ *block

	for s := reg.freeHead; s != nil; s = s.next {
		if addr+size <= s.addr && (pred == nil || pred.addr+pred.size <= addr) {
			succ = s
			break
		}

		pred = s
	}

	switch {
	case pred != nil && pred.addr+pred.size == addr:
		pred.size += size

		if succ != nil && pred.addr+pred.size == succ.addr {
			pred.next = succ.next
			pred.size += succ.size
			m.freeBlockNode(succ)
		}

	case succ != nil && addr+size == succ.addr:
		succ.addr = addr
		succ.size += size

	default:
		fresh, err := m.allocBlockNode()
		if err != nil {
			return err
		}

		fresh.addr = addr
		fresh.size = size
		fresh.next = succ

		if pred == nil {
			reg.freeHead = fresh
		} else {
			pred.next = fresh
		}
	}

	m.availableMem += size

	m.refillMetadata()

	return nil
}

// Available returns the bytes currently free across all donated regions.
func (m *Manager) Available() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.availableMem
}

// Total returns the bytes ever donated to this manager.
func (m *Manager) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.totalMemory
}

func (m *Manager) allocRegionNode() (*region, error) {
	if n := len(m.regionFree); n > 0 {
		r := m.regionFree[n-1]
		m.regionFree = m.regionFree[:n-1]

		return r, nil
	}

	m.growMetadata()

	if n := len(m.regionFree); n > 0 {
		r := m.regionFree[n-1]
		m.regionFree = m.regionFree[:n-1]

		return r, nil
	}

	return nil, fmt.Errorf("mm: region metadata exhausted")
}

func (m *Manager) allocBlockNode() (*block, error) {
	if n := len(m.blockFree); n > 0 {
		b := m.blockFree[n-1]
		m.blockFree = m.blockFree[:n-1]

		return b, nil
	}

	m.growMetadata()

	if n := len(m.blockFree); n > 0 {
		b := m.blockFree[n-1]
		m.blockFree = m.blockFree[:n-1]

		return b, nil
	}

	return nil, fmt.Errorf("mm: block metadata exhausted")
}

func (m *Manager) freeBlockNode(b *block) {
	b.next = nil
	m.blockFree = append(m.blockFree, b)
}

// growMetadata preallocates a batch of region and block descriptors, the Go-side analogue of the
// original's slab_grow over a static buffer: it keeps the manager's own bookkeeping from ever
// needing a general-purpose allocation mid-critical-section.
func (m *Manager) growMetadata() {
	for i := 0; i < m.refillBatch; i++ {
		m.regionFree = append(m.regionFree, &region{})
		m.blockFree = append(m.blockFree, &block{})
	}
}

// refillMetadata tops the metadata pools up once they run low, guarded against reentrancy the
// same way slot-allocator refills are: a refill this deep in the call stack simply proceeds with
// whatever capacity is already there.
func (m *Manager) refillMetadata() {
	if m.refillingMD {
		return
	}

	m.refillingMD = true
	defer func() { m.refillingMD = false }()

	if len(m.blockFree)+len(m.regionFree) <= 20 {
		m.growMetadata()
	}
}
