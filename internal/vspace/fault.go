package vspace

import (
	"fmt"

	"github.com/domainkit/substrate/internal/capref"
)

// walk descends the shadow page-table tree from L0 to the level-3 node covering vaddr, creating
// intermediate levels (and their kernel VNode capabilities) along the way when createMissing is
// set — the Go analogue of _pt_table_get_entry / _pt_table_locate_entry.
func (s *Space) walk(vaddr uint64, flags MapFlags, createMissing bool) (*node, error) {
	cur := s.l0

	for level := uint8(0); level < 3; level++ {
		idx := pageIndex(level, vaddr)

		child := cur.children[idx]
		if child == nil {
			if !createMissing {
				return nil, nil
			}

			var err error

			child, err = s.createChild(cur, level, idx, flags)
			if err != nil {
				return nil, err
			}
		}

		cur = child
	}

	return cur, nil
}

func (s *Space) createChild(parent *node, parentLevel uint8, idx uint64, flags MapFlags) (*node, error) {
	childLevel := parentLevel + 1

	childCap, err := s.slots.Alloc()
	if err != nil {
		return nil, fmt.Errorf("vspace: alloc slot for level-%d vnode: %w", childLevel, err)
	}

	kind := []capref.Kind{capref.KindVNodeL0, capref.KindVNodeL1, capref.KindVNodeL2, capref.KindVNodeL3}[childLevel]
	if err := s.k.CreateTyped(childCap, kind, 0); err != nil {
		return nil, fmt.Errorf("vspace: create level-%d vnode: %w", childLevel, err)
	}

	if err := s.k.VNodeMap(parent.self, uint32(idx), childCap, flags); err != nil {
		return nil, fmt.Errorf("vspace: map level-%d vnode into parent: %w", childLevel, err)
	}

	child := &node{ptLevel: childLevel, self: childCap}
	parent.children[idx] = child
	parent.numKids++

	return child, nil
}

// mapFrameAt installs frameCap (offset bytes in, length pageSize) into the L3 entry covering
// vaddr, allocating intermediate page-table levels as needed. lazy marks the entry as a page-fault
// stand-in so a later decommit/unmap can tear it down silently even if it was never faulted.
func (s *Space) mapFrameAt(vaddr uint64, frameCap capref.Capref, offset uint64, flags MapFlags, lazy bool) error {
	l3, err := s.walk(vaddr, flags, true)
	if err != nil {
		return err
	}

	idx := pageIndex(3, vaddr)
	if !l3.frame[idx].IsNull() {
		return nil // already mapped; matches the original's "do not overwrite" check
	}

	dst, err := s.slots.Alloc()
	if err != nil {
		return fmt.Errorf("vspace: alloc slot for frame mapping: %w", err)
	}

	if err := s.k.VNodeMap(l3.self, uint32(idx), dst, flags); err != nil {
		return fmt.Errorf("vspace: map frame: %w", err)
	}

	_ = offset // tracked by the caller's accounting; the kernel simulation maps whole frames

	l3.frame[idx] = frameCap
	l3.lazy[idx] = lazy
	l3.numKids++

	return nil
}

// mapRange maps bytes worth of pages starting at vaddr from frameCap, one page at a time, exactly
// as _paging_map_vaddr iterates _paging_map_single_page.
func (s *Space) mapRange(vaddr uint64, frameCap capref.Capref, bytes, offset uint64, flags MapFlags, lazy bool) error {
	id, err := s.k.Identify(frameCap)
	if err != nil {
		return fmt.Errorf("vspace: identify frame: %w", err)
	}

	if id.Bytes < bytes {
		return ErrFrameTooSmall
	}

	for cur := vaddr; cur < vaddr+bytes; cur += s.pageSize {
		if err := s.mapFrameAt(cur, frameCap, offset, flags, lazy); err != nil {
			return err
		}

		offset += s.pageSize
	}

	return nil
}

// MapFrame allocates a fresh virtual range and eagerly maps frameCap into it, returning the base
// address (spec.md §4.E "map_frame").
func (s *Space) MapFrame(bytes uint64, frameCap capref.Capref, offset uint64, flags MapFlags) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vaddr, err := s.allocLocked(bytes, s.pageSize)
	if err != nil {
		return 0, err
	}

	if err := s.mapRange(vaddr, frameCap, bytes, offset, flags, false); err != nil {
		return 0, err
	}

	return vaddr, nil
}

// MapFixed maps frameCap into the caller-chosen range [vaddr, vaddr+bytes), which must currently
// be free (spec.md §4.E "map_fixed").
func (s *Space) MapFixed(vaddr uint64, frameCap capref.Capref, bytes, offset uint64, flags MapFlags) error {
	if err := s.AllocFixed(vaddr, bytes); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mapRange(vaddr, frameCap, bytes, offset, flags, false)
}

// unmapSinglePage tears down the L3 mapping at vaddr, per _unmap_single_frame: frees the frame
// capability when the entry was lazily allocated, and collapses now-empty intermediate levels.
func (s *Space) unmapSinglePage(vaddr uint64) error {
	l3, err := s.walk(vaddr, 0, false)
	if err != nil {
		return err
	}

	if l3 == nil {
		return nil // never faulted in; nothing to undo
	}

	idx := pageIndex(3, vaddr)
	if l3.frame[idx].IsNull() {
		return nil
	}

	if l3.lazy[idx] {
		if err := s.frame.FreeLocked(l3.frame[idx]); err != nil {
			return fmt.Errorf("vspace: free lazily mapped frame: %w", err)
		}
	}

	if err := s.k.VNodeUnmap(l3.frame[idx]); err != nil {
		return fmt.Errorf("vspace: unmap frame: %w", err)
	}

	l3.frame[idx] = capref.Null
	l3.lazy[idx] = false
	l3.numKids--

	s.collapseIfEmpty(vaddr)

	return nil
}

// collapseIfEmpty destroys now-childless intermediate page-table levels bottom-up, mirroring the
// cascading _pt_table_destroy calls at the tail of _unmap_single_frame.
func (s *Space) collapseIfEmpty(vaddr uint64) {
	chain := []*node{s.l0}

	for level := uint8(0); level < 3; level++ {
		idx := pageIndex(level, vaddr)
		child := chain[len(chain)-1].children[idx]

		if child == nil {
			return
		}

		chain = append(chain, child)
	}

	for level := 3; level >= 1; level-- {
		parent := chain[level-1]
		n := chain[level]

		if n.numKids > 0 {
			return
		}

		idx := pageIndex(uint8(level-1), vaddr)
		parent.children[idx] = nil
		parent.numKids--

		if err := s.slots.Free(n.self); err != nil {
			s.log.Warn("vspace: leaking page-table vnode slot", "err", err)
		}
	}
}

// Decommit releases the physical pages backing [vaddr, vaddr+bytes) but keeps the virtual range
// reserved: a later access lazily refaults a fresh (zeroed) page.
func (s *Space) Decommit(vaddr, bytes uint64) error {
	if vaddr%s.pageSize != 0 || bytes%s.pageSize != 0 || bytes == 0 {
		return ErrUnalignedRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for offset := uint64(0); offset < bytes; offset += s.pageSize {
		if err := s.unmapSinglePage(vaddr + offset); err != nil {
			return err
		}
	}

	return nil
}

// Unmap releases both the physical mapping and the virtual reservation for the region that starts
// at vaddr (spec.md §4.E "unmap").
func (s *Space) Unmap(vaddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bytes, err := s.regionBytes(vaddr)
	if err != nil {
		return err
	}

	for offset := uint64(0); offset < bytes; offset += s.pageSize {
		if err := s.unmapSinglePage(vaddr + offset); err != nil {
			return err
		}
	}

	return s.freeVA(vaddr)
}

// TryMap is the lazy-fault entry point: given a page-aligned address inside an already-allocated
// (but not yet mapped) region, it allocates a fresh frame and maps it in, marked lazy so Decommit
// or Unmap can release it without the caller ever having called MapFrame.
func (s *Space) TryMap(vaddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vaddr < s.pageSize {
		return ErrNullDeref
	}

	l3, err := s.walk(vaddr, MapRead|MapWrite, false)
	if err == nil && l3 != nil {
		idx := pageIndex(3, vaddr)
		if !l3.frame[idx].IsNull() {
			return nil // already mapped
		}
	}

	region := s.va.FindLowerOrEqual(vaddr)
	if region == nil || region.Size != 0 {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, vaddr)
	}

	frameCap, err := s.frame.AllocAlignedLocked(s.pageSize, s.pageSize)
	if err != nil {
		return fmt.Errorf("vspace: alloc frame for fault: %w", err)
	}

	return s.mapFrameAt(vaddr, frameCap, 0, MapRead|MapWrite, true)
}

// HandleFault is the upcall a domain's exception handler would invoke on a page-fault trap: it
// aligns the faulting address down to a page boundary and lazily maps it in.
func (s *Space) HandleFault(addr uint64) error {
	return s.TryMap(addr &^ (s.pageSize - 1))
}

// Bytes returns the real backing storage for the page containing vaddr, so that reads and writes
// through a mapped domain address exercise actual memory rather than a pretend byte slice. The
// storage lives on the frame object itself (see Kernel.FrameBytes), not on this Space, so a frame
// mapped into more than one Space — a spawning domain staging content into a child it is building —
// observes the same bytes from either side.
func (s *Space) Bytes(vaddr uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l3, err := s.walk(vaddr, 0, false)
	if err != nil || l3 == nil {
		return nil, fmt.Errorf("%w: %#x", ErrNotAllocated, vaddr)
	}

	idx := pageIndex(3, vaddr)
	if l3.frame[idx].IsNull() {
		return nil, fmt.Errorf("%w: %#x", ErrNotAllocated, vaddr)
	}

	buf, err := s.k.FrameBytes(l3.frame[idx], s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("vspace: frame backing: %w", err)
	}

	return buf, nil
}
