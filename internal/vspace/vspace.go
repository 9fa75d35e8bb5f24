// Package vspace implements CS3: a four-level shadow page-table mirror kept in ordinary Go
// structs, a virtual-address interval tree built on internal/rbtree for allocation bookkeeping,
// and a lazy page-fault handler that maps a frame on first touch instead of eagerly. It shares one
// mutex with internal/mm so that a fault handled mid-allocation nests cleanly into the same
// critical section (spec.md §5).
package vspace

import (
	"errors"
	"fmt"
	"sync"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/rbtree"
)

var (
	ErrBadAlignment   = errors.New("vspace: bad alignment")
	ErrOutOfVirtual   = errors.New("vspace: out of virtual address space")
	ErrNotAllocated   = errors.New("vspace: address not in an allocated region")
	ErrAlreadyMapped  = errors.New("vspace: page already mapped")
	ErrNullDeref      = errors.New("vspace: null pointer dereference")
	ErrFrameTooSmall  = errors.New("vspace: frame smaller than requested mapping")
	ErrUnalignedRange = errors.New("vspace: address or length not page-aligned")
)

// MapFlags mirrors kernel.MapFlags; re-exported so callers don't need to import internal/kernel
// just to build one.
type MapFlags = kernel.MapFlags

const (
	MapRead    = kernel.MapRead
	MapWrite   = kernel.MapWrite
	MapExecute = kernel.MapExecute
)

// SlotSource is the capability-slot provider this package needs for page-table and mapping
// capabilities, satisfied by internal/slotalloc.
type SlotSource interface {
	Alloc() (capref.Capref, error)
	Free(cap capref.Capref) error
}

// FrameSource is the subset of internal/mm this package needs to back lazily faulted-in pages.
type FrameSource interface {
	AllocAlignedLocked(size, alignment uint64) (capref.Capref, error)
	FreeLocked(cap capref.Capref) error
}

// node is one entry in the four-level shadow page-table tree (L0 root down to L3 leaves). Only L3
// nodes carry frame capabilities; L0-L2 nodes carry child *node pointers.
type node struct {
	ptLevel  uint8
	self     capref.Capref // this level's own VNode capability
	children [ptEntries]*node
	frame    [ptEntries]capref.Capref // only meaningful at ptLevel == 3
	lazy     [ptEntries]bool         // entry was faulted in lazily and may be torn down silently
	numKids  uint16
}

// ptEntries is the number of entries per page-table level, mirroring the 512-entry four-level
// AArch64-style page tables the original walks (9 bits per level).
const ptEntries = 512

func pageIndex(level uint8, vaddr uint64) uint64 {
	shift := 12 + uint(3-level)*9
	return (vaddr >> shift) % ptEntries
}

// Space is CS3's per-domain state: one shadow page-table tree plus one VA interval tree.
type Space struct {
	mu *sync.Mutex

	k     *kernel.Kernel
	slots SlotSource
	frame FrameSource
	log   *log.Logger

	pageSize uint64

	l0 *node

	va       rbtree.Tree
	nodeFree []*rbtree.Node
}

// New creates a paging state managing the virtual range [startVAddr, 2^48) above startVAddr, with
// root as the already-created L0 VNode capability for this domain (spec.md §4.E, §6).
func New(mu *sync.Mutex, k *kernel.Kernel, slots SlotSource, frames FrameSource, root capref.Capref, startVAddr, pageSize uint64) *Space {
	s := &Space{
		mu:       mu,
		k:        k,
		slots:    slots,
		frame:    frames,
		log:      log.DefaultLogger(),
		pageSize: pageSize,
		l0:       &node{ptLevel: 0, self: root},
	}

	whole := s.allocVANode()
	whole.Start = startVAddr
	whole.Size = (uint64(1) << 48) - startVAddr
	s.va.Insert(whole)

	return s
}

func (s *Space) allocVANode() *rbtree.Node {
	if n := len(s.nodeFree); n > 0 {
		node := s.nodeFree[n-1]
		s.nodeFree = s.nodeFree[:n-1]

		return node
	}

	for i := 0; i < 32; i++ {
		s.nodeFree = append(s.nodeFree, &rbtree.Node{})
	}

	n := len(s.nodeFree)
	node := s.nodeFree[n-1]
	s.nodeFree = s.nodeFree[:n-1]

	return node
}

func (s *Space) freeVANode(n *rbtree.Node) {
	*n = rbtree.Node{}
	s.nodeFree = append(s.nodeFree, n)
}

func alignUp(x, align uint64) uint64 { return ((x - 1) | (align - 1)) + 1 }

func checkAlign(align, pageSize uint64) bool {
	return align != 0 && align&(align-1) == 0 && align >= pageSize
}

// allocInner carves [vaddr, vaddr+bytes) out of the free range described by free, splitting off
// a head and/or tail free range as needed (grounded on _vaddr_alloc_inner).
func (s *Space) allocInner(free *rbtree.Node, vaddr, bytes uint64) {
	originalStart, originalSize := free.Start, free.Size

	free.Start = vaddr
	rbtree.UpdateSize(free, 0)

	if vaddr > originalStart {
		left := s.allocVANode()
		left.Start = originalStart
		left.Size = vaddr - originalStart
		s.va.Insert(left)
	}

	if originalStart+originalSize > vaddr+bytes {
		right := s.allocVANode()
		right.Start = vaddr + bytes
		right.Size = originalStart + originalSize - (vaddr + bytes)
		s.va.Insert(right)
	}
}

// Alloc reserves bytes (rounded up to the page size) of virtual address space aligned to
// alignment, without mapping anything. It is the virtual-address analogue of mm.AllocAligned.
func (s *Space) Alloc(bytes, alignment uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.allocLocked(bytes, alignment)
}

func (s *Space) allocLocked(bytes, alignment uint64) (uint64, error) {
	if !checkAlign(alignment, s.pageSize) {
		return 0, ErrBadAlignment
	}

	bytes = alignUp(bytes, s.pageSize)

	requested := bytes + alignment - 1

	free := s.va.FindMinSize(requested)
	if free == nil {
		return 0, ErrOutOfVirtual
	}

	addr := alignUp(free.Start, alignment)
	s.allocInner(free, addr, bytes)

	return addr, nil
}

// AllocFixed reserves exactly [vaddr, vaddr+bytes) — it fails if any part of that range is
// already allocated or outside the managed range.
func (s *Space) AllocFixed(vaddr, bytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bytes = alignUp(bytes, s.pageSize)

	free := s.va.FindContaining(vaddr)
	if free == nil || free.Size == 0 || free.Start+free.Size < vaddr+bytes {
		return ErrOutOfVirtual
	}

	s.allocInner(free, vaddr, bytes)

	return nil
}

// freeVA releases the allocated range beginning at vaddr (which must be exactly the start of a
// prior Alloc/AllocFixed/MapFrame result), coalescing with adjacent free ranges.
func (s *Space) freeVA(vaddr uint64) error {
	node := s.va.FindLowerOrEqual(vaddr)
	if node == nil || node.Size != 0 || node.Start != vaddr {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, vaddr)
	}

	succ := rbtree.Successor(node)
	if succ == nil {
		return fmt.Errorf("vspace: missing sentinel tail range")
	}

	node.Size = succ.Start - node.Start

	if pred := rbtree.Predecessor(node); pred != nil && pred.Size > 0 && pred.Start+pred.Size == vaddr {
		node.Start = pred.Start
		node.Size += pred.Size
		s.va.Delete(pred)
		s.freeVANode(pred)
	}

	if succ.Size > 0 && succ.Start == node.Start+node.Size {
		node.Size += succ.Size
		s.va.Delete(succ)
		s.freeVANode(succ)
	}

	rbtree.UpdateSize(node, node.Size)

	return nil
}

// regionBytes returns the size of the allocated region starting at vaddr exactly, or an error if
// vaddr is not the start of one.
func (s *Space) regionBytes(vaddr uint64) (uint64, error) {
	node := s.va.FindLowerOrEqual(vaddr)
	if node == nil || node.Size != 0 || node.Start != vaddr {
		return 0, fmt.Errorf("%w: %#x", ErrNotAllocated, vaddr)
	}

	succ := rbtree.Successor(node)
	if succ == nil {
		return 0, fmt.Errorf("vspace: missing sentinel tail range")
	}

	return succ.Start - node.Start, nil
}
