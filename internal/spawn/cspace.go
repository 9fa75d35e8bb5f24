package spawn

import (
	"fmt"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/vspace"
)

// childSlot addresses slot idx inside the child's single root CNode. The real substrate spreads
// TASKCN/PAGECN/SLOT_ALLOC_N/CAPV across several L2 CNodes reachable from an L1 root; this
// simulation keeps everything this Spawner actually uses in one flat CNode; see DESIGN.md for why
// the L2 fan-out was not worth reproducing here.
func childSlot(root capref.Capref, idx uint32) capref.Capref {
	return capref.Capref{Root: root.Root, CNode: root.CNode, Slot: idx, Level: capref.L1}
}

// buildCSpace is spec.md §4.J step 1: create the child's root CNode and install the well-known
// capabilities an image needs to bootstrap (stdin/stdout frames and caller-supplied extras are
// copied in directly; the rest are filled in by later steps as they're created).
func (s *Spawner) buildCSpace(rec *Record, opts SpawnOptions) error {
	root := s.k.NewRootCNode(childCNodeSlots())
	rec.RootCNode = root

	if !opts.StdinCap.IsNull() {
		if err := s.k.Copy(opts.StdinCap, childSlot(root, slotStdinFrame)); err != nil {
			return fmt.Errorf("copy stdin cap: %w", err)
		}
	}

	if !opts.StdoutCap.IsNull() {
		if err := s.k.Copy(opts.StdoutCap, childSlot(root, slotStdoutFrame)); err != nil {
			return fmt.Errorf("copy stdout cap: %w", err)
		}
	}

	if len(opts.ExtraCaps) > extraCapBudget {
		return fmt.Errorf("spawn: %d extra caps exceeds budget %d", len(opts.ExtraCaps), extraCapBudget)
	}

	for i, cap := range opts.ExtraCaps {
		if err := s.k.Copy(cap, childSlot(root, slotExtraCapsStart+uint32(i))); err != nil {
			return fmt.Errorf("copy extra cap %d: %w", i, err)
		}
	}

	return nil
}

// buildVSpace is spec.md §4.J step 2: allocate the child's L0 VNode and start foreign paging state
// over it using this domain's own slot and frame allocators (paging_init_state_foreign).
func (s *Spawner) buildVSpace(rec *Record) error {
	l0, err := s.slots.Alloc()
	if err != nil {
		return fmt.Errorf("alloc slot for l0 vnode: %w", err)
	}

	if err := s.k.CreateTyped(l0, capref.KindVNodeL0, 0); err != nil {
		return fmt.Errorf("create l0 vnode: %w", err)
	}

	if err := s.k.Copy(l0, childSlot(rec.RootCNode, slotL0VNode)); err != nil {
		return fmt.Errorf("copy l0 vnode into child: %w", err)
	}

	rec.L0VNode = l0
	rec.Paging = s.foreignSpace(l0)

	return nil
}

// foreignSpace builds a paging state over root using this domain's own allocators, leaving the
// null page permanently unmapped so a child dereferencing a NULL pointer faults (spec.md §4.E
// "Reject NULL-page faults").
func (s *Spawner) foreignSpace(root capref.Capref) *vspace.Space {
	return vspace.New(s.mu, s.k, s.slots, s.frames, root, s.pageSize, s.pageSize)
}
