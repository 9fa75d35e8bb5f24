// Package boot assembles one spawning domain's CS1-CS5 subsystems into a single process manager,
// the way a real first domain's own init code would before it ever calls spawn. It is the
// production counterpart of internal/spawn's own test harness: same construction order, sized for
// a real run instead of a handful of test spawns.
package boot

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/kernel"
	"github.com/domainkit/substrate/internal/mm"
	"github.com/domainkit/substrate/internal/procmgr"
	"github.com/domainkit/substrate/internal/slotalloc"
	"github.com/domainkit/substrate/internal/spawn"
	"github.com/domainkit/substrate/internal/vspace"
)

const (
	pageSize   = 4096
	l2Slots    = 64
	l2CapBytes = 1 << 20

	ramPoolBytes   = 64 << 20
	framePoolBytes = 64 << 20
	donationChunk  = 4 << 20
)

// ownRAM hands out RAM capabilities directly from the kernel, the only way to seed a slot
// allocator and the memory pools it will go on to serve: nothing can donate to a mm.Manager before
// one exists.
type ownRAM struct {
	k    *kernel.Kernel
	root capref.Capref
	next uint32
}

func (r *ownRAM) AllocAligned(size, alignment uint64) (capref.Capref, error) {
	dst := capref.Capref{Root: r.root.Root, CNode: r.root.CNode, Slot: r.next, Level: capref.L1}
	r.next++

	if err := r.k.CreateTyped(dst, capref.KindRAM, size); err != nil {
		return capref.Null, err
	}

	return dst, nil
}

func (r *ownRAM) Free(ramcap capref.Capref) error { return r.k.Delete(ramcap) }

// Substrate is one booted domain: its own kernel handle, slot allocator, memory pools, and paging
// state, plus the process manager those feed.
type Substrate struct {
	Manager *procmgr.Manager

	k      *kernel.Kernel
	slots  *slotalloc.Allocator
	ram    *mm.Manager
	frames *mm.Manager
	self   *vspace.Space
}

// New bootstraps a fresh Substrate whose domains load ELF images through fs (typically an
// afero.OsFs rooted at a directory of built binaries).
func New(fs afero.Fs) (*Substrate, error) {
	k := kernel.New()
	root := k.NewRootCNode(4096)

	initSlot := capref.Capref{Root: root.Root, CNode: root.CNode, Slot: 1, Level: capref.L1}
	ram := &ownRAM{k: k, root: root, next: 8}

	seedCap, err := ram.AllocAligned(l2CapBytes, l2CapBytes)
	if err != nil {
		return nil, fmt.Errorf("boot: seed ram: %w", err)
	}

	if err := k.RetypeRAM(seedCap, 0, l2CapBytes, capref.KindCNodeL2, initSlot); err != nil {
		return nil, fmt.Errorf("boot: seed retype: %w", err)
	}

	addr, err := k.NewCNodeStorage(initSlot, l2Slots)
	if err != nil {
		return nil, fmt.Errorf("boot: seed cnode storage: %w", err)
	}

	cfg := slotalloc.Config{L2Slots: l2Slots, L2CapBytes: l2CapBytes, RootCapacity: 2048, RootSlotStart: 2048}

	slots, err := slotalloc.New(k, root, ram, cfg, initSlot, addr)
	if err != nil {
		return nil, fmt.Errorf("boot: slotalloc.New: %w", err)
	}

	mu := &sync.Mutex{}
	ramPool := mm.New(mu, k, slots, capref.KindRAM, pageSize)
	frames := mm.New(mu, k, slots, capref.KindFrame, pageSize)

	if err := donate(ram, ramPool, ramPoolBytes); err != nil {
		return nil, fmt.Errorf("boot: donate ram pool: %w", err)
	}

	if err := donate(ram, frames, framePoolBytes); err != nil {
		return nil, fmt.Errorf("boot: donate frame pool: %w", err)
	}

	selfL0, err := slots.Alloc()
	if err != nil {
		return nil, fmt.Errorf("boot: alloc self l0: %w", err)
	}

	if err := k.CreateTyped(selfL0, capref.KindVNodeL0, 0); err != nil {
		return nil, fmt.Errorf("boot: create self l0: %w", err)
	}

	self := vspace.New(mu, k, slots, frames, selfL0, pageSize, pageSize)

	spawner := spawn.NewSpawner(mu, k, slots, ramPool, frames, self, fs, pageSize)

	return &Substrate{
		Manager: procmgr.NewManager(spawner),
		k:       k,
		slots:   slots,
		ram:     ramPool,
		frames:  frames,
		self:    self,
	}, nil
}

func donate(ram *ownRAM, pool *mm.Manager, total uint64) error {
	for donated := uint64(0); donated < total; donated += donationChunk {
		c, err := ram.AllocAligned(donationChunk, pageSize)
		if err != nil {
			return err
		}

		if err := pool.Add(c); err != nil {
			return err
		}
	}

	return nil
}
