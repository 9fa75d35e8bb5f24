// Package kernel simulates the capability invocations that spec.md §6 lists as external
// collaborators of this substrate: retype, copy, delete, revoke, identify, and the VNode and
// endpoint/dispatcher operations. The real CPU driver is out of scope (spec.md §1); this package
// exists only so the rest of the substrate — the slot allocator, the memory manager, the pager, and
// spawn — has something to link against and can be exercised in tests, the same role the teacher's
// own internal/vm package plays by simulating a CPU instead of targeting real hardware.
package kernel

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/log"
)

// Sentinel error families. System errors originate "from the kernel" per spec.md §7.
var (
	ErrCapNotFound       = errors.New("sys: cap not found")
	ErrIllegalInvocation = errors.New("sys: illegal invocation")
	ErrGuardMismatch     = errors.New("sys: guard mismatch")
	ErrRetypeConstraints = errors.New("sys: retype constraints violated")
	ErrSourceLookup      = errors.New("sys: source cap lookup")
	ErrIdentifyLookup    = errors.New("sys: identify lookup")
	ErrVNodeNotInstalled = errors.New("sys: vnode not installed")
	ErrSlotOccupied      = errors.New("sys: slot occupied")
	ErrSlotOutOfRange    = errors.New("sys: slot out of range")
)

// object is the kernel-internal representation of a capability. Capabilities form a forest: retype
// creates children, copy creates additional references (siblings) to the same object.
type object struct {
	cap      capref.Capability
	parent   *object
	children []*object
	refs     []slotRef // every (cnode, slot) currently naming this object

	// cnode is non-nil when this object itself backs a CNode's slot storage.
	cnode *cnodeTable

	// mappedInto/mappedSlot record the VNode slot this object (a VNode or Frame) is currently
	// installed into, if any, so unmap can find it from the child's side.
	mappedInto *object
	mappedSlot uint32

	// backing is a Frame object's real byte storage, mmap'd lazily on first FrameBytes call. It
	// lives on the object, not on whichever Space maps it, so two Spaces mapping the same frame
	// (e.g. a spawning domain and the child it is loading) observe the same physical bytes.
	backing []byte
}

type slotRef struct {
	cnode *cnodeTable
	idx   uint32
}

type cnodeTable struct {
	addr  capref.Addr
	slots []*object
}

// Kernel holds all simulated capability state for one domain's interaction with the kernel. A real
// multikernel has one kernel per core shared by many domains; this simulation keeps one instance
// per test or per spawned child, which is sufficient to exercise CS1-CS5's logic.
type Kernel struct {
	mu       sync.Mutex
	cnodes   map[capref.Addr]*cnodeTable
	nextAddr capref.Addr
	log      *log.Logger
}

// New creates a kernel simulation with no capabilities allocated.
func New() *Kernel {
	return &Kernel{
		cnodes: make(map[capref.Addr]*cnodeTable),
		log:    log.DefaultLogger(),
	}
}

func (k *Kernel) allocAddr() capref.Addr {
	k.nextAddr++
	return k.nextAddr
}

// NewRootCNode creates a fresh L1 CNode with the given slot capacity and returns a Capref to its
// own zero slot, which is conventionally where a CSpace keeps a capability to itself (ROOTCN).
func (k *Kernel) NewRootCNode(slots uint32) capref.Capref {
	k.mu.Lock()
	defer k.mu.Unlock()

	addr := k.allocAddr()
	table := &cnodeTable{addr: addr, slots: make([]*object, slots)}
	k.cnodes[addr] = table

	obj := &object{
		cap: capref.Capability{Kind: capref.KindCNodeL1, CNodeSlots: slots, Rights: capref.RightsRead | capref.RightsWrite | capref.RightsGrant},
	}
	obj.refs = []slotRef{{cnode: table, idx: 0}}
	table.slots[0] = obj

	return capref.Capref{Root: addr, CNode: addr, Slot: 0, Level: capref.L1}
}

func (k *Kernel) cnode(addr capref.Addr) (*cnodeTable, error) {
	t, ok := k.cnodes[addr]
	if !ok {
		return nil, fmt.Errorf("%w: cnode %#x", ErrCapNotFound, addr)
	}

	return t, nil
}

func (k *Kernel) lookup(c capref.Capref) (*cnodeTable, *object, error) {
	table, err := k.cnode(c.CNode)
	if err != nil {
		return nil, nil, err
	}

	if uint32(len(table.slots)) <= c.Slot {
		return nil, nil, fmt.Errorf("%w: slot %d", ErrSlotOutOfRange, c.Slot)
	}

	obj := table.slots[c.Slot]
	if obj == nil {
		return table, nil, fmt.Errorf("%w: %s", ErrCapNotFound, c)
	}

	return table, obj, nil
}

// Identify returns a copy of the capability named by cap. It is the only way library code learns
// the size, base address or kind of a capability it holds — mirroring cap_direct_identify in the
// original substrate.
func (k *Kernel) Identify(cap capref.Capref) (capref.Capability, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, obj, err := k.lookup(cap)
	if err != nil {
		return capref.Capability{}, fmt.Errorf("%w: %w", ErrIdentifyLookup, err)
	}

	return obj.cap, nil
}

// FrameBytes returns the real backing storage for the Frame capability named by cap, mmap'd via
// golang.org/x/sys/unix on first use and cached on the underlying object thereafter. Because the
// cache lives on the object rather than on a caller-side map, every Capref naming the same frame —
// including copies installed in a different domain's CSpace — observes the same bytes, the way a
// real frame capability names the same physical page no matter which VSpace maps it.
func (k *Kernel) FrameBytes(cap capref.Capref, size uint64) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, obj, err := k.lookup(cap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceLookup, err)
	}

	if obj.backing != nil {
		return obj.backing, nil
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("kernel: mmap frame backing: %w", err)
	}

	obj.backing = buf

	return buf, nil
}

// RetypeRAM slices a RAM capability: it derives a new capability of the given kind and size from
// the parent at a byte offset, and installs it into the (already slot-allocated) destination. This
// mirrors cap_retype as used throughout lib/mm/mm.c and lib/mm/slot_alloc.c.
func (k *Kernel) RetypeRAM(parent capref.Capref, offset, size uint64, kind capref.Kind, dst capref.Capref) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, pobj, err := k.lookup(parent)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceLookup, err)
	}

	if pobj.cap.Kind != capref.KindRAM {
		return fmt.Errorf("%w: parent is %s, not RAM", ErrRetypeConstraints, pobj.cap.Kind)
	}

	if offset+size > pobj.cap.Bytes {
		return fmt.Errorf("%w: offset+size %#x exceeds parent bytes %#x", ErrRetypeConstraints, offset+size, pobj.cap.Bytes)
	}

	dtable, err := k.cnode(dst.CNode)
	if err != nil {
		return err
	}

	if uint32(len(dtable.slots)) <= dst.Slot {
		return fmt.Errorf("%w: slot %d", ErrSlotOutOfRange, dst.Slot)
	}

	if dtable.slots[dst.Slot] != nil {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, dst)
	}

	child := &object{
		cap: capref.Capability{
			Kind:   kind,
			Base:   pobj.cap.Base + offset,
			Bytes:  size,
			Rights: pobj.cap.Rights,
		},
		parent: pobj,
	}

	switch kind {
	case capref.KindCNodeL2:
		child.cap.CNodeSlots = uint32(size / 16) // bookkeeping only; real slot count set by caller via NewCNodeStorage
	case capref.KindVNodeL0, capref.KindVNodeL1, capref.KindVNodeL2, capref.KindVNodeL3:
		child.cap.VNodeLevel = uint8(kind - capref.KindVNodeL0)
	}

	child.refs = append(child.refs, slotRef{cnode: dtable, idx: dst.Slot})
	dtable.slots[dst.Slot] = child
	pobj.children = append(pobj.children, child)

	return nil
}

// NewCNodeStorage backs a freshly retyped L2-CNode capability with actual slot storage, and returns
// the capref.Addr of the new slot table (a Capref whose CNode is that address names one of its
// slots, which is how the new CNode is reached for further retypes). Call this immediately after
// RetypeRAM(..., KindCNodeL2, ...).
func (k *Kernel) NewCNodeStorage(cnodeCap capref.Capref, slots uint32) (capref.Addr, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, obj, err := k.lookup(cnodeCap)
	if err != nil {
		return 0, err
	}

	if obj.cap.Kind != capref.KindCNodeL2 && obj.cap.Kind != capref.KindCNodeL1 {
		return 0, fmt.Errorf("%w: %s is not a CNode", ErrIllegalInvocation, obj.cap.Kind)
	}

	addr := k.allocAddr()
	table := &cnodeTable{addr: addr, slots: make([]*object, slots)}
	k.cnodes[addr] = table
	obj.cnode = table
	obj.cap.CNodeSlots = slots

	return addr, nil
}

// Copy installs a second reference (a sibling) to the same capability object at dst. Both src and
// dst now name the same underlying object; deleting one leaves the other valid.
func (k *Kernel) Copy(src, dst capref.Capref) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, obj, err := k.lookup(src)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceLookup, err)
	}

	dtable, err := k.cnode(dst.CNode)
	if err != nil {
		return err
	}

	if uint32(len(dtable.slots)) <= dst.Slot {
		return fmt.Errorf("%w: slot %d", ErrSlotOutOfRange, dst.Slot)
	}

	if dtable.slots[dst.Slot] != nil {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, dst)
	}

	dtable.slots[dst.Slot] = obj
	obj.refs = append(obj.refs, slotRef{cnode: dtable, idx: dst.Slot})

	return nil
}

// Delete removes the single reference named by cap. Other copies, and any children produced by
// retype, are unaffected.
func (k *Kernel) Delete(cap capref.Capref) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	table, obj, err := k.lookup(cap)
	if err != nil {
		return err
	}

	table.slots[cap.Slot] = nil

	for i, r := range obj.refs {
		if r.cnode == table && r.idx == cap.Slot {
			obj.refs = append(obj.refs[:i], obj.refs[i+1:]...)
			break
		}
	}

	return nil
}

// Revoke removes every copy of the capability named by cap, and recursively destroys every
// descendant produced from it by retype, clearing their slot references too.
func (k *Kernel) Revoke(cap capref.Capref) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, obj, err := k.lookup(cap)
	if err != nil {
		return err
	}

	k.destroy(obj)

	return nil
}

func (k *Kernel) destroy(obj *object) {
	for _, child := range obj.children {
		k.destroy(child)
	}

	obj.children = nil

	for _, r := range obj.refs {
		r.cnode.slots[r.idx] = nil
	}

	obj.refs = nil
}

// MapFlags controls page protection and caching on a VNode-map invocation.
type MapFlags uint8

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapExecute
)

// VNodeMap installs child (a VNode or Frame capability) into parent's slot, as the kernel's
// VNode-map invocation does when constructing page tables (§4.E "locate").
func (k *Kernel) VNodeMap(parent capref.Capref, slot uint32, child capref.Capref, flags MapFlags) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, pobj, err := k.lookup(parent)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceLookup, err)
	}

	_, cobj, err := k.lookup(child)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceLookup, err)
	}

	if cobj.mappedInto != nil {
		return fmt.Errorf("%w: capability already mapped", ErrIllegalInvocation)
	}

	cobj.mappedInto = pobj
	cobj.mappedSlot = slot

	return nil
}

// VNodeUnmap reverses VNodeMap.
func (k *Kernel) VNodeUnmap(child capref.Capref) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, cobj, err := k.lookup(child)
	if err != nil {
		return err
	}

	if cobj.mappedInto == nil {
		return fmt.Errorf("%w: capability is not mapped", ErrVNodeNotInstalled)
	}

	cobj.mappedInto = nil
	cobj.mappedSlot = 0

	return nil
}

// VNodeModifyFlags changes the protection flags of an installed mapping. The simulation does not
// track hardware PTE bits; it exists so callers exercise the same invocation sequence the original
// substrate does.
func (k *Kernel) VNodeModifyFlags(child capref.Capref, flags MapFlags) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, cobj, err := k.lookup(child)
	if err != nil {
		return err
	}

	if cobj.mappedInto == nil {
		return fmt.Errorf("%w: capability is not mapped", ErrVNodeNotInstalled)
	}

	return nil
}

// CreateTyped installs a freshly created, parentless capability of the given kind at dst: used for
// Dispatcher, Endpoint and similar kernel objects that are not retyped from RAM.
func (k *Kernel) CreateTyped(dst capref.Capref, kind capref.Kind, bytes uint64) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	dtable, err := k.cnode(dst.CNode)
	if err != nil {
		return err
	}

	if uint32(len(dtable.slots)) <= dst.Slot {
		return fmt.Errorf("%w: slot %d", ErrSlotOutOfRange, dst.Slot)
	}

	if dtable.slots[dst.Slot] != nil {
		return fmt.Errorf("%w: %s", ErrSlotOccupied, dst)
	}

	obj := &object{cap: capref.Capability{Kind: kind, Bytes: bytes, Rights: capref.RightsRead | capref.RightsWrite}}
	obj.refs = append(obj.refs, slotRef{cnode: dtable, idx: dst.Slot})
	dtable.slots[dst.Slot] = obj

	return nil
}

// CoreID returns the simulated core id this kernel instance represents. Every instance here is
// core 0; cross-core behavior is exercised at the UMP-channel level, not by the kernel simulation.
func (k *Kernel) CoreID() uint8 { return 0 }
