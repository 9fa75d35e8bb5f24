// Package capref defines the capability addressing scheme shared by every subsystem that talks to
// the simulated kernel: the (root, cnode, slot, level) reference that names a capability without
// owning it, and the kind-tagged capability record the kernel hands back on identify.
package capref

import "fmt"

// Addr names a CNode or a root CNode in the caller's CSpace. It is opaque outside this package and
// the kernel; callers only ever compare or copy it.
type Addr uint64

// Level distinguishes how many CNode indirections a Capref's Slot must be resolved through. The
// two-level addressing scheme (§ CSpace, GLOSSARY) uses L1 for the root CNode and L2 for the
// CNodes it contains.
type Level uint8

const (
	L1 Level = iota + 1
	L2
)

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return "L?"
	}
}

// Capref is a by-value, cheap-to-copy reference to a capability slot. It does not own the
// capability: copying a Capref does not copy the underlying capability, and dropping one does not
// delete it.
type Capref struct {
	Root  Addr  // address of the root (L1) CNode
	CNode Addr  // address of the CNode holding the slot (may equal Root)
	Slot  uint32
	Level Level
}

// Null is the zero-value, not-a-capability reference.
var Null = Capref{}

// IsNull reports whether the reference names no capability.
func (c Capref) IsNull() bool {
	return c == Null
}

func (c Capref) String() string {
	if c.IsNull() {
		return "Capref(null)"
	}

	return fmt.Sprintf("Capref(root:%#x cnode:%#x slot:%d %s)", c.Root, c.CNode, c.Slot, c.Level)
}

// Kind tags the type of kernel object a Capability names.
type Kind uint8

const (
	KindNone Kind = iota
	KindRAM
	KindFrame
	KindDevFrame
	KindCNodeL1
	KindCNodeL2
	KindVNodeL0
	KindVNodeL1
	KindVNodeL2
	KindVNodeL3
	KindDispatcher
	KindEndpointLMP
	KindEndpointUMP
	KindIRQ
	KindID
	KindKernel
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "RAM"
	case KindFrame:
		return "Frame"
	case KindDevFrame:
		return "DevFrame"
	case KindCNodeL1:
		return "CNode.L1"
	case KindCNodeL2:
		return "CNode.L2"
	case KindVNodeL0:
		return "VNode.L0"
	case KindVNodeL1:
		return "VNode.L1"
	case KindVNodeL2:
		return "VNode.L2"
	case KindVNodeL3:
		return "VNode.L3"
	case KindDispatcher:
		return "Dispatcher"
	case KindEndpointLMP:
		return "Endpoint.LMP"
	case KindEndpointUMP:
		return "Endpoint.UMP"
	case KindIRQ:
		return "IRQ"
	case KindID:
		return "ID"
	case KindKernel:
		return "Kernel"
	default:
		return "None"
	}
}

// Rights is a bit set of access rights a capability carries.
type Rights uint8

const (
	RightsRead Rights = 1 << iota
	RightsWrite
	RightsExecute
	RightsGrant // may be used to retype/copy further capabilities
)

func (r Rights) Has(want Rights) bool { return r&want == want }

// Capability is the kernel-owned payload named by a Capref. It is never constructed directly by
// library code: the kernel package returns copies of it from Identify.
type Capability struct {
	Kind   Kind
	Base   uint64 // physical base address, for RAM/Frame/DevFrame
	Bytes  uint64 // size in bytes
	Rights Rights

	// Level-specific payload. At most one of these is meaningful, selected by Kind.
	CNodeSlots uint32 // capacity, for CNodeL1/CNodeL2
	VNodeLevel uint8  // 0..3, for VNode kinds
}

func (c Capability) String() string {
	return fmt.Sprintf("%s(base:%#x bytes:%#x rights:%02b)", c.Kind, c.Base, c.Bytes, c.Rights)
}
