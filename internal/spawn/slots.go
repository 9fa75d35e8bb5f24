package spawn

// Well-known slots in a child domain's root CNode, grounded on _setup_cspace's ROOTCN_SLOT_*
// layout. The real TASKCN also reserves MONITOREP, KERNELCAP, IRQ, IO, BOOTINFO, MODULECN and a
// root-mapping slot; none of them are populated here because nothing in this substrate's scope
// (spec.md §1 Non-goals: device drivers, the CPU driver/kernel itself, filesystems, the network
// stack above RPC) ever reads them, so they would sit forever unused.
const (
	slotTaskCNSelf uint32 = iota // this CNode's own capability to itself (ROOTCN/TASKCN, single-level here)
	slotL0VNode                  // PAGECN slot 0 equivalent: the child's page-table root
	slotDispatcher
	slotDispFrame
	slotSelfEP
	slotInitEP
	slotEarlyMem
	slotArgsPage
	slotStdinFrame
	slotStdoutFrame
	slotExtraCapsStart
)

// extraCapBudget bounds how many caller-supplied CAPV capabilities a child's root CNode reserves
// room for.
const extraCapBudget = 8

func childCNodeSlots() uint32 {
	return slotExtraCapsStart + extraCapBudget
}
