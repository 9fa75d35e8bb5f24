package spawn

import (
	"encoding/binary"
	"fmt"

	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/vspace"
)

// Dispatcher save-area layout (spec.md §4.J step 5): a fixed-offset header this simulation's
// substrate fills in instead of the original's architecture-specific register bank, since there is
// no real CPU context to save here — only the fields a process manager or debugger would want to
// read back.
const (
	saveCoreOff     = 0
	savePIDOff      = 8
	saveEntryOff    = 16
	saveArgsVAOff   = 24
	saveGOTOff      = 32
	saveHasGOTOff   = 40
	saveNameLenOff  = 41
	saveNameDataOff = 45
)

// buildDispatcher is spec.md §4.J step 5: create the dispatcher control-block capability and its
// backing save-area frame, copy both into the child's TASKCN, map the frame into both address
// spaces, and fill in core id, PID, debug name, entry point, arguments-page address and GOT base.
func (s *Spawner) buildDispatcher(rec *Record, core uint8) error {
	dispSlot, err := s.slots.Alloc()
	if err != nil {
		return fmt.Errorf("alloc slot for dispatcher: %w", err)
	}

	if err := s.k.CreateTyped(dispSlot, capref.KindDispatcher, dispatcherFrameBytes); err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	if err := s.k.Copy(dispSlot, childSlot(rec.RootCNode, slotDispatcher)); err != nil {
		return fmt.Errorf("copy dispatcher into child: %w", err)
	}

	rec.Dispatcher = dispSlot

	frameCap, err := s.frames.AllocAligned(dispatcherFrameBytes, s.pageSize)
	if err != nil {
		return fmt.Errorf("alloc dispatcher frame: %w", err)
	}

	if _, err := rec.Paging.MapFrame(dispatcherFrameBytes, frameCap, 0, vspace.MapRead|vspace.MapWrite); err != nil {
		return fmt.Errorf("map dispatcher frame into child: %w", err)
	}

	selfVAddr, err := s.self.MapFrame(dispatcherFrameBytes, frameCap, 0, vspace.MapRead|vspace.MapWrite)
	if err != nil {
		return fmt.Errorf("map dispatcher frame into self: %w", err)
	}

	buf, err := s.self.Bytes(selfVAddr)
	if err != nil {
		return fmt.Errorf("get dispatcher frame bytes: %w", err)
	}

	buf[saveCoreOff] = core
	binary.LittleEndian.PutUint64(buf[savePIDOff:], uint64(rec.PID))
	binary.LittleEndian.PutUint64(buf[saveEntryOff:], rec.EntryPoint)
	binary.LittleEndian.PutUint64(buf[saveArgsVAOff:], rec.ArgsPageVAddr)
	binary.LittleEndian.PutUint64(buf[saveGOTOff:], rec.GOTAddr)

	if rec.HasGOT {
		buf[saveHasGOTOff] = 1
	}

	name := rec.Name
	if len(name) > int(dispatcherFrameBytes-saveNameDataOff) {
		name = name[:dispatcherFrameBytes-saveNameDataOff]
	}

	buf[saveNameLenOff] = byte(len(name))
	copy(buf[saveNameDataOff:], name)

	if err := s.self.Unmap(selfVAddr); err != nil {
		return fmt.Errorf("unmap dispatcher frame from self: %w", err)
	}

	rec.dispFrameCap = frameCap

	return s.k.Copy(frameCap, childSlot(rec.RootCNode, slotDispFrame))
}

// buildBootstrapEndpoint is spec.md §4.J step 6: create a self-endpoint and the server-side
// listening endpoint for the child's init channel, place both in TASKCN, and wire the actual
// channel this simulation uses in place of a real cross-domain endpoint exchange.
func (s *Spawner) buildBootstrapEndpoint(rec *Record, opts SpawnOptions) error {
	selfEP, err := s.slots.Alloc()
	if err != nil {
		return fmt.Errorf("alloc slot for self endpoint: %w", err)
	}

	if err := s.k.CreateTyped(selfEP, capref.KindEndpointLMP, 0); err != nil {
		return fmt.Errorf("create self endpoint: %w", err)
	}

	if err := s.k.Copy(selfEP, childSlot(rec.RootCNode, slotSelfEP)); err != nil {
		return fmt.Errorf("copy self endpoint into child: %w", err)
	}

	initEP, err := s.slots.Alloc()
	if err != nil {
		return fmt.Errorf("alloc slot for init endpoint: %w", err)
	}

	if err := s.k.CreateTyped(initEP, capref.KindEndpointLMP, 0); err != nil {
		return fmt.Errorf("create init endpoint: %w", err)
	}

	if err := s.k.Copy(initEP, childSlot(rec.RootCNode, slotInitEP)); err != nil {
		return fmt.Errorf("copy init endpoint into child: %w", err)
	}

	rec.selfEP, rec.initEP = selfEP, initEP

	client, server := newLocalInitChannel(opts.InitHandler)
	rec.ChildInit = client
	rec.Server = server

	return nil
}

// donateEarlyMem is spec.md §4.J step 7: hand the child ~1 MiB of RAM so it can bootstrap its own
// memory manager before its memory-server RPC is reachable.
func (s *Spawner) donateEarlyMem(rec *Record) error {
	ramCap, err := s.ram.AllocAligned(earlyMemBytes, s.pageSize)
	if err != nil {
		return fmt.Errorf("alloc early mem: %w", err)
	}

	if err := s.k.Copy(ramCap, childSlot(rec.RootCNode, slotEarlyMem)); err != nil {
		return fmt.Errorf("copy early mem into child: %w", err)
	}

	rec.earlyMemCap = ramCap

	return nil
}
