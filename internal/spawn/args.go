package spawn

import (
	"encoding/binary"
	"fmt"

	"github.com/domainkit/substrate/internal/vspace"
)

// argsHeaderBytes is the fixed-size domain-params header at offset 0 of the arguments page: argc
// (4 bytes) followed by argc pointer-sized (8-byte) child virtual addresses of the strings in the
// string table that follows, capped so the header plus pointer table always fits comfortably inside one base page
// alongside the strings themselves.
const argsHeaderBytes = 8
const maxArgsPointers = 64

// buildArgsPage is spec.md §4.J step 4: allocate one page, map it into both address spaces, write
// a domain-params structure at offset 0 (argc, then argc child-VA pointers), then append the argv
// strings end-to-end. The page is mapped at independently chosen addresses in the child and in
// this domain; each pointer is written directly as the child's mapping address plus the string's
// offset in the page, so no later rewriting pass is needed (grounded on _setup_arguments'
// pointer-patching).
func (s *Spawner) buildArgsPage(rec *Record, argv []string) error {
	if len(argv) > maxArgsPointers {
		return fmt.Errorf("spawn: %d argv entries exceeds budget %d", len(argv), maxArgsPointers)
	}

	frameCap, err := s.frames.AllocAligned(s.pageSize, s.pageSize)
	if err != nil {
		return fmt.Errorf("alloc args frame: %w", err)
	}

	// Map into the child first so the pointer table below can record real child addresses.
	childVAddr, err := rec.Paging.MapFrame(s.pageSize, frameCap, 0, vspace.MapRead|vspace.MapWrite)
	if err != nil {
		return fmt.Errorf("map args frame into child: %w", err)
	}

	selfVAddr, err := s.self.MapFrame(s.pageSize, frameCap, 0, vspace.MapRead|vspace.MapWrite)
	if err != nil {
		return fmt.Errorf("map args frame into self: %w", err)
	}

	buf, err := s.self.Bytes(selfVAddr)
	if err != nil {
		return fmt.Errorf("get args frame bytes: %w", err)
	}

	pointerTableOff := uint64(argsHeaderBytes)
	stringTableOff := pointerTableOff + uint64(len(argv))*8

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(argv)))

	cursor := stringTableOff

	for i, arg := range argv {
		if cursor+uint64(len(arg))+1 > s.pageSize {
			return fmt.Errorf("spawn: argv does not fit in one page")
		}

		binary.LittleEndian.PutUint64(buf[pointerTableOff+uint64(i)*8:], childVAddr+cursor)
		copy(buf[cursor:], arg)
		buf[cursor+uint64(len(arg))] = 0
		cursor += uint64(len(arg)) + 1
	}

	if err := s.self.Unmap(selfVAddr); err != nil {
		return fmt.Errorf("unmap args frame from self: %w", err)
	}

	rec.argsFrameCap = frameCap
	rec.ArgsPageVAddr = childVAddr

	if err := s.k.Copy(frameCap, childSlot(rec.RootCNode, slotArgsPage)); err != nil {
		return fmt.Errorf("copy args frame into child taskcn: %w", err)
	}

	return nil
}
