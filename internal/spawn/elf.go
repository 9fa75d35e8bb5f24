package spawn

import (
	"fmt"

	"github.com/domainkit/substrate/internal/elfload"
	"github.com/domainkit/substrate/internal/vspace"
)

func alignUp(x, align uint64) uint64 { return ((x - 1) | (align - 1)) + 1 }

func alignDown(x, align uint64) uint64 { return x &^ (align - 1) }

func mapFlagsFor(f elfload.Flags) vspace.MapFlags {
	var flags vspace.MapFlags

	if f.Read {
		flags |= vspace.MapRead
	}

	if f.Write {
		flags |= vspace.MapWrite
	}

	if f.Execute {
		flags |= vspace.MapExecute
	}

	return flags
}

// loadSegments is spec.md §4.J step 3: for every loadable segment, allocate frames covering its
// page-aligned range, map each writable into this domain to copy the segment's file bytes in (the
// remainder is BSS, already zero from a freshly mmap'd anonymous backing), then map the same frame
// into the child's VSpace with the segment's real protection.
//
// One frame per page, not one frame spanning the whole segment: internal/vspace's Bytes() returns
// the first page-sized slice of the frame object's backing (Kernel.FrameBytes) for any page that
// frame covers, so a single multi-page frame would alias the same bytes across every page it
// covers. Loading page-by-page sidesteps that.
func (s *Spawner) loadSegments(rec *Record, img *elfload.Image) error {
	for _, seg := range img.Segments {
		flags := mapFlagsFor(seg.Flags)

		pageStart := alignDown(seg.VAddr, s.pageSize)
		pageEnd := alignUp(seg.VAddr+seg.MemSize, s.pageSize)
		data := seg.Data()

		for page := pageStart; page < pageEnd; page += s.pageSize {
			frameCap, err := s.frames.AllocAligned(s.pageSize, s.pageSize)
			if err != nil {
				return fmt.Errorf("alloc segment frame: %w", err)
			}

			selfVAddr, err := s.self.MapFrame(s.pageSize, frameCap, 0, vspace.MapRead|vspace.MapWrite)
			if err != nil {
				return fmt.Errorf("map segment frame into self: %w", err)
			}

			buf, err := s.self.Bytes(selfVAddr)
			if err != nil {
				return fmt.Errorf("get segment frame bytes: %w", err)
			}

			copyFileOverlap(buf, page, s.pageSize, data, seg.VAddr, seg.FileSize)

			if err := s.self.Unmap(selfVAddr); err != nil {
				return fmt.Errorf("unmap segment frame from self: %w", err)
			}

			if err := rec.Paging.MapFixed(page, frameCap, s.pageSize, 0, flags); err != nil {
				return fmt.Errorf("map segment frame into child: %w", err)
			}
		}
	}

	return nil
}

// copyFileOverlap copies the slice of fileData (file-offset-relative to fileVAddr, fileSize bytes
// long) that overlaps [pageVAddr, pageVAddr+pageSize) into buf at the matching offset.
func copyFileOverlap(buf []byte, pageVAddr, pageSize uint64, fileData []byte, fileVAddr, fileSize uint64) {
	start := max64(pageVAddr, fileVAddr)
	end := min64(pageVAddr+pageSize, fileVAddr+fileSize)

	if start >= end {
		return
	}

	copy(buf[start-pageVAddr:end-pageVAddr], fileData[start-fileVAddr:end-fileVAddr])
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}

	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
