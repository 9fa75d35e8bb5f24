// Package elfload parses a domain's ELF image off an afero.Fs (so spawn can load images from a
// real directory, an in-memory filesystem in tests, or eventually a packed module image, without
// caring which) and exposes the loadable segments and entry point that internal/spawn needs to
// build a new domain's VSpace. It is grounded on lib/spawn/elfimg.c and spawn.c's
// _parse_elf_image, adapted to use the standard library's debug/elf in place of the original's own
// hand-rolled ELF reader (no example repo ships one, so this is one of the ambient concerns this
// module carries on the standard library — see DESIGN.md).
package elfload

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// ErrNoLoadSegments means the image had no PT_LOAD program headers.
var ErrNoLoadSegments = errors.New("elfload: no loadable segments")

// Flags mirrors the subset of ELF program header permissions spawn cares about when choosing
// kernel VNodeMap flags for a segment.
type Flags struct {
	Read    bool
	Write   bool
	Execute bool
}

// Segment is one PT_LOAD program header: a range of the child's virtual address space to be
// backed by a freshly allocated frame, the bytes to copy into it, and the protection to map it
// with.
type Segment struct {
	VAddr    uint64
	MemSize  uint64
	FileSize uint64
	Flags    Flags
	data     []byte // exactly FileSize bytes, read from the image file
}

// Data returns the segment's file-backed bytes (the remaining MemSize-FileSize bytes are BSS:
// zero-filled, which is already what a freshly allocated frame gives us).
func (s Segment) Data() []byte { return s.data }

// Image is a parsed ELF executable: its entry point, loadable segments in file order, and (if
// present) the virtual address of its .got section, which spawn records for the dispatcher's
// saved register bank (spec.md §4.J step 3).
type Image struct {
	Entry    uint64
	GOTAddr  uint64
	HasGOT   bool
	Segments []Segment
}

// Load reads and parses the ELF image at path on fs.
func Load(fs afero.Fs, path string) (*Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfload: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("elfload: read %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses an ELF image already held in memory.
func Parse(data []byte) (*Image, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elfload: parse: %w", err)
	}
	defer ef.Close()

	img := &Image{Entry: ef.Entry}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		fileBytes := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(fileBytes, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("elfload: read segment at %#x: %w", prog.Vaddr, err)
		}

		img.Segments = append(img.Segments, Segment{
			VAddr:    prog.Vaddr,
			MemSize:  prog.Memsz,
			FileSize: prog.Filesz,
			Flags: Flags{
				Read:    prog.Flags&elf.PF_R != 0,
				Write:   prog.Flags&elf.PF_W != 0,
				Execute: prog.Flags&elf.PF_X != 0,
			},
			data: fileBytes,
		})
	}

	if len(img.Segments) == 0 {
		return nil, ErrNoLoadSegments
	}

	if got := ef.Section(".got"); got != nil {
		img.GOTAddr = got.Addr
		img.HasGOT = true
	}

	return img, nil
}
