package elfload

import (
	"encoding/hex"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"github.com/spf13/afero"
)

// fixture is a txtar archive bundling a hex-encoded ELF image alongside the expected entry point
// and segment count, the way the teacher's assembler tests bundle a golden object file next to its
// expected disassembly. Binary ELF bytes don't survive a text archive format unmodified, so the
// image file carries hex text and the loader below decodes it before handing bytes to Parse/Load.
const multiSegmentFixture = `
-- entry.txt --
401000
-- segments.txt --
2
-- image.hex --
` + multiSegmentFixtureHex + `
`

var multiSegmentFixtureHex = hex.EncodeToString(assembleELF(0x401000, []elfSeg{
	{vaddr: 0x401000, data: []byte("fixture text"), memsz: 4096, flags: pfR | pfX},
	{vaddr: 0x402000, data: []byte("fixture data"), memsz: 4096, flags: pfR | pfW},
}))

func parseFixtureArchive(t *testing.T, archive string) (img []byte) {
	t.Helper()

	ar := txtar.Parse([]byte(archive))

	var hexText string

	for _, f := range ar.Files {
		if f.Name == "image.hex" {
			hexText = string(f.Data)
		}
	}

	decoded, err := hex.DecodeString(strings.TrimSpace(hexText))
	if err != nil {
		t.Fatalf("decode fixture image: %v", err)
	}

	return decoded
}

func TestParseFromTxtarFixture(t *testing.T) {
	data := parseFixtureArchive(t, multiSegmentFixture)

	img, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if img.Entry != 0x401000 {
		t.Fatalf("Entry: got %#x, want %#x", img.Entry, 0x401000)
	}

	if len(img.Segments) != 2 {
		t.Fatalf("Segments: got %d, want 2", len(img.Segments))
	}
}

func TestLoadFromTxtarFixtureOverFs(t *testing.T) {
	data := parseFixtureArchive(t, multiSegmentFixture)

	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/bin/fixture", data, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	img, err := Load(fs, "/bin/fixture")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if img.Entry != 0x401000 {
		t.Fatalf("Entry: got %#x, want %#x", img.Entry, 0x401000)
	}
}
