package boot

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"

	"github.com/domainkit/substrate/internal/spawn"
)

// buildELF hand-assembles a minimal little-endian ELF64 executable with one PT_LOAD segment,
// mirroring internal/elfload's own test helper.
func buildELF(t *testing.T, entry uint64) []byte {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56

	payload := []byte("boot test payload")
	phoff := uint64(ehdrSize)
	dataOff := phoff + phdrSize

	var buf bytes.Buffer

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = 2
	ehdr[5] = 1
	ehdr[6] = 1
	binary.LittleEndian.PutUint16(ehdr[16:], 2)
	binary.LittleEndian.PutUint16(ehdr[18:], 0x3E)
	binary.LittleEndian.PutUint32(ehdr[20:], 1)
	binary.LittleEndian.PutUint64(ehdr[24:], entry)
	binary.LittleEndian.PutUint64(ehdr[32:], phoff)
	binary.LittleEndian.PutUint16(ehdr[52:], ehdrSize)
	binary.LittleEndian.PutUint16(ehdr[54:], phdrSize)
	binary.LittleEndian.PutUint16(ehdr[56:], 1)
	buf.Write(ehdr)

	phdr := make([]byte, phdrSize)
	binary.LittleEndian.PutUint32(phdr[0:], 1)
	binary.LittleEndian.PutUint32(phdr[4:], 4|1) // PF_R|PF_X
	binary.LittleEndian.PutUint64(phdr[8:], dataOff)
	binary.LittleEndian.PutUint64(phdr[16:], entry)
	binary.LittleEndian.PutUint64(phdr[24:], entry)
	binary.LittleEndian.PutUint64(phdr[32:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(phdr[40:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(phdr[48:], 0x1000)
	buf.Write(phdr)
	buf.Write(payload)

	return buf.Bytes()
}

func TestNewBootsAWorkingProcessManager(t *testing.T) {
	fs := afero.NewMemMapFs()

	if err := afero.WriteFile(fs, "/bin/init", buildELF(t, 0x401000), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	substrate, err := New(fs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, err := substrate.Manager.Spawn("/bin/init", spawn.SpawnOptions{Name: "init", Argv: []string{"/bin/init"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if rec.State != spawn.StateReady {
		t.Fatalf("State: got %v, want %v", rec.State, spawn.StateReady)
	}

	if rec.EntryPoint != 0x401000 {
		t.Fatalf("EntryPoint: got %#x, want %#x", rec.EntryPoint, 0x401000)
	}

	got, ok := substrate.Manager.Spawner().Get(rec.PID)
	if !ok || got != rec {
		t.Fatalf("Spawner().Get: got %+v, %v", got, ok)
	}
}
