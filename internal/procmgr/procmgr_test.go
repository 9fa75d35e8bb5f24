package procmgr

import (
	"sync"
	"testing"

	"github.com/domainkit/substrate/internal/asyncchan"
	"github.com/domainkit/substrate/internal/rpc"
)

// fakeSpawnd is a minimal in-memory stand-in for the process manager this client talks to: just
// enough bookkeeping to answer every opcode procmgr.Client sends, so the client veneer can be
// exercised without a real spawn subsystem on the other end.
type fakeSpawnd struct {
	mu      sync.Mutex
	nextPID uint32
	names   map[PID]string
	states  map[PID]State
	exits   map[PID]int32
}

func newFakeSpawnd() *fakeSpawnd {
	return &fakeSpawnd{
		names:  make(map[PID]string),
		states: make(map[PID]State),
		exits:  make(map[PID]int32),
	}
}

func (s *fakeSpawnd) spawn(name string) PID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPID++
	pid := PID(s.nextPID)
	s.names[pid] = name
	s.states[pid] = StateRunning

	return pid
}

func ok(body []byte) []byte { return append([]byte{tagOK}, body...) }

func fail(msg string) []byte {
	var w writer
	w.str(msg)

	return append([]byte{tagErr}, w.bytes()...)
}

func (s *fakeSpawnd) handle(req []byte) []byte {
	op := opcode(req[0])
	r := newReader(req[1:])

	switch op {
	case opSpawnWithCmdline:
		cmdline := r.str()
		_ = r.u8()
		pid := s.spawn(cmdline)

		var w writer
		w.u32(uint32(pid))

		return ok(w.bytes())

	case opSpawnWithCaps:
		argv := r.strs()
		pid := s.spawn(argv[0])

		var w writer
		w.u32(uint32(pid))

		return ok(w.bytes())

	case opGetAllPIDs:
		s.mu.Lock()
		defer s.mu.Unlock()

		var w writer
		w.u32(uint32(len(s.names)))

		for pid := range s.names {
			w.u32(uint32(pid))
		}

		return ok(w.bytes())

	case opGetStatus:
		pid := r.pid()

		s.mu.Lock()
		state, ok2 := s.states[pid]
		exit := s.exits[pid]
		s.mu.Unlock()

		if !ok2 {
			return fail("unknown process")
		}

		var w writer
		w.u8(0)
		w.u8(uint8(state))
		w.i32(exit)

		return ok(w.bytes())

	case opGetName:
		pid := r.pid()

		s.mu.Lock()
		name, found := s.names[pid]
		s.mu.Unlock()

		if !found {
			return fail("unknown process")
		}

		var w writer
		w.str(name)

		return ok(w.bytes())

	case opGetPID:
		name := r.str()

		s.mu.Lock()
		defer s.mu.Unlock()

		for pid, n := range s.names {
			if n == name {
				var w writer
				w.u32(uint32(pid))

				return ok(w.bytes())
			}
		}

		return fail("unknown process")

	case opPause:
		pid := r.pid()

		s.mu.Lock()
		s.states[pid] = StateSuspended
		s.mu.Unlock()

		return ok(nil)

	case opResume:
		pid := r.pid()

		s.mu.Lock()
		s.states[pid] = StateRunning
		s.mu.Unlock()

		return ok(nil)

	case opExit:
		return ok(nil)

	case opWait:
		pid := r.pid()

		s.mu.Lock()
		s.states[pid] = StateTerminated
		s.exits[pid] = 7
		exit := s.exits[pid]
		s.mu.Unlock()

		var w writer
		w.i32(exit)

		return ok(w.bytes())

	case opKill:
		pid := r.pid()

		s.mu.Lock()
		s.states[pid] = StateKilled
		s.mu.Unlock()

		return ok(nil)

	case opKillAll:
		name := r.str()

		s.mu.Lock()
		defer s.mu.Unlock()

		n := 0

		for pid, got := range s.names {
			if got == name {
				s.states[pid] = StateKilled
				n++
			}
		}

		var w writer
		w.u32(uint32(n))

		return ok(w.bytes())

	default:
		return fail("unknown opcode")
	}
}

func newTestClient() (*Client, *fakeSpawnd, func()) {
	a, b := rpc.NewLMPPair()
	spawnd := newFakeSpawnd()

	server := asyncchan.New(rpc.NewConn(b), spawnd.handle)
	client := NewClient(asyncchan.New(rpc.NewConn(a), nil))

	return client, spawnd, server.Close
}

func TestSpawnAndGetStatus(t *testing.T) {
	client, _, closeFn := newTestClient()
	defer closeFn()

	pid, err := client.SpawnWithCmdline("hello world", 0)
	if err != nil {
		t.Fatalf("SpawnWithCmdline: %v", err)
	}

	status, err := client.GetStatus(pid)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}

	if status.State != StateRunning {
		t.Fatalf("status.State: got %v, want %v", status.State, StateRunning)
	}
}

func TestGetNameAndGetPID(t *testing.T) {
	client, _, closeFn := newTestClient()
	defer closeFn()

	pid, err := client.SpawnWithCmdline("myproc", 0)
	if err != nil {
		t.Fatalf("SpawnWithCmdline: %v", err)
	}

	name, err := client.GetName(pid)
	if err != nil {
		t.Fatalf("GetName: %v", err)
	}

	if name != "myproc" {
		t.Fatalf("GetName: got %q, want %q", name, "myproc")
	}

	gotPID, err := client.GetPID("myproc")
	if err != nil {
		t.Fatalf("GetPID: %v", err)
	}

	if gotPID != pid {
		t.Fatalf("GetPID: got %d, want %d", gotPID, pid)
	}
}

func TestPauseResumeWaitKill(t *testing.T) {
	client, _, closeFn := newTestClient()
	defer closeFn()

	pid, err := client.SpawnWithCmdline("worker", 0)
	if err != nil {
		t.Fatalf("SpawnWithCmdline: %v", err)
	}

	if err := client.Pause(pid); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if err := client.Resume(pid); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	exit, err := client.Wait(pid)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if exit != 7 {
		t.Fatalf("Wait exit code: got %d, want 7", exit)
	}

	if err := client.Kill(pid); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

func TestGetStatusUnknownProcessFails(t *testing.T) {
	client, _, closeFn := newTestClient()
	defer closeFn()

	if _, err := client.GetStatus(999); err == nil {
		t.Fatalf("GetStatus(unknown pid): expected error")
	}
}

func TestKillAllMatchesByName(t *testing.T) {
	client, spawnd, closeFn := newTestClient()
	defer closeFn()

	for i := 0; i < 3; i++ {
		if _, err := client.SpawnWithCmdline("dup", 0); err != nil {
			t.Fatalf("SpawnWithCmdline: %v", err)
		}
	}

	n, err := client.KillAll("dup")
	if err != nil {
		t.Fatalf("KillAll: %v", err)
	}

	if n != 3 {
		t.Fatalf("KillAll count: got %d, want 3", n)
	}

	_ = spawnd
}
