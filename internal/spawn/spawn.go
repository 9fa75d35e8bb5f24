// Package spawn implements CS5: building a new domain's CSpace and VSpace from an ELF image,
// handing it an arguments page and a dispatcher, and tracking its lifecycle through the process
// manager's state machine. It is grounded on lib/spawn/spawn.c, with the CSpace layout reduced to
// the well-known slots spec.md §1's Non-goals leave in scope: device drivers, IRQ, bootinfo/module
// capabilities and the monitor endpoint have no home here because nothing in this substrate talks
// to a device, an interrupt controller, or a monitor process.
package spawn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/domainkit/substrate/internal/asyncchan"
	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/elfload"
	"github.com/domainkit/substrate/internal/kernel"
	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/mm"
	"github.com/domainkit/substrate/internal/rpc"
	"github.com/domainkit/substrate/internal/slotalloc"
	"github.com/domainkit/substrate/internal/vspace"
)

// PID names a spawned domain. Distinct from procmgr.PID: this is the server-side identifier a
// Spawner mints, procmgr.PID is the wire-level value a client observes — two Go types on either
// side of the RPC boundary, deliberately not shared (see DESIGN.md).
type PID uint32

// State is a spawn record's lifecycle state (spec.md §3, §4.J "State transitions").
type State uint8

const (
	StateSpawning State = iota
	StateReady
	StateRunning
	StateSuspended
	StateKilled
	StateTerminated
	StateCleanup
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateKilled:
		return "killed"
	case StateTerminated:
		return "terminated"
	case StateCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	ErrInvalidTransition = errors.New("spawn: invalid state transition")
	ErrAlreadyCleanedUp  = errors.New("spawn: record already cleaned up")
)

// earlyMemBytes is the size of the RAM donation a child gets to bootstrap its own allocator before
// its memory-server RPC is up (spec.md §4.J step 7: "~1 MiB").
const earlyMemBytes = 1 << 20

// dispatcherFrameBytes is the fixed size of a dispatcher's save-area frame.
const dispatcherFrameBytes = 4096

// Record is one spawned domain's CS5 bookkeeping (spec.md §3 "Spawn record").
type Record struct {
	Name    string
	Cmdline string
	PID     PID
	State   State

	ExitCode int32

	// Owned capabilities, copied into the child's own TASKCN at construction time.
	RootCNode  capref.Capref
	L0VNode    capref.Capref
	Dispatcher capref.Capref

	// Server is this domain's end of the bootstrap init channel: the process manager (or this
	// process, acting as one) answers the child's requests on it.
	Server *asyncchan.Channel

	// ChildInit is the client-side conn of that same channel — the simulation's stand-in for what
	// the child domain itself would hold and drive (there is no separate child process to hand it
	// to), exposed so tests can exercise the channel from both ends.
	ChildInit *rpc.Conn

	// Paging is foreign paging state: this domain's own slot/frame allocators wielded against the
	// child's page tables (paging_init_state_foreign, spec.md §4.J step 2).
	Paging *vspace.Space

	// EntryPoint and GOTAddr feed the dispatcher's saved register bank (spec.md §4.J step 5).
	EntryPoint uint64
	GOTAddr    uint64
	HasGOT     bool

	// ArgsPageVAddr is the child-side virtual address of the arguments page built in step 4.
	ArgsPageVAddr uint64

	earlyMemCap   capref.Capref
	dispFrameCap  capref.Capref
	argsFrameCap  capref.Capref
	selfEP        capref.Capref
	initEP        capref.Capref
}

// Spawner builds and tracks spawn Records. It holds the spawning domain's own kernel handle, slot
// allocator, and memory pools: every resource a child needs is first allocated into the spawning
// domain's own CSpace, then copied into the child's, exactly the way _setup_cspace and
// _setup_arguments stage resources before handing them off.
type Spawner struct {
	mu *sync.Mutex

	k      *kernel.Kernel
	slots  *slotalloc.Allocator
	ram    *mm.Manager // objKind == KindRAM, general donation pool (EARLYMEM)
	frames *mm.Manager // objKind == KindFrame, backs loaded segments/args/dispatcher
	self   *vspace.Space

	fs       afero.Fs
	pageSize uint64

	log *log.Logger

	nextPID uint32
	byPID   map[PID]*Record
}

// NewSpawner wires a Spawner against the spawning domain's own subsystems: mu is the shared
// recursive mutex already guarding ram/frames/self (spec.md §5), fs is where ELF images are read
// from (an afero.Fs so tests can use an in-memory filesystem instead of a real directory).
func NewSpawner(mu *sync.Mutex, k *kernel.Kernel, slots *slotalloc.Allocator, ram, frames *mm.Manager, self *vspace.Space, fs afero.Fs, pageSize uint64) *Spawner {
	return &Spawner{
		mu:       mu,
		k:        k,
		slots:    slots,
		ram:      ram,
		frames:   frames,
		self:     self,
		fs:       fs,
		pageSize: pageSize,
		log:      log.DefaultLogger(),
		byPID:    make(map[PID]*Record),
	}
}

// SpawnOptions configures one spawn (spec.md §4.J step 4, §4.K "spawn with caps/cmdline").
type SpawnOptions struct {
	Name      string
	Cmdline   string
	Argv      []string
	Core      uint8
	StdinCap  capref.Capref // optional; null means no STDIN frame
	StdoutCap capref.Capref // optional; null means no STDOUT frame
	ExtraCaps []capref.Capref

	// InitHandler answers requests the child sends on its bootstrap init channel (typically a
	// process-manager request dispatcher). A nil handler answers nothing, per asyncchan.New.
	InitHandler asyncchan.RequestHandler
}

// LoadAndSpawn runs the full CS5 sequence from spec.md §4.J: CSpace construction, VSpace
// construction, ELF load, arguments page, dispatcher, bootstrap endpoint, early memory donation,
// leaving the record in StateReady ("invoke the dispatcher with run=false").
func (s *Spawner) LoadAndSpawn(imagePath string, opts SpawnOptions) (*Record, error) {
	img, err := elfload.Load(s.fs, imagePath)
	if err != nil {
		return nil, fmt.Errorf("spawn: load elf: %w", err)
	}

	s.nextPID++
	rec := &Record{
		Name:    opts.Name,
		Cmdline: opts.Cmdline,
		PID:     PID(s.nextPID),
		State:   StateSpawning,
	}

	if err := s.buildCSpace(rec, opts); err != nil {
		return nil, fmt.Errorf("spawn: cspace: %w", err)
	}

	if err := s.buildVSpace(rec); err != nil {
		return nil, fmt.Errorf("spawn: vspace: %w", err)
	}

	if err := s.loadSegments(rec, img); err != nil {
		return nil, fmt.Errorf("spawn: load segments: %w", err)
	}

	rec.EntryPoint = img.Entry
	rec.GOTAddr = img.GOTAddr
	rec.HasGOT = img.HasGOT

	if err := s.buildArgsPage(rec, opts.Argv); err != nil {
		return nil, fmt.Errorf("spawn: args page: %w", err)
	}

	if err := s.buildDispatcher(rec, opts.Core); err != nil {
		return nil, fmt.Errorf("spawn: dispatcher: %w", err)
	}

	if err := s.buildBootstrapEndpoint(rec, opts); err != nil {
		return nil, fmt.Errorf("spawn: bootstrap endpoint: %w", err)
	}

	if err := s.donateEarlyMem(rec); err != nil {
		return nil, fmt.Errorf("spawn: early mem: %w", err)
	}

	rec.State = StateReady
	s.byPID[rec.PID] = rec

	return rec, nil
}

// Get returns the record for pid, if tracked.
func (s *Spawner) Get(pid PID) (*Record, bool) {
	r, ok := s.byPID[pid]
	return r, ok
}

// All returns every tracked PID.
func (s *Spawner) All() []PID {
	out := make([]PID, 0, len(s.byPID))
	for pid := range s.byPID {
		out = append(out, pid)
	}

	return out
}

func (s *Spawner) transition(rec *Record, allowed []State, next State) error {
	for _, want := range allowed {
		if rec.State == want {
			rec.State = next

			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, next)
}

// Start runs a ready domain (spawn_start / spec.md §4.J step 8).
func (s *Spawner) Start(rec *Record) error {
	return s.transition(rec, []State{StateReady}, StateRunning)
}

// Suspend pauses a running domain (spawn_suspend).
func (s *Spawner) Suspend(rec *Record) error {
	return s.transition(rec, []State{StateRunning}, StateSuspended)
}

// Resume resumes a suspended domain (spawn_resume). Only valid from suspended, per spec.md §4.J
// "Transitions guard against invalid source states (e.g., resume only from suspended)".
func (s *Spawner) Resume(rec *Record) error {
	return s.transition(rec, []State{StateSuspended}, StateRunning)
}

// Kill forcibly terminates a domain from any running-family state (spawn_kill).
func (s *Spawner) Kill(rec *Record) error {
	return s.transition(rec, []State{StateRunning, StateSuspended, StateReady}, StateKilled)
}

// Exit reports a domain's own termination with an exit status (spawn_exit).
func (s *Spawner) Exit(rec *Record, status int32) error {
	if err := s.transition(rec, []State{StateRunning}, StateTerminated); err != nil {
		return err
	}

	rec.ExitCode = status

	return nil
}

// Cleanup releases a terminated or killed domain's owned capabilities and tears down its server
// RPC (spawn_cleanup). Full CSpace reclamation is explicitly out of scope (spec.md §4.J
// "Cleanup"): only the capabilities this Spawner itself retyped are revoked.
func (s *Spawner) Cleanup(rec *Record) error {
	if rec.State == StateCleanup {
		return ErrAlreadyCleanedUp
	}

	if err := s.transition(rec, []State{StateKilled, StateTerminated}, StateCleanup); err != nil {
		return err
	}

	if rec.Server != nil {
		rec.Server.Close()
	}

	for _, cap := range []capref.Capref{rec.Dispatcher, rec.L0VNode, rec.RootCNode} {
		if cap.IsNull() {
			continue
		}

		if err := s.k.Revoke(cap); err != nil {
			s.log.Warn("spawn: cleanup: revoke failed", "cap", cap, "err", err)
		}
	}

	delete(s.byPID, rec.PID)

	return nil
}

// newLocalInitChannel builds an in-process LMP-backed init channel: a client-side rpc.Conn the
// child would use and a server-side asyncchan.Channel this domain listens on, the simulation's
// stand-in for the real bootstrap endpoint exchange of spec.md §4.J step 6 ("create a
// self-endpoint... and the server-side listening endpoint"). handler answers the child's
// process-manager requests.
func newLocalInitChannel(handler asyncchan.RequestHandler) (client *rpc.Conn, server *asyncchan.Channel) {
	a, b := rpc.NewLMPPair()

	return rpc.NewConn(a), asyncchan.New(rpc.NewConn(b), handler)
}
