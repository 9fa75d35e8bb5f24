// Package procmgr implements §4.K: a thin RPC veneer over one internal/asyncchan.Channel exposing
// spawn/list/status/name/lookup/pause/resume/exit/wait/kill/kill-all, grounded on
// aos_rpc_proc_spawn_with_cmdline and its siblings in aos_rpc.c. Each call here marshals a request
// opcode and payload, sends it as an asyncchan request, and validates the response tag before
// unpacking the reply fields — the same shape the original gives every aos_rpc_proc_* wrapper.
package procmgr

import (
	"errors"
	"fmt"

	"github.com/domainkit/substrate/internal/asyncchan"
	"github.com/domainkit/substrate/internal/capref"
)

// PID names a spawned domain (domainid_t in the original).
type PID uint32

// State is a spawn record's lifecycle state (spec.md §3 "Spawn record").
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

// Sentinel errors, matching spec.md §7's "invalid-spawnd"/"spawnd-request" error family.
var (
	ErrInvalidSpawnd  = errors.New("procmgr: invalid spawnd response")
	ErrSpawndRequest  = errors.New("procmgr: spawnd rejected request")
	ErrUnknownProcess = errors.New("procmgr: unknown process")
)

type opcode uint8

const (
	opSpawnWithCmdline opcode = iota
	opSpawnWithCaps
	opGetAllPIDs
	opGetStatus
	opGetName
	opGetPID
	opPause
	opResume
	opExit
	opWait
	opKill
	opKillAll
)

const (
	tagOK  = uint8(0)
	tagErr = uint8(1)
)

// Client is a process-manager RPC client bound to one multiplexed channel (typically the init
// channel every domain holds from spawn time).
type Client struct {
	ch *asyncchan.Channel
}

// NewClient wraps an already-constructed asyncchan.Channel (spec.md §6: the init RPC channel).
func NewClient(ch *asyncchan.Channel) *Client {
	return &Client{ch: ch}
}

func (c *Client) call(op opcode, payload []byte) (*reader, error) {
	req := append([]byte{byte(op)}, payload...)

	resp, err := c.ch.Request(req)
	if err != nil {
		return nil, fmt.Errorf("procmgr: request: %w", err)
	}

	if len(resp) < 1 {
		return nil, ErrInvalidSpawnd
	}

	tag, body := resp[0], resp[1:]
	r := newReader(body)

	if tag == tagErr {
		return nil, fmt.Errorf("%w: %s", ErrSpawndRequest, r.str())
	}

	if tag != tagOK {
		return nil, ErrInvalidSpawnd
	}

	return r, nil
}

// SpawnWithCmdline asks the process manager to tokenize and spawn cmdline on the given core.
func (c *Client) SpawnWithCmdline(cmdline string, core uint8) (PID, error) {
	var w writer

	w.str(cmdline)
	w.u8(core)

	r, err := c.call(opSpawnWithCmdline, w.bytes())
	if err != nil {
		return 0, err
	}

	return r.pid(), nil
}

// SpawnWithCaps spawns argv on core, handing the child the given capabilities (e.g. stdin/stdout
// frames) in addition to its default TASKCN contents.
func (c *Client) SpawnWithCaps(argv []string, core uint8, caps []capref.Capref) (PID, error) {
	var w writer

	w.strs(argv)
	w.u8(core)
	w.u32(uint32(len(caps)))

	for _, cap := range caps {
		w.u64(uint64(cap.Root))
		w.u64(uint64(cap.CNode))
		w.u32(cap.Slot)
		w.u8(uint8(cap.Level))
	}

	r, err := c.call(opSpawnWithCaps, w.bytes())
	if err != nil {
		return 0, err
	}

	return r.pid(), nil
}

// GetAllPIDs lists every process the manager currently tracks.
func (c *Client) GetAllPIDs() ([]PID, error) {
	r, err := c.call(opGetAllPIDs, nil)
	if err != nil {
		return nil, err
	}

	n := r.u32()
	out := make([]PID, n)

	for i := range out {
		out[i] = r.pid()
	}

	return out, nil
}

// Status is the reply to GetStatus.
type Status struct {
	Core     uint8
	State    State
	ExitCode int32
}

// GetStatus returns the core, lifecycle state, and exit code (valid once terminated) of pid.
func (c *Client) GetStatus(pid PID) (Status, error) {
	var w writer

	w.u32(uint32(pid))

	r, err := c.call(opGetStatus, w.bytes())
	if err != nil {
		return Status{}, err
	}

	return Status{Core: r.u8(), State: State(r.u8()), ExitCode: r.i32()}, nil
}

// GetName returns the debug name pid was spawned with.
func (c *Client) GetName(pid PID) (string, error) {
	var w writer

	w.u32(uint32(pid))

	r, err := c.call(opGetName, w.bytes())
	if err != nil {
		return "", err
	}

	return r.str(), nil
}

// GetPID looks up a process by its debug name.
func (c *Client) GetPID(name string) (PID, error) {
	var w writer

	w.str(name)

	r, err := c.call(opGetPID, w.bytes())
	if err != nil {
		return 0, err
	}

	return r.pid(), nil
}

// Pause suspends a running process.
func (c *Client) Pause(pid PID) error {
	var w writer

	w.u32(uint32(pid))
	_, err := c.call(opPause, w.bytes())

	return err
}

// Resume resumes a suspended process.
func (c *Client) Resume(pid PID) error {
	var w writer

	w.u32(uint32(pid))
	_, err := c.call(opResume, w.bytes())

	return err
}

// Exit reports this domain's own termination with status, transitioning it to terminated.
func (c *Client) Exit(status int32) error {
	var w writer

	w.i32(status)
	_, err := c.call(opExit, w.bytes())

	return err
}

// Wait returns the exit code the manager currently records for pid. It does not block until the
// domain terminates: for a domain that is still running, the recorded exit code is returned as is.
func (c *Client) Wait(pid PID) (int32, error) {
	var w writer

	w.u32(uint32(pid))

	r, err := c.call(opWait, w.bytes())
	if err != nil {
		return 0, err
	}

	return r.i32(), nil
}

// Kill forcibly terminates pid.
func (c *Client) Kill(pid PID) error {
	var w writer

	w.u32(uint32(pid))
	_, err := c.call(opKill, w.bytes())

	return err
}

// KillAll kills every process whose debug name matches name.
func (c *Client) KillAll(name string) (int, error) {
	var w writer

	w.str(name)

	r, err := c.call(opKillAll, w.bytes())
	if err != nil {
		return 0, err
	}

	return int(r.u32()), nil
}
