package procmgr

import (
	"fmt"

	"github.com/domainkit/substrate/internal/argv"
	"github.com/domainkit/substrate/internal/asyncchan"
	"github.com/domainkit/substrate/internal/capref"
	"github.com/domainkit/substrate/internal/spawn"
)

// Manager is the server side of this package's wire protocol: it owns one internal/spawn.Spawner
// and answers every opcode a Client sends, bridging the wire-level PID/State this package defines
// to the server-side spawn.PID/spawn.State a Spawner tracks (see DESIGN.md on why the two are
// distinct types sharing ordinal values rather than one shared type). It plays the role
// process_server_init and its handle_* dispatch in init.c play for the real process manager.
type Manager struct {
	spawner *spawn.Spawner

	// core isn't tracked on a spawn.Record, so Manager keeps its own side table for GetStatus.
	core map[PID]uint8
}

// NewManager wires a Manager against an already-constructed Spawner — typically the one the
// calling domain built for itself, since this substrate has no separate process-manager process.
func NewManager(spawner *spawn.Spawner) *Manager {
	return &Manager{
		spawner: spawner,
		core:    make(map[PID]uint8),
	}
}

// Spawn loads imagePath and spawns it with opts, wiring the new domain's own init channel to this
// same Manager so its self-referential requests (Exit) resolve against the right record. It is
// the one entry point into this process tree that does not arrive over the wire — the substrate's
// own bootstrap code calls it directly to launch the first domains.
func (m *Manager) Spawn(imagePath string, opts spawn.SpawnOptions) (*spawn.Record, error) {
	self := new(PID)
	opts.InitHandler = func(req []byte) []byte { return m.handle(*self, req) }

	rec, err := m.spawner.LoadAndSpawn(imagePath, opts)
	if err != nil {
		return nil, err
	}

	*self = PID(rec.PID)
	m.core[*self] = opts.Core

	return rec, nil
}

// Handler returns the asyncchan.RequestHandler bound to pid's own identity, for the rare caller
// that builds its init channel some other way than Spawn.
func (m *Manager) Handler(pid PID) asyncchan.RequestHandler {
	return func(req []byte) []byte { return m.handle(pid, req) }
}

// Spawner returns the underlying spawn.Spawner, for a local caller (e.g. a CLI running as the
// spawning domain itself) that wants direct access instead of round-tripping through the wire
// protocol it would use from a different domain.
func (m *Manager) Spawner() *spawn.Spawner { return m.spawner }

// Core returns the core pid was spawned on, or 0 if pid is unknown.
func (m *Manager) Core(pid PID) uint8 { return m.core[pid] }

func tagOKResponse(body []byte) []byte { return append([]byte{tagOK}, body...) }

func tagErrResponse(msg string) []byte {
	var w writer

	w.str(msg)

	return append([]byte{tagErr}, w.bytes()...)
}

func (m *Manager) handle(self PID, req []byte) []byte {
	if len(req) < 1 {
		return tagErrResponse("empty request")
	}

	op := opcode(req[0])
	r := newReader(req[1:])

	switch op {
	case opSpawnWithCmdline:
		cmdline := r.str()
		core := r.u8()

		pid, err := m.spawnCmdline(cmdline, core, nil)
		if err != nil {
			return tagErrResponse(err.Error())
		}

		var w writer

		w.u32(uint32(pid))

		return tagOKResponse(w.bytes())

	case opSpawnWithCaps:
		argvSlice := r.strs()
		core := r.u8()
		n := r.u32()
		caps := make([]capref.Capref, n)

		for i := range caps {
			root := r.u64()
			cnode := r.u64()
			slot := r.u32()
			level := r.u8()
			caps[i] = capref.Capref{Root: capref.Addr(root), CNode: capref.Addr(cnode), Slot: slot, Level: capref.Level(level)}
		}

		pid, err := m.spawnArgv(argvSlice, core, caps)
		if err != nil {
			return tagErrResponse(err.Error())
		}

		var w writer

		w.u32(uint32(pid))

		return tagOKResponse(w.bytes())

	case opGetAllPIDs:
		pids := m.spawner.All()

		var w writer

		w.u32(uint32(len(pids)))

		for _, pid := range pids {
			w.u32(uint32(pid))
		}

		return tagOKResponse(w.bytes())

	case opGetStatus:
		pid := r.pid()

		rec, ok := m.spawner.Get(spawn.PID(pid))
		if !ok {
			return tagErrResponse("unknown process")
		}

		var w writer

		w.u8(m.core[pid])
		w.u8(uint8(rec.State))
		w.i32(rec.ExitCode)

		return tagOKResponse(w.bytes())

	case opGetName:
		pid := r.pid()

		rec, ok := m.spawner.Get(spawn.PID(pid))
		if !ok {
			return tagErrResponse("unknown process")
		}

		var w writer

		w.str(rec.Name)

		return tagOKResponse(w.bytes())

	case opGetPID:
		name := r.str()

		for _, pid := range m.spawner.All() {
			rec, ok := m.spawner.Get(pid)
			if ok && rec.Name == name {
				var w writer

				w.u32(uint32(pid))

				return tagOKResponse(w.bytes())
			}
		}

		return tagErrResponse("unknown process")

	case opPause:
		pid := r.pid()

		rec, ok := m.spawner.Get(spawn.PID(pid))
		if !ok {
			return tagErrResponse("unknown process")
		}

		if err := m.spawner.Suspend(rec); err != nil {
			return tagErrResponse(err.Error())
		}

		return tagOKResponse(nil)

	case opResume:
		pid := r.pid()

		rec, ok := m.spawner.Get(spawn.PID(pid))
		if !ok {
			return tagErrResponse("unknown process")
		}

		if err := m.spawner.Resume(rec); err != nil {
			return tagErrResponse(err.Error())
		}

		return tagOKResponse(nil)

	case opExit:
		status := r.i32()

		rec, ok := m.spawner.Get(spawn.PID(self))
		if !ok {
			return tagErrResponse("unknown process")
		}

		if err := m.spawner.Exit(rec, status); err != nil {
			return tagErrResponse(err.Error())
		}

		return tagOKResponse(nil)

	case opWait:
		pid := r.pid()

		rec, ok := m.spawner.Get(spawn.PID(pid))
		if !ok {
			return tagErrResponse("unknown process")
		}

		var w writer

		w.i32(rec.ExitCode)

		return tagOKResponse(w.bytes())

	case opKill:
		pid := r.pid()

		rec, ok := m.spawner.Get(spawn.PID(pid))
		if !ok {
			return tagErrResponse("unknown process")
		}

		if err := m.spawner.Kill(rec); err != nil {
			return tagErrResponse(err.Error())
		}

		return tagOKResponse(nil)

	case opKillAll:
		name := r.str()

		n := 0

		for _, pid := range m.spawner.All() {
			rec, ok := m.spawner.Get(pid)
			if !ok || rec.Name != name {
				continue
			}

			if err := m.spawner.Kill(rec); err == nil {
				n++
			}
		}

		var w writer

		w.u32(uint32(n))

		return tagOKResponse(w.bytes())

	default:
		return tagErrResponse("unknown opcode")
	}
}

// spawnCmdline tokenizes cmdline per internal/argv's quoting rules and treats the first token as
// the image path, mirroring process_spawn_with_cmdline's use of make_argv in proc_mgmt.c.
func (m *Manager) spawnCmdline(cmdline string, core uint8, caps []capref.Capref) (PID, error) {
	return m.spawnArgv(argv.ToArgv(cmdline), core, caps)
}

func (m *Manager) spawnArgv(args []string, core uint8, caps []capref.Capref) (PID, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("procmgr: empty argv")
	}

	rec, err := m.Spawn(args[0], spawn.SpawnOptions{
		Name:      args[0],
		Cmdline:   argv.ToCmdline(args),
		Argv:      args,
		Core:      core,
		ExtraCaps: caps,
	})
	if err != nil {
		return 0, err
	}

	if err := m.spawner.Start(rec); err != nil {
		return 0, err
	}

	return PID(rec.PID), nil
}
