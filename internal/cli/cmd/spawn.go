package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/domainkit/substrate/internal/argv"
	"github.com/domainkit/substrate/internal/cli"
	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/procmgr"
	"github.com/domainkit/substrate/internal/spawn"
)

// Spawner loads an ELF image and starts it as a new domain, the CLI's analogue of the teacher's
// exec command generalized from "run an LC-3 executable" to "spawn a domain" (spec.md §4.J/§4.K).
func Spawner(mgr *procmgr.Manager) cli.Command {
	return &spawner{mgr: mgr}
}

type spawner struct {
	mgr  *procmgr.Manager
	core uint
}

func (spawner) Description() string {
	return "spawn a domain from an ELF image"
}

func (spawner) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `spawn [ -core N ] image [ arg ]...

Loads image as a new domain and runs it.`)

	return err
}

func (s *spawner) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("spawn", flag.ExitOnError)
	fs.UintVar(&s.core, "core", 0, "core to spawn the domain on")

	return fs
}

func (s *spawner) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("spawn: missing image path")
		return 1
	}

	rec, err := s.mgr.Spawn(args[0], spawn.SpawnOptions{
		Name:    args[0],
		Cmdline: argv.ToCmdline(args),
		Argv:    args,
		Core:    uint8(s.core),
	})
	if err != nil {
		logger.Error("spawn: failed", "image", args[0], "err", err)
		return 1
	}

	if err := s.mgr.Spawner().Start(rec); err != nil {
		logger.Error("spawn: start failed", "pid", rec.PID, "err", err)
		return 1
	}

	fmt.Fprintf(out, "%d\n", rec.PID)

	return 0
}
