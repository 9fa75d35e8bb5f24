package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/domainkit/substrate/internal/cli"
	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/procmgr"
	"github.com/domainkit/substrate/internal/spawn"
)

// Kill forcibly terminates a domain by PID.
func Kill(mgr *procmgr.Manager) cli.Command {
	return &kill{mgr: mgr}
}

type kill struct {
	mgr *procmgr.Manager
}

func (kill) Description() string {
	return "kill a domain"
}

func (kill) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `kill pid

Forcibly terminates the domain named by pid.`)

	return err
}

func (kill) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("kill", flag.ExitOnError)
}

func (k *kill) Run(_ context.Context, args []string, _ io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("kill: missing pid")
		return 1
	}

	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		logger.Error("kill: bad pid", "pid", args[0], "err", err)
		return 1
	}

	spawner := k.mgr.Spawner()

	rec, ok := spawner.Get(spawn.PID(n))
	if !ok {
		logger.Error("kill: unknown pid", "pid", n)
		return 1
	}

	if err := spawner.Kill(rec); err != nil {
		logger.Error("kill: failed", "pid", n, "err", err)
		return 1
	}

	return 0
}
