package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/domainkit/substrate/internal/cli"
	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/procmgr"
	"github.com/domainkit/substrate/internal/spawn"
)

var errNotTerminated = errors.New("cmd: domain has not terminated")

// Wait reports a domain's exit code, once it has terminated. It does not block: for a domain that
// is not yet terminated or killed it logs an error and returns exit status 1.
func Wait(mgr *procmgr.Manager) cli.Command {
	return &wait{mgr: mgr}
}

type wait struct {
	mgr *procmgr.Manager
}

func (wait) Description() string {
	return "report a domain's exit code"
}

func (wait) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `wait pid

Reports the exit code of the terminated domain named by pid.`)

	return err
}

func (wait) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("wait", flag.ExitOnError)
}

func (w *wait) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("wait: missing pid")
		return 1
	}

	n, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		logger.Error("wait: bad pid", "pid", args[0], "err", err)
		return 1
	}

	spawner := w.mgr.Spawner()

	rec, ok := spawner.Get(spawn.PID(n))
	if !ok {
		logger.Error("wait: unknown pid", "pid", n)
		return 1
	}

	if rec.State != spawn.StateTerminated && rec.State != spawn.StateKilled {
		logger.Error("wait: not terminated", "pid", n, "state", rec.State, "err", errNotTerminated)
		return 1
	}

	fmt.Fprintf(out, "%d\n", rec.ExitCode)

	return 0
}
