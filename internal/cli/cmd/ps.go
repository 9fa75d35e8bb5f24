package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/domainkit/substrate/internal/cli"
	"github.com/domainkit/substrate/internal/log"
	"github.com/domainkit/substrate/internal/procmgr"
)

// Ps lists every domain the process manager currently tracks.
func Ps(mgr *procmgr.Manager) cli.Command {
	return &ps{mgr: mgr}
}

type ps struct {
	mgr *procmgr.Manager
}

func (ps) Description() string {
	return "list domains"
}

func (ps) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `ps

Lists every domain the process manager tracks, with its core, state, and exit code.`)

	return err
}

func (ps) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("ps", flag.ExitOnError)
}

func (p *ps) Run(_ context.Context, _ []string, out io.Writer, _ *log.Logger) int {
	spawner := p.mgr.Spawner()
	pids := spawner.All()

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	fmt.Fprintf(out, "%-8s %-8s %-20s %-12s %s\n", "PID", "CORE", "NAME", "STATE", "EXIT")

	for _, pid := range pids {
		rec, ok := spawner.Get(pid)
		if !ok {
			continue
		}

		fmt.Fprintf(out, "%-8d %-8d %-20s %-12s %d\n",
			rec.PID, p.mgr.Core(procmgr.PID(rec.PID)), rec.Name, rec.State, rec.ExitCode)
	}

	return 0
}
