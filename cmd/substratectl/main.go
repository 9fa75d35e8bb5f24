// substratectl is the command-line interface to the capability-OS substrate: it boots one
// spawning domain's kernel, memory, and paging state, then exposes spawn/ps/kill/wait against the
// process manager it builds.
package main

import (
	"context"
	"os"

	"github.com/spf13/afero"

	"github.com/domainkit/substrate/internal/boot"
	"github.com/domainkit/substrate/internal/cli"
	"github.com/domainkit/substrate/internal/cli/cmd"
)

func main() {
	substrate, err := boot.New(afero.NewOsFs())
	if err != nil {
		os.Stderr.WriteString("substratectl: boot failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	commands := []cli.Command{
		cmd.Spawner(substrate.Manager),
		cmd.Ps(substrate.Manager),
		cmd.Kill(substrate.Manager),
		cmd.Wait(substrate.Manager),
	}

	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
