// Package cli is the entry point of the workspace command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/cli"
	"miren.dev/workspace/cli/commands"
	"miren.dev/workspace/version"
)

func Run(args []string) int {
	cmds := commands.AllCommands()

	// Top-level help only lists groups; each group lists its own subcommands.
	var top []string
	for name := range cmds {
		if !strings.Contains(name, " ") {
			top = append(top, name)
		}
	}

	c := cli.NewCLI("workspace", version.GetInfo().Version)
	c.Commands = cmds
	c.Args = args[1:]
	c.HelpFunc = cli.FilteredHelpFunc(top, cli.BasicHelpFunc("workspace"))
	c.ErrorWriter = os.Stderr

	exitStatus, err := c.Run()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		return 1
	}

	return exitStatus
}
