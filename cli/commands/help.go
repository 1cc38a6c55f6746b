package commands

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mitchellh/cli"
)

// section is the placeholder command for a command group such as
// "session". Running it prints the group's subcommands.
type section struct {
	name string
	desc string
}

var _ cli.Command = (*section)(nil)

func Section(name, desc string) cli.Command {
	return &section{name: name, desc: desc}
}

func (s *section) Help() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Usage: workspace %s <subcommand> [options]\n\n%s\n", s.name, s.desc)

	subs := s.subcommands()
	if len(subs) == 0 {
		return sb.String()
	}

	width := 0
	for name := range subs {
		width = max(width, len(name))
	}

	sb.WriteString("\nSubcommands:\n")
	for _, name := range slices.Sorted(maps.Keys(subs)) {
		fmt.Fprintf(&sb, "    %-*s  %s\n", width, name, subs[name])
	}

	return sb.String()
}

// subcommands maps the direct children of the section to their synopsis.
func (s *section) subcommands() map[string]string {
	prefix := s.name + " "
	subs := make(map[string]string)

	for name, factory := range AllCommands() {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok || strings.Contains(rest, " ") {
			continue
		}

		cmd, err := factory()
		if err != nil {
			continue
		}

		subs[rest] = cmd.Synopsis()
	}

	return subs
}

func (s *section) Synopsis() string {
	return s.desc
}

func (s *section) Run(args []string) int {
	return cli.RunResultHelp
}
