package commands

import (
	"github.com/mitchellh/cli"
)

func AllCommands() map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"version": func() (cli.Command, error) {
			return Infer("version", "Print the version", Version), nil
		},

		"server": func() (cli.Command, error) {
			return Infer("server", "Run the session supervisor server", Server), nil
		},

		"session": func() (cli.Command, error) {
			return Section("session", "Commands for inspecting and managing sessions"), nil
		},
		"session destroy": func() (cli.Command, error) {
			return Infer("session destroy", "Force destroy a session by actor id", SessionDestroy), nil
		},
		"session debug": func() (cli.Command, error) {
			return Infer("session debug", "Show the supervisor state of a session", SessionDebug), nil
		},
		"session record": func() (cli.Command, error) {
			return Infer("session record", "Show the registry record of a session", SessionRecord), nil
		},

		"config": func() (cli.Command, error) {
			return Section("config", "Commands related to server configuration"), nil
		},
		"config show": func() (cli.Command, error) {
			return Infer("config show", "Show the effective server configuration", ConfigShow), nil
		},
	}
}
