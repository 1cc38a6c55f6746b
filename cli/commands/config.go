package commands

import (
	"maps"
	"slices"

	"miren.dev/workspace/pkg/serverconfig"
)

func ConfigShow(ctx *Context, opts struct {
	ConfigFile string `long:"config-file" description:"Path to the server configuration file"`
	EnvFile    string `long:"env-file" description:"Path to a .env file loaded before reading the environment"`
	Sources    bool   `long:"sources" description:"List where each non-default value came from"`
}) error {
	sc, err := serverconfig.Load(opts.ConfigFile, &serverconfig.CLIFlags{EnvFile: opts.EnvFile}, ctx.Log)
	if err != nil {
		return err
	}

	data, err := serverconfig.GenerateTOML(&sc.Config)
	if err != nil {
		return err
	}

	ctx.Printf("%s", data)

	if !opts.Sources {
		return nil
	}

	ctx.Printf("\n# Sources\n")
	for _, path := range slices.Sorted(maps.Keys(sc.Sources)) {
		if source := sc.Sources[path]; source != serverconfig.SourceDefault {
			ctx.Printf("# %s = %s\n", path, source)
		}
	}

	return nil
}
