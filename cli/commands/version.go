package commands

import (
	"runtime/debug"

	"miren.dev/workspace/version"
)

func Version(ctx *Context, opts struct {
	Deps bool `long:"deps" description:"Show dependencies"`
	JSON bool `long:"json" description:"Print version information as JSON"`
}) error {
	bi, ok := debug.ReadBuildInfo()
	if ok {
		ctx.Log.Info("go build info",
			"main", bi.Main.Path,
			"version", bi.Main.Version,
			"go", bi.GoVersion,
		)

		for _, setting := range bi.Settings {
			ctx.Log.Debug("build setting", "key", setting.Key, "value", setting.Value)
		}

		if opts.Deps {
			for _, dep := range bi.Deps {
				ctx.Printf("%s (%s)\n", dep.Path, dep.Version)
			}

			return nil
		}
	}

	info := version.GetInfo()

	if opts.JSON {
		data, err := info.JSON()
		if err != nil {
			return err
		}
		ctx.Printf("%s\n", data)
		return nil
	}

	ctx.Printf("%s\n", info)
	return nil
}
