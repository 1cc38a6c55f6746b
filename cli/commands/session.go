package commands

import (
	"net/url"

	"gopkg.in/yaml.v3"
	"miren.dev/workspace/registry"
	"miren.dev/workspace/supervisor"
)

func SessionDestroy(ctx *Context, opts struct {
	ID      string `position:"0" required:"true"`
	Details string `long:"details" description:"Free-form note recorded with the shutdown" default:"cli force destroy"`
}) error {
	path := "/admin/actors/" + url.PathEscape(opts.ID) + "/destroy?details=" + url.QueryEscape(opts.Details)

	if err := ctx.callAPI("POST", path, true, nil); err != nil {
		return err
	}

	ctx.Printf("destroyed %s\n", opts.ID)
	return nil
}

func SessionDebug(ctx *Context, opts struct {
	Name string `position:"0" required:"true"`
}) error {
	var snap supervisor.Snapshot
	if err := ctx.callAPI("GET", "/sessions/"+url.PathEscape(opts.Name)+"/debug", false, &snap); err != nil {
		return err
	}

	return printYAML(ctx, snap)
}

func SessionRecord(ctx *Context, opts struct {
	ID string `position:"0" required:"true"`
}) error {
	var rec registry.Session
	if err := ctx.callAPI("GET", "/admin/registry/"+url.PathEscape(opts.ID), true, &rec); err != nil {
		return err
	}

	return printYAML(ctx, rec)
}

func printYAML(ctx *Context, v any) error {
	enc := yaml.NewEncoder(ctx.Stdout)
	enc.SetIndent(2)

	if err := enc.Encode(v); err != nil {
		return err
	}

	return enc.Close()
}
