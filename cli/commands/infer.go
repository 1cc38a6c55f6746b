package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/cli"
	"github.com/spf13/pflag"
)

// Cmd wraps a command function with pflag parsing
type Cmd struct {
	syn, name string
	f         reflect.Value

	opts   reflect.Value
	global *GlobalFlags
	fs     *pflag.FlagSet
}

var _ cli.Command = (*Cmd)(nil)

// Infer creates a command from a function with the signature:
// func(ctx *Context, opts StructType) error
//
// Fields of the options struct become flags through their long, short,
// description, default and env tags. Fields tagged position:"N" receive the
// Nth positional argument, and a SetFlags map[string]bool field receives
// the names of the flags given on the command line.
func Infer(name, syn string, f interface{}) *Cmd {
	rv := reflect.ValueOf(f)

	if rv.Kind() != reflect.Func {
		panic("must pass a function")
	}

	rt := rv.Type()

	if rt.NumIn() != 2 {
		panic("must provide two arguments only")
	}

	if rt.NumOut() != 1 {
		panic("must return one argument only")
	}

	if rt.In(0) != reflect.TypeFor[*Context]() {
		panic("first argument must be *Context")
	}

	in := rt.In(1)

	if in.Kind() != reflect.Struct {
		panic("argument must be a struct")
	}

	sv := reflect.New(in)

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})

	var globalFlags GlobalFlags

	if err := bindFlags(fs, reflect.ValueOf(&globalFlags).Elem()); err != nil {
		panic(fmt.Sprintf("error parsing global flags: %v", err))
	}

	if err := bindFlags(fs, sv.Elem()); err != nil {
		panic(fmt.Sprintf("error parsing command options: %v", err))
	}

	return &Cmd{
		syn:    syn,
		name:   name,
		f:      rv,
		global: &globalFlags,
		opts:   sv,
		fs:     fs,
	}
}

func bindFlags(fs *pflag.FlagSet, rv reflect.Value) error {
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		ft := rt.Field(i)

		long := ft.Tag.Get("long")
		if long == "" {
			continue
		}

		short := ft.Tag.Get("short")
		desc := ft.Tag.Get("description")

		def := ft.Tag.Get("default")
		if env := ft.Tag.Get("env"); env != "" {
			if val := os.Getenv(env); val != "" {
				def = val
			}
			desc += fmt.Sprintf(" [$%s]", env)
		}

		switch p := rv.Field(i).Addr().Interface().(type) {
		case *string:
			fs.StringVarP(p, long, short, def, desc)
		case *bool:
			fs.BoolVarP(p, long, short, def == "true", desc)
		case *int:
			if ft.Tag.Get("count") == "true" {
				fs.CountVarP(p, long, short, desc)
				continue
			}

			n := 0
			if def != "" {
				var err error
				if n, err = strconv.Atoi(def); err != nil {
					return fmt.Errorf("invalid default for --%s: %w", long, err)
				}
			}
			fs.IntVarP(p, long, short, n, desc)
		case *time.Duration:
			var d time.Duration
			if def != "" {
				var err error
				if d, err = time.ParseDuration(def); err != nil {
					return fmt.Errorf("invalid default for --%s: %w", long, err)
				}
			}
			fs.DurationVarP(p, long, short, d, desc)
		case *[]string:
			var vals []string
			if def != "" {
				vals = strings.Split(def, ",")
			}
			fs.StringSliceVarP(p, long, short, vals, desc)
		default:
			return fmt.Errorf("unsupported type %s for --%s", ft.Type, long)
		}
	}

	return nil
}

// assignArgs fills position-tagged fields and SetFlags after parsing.
func (w *Cmd) assignArgs() error {
	rv := w.opts.Elem()
	rt := rv.Type()
	args := w.fs.Args()

	for i := 0; i < rt.NumField(); i++ {
		ft := rt.Field(i)

		if ft.Name == "SetFlags" && ft.Type == reflect.TypeFor[map[string]bool]() {
			set := make(map[string]bool)
			w.fs.Visit(func(f *pflag.Flag) {
				set[f.Name] = true
			})
			rv.Field(i).Set(reflect.ValueOf(set))
			continue
		}

		pos := ft.Tag.Get("position")
		if pos == "" {
			continue
		}

		idx, err := strconv.Atoi(pos)
		if err != nil {
			return fmt.Errorf("bad position tag on %s: %w", ft.Name, err)
		}

		if idx >= len(args) {
			if ft.Tag.Get("required") == "true" {
				return fmt.Errorf("missing argument: %s", strings.ToLower(ft.Name))
			}
			continue
		}

		if ft.Type.Kind() != reflect.String {
			return fmt.Errorf("positional field %s must be a string", ft.Name)
		}

		rv.Field(i).SetString(args[idx])
	}

	return nil
}

// Help returns help text for the command
func (w *Cmd) Help() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Usage: workspace %s [options]\n\n", w.name)
	fmt.Fprintf(&buf, "%s\n\n", w.syn)
	fmt.Fprintf(&buf, "Options:\n")
	buf.WriteString(w.fs.FlagUsages())
	return buf.String()
}

// Synopsis returns a short description
func (w *Cmd) Synopsis() string {
	return w.syn
}

type OptsValidate interface {
	Validate(glbl *GlobalFlags) error
}

// Run implements cli.Command
func (w *Cmd) Run(args []string) int {
	err := w.Invoke(args...)
	if err == nil {
		return 0
	}

	var code ErrExitCode
	switch {
	case errors.As(err, &code):
		return int(code)
	case errors.Is(err, pflag.ErrHelp):
		return cli.RunResultHelp
	case errors.Is(err, context.Canceled):
		return 0
	}

	fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
	return 1
}

func (w *Cmd) Invoke(args ...string) error {
	if err := w.fs.Parse(args); err != nil {
		return err
	}

	if err := w.assignArgs(); err != nil {
		return err
	}

	if ov, ok := w.opts.Interface().(OptsValidate); ok {
		if err := ov.Validate(w.global); err != nil {
			return fmt.Errorf("error validating options: %w", err)
		}
	}

	ctx := setup(context.Background(), w.global)
	defer ctx.Close()

	rets := w.f.Call([]reflect.Value{reflect.ValueOf(ctx), w.opts.Elem()})

	if err, ok := rets[0].Interface().(error); ok {
		if err != nil {
			return err
		}
	}

	return nil
}

type ErrExitCode int

func (e ErrExitCode) Error() string {
	return fmt.Sprintf("exit code %d", e)
}

type CommandOutput struct {
	Stderr bytes.Buffer
	Stdout bytes.Buffer
}

// RunCommand runs f as a command with output captured, for tests.
func RunCommand(f any, args ...string) (*CommandOutput, error) {
	cmd := Infer("test command", "A command being tested", f)

	var out CommandOutput

	err := cmd.fs.Parse(args)
	if err != nil {
		out.Stderr.WriteString(err.Error())
		return &out, err
	}

	if err := cmd.assignArgs(); err != nil {
		return &out, err
	}

	ctx := setup(context.Background(), cmd.global)
	defer ctx.Close()

	ctx.Stdout = &out.Stdout
	ctx.Stderr = &out.Stderr

	rets := cmd.f.Call([]reflect.Value{reflect.ValueOf(ctx), cmd.opts.Elem()})

	if err, ok := rets[0].Interface().(error); ok {
		if err != nil {
			return &out, err
		}
	}

	return &out, nil
}
