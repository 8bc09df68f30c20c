package main

import (
	"context"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/casm-lang/libcjel-rt/compiler"
	"github.com/casm-lang/libcjel-rt/compiler/format"
	"github.com/casm-lang/libcjel-rt/compiler/scenario"
)

func main() {
	runCmd := &cli.Command{
		Name:        "run",
		Description: "execute scenarios and compare results",
		Action:      runAct,
		Args:        cli.Args{},
	}

	listingCmd := &cli.Command{
		Name:        "listing",
		Description: "print generated code for scenarios",
		Action:      listingAct,
		Args:        cli.Args{},
	}

	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "print scenario ir",
		Action:      dumpAct,
		Args:        cli.Args{},
	}

	app := &cli.Command{
		Name:        "cjel",
		Description: "cjel lowers ir to machine code and executes it",
		Commands: []*cli.Command{
			runCmd,
			listingCmd,
			dumpCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	failed := 0

	for _, a := range c.Args {
		r, err := compiler.RunFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "run %v", a)
		}

		fmt.Printf("%s\n", r.AppendTo(nil))

		if !r.OK() {
			failed++
		}
	}

	if failed != 0 {
		return errors.New("%d of %d scenarios failed", failed, len(c.Args))
	}

	return nil
}

func listingAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		r, err := compiler.RunFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "run %v", a)
		}

		if r.Unsupported != "" {
			fmt.Printf("// %v: unsupported %v\n", r.Name, r.Unsupported)
			continue
		}

		fmt.Printf("// %v\n%s", r.Name, r.Listing)
	}

	return nil
}

func dumpAct(c *cli.Command) (err error) {
	for _, a := range c.Args {
		s, err := scenario.Load(a)
		if err != nil {
			return errors.Wrap(err, "load %v", a)
		}

		prog, err := s.Build()
		if err != nil {
			return errors.Wrap(err, "build %v", a)
		}

		var b []byte

		for _, f := range prog.Intrinsics {
			b = format.Format(b, prog.Package, f)
		}

		b = append(b, "execute "...)
		b = format.Value(b, prog.Package, prog.Execute)
		b = append(b, '\n')

		fmt.Printf("// %v\n%s", s.Name, b)
	}

	return nil
}
