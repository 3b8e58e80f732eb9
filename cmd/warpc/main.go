package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler"
	"github.com/warpc/warp/src/compiler/mir"
	"github.com/warpc/warp/src/compiler/parse"
	"github.com/warpc/warp/src/compiler/sched"
	"github.com/warpc/warp/src/compiler/target"
)

func main() {
	parseCmd := &cli.Command{
		Name:   "parse",
		Action: parseAct,
		Args:   cli.Args{},
	}

	schedCmd := &cli.Command{
		Name:   "sched",
		Action: schedAct,
		Args:   cli.Args{},
	}

	compileCmd := &cli.Command{
		Name:   "compile",
		Action: compileAct,
		Args:   cli.Args{},
	}

	app := &cli.Command{
		Name:        "warpc",
		Description: "warpc is a shader backend compiler. An argument ending in .yaml selects the hardware target, the rest are sources",
		Commands: []*cli.Command{
			parseCmd,
			schedCmd,
			compileCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func parseAct(c *cli.Command) (err error) {
	for _, a := range c.Args {
		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		p, err := parse.Parse(text)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		fmt.Printf("program: stage %v, %v blocks, %v temps\n", p.Stage, len(p.Blocks), p.TempCount)
	}

	return nil
}

func schedAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	tgt, err := target.Preset("g52")
	if err != nil {
		return err
	}

	for _, a := range c.Args {
		if strings.HasSuffix(a, ".yaml") {
			tgt, err = target.LoadFile(a)
			if err != nil {
				return errors.Wrap(err, "target %v", a)
			}

			continue
		}

		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		p, err := parse.Parse(text)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		err = sched.Schedule(ctx, p, tgt)
		if err != nil {
			return errors.Wrap(err, "schedule %v", a)
		}

		for _, b := range p.Blocks {
			fmt.Printf("block %v  %v bundles  %v quadwords\n", b.ID, len(b.Bundles), b.QuadwordCount)

			for i, bd := range b.Bundles {
				fmt.Printf("  bundle %v  %v  %v quadwords\n", i, bd.Tag, bd.Quadwords)

				for _, q := range bd.Instructions {
					if bd.Tag == mir.TagALU {
						fmt.Printf("    %-6v %v = %v %v %v %v  mask %#x\n", q.Unit, q.Dest, q.Op.Name(), q.Src[0], q.Src[1], q.Src[2], q.Mask)
					} else {
						fmt.Printf("    %v = %v %v %v %v  mask %#x\n", q.Dest, q.Op.Name(), q.Src[0], q.Src[1], q.Src[2], q.Mask)
					}
				}
			}
		}
	}

	return nil
}

func compileAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	tgt, err := target.Preset("g52")
	if err != nil {
		return err
	}

	for _, a := range c.Args {
		if strings.HasSuffix(a, ".yaml") {
			tgt, err = target.LoadFile(a)
			if err != nil {
				return errors.Wrap(err, "target %v", a)
			}

			continue
		}

		obj, err := compiler.CompileFile(ctx, a, tgt)
		if err != nil {
			return errors.Wrap(err, "compile %v", a)
		}

		err = os.WriteFile(a+".bin", obj, 0o644)
		if err != nil {
			return errors.Wrap(err, "write %v.bin", a)
		}
	}

	return nil
}
