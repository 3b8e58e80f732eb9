package compiler

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler/encode"
	"github.com/warpc/warp/src/compiler/layout"
	"github.com/warpc/warp/src/compiler/mir"
	"github.com/warpc/warp/src/compiler/parse"
	"github.com/warpc/warp/src/compiler/ra"
	"github.com/warpc/warp/src/compiler/sched"
	"github.com/warpc/warp/src/compiler/target"
)

// LimitError reports a hardware resource limit exceeded by an otherwise
// valid shader. The caller may degrade and retry with a different variant;
// the compiler will not.
type LimitError struct {
	What      string
	Used, Max int
}

func (e LimitError) Error() string {
	return fmt.Sprintf("%v limit exceeded: %v of %v", e.What, e.Used, e.Max)
}

func CompileFile(ctx context.Context, name string, tgt *target.Target) (obj []byte, err error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	tlog.SpanFromContext(ctx).Printw("read file", "size", len(text), "name", name)

	p, err := parse.Parse(text)
	if err != nil {
		return nil, errors.Wrap(err, "parse mir")
	}

	return Compile(ctx, p, tgt)
}

// Compile runs the backend pipeline over one program: schedule, the
// allocate/spill loop, register install, clause layout, and serialization.
func Compile(ctx context.Context, p *mir.Program, tgt *target.Target) (obj []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "blocks", len(p.Blocks), "temps", p.TempCount)
	defer tr.Finish("err", &err)

	err = sched.Schedule(ctx, p, tgt)
	if err != nil {
		return nil, errors.Wrap(err, "schedule")
	}

	res, err := allocate(ctx, p, tgt)
	if err != nil {
		return nil, errors.Wrap(err, "allocate")
	}

	err = ra.Install(ctx, p, res)
	if err != nil {
		return nil, errors.Wrap(err, "install registers")
	}

	l, err := layout.Pack(ctx, p, tgt)
	if err != nil {
		return nil, errors.Wrap(err, "layout")
	}

	err = checkLimits(p, tgt)
	if err != nil {
		return nil, err
	}

	obj, err = emit(p, l)
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	tr.Printw("compiled", "bytes", len(obj), "quadwords", l.Quadwords,
		"spills", p.Spills, "fills", p.Fills, "scratch", p.ScratchSlots*16)

	return obj, nil
}

// allocate drives the allocate/spill loop up to the target iteration cap.
// Spilling is the retry mechanism for register pressure; hitting the cap is
// fatal for this shader.
func allocate(ctx context.Context, p *mir.Program, tgt *target.Target) (*ra.Result, error) {
	for iter := 0; iter < tgt.SpillIterations; iter++ {
		res, err := ra.Allocate(ctx, p, tgt)
		if err != nil {
			return nil, err
		}

		if res.OK {
			if iter != 0 {
				tlog.SpanFromContext(ctx).Printw("allocated after spilling", "iterations", iter, "spills", p.Spills, "fills", p.Fills)
			}

			return res, nil
		}

		err = ra.Spill(ctx, p, res)
		if err != nil {
			return nil, err
		}

		p.Squeeze()
	}

	return nil, errors.Wrap(ra.ErrNonConvergence, "after %v iterations", tgt.SpillIterations)
}

func checkLimits(p *mir.Program, tgt *target.Target) error {
	if n := p.InstructionCount(); n > tgt.MaxInstructions {
		return LimitError{What: "instruction", Used: n, Max: tgt.MaxInstructions}
	}

	if p.ScratchSlots > tgt.MaxScratchSlots {
		return LimitError{What: "scratch memory", Used: p.ScratchSlots, Max: tgt.MaxScratchSlots}
	}

	return nil
}

// emit serializes clause headers, bundle control words and constant pools.
// Instruction word encoding proper belongs to the ISA-specific encoder
// behind this boundary.
func emit(p *mir.Program, l *layout.Layout) (obj []byte, err error) {
	for bi, clauses := range l.Blocks {
		for _, c := range clauses {
			h, err := c.Header().Pack()
			if err != nil {
				return nil, errors.Wrap(err, "block %v clause header", bi)
			}

			obj = binary.LittleEndian.AppendUint32(obj, h)

			for _, bd := range c.Bundles {
				w, err := encode.PackBundleControl(bd, p.Stage)
				if err != nil {
					return nil, errors.Wrap(err, "block %v bundle control", bi)
				}

				obj = binary.LittleEndian.AppendUint32(obj, w)
			}

			for _, pool := range c.Constants {
				for _, w := range pool {
					obj = binary.LittleEndian.AppendUint32(obj, w)
				}
			}
		}
	}

	return obj, nil
}
