package ra

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler/mir"
)

// Install rewrites every dense value index into its allocated physical
// register. After this the IR references hardware registers only and is
// ready for the encoder.
func Install(ctx context.Context, p *mir.Program, res *Result) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "install", "temps", p.TempCount)
	defer tr.Finish("err", &err)

	if !res.OK {
		return errors.New("installing a failed allocation")
	}

	reg := func(x mir.Index) mir.Index {
		if x == mir.None || x.IsFixed() {
			return x
		}

		return mir.Fixed(res.Registers[x])
	}

	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			ins.Dest = reg(ins.Dest)

			for s := range ins.Src {
				ins.Src[s] = reg(ins.Src[s])
			}
		}
	}

	p.LivenessValid = false

	if tr.If("dump_registers") {
		for t, r := range res.Registers {
			tr.Printw("assigned", "temp", t, "reg", r)
		}
	}

	return nil
}
