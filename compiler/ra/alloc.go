package ra

import (
	"context"
	"math/bits"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler/bitmap"
	"github.com/warpc/warp/src/compiler/mir"
	"github.com/warpc/warp/src/compiler/target"
)

type (
	// Result is one allocation attempt. On pressure failure OK is false
	// and the Solver state carries spill costs and classes for the
	// spiller; everything is rebuilt from scratch on the next attempt.
	Result struct {
		Solver *Solver

		// Registers[t] for temp t, valid when OK
		Registers []int

		OK     bool
		Failed int
	}
)

// Allocate builds classes, liveness interference and solves. It does not
// spill by itself; the caller drives the allocate/spill loop.
func Allocate(ctx context.Context, p *mir.Program, tgt *target.Target) (res *Result, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "allocate", "temps", p.TempCount)
	defer tr.Finish("err", &err)

	p.ComputeLiveness()

	s := NewSolver(classWindows(tgt), p.TempCount)

	assignClasses(s, p)
	assignShapes(s, p)
	assignSpillCosts(s, p)
	buildInterference(s, p)
	pinWriteout(s, p)

	failed, serr := s.Solve()

	if serr != nil && serr != ErrPressure {
		return nil, errors.Wrap(serr, "solve")
	}

	res = &Result{Solver: s}

	if serr != nil {
		res.Failed = failed

		tr.V("spill").Printw("allocation failed", "node", failed, "class", s.Nodes[failed].Class)

		return res, nil
	}

	res.OK = true
	res.Registers = s.Solution

	return res, nil
}

func classWindows(tgt *target.Target) [ClassCount]Window {
	return [ClassCount]Window{
		ClassWork:      {Base: 0, Count: tgt.WorkRegisters},
		ClassLoadStore: {Base: tgt.LoadStoreBase, Count: tgt.LoadStoreCount},
		ClassTexRead:   {Base: tgt.TexReadBase, Count: tgt.TexReadCount},
		ClassTexWrite:  {Base: tgt.TexWriteBase, Count: tgt.TexWriteCount},
	}
}

/* Classes come from use: texture operands live in the texture pipeline
 * windows, load/store address operands in the staging window, everything
 * else in work registers. First special use wins; demoting a doubly
 * special value is the spiller's business.
 */

func assignClasses(s *Solver, p *mir.Program) {
	set := func(x mir.Index, c Class) {
		if x == mir.None || x.IsFixed() {
			return
		}

		if s.Nodes[x].Class == ClassWork {
			s.Nodes[x].Class = c
		}
	}

	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			switch ins.Op {
			case mir.OpTexture, mir.OpTexFetch:
				set(ins.Dest, ClassTexWrite)

				for _, src := range ins.Src {
					set(src, ClassTexRead)
				}
			case mir.OpLoad, mir.OpStore, mir.OpLoadUniform:
				// address operands stage through r26/r27
				set(ins.Src[1], ClassLoadStore)
				set(ins.Src[2], ClassLoadStore)
			}
		}
	}
}

func assignShapes(s *Solver, p *mir.Program) {
	for i := range s.Nodes {
		s.Nodes[i].Mask = 0
	}

	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			d := ins.Dest
			if d == mir.None || d.IsFixed() {
				continue
			}

			s.Nodes[d].Mask |= ins.Mask

			if ins.Wide {
				s.Nodes[d].Align = 2
				s.Nodes[d].Mask = 0xf
			}
		}
	}

	for i := range s.Nodes {
		if s.Nodes[i].Mask == 0 {
			s.Nodes[i].Mask = 0xf
		}
	}
}

// assignSpillCosts charges one per definition and use: the cheapest node to
// evict is the least referenced one.
func assignSpillCosts(s *Solver, p *mir.Program) {
	for i := range s.Nodes {
		s.Nodes[i].SpillCost = 0
	}

	charge := func(x mir.Index) {
		if x != mir.None && !x.IsFixed() {
			s.Nodes[x].SpillCost++
		}
	}

	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			charge(ins.Dest)

			for _, src := range ins.Src {
				charge(src)
			}
		}
	}
}

// buildInterference walks each block backward adding masked edges between
// every written value and everything live after the write.
func buildInterference(s *Solver, p *mir.Program) {
	for _, b := range p.Blocks {
		live := b.LiveOut.Copy()

		for i := len(b.Instructions) - 1; i >= 0; i-- {
			ins := b.Instructions[i]
			d := ins.Dest

			if d != mir.None && !d.IsFixed() {
				eachLive(&live, func(other int, lm uint8) {
					s.AddInterference(int(d), ins.Mask, other, lm)
				})
			}

			// writes to low fixed registers clash with temps
			// holding those registers' lanes
			if d != mir.None && d.IsFixed() {
				if r := d.Register(); r < s.Classes[ClassWork].Count {
					eachLive(&live, func(other int, lm uint8) {
						s.Forbid(other, r, lm, ins.Mask)
					})
				}
			}

			mir.InsUpdate(&live, ins)
		}
	}
}

// eachLive visits every live value once with its live lane mask.
func eachLive(live *bitmap.Big, f func(v int, mask uint8)) {
	live.Range(func(bit int) bool {
		v := bit / mir.ComponentCount
		lm := mir.LiveMask(live, mir.Index(v))

		// act at the lowest live lane only
		if bit%mir.ComponentCount == bits.TrailingZeros8(lm) {
			f(v, lm)
		}

		return true
	})
}

// pinWriteout forces the fragment output through register zero.
func pinWriteout(s *Solver, p *mir.Program) {
	if p.Stage != mir.StageFragment {
		return
	}

	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			if !ins.Writeout {
				continue
			}

			if src := ins.Src[0]; src != mir.None && !src.IsFixed() {
				s.Nodes[src].Fixed = mir.RegWriteout
			}
		}
	}
}
