package ra

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler/mir"
)

// ErrNonConvergence terminates the allocate/spill loop: the shader does not
// fit the register budget, or everything is excluded from spilling. Fatal
// for this compilation, distinct from ordinary limit failures.
var ErrNonConvergence = errors.New("register allocation did not converge")

type spillCand struct {
	node int
	cost int
}

func spillLess(d []spillCand, i, j int) bool {
	if d[i].cost != d[j].cost {
		return d[i].cost < d[j].cost
	}

	return d[i].node < d[j].node
}

/* Spilling evicts one value. Work registers spill to scratch memory through
 * the staging register: every definition is redirected there and followed
 * by a store, every use is preceded by a load into a fresh temporary. That
 * breaks one long live range into per-use windows.
 *
 * Special classes have no memory path; they demote into work registers via
 * moves instead, trading pressure on the scarce class for pressure on the
 * big one.
 */

// Spill rewrites the program around the best spill candidate of a failed
// allocation attempt.
func Spill(ctx context.Context, p *mir.Program, res *Result) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "spill", "failed_node", res.Failed)
	defer tr.Finish("err", &err)

	s := res.Solver

	// bundles holding spill machinery are atomic: spilling their
	// destinations again would loop forever
	for _, b := range p.Blocks {
		for _, bd := range b.Bundles {
			noSpill := false

			for _, q := range bd.Instructions {
				noSpill = noSpill || q.NoSpill
			}

			if !noSpill {
				continue
			}

			for _, q := range bd.Instructions {
				if d := q.Dest; d != mir.None && !d.IsFixed() {
					s.Nodes[d].SpillCost = -1
				}
			}
		}
	}

	// only candidates of the failed class relieve its pressure
	node := bestSpillNode(s, s.Nodes[res.Failed].Class)
	if node < 0 {
		return errors.Wrap(ErrNonConvergence, "no spillable node")
	}

	class := s.Nodes[node].Class
	isSpecial := class != ClassWork
	isSpecialW := class == ClassTexWrite

	tr.V("spill").Printw("spilling", "node", node, "class", class)

	spillSlot := -1
	if !isSpecial {
		spillSlot = p.ScratchSlots
		p.ScratchSlots++
	}

	demoted := mir.None

	// definitions: redirect through staging plus store, or demote with a
	// hinted move
	if !isSpecial || isSpecialW {
		for _, b := range p.Blocks {
			for _, q := range snapshot(b) {
				if q.Dest != mir.Index(node) {
					continue
				}

				var st *mir.Instruction

				if isSpecialW {
					demoted = p.NewTemp()
					st = mir.Mov(demoted, q.Dest)
					st.NoSpill = true
				} else {
					q.Dest = mir.Fixed(mir.RegSpillBase)
					q.NoSpill = true
					st = mir.ScratchStore(q.Dest, spillSlot, q.Mask)
				}

				st.Hint = true

				b.InsertBundleAfter(b.BundleOf(q), st)

				if !isSpecial {
					p.Spills++
				}
			}
		}
	}

	// fills pull in only what is read somewhere, dead lanes would
	// recreate the pressure being fixed
	readMask := uint8(0)

	for _, b := range p.Blocks {
		for _, q := range b.Instructions {
			readMask |= q.ReadMask(mir.Index(node))
		}
	}

	for _, b := range p.Blocks {
		for _, q := range snapshot(b) {
			if q.Hint {
				continue
			}

			if !q.HasArg(mir.Index(node)) {
				continue
			}

			if isSpecialW {
				// the demoting move is already in place
				q.RewriteSrc(mir.Index(node), demoted)

				continue
			}

			t := p.NewTemp()

			var fill *mir.Instruction

			if isSpecial {
				fill = mir.Mov(t, mir.Index(node))
				fill.NoSpill = true
			} else {
				fill = mir.ScratchFill(t, spillSlot, readMask)
			}

			fill.Mask = readMask

			bi := b.BundleOf(q)
			if bi < 0 {
				panic("use outside any bundle")
			}

			b.InsertBundleBefore(bi, fill)

			q.RewriteSrc(mir.Index(node), t)

			if !isSpecial {
				p.Fills++
			}
		}
	}

	// hints only guard this pass
	for _, b := range p.Blocks {
		for _, q := range b.Instructions {
			q.Hint = false
		}
	}

	p.LivenessValid = false

	return nil
}

func snapshot(b *mir.Block) []*mir.Instruction {
	r := make([]*mir.Instruction, len(b.Instructions))
	copy(r, b.Instructions)

	return r
}

// bestSpillNode picks the cheapest eligible node of the class, lowest
// index on ties. Pinned nodes never spill.
func bestSpillNode(s *Solver, class Class) int {
	h := heap.Heap[spillCand]{Less: spillLess}

	for n, nd := range s.Nodes {
		if nd.SpillCost < 0 || nd.Fixed >= 0 || nd.Class != class {
			continue
		}

		h.Push(spillCand{node: n, cost: nd.SpillCost})
	}

	if h.Len() == 0 {
		return -1
	}

	return h.Pop().node
}
