package mir

import (
	"github.com/warpc/warp/src/compiler/bitmap"
)

// Component-granular liveness. One bit per (value, component) so the
// allocator can overlap disjoint vector halves in one register.

func bit(node Index, c int) int { return int(node)*ComponentCount + c }

func setMask(live *bitmap.Big, node Index, mask uint8) {
	if node == None || node.IsFixed() {
		return
	}

	for c := 0; c < ComponentCount; c++ {
		if mask&(1<<c) != 0 {
			live.Set(bit(node, c))
		}
	}
}

func clearMask(live *bitmap.Big, node Index, mask uint8) {
	if node == None || node.IsFixed() {
		return
	}

	for c := 0; c < ComponentCount; c++ {
		if mask&(1<<c) != 0 {
			live.Clear(bit(node, c))
		}
	}
}

// LiveMask reads the live components of node out of a liveness set.
func LiveMask(live *bitmap.Big, node Index) (m uint8) {
	if node == None || node.IsFixed() {
		return 0
	}

	for c := 0; c < ComponentCount; c++ {
		if live.IsSet(bit(node, c)) {
			m |= 1 << c
		}
	}

	return m
}

// InsUpdate steps the live set backward over one instruction: kill the
// written components, then gen the read ones. An operand that is also the
// destination stays live through the kill, as it must.
func InsUpdate(live *bitmap.Big, ins *Instruction) {
	clearMask(live, ins.Dest, ins.Mask)

	for s, src := range ins.Src {
		setMask(live, src, ins.SrcReadMask(s))
	}
}

func (b *Block) liveOutFromSuccessors(bits int) bool {
	out := bitmap.MakeSize(bits)

	for _, s := range b.Successors {
		out.Or(s.LiveIn)
	}

	if out.Equal(b.LiveOut) {
		return false
	}

	b.LiveOut = out

	return true
}

func (b *Block) liveInFromBody() bool {
	live := b.LiveOut.Copy()

	for i := len(b.Instructions) - 1; i >= 0; i-- {
		InsUpdate(&live, b.Instructions[i])
	}

	if live.Equal(b.LiveIn) {
		return false
	}

	b.LiveIn = live

	return true
}

// ComputeLiveness runs the backward dataflow fixpoint over the CFG,
// seeded from the exit blocks. Idempotent while LivenessValid holds.
func (p *Program) ComputeLiveness() {
	if p.LivenessValid {
		return
	}

	bits := p.TempCount * ComponentCount

	for _, b := range p.Blocks {
		b.LiveIn = bitmap.MakeSize(bits)
		b.LiveOut = bitmap.MakeSize(bits)
	}

	work := p.ExitBlocks()

	queued := make([]bool, len(p.Blocks))
	visited := make([]bool, len(p.Blocks))

	for _, b := range work {
		queued[b.ID] = true
	}

	for len(work) != 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		queued[b.ID] = false

		first := !visited[b.ID]
		visited[b.ID] = true

		b.liveOutFromSuccessors(bits)

		// predecessors go in on the first visit even if nothing is live
		// here, or blocks behind an empty live-in would never be reached
		if !b.liveInFromBody() && !first {
			continue
		}

		for _, pred := range b.Predecessors {
			if queued[pred.ID] {
				continue
			}

			queued[pred.ID] = true
			work = append(work, pred)
		}
	}

	p.LivenessValid = true
}

// LiveAfter computes the set live just after pos in block b, by stepping
// back from the block exit. Used for spill fill placement.
func (b *Block) LiveAfter(p *Program, pos *Instruction) bitmap.Big {
	p.ComputeLiveness()

	live := b.LiveOut.Copy()

	for i := len(b.Instructions) - 1; i >= 0; i-- {
		if b.Instructions[i] == pos {
			break
		}

		InsUpdate(&live, b.Instructions[i])
	}

	return live
}
