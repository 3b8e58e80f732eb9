package mir

import (
	"tlog.app/go/loc"
	"tlog.app/go/tlog"
)

// Index rewriting used by the spiller and the final installer. Rewrites go
// through here so liveness invalidation has one choke point.

func (ins *Instruction) RewriteSrc(old, new Index) {
	for s := range ins.Src {
		if ins.Src[s] == old {
			ins.Src[s] = new
		}
	}
}

// RewriteSrcSwizzle rewrites a source and composes the given swizzle under
// the existing one, used when a fill materializes fewer components than the
// original value held.
func (ins *Instruction) RewriteSrcSwizzle(old, new Index, swz Swizzle) {
	for s := range ins.Src {
		if ins.Src[s] != old {
			continue
		}

		ins.Src[s] = new
		ins.Swz[s] = ins.Swz[s].Compose(swz)
	}
}

func (ins *Instruction) RewriteDst(old, new Index) {
	if ins.Dest == old {
		ins.Dest = new
	}
}

// RewriteIndex replaces old with new in every instruction of the program.
func (p *Program) RewriteIndex(old, new Index) {
	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			ins.RewriteSrc(old, new)
			ins.RewriteDst(old, new)
		}
	}

	p.LivenessValid = false
}

// UseCount counts the instructions reading node.
func (p *Program) UseCount(node Index) (n int) {
	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			if ins.HasArg(node) {
				n++
			}
		}
	}

	return n
}

// Remove unlinks ins from the block. Slow, but only the spiller and the
// scheduler condition hoist use it, both on short blocks.
func (b *Block) Remove(ins *Instruction) {
	for i, q := range b.Instructions {
		if q != ins {
			continue
		}

		copy(b.Instructions[i:], b.Instructions[i+1:])
		b.Instructions = b.Instructions[:len(b.Instructions)-1]

		return
	}

	panic("instruction not in block")
}

func (b *Block) insertAt(i int, ins *Instruction) {
	b.Instructions = append(b.Instructions, nil)
	copy(b.Instructions[i+1:], b.Instructions[i:])
	b.Instructions[i] = ins
}

func (b *Block) indexOf(ins *Instruction) int {
	for i, q := range b.Instructions {
		if q == ins {
			return i
		}
	}

	panic("instruction not in block")
}

// InsertBefore places n immediately before pos in the unscheduled list.
func (b *Block) InsertBefore(pos, n *Instruction) {
	b.insertAt(b.indexOf(pos), n)
}

func (b *Block) InsertAfter(pos, n *Instruction) {
	b.insertAt(b.indexOf(pos)+1, n)
}

// InsertBundleBefore wraps ins in a fresh singleton bundle and places it
// before bundle i. The instruction list is kept in bundle order so liveness
// over instructions stays coherent after scheduling.
func (b *Block) InsertBundleBefore(i int, ins *Instruction) {
	tlog.V("insert_bundle").Printw("insert bundle", "block", b.ID, "at", i, "op", ins.Op.Name(), "from", loc.Caller(1))

	bd := &Bundle{Tag: ins.Tag, Instructions: []*Instruction{ins}}

	if i < len(b.Bundles) {
		b.insertAt(b.indexOf(b.Bundles[i].Instructions[0]), ins)
	} else {
		b.Instructions = append(b.Instructions, ins)
	}

	b.Bundles = append(b.Bundles, nil)
	copy(b.Bundles[i+1:], b.Bundles[i:])
	b.Bundles[i] = bd
}

func (b *Block) InsertBundleAfter(i int, ins *Instruction) {
	b.InsertBundleBefore(i+1, ins)
}

// BundleOf locates the bundle holding ins, -1 if not scheduled.
func (b *Block) BundleOf(ins *Instruction) int {
	for i, bd := range b.Bundles {
		for _, q := range bd.Instructions {
			if q == ins {
				return i
			}
		}
	}

	return -1
}

// Squeeze renumbers live SSA indices into a dense range and returns the
// old-to-new mapping. Spilling leaves holes; allocation needs density.
func (p *Program) Squeeze() map[Index]Index {
	m := make(map[Index]Index)

	remap := func(i Index) Index {
		if i == None || i.IsFixed() {
			return i
		}

		n, ok := m[i]
		if !ok {
			n = Index(len(m))
			m[i] = n
		}

		return n
	}

	for _, b := range p.Blocks {
		for _, ins := range b.Instructions {
			ins.Dest = remap(ins.Dest)

			for s := range ins.Src {
				ins.Src[s] = remap(ins.Src[s])
			}
		}
	}

	p.TempCount = len(m)
	p.LivenessValid = false

	return m
}
