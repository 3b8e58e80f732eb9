package layout

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler/encode"
	"github.com/warpc/warp/src/compiler/mir"
	"github.com/warpc/warp/src/compiler/target"
)

/* Clauses group consecutive bundles under a shared header. The hardware
 * invariant is
 *
 *      constant_count + bundle_count <= K        (K = 13)
 *
 * which keeps every clause within 8 quadwords. Constants count at payload
 * granularity and deduplicate across bundles of one clause: reuse is free.
 *
 * Message instructions (loads, textures) retire asynchronously through
 * scoreboard slots; each clause records the slot it signals and the slots
 * it must wait on before issue.
 */

type (
	Clause struct {
		Bundles []*mir.Bundle

		// distinct constant payloads used by the bundles
		Constants [][4]uint32

		ScoreboardID uint8
		WaitMask     uint8
		BackToBack   bool
		Message      Message

		Quadwords int
	}

	// Message is the highest-latency asynchronous operation class a
	// clause triggers.
	Message uint8

	// Layout is the clause arrangement of a whole program, with block
	// offsets for branch resolution by the encoder.
	Layout struct {
		Blocks [][]*Clause

		// BlockOffset[i] is the quadword offset of block i start.
		BlockOffset []int

		Quadwords int
	}

	// slot tracking for wait bit computation
	pending struct {
		values [8][]mir.Index
	}
)

const (
	MessageNone Message = iota
	MessageLoad
	MessageTexture
)

const scoreboardSlots = 8

// Quadwords is the pure clause size function: shared header quadword, two
// bundles per quadword, constants packed two payload halves per quadword.
// Usable for branch offsets before any bit packing happens.
func Quadwords(bundles, constants int) int {
	return (bundles+1)/2 + 1 + (constants+1)/2
}

// CanInsert reports whether one more bundle fits, given whether it brings a
// constant payload unseen in this clause.
func (c *Clause) CanInsert(limit int, newConstant bool) bool {
	n := len(c.Constants)
	if newConstant {
		n++
	}

	return n+len(c.Bundles)+1 <= limit
}

func (c *Clause) hasConstant(payload [4]uint32) bool {
	for _, x := range c.Constants {
		if x == payload {
			return true
		}
	}

	return false
}

func (c *Clause) add(b *mir.Bundle) {
	c.Bundles = append(c.Bundles, b)

	if b.HasConstants && !c.hasConstant(b.Constants) {
		c.Constants = append(c.Constants, b.Constants)
	}
}

func (c *Clause) message() Message {
	m := MessageNone

	for _, b := range c.Bundles {
		switch b.Tag {
		case mir.TagLoadStore:
			if m < MessageLoad {
				m = MessageLoad
			}
		case mir.TagTexture:
			m = MessageTexture
		}
	}

	return m
}

func (c *Clause) hasBranch() bool {
	for _, b := range c.Bundles {
		for _, q := range b.Instructions {
			if q.CompactBranch {
				return true
			}
		}
	}

	return false
}

// Header builds the packed clause metadata for the encoder.
func (c *Clause) Header() encode.ClauseHeader {
	return encode.ClauseHeader{
		BundleCount:   uint8(len(c.Bundles)),
		ConstantCount: uint8(len(c.Constants)),
		ScoreboardID:  c.ScoreboardID,
		WaitMask:      c.WaitMask,
		BackToBack:    c.BackToBack,
		MessageType:   uint8(c.Message),
		Quadwords:     uint8(c.Quadwords),
	}
}

// Pack groups every block's bundles into clauses and assigns scoreboard
// metadata. Blocks must be scheduled.
func Pack(ctx context.Context, p *mir.Program, tgt *target.Target) (l *Layout, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "layout", "blocks", len(p.Blocks))
	defer tr.Finish("err", &err)

	l = &Layout{
		Blocks:      make([][]*Clause, len(p.Blocks)),
		BlockOffset: make([]int, len(p.Blocks)),
	}

	var pend pending
	nextSlot := uint8(0)

	for i, b := range p.Blocks {
		if !b.Scheduled {
			return nil, errors.New("block %v not scheduled", b.ID)
		}

		l.BlockOffset[i] = l.Quadwords

		clauses := splitClauses(b, tgt.ClauseLimit)

		for ci, c := range clauses {
			c.Quadwords = Quadwords(len(c.Bundles), len(c.Constants))
			c.Message = c.message()

			c.WaitMask = pend.waits(c)
			pend.clear(c.WaitMask)

			if c.Message != MessageNone {
				c.ScoreboardID = nextSlot
				nextSlot = (nextSlot + 1) % scoreboardSlots

				// reusing a slot with outstanding results
				// forces a wait on it first
				if pend.busy(c.ScoreboardID) {
					c.WaitMask |= 1 << c.ScoreboardID
					pend.clear(1 << c.ScoreboardID)
				}

				pend.record(c)
			}

			last := ci == len(clauses)-1
			c.BackToBack = !last && !c.hasBranch() &&
				!tgt.Quirks.Has(target.QuirkNoBackToBack)

			l.Quadwords += c.Quadwords
		}

		l.Blocks[i] = clauses
	}

	if tr.If("dump_layout") {
		for i, clauses := range l.Blocks {
			for ci, c := range clauses {
				tr.Printw("clause", "block", i, "i", ci,
					"bundles", len(c.Bundles), "constants", len(c.Constants),
					"quadwords", c.Quadwords, "slot", c.ScoreboardID,
					"wait", c.WaitMask, "b2b", c.BackToBack)
			}
		}
	}

	return l, nil
}

func splitClauses(b *mir.Block, limit int) []*Clause {
	var clauses []*Clause
	var cur *Clause

	for _, bd := range b.Bundles {
		newConst := bd.HasConstants && (cur == nil || !cur.hasConstant(bd.Constants))

		if cur == nil || !cur.CanInsert(limit, newConst) {
			cur = &Clause{}
			clauses = append(clauses, cur)
		}

		cur.add(bd)
	}

	return clauses
}

// waits computes which outstanding slots produce values this clause reads
// or overwrites.
func (p *pending) waits(c *Clause) (mask uint8) {
	touch := func(x mir.Index) {
		if x == mir.None {
			return
		}

		for slot := 0; slot < scoreboardSlots; slot++ {
			for _, v := range p.values[slot] {
				if v == x {
					mask |= 1 << slot
				}
			}
		}
	}

	for _, b := range c.Bundles {
		for _, q := range b.Instructions {
			for _, s := range q.Src {
				touch(s)
			}

			touch(q.Dest)
		}
	}

	return mask
}

func (p *pending) record(c *Clause) {
	slot := c.ScoreboardID

	for _, b := range c.Bundles {
		for _, q := range b.Instructions {
			if q.Tag == mir.TagALU || q.Dest == mir.None {
				continue
			}

			p.values[slot] = append(p.values[slot], q.Dest)
		}
	}
}

func (p *pending) busy(slot uint8) bool { return len(p.values[slot]) != 0 }

func (p *pending) clear(mask uint8) {
	for slot := 0; slot < scoreboardSlots; slot++ {
		if mask&(1<<slot) != 0 {
			p.values[slot] = nil
		}
	}
}
