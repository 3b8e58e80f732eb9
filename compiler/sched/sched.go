package sched

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/warpc/warp/src/compiler/bitmap"
	"github.com/warpc/warp/src/compiler/encode"
	"github.com/warpc/warp/src/compiler/mir"
	"github.com/warpc/warp/src/compiler/target"
)

/* Bundles are filled backward: the block is flattened, the dependency graph
 * built, and instructions picked from the ready set highest index first
 * within a lookahead window, so the bundle list comes out back to front and
 * is reversed at the end of the block.
 *
 * Unit lines within an ALU bundle execute in two stages,
 *
 *   [VMUL] [SADD]
 *   [VADD] [SMUL] [VLUT] [BRANCH]
 *
 * and the condition pipeline register carries a comparison from the first
 * stage into a branch or csel in the second, the one in-bundle chain
 * allowed. Everything else placed together must be independent, which the
 * hazard checks enforce.
 */

type (
	scheduler struct {
		p   *mir.Program
		tgt *target.Target

		g        *graph
		worklist bitmap.Big
		emitted  int

		// per block
		texLast bool

		tr tlog.Span
	}

	// predicate filters the ready set for one choose call and carries
	// the constant pool state of the bundle being filled.
	predicate struct {
		g *graph

		tag    mir.Tag
		anyTag bool
		unit   mir.Unit // 0 is don't-care

		destructive bool

		exclude mir.Index
		window  int

		noCsel bool
		placed []*mir.Instruction

		constants  [4]uint32
		constCount int
	}
)

// aluOrder is both the slot fill priority and the in-bundle emission order.
var aluOrder = [...]mir.Unit{
	mir.UnitVMul, mir.UnitSAdd, mir.UnitVAdd, mir.UnitSMul, mir.UnitVLut, mir.UnitBranch,
}

func aluSlot(u mir.Unit) int {
	for i, q := range aluOrder {
		if q == u {
			return i
		}
	}

	panic(u)
}

// Schedule packs every block of the program into bundles.
func Schedule(ctx context.Context, p *mir.Program, tgt *target.Target) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "schedule", "blocks", len(p.Blocks), "temps", p.TempCount)
	defer tr.Finish("err", &err)

	err = p.Validate()
	if err != nil {
		return errors.Wrap(err, "validate ir")
	}

	p.Squeeze()

	s := &scheduler{p: p, tgt: tgt, tr: tr}

	for _, b := range p.Blocks {
		s.block(b)
	}

	return nil
}

func (s *scheduler) block(b *mir.Block) {
	ins := make([]*mir.Instruction, len(b.Instructions))
	copy(ins, b.Instructions)

	s.g = buildGraph(ins, s.p.TempCount)
	s.worklist = s.g.initWorklist()
	s.emitted = 0
	s.texLast = false

	for s.emitted < len(ins) {
		tag, ok := s.peekTag()
		if !ok {
			panic("scheduler stuck: ready set drained with instructions remaining")
		}

		was := s.emitted

		var bd *mir.Bundle

		switch tag {
		case mir.TagALU:
			bd = s.scheduleALU()
		case mir.TagLoadStore:
			bd = s.scheduleLoadStore()
		case mir.TagTexture:
			bd = s.scheduleTexture()
		default:
			panic(tag)
		}

		if s.emitted == was {
			panic("scheduler stuck: bundle made no progress")
		}

		b.Bundles = append(b.Bundles, bd)
	}

	for i, j := 0, len(b.Bundles)-1; i < j; i, j = i+1, j-1 {
		b.Bundles[i], b.Bundles[j] = b.Bundles[j], b.Bundles[i]
	}

	// the instruction list is rebuilt in bundle order so downstream
	// liveness walks match execution order
	b.Instructions = b.Instructions[:0]
	b.QuadwordCount = 0

	for _, bd := range b.Bundles {
		b.Instructions = append(b.Instructions, bd.Instructions...)
		b.QuadwordCount += bd.Quadwords
	}

	b.Scheduled = true

	if s.tr.If("dump_schedule") {
		for i, bd := range b.Bundles {
			s.tr.Printw("bundle", "block", b.ID, "i", i, "tag", bd.Tag, "quadwords", bd.Quadwords, "instructions", len(bd.Instructions))
		}
	}
}

// peekTag picks the bundle kind from the best ready instruction.
func (s *scheduler) peekTag() (mir.Tag, bool) {
	pred := predicate{g: s.g, anyTag: true, exclude: mir.None, window: s.tgt.Lookahead}

	q := pred.choose(&s.worklist)
	if q == nil {
		return 0, false
	}

	return q.Tag, true
}

// retire removes the instruction's edges and counts progress when it came
// from the graph rather than being synthesized mid-bundle.
func (s *scheduler) retire(q *mir.Instruction) {
	if q == nil {
		return
	}

	if s.g.update(&s.worklist, q) {
		s.emitted++
	}
}

func (s *scheduler) scheduleALU() *mir.Bundle {
	pred := predicate{
		g:           s.g,
		tag:         mir.TagALU,
		destructive: true,
		exclude:     mir.None,
		window:      s.tgt.Lookahead,
		noCsel:      true,
	}

	var slots [len(aluOrder)]*mir.Instruction
	var branch *mir.Instruction

	place := func(q *mir.Instruction, u mir.Unit) {
		i := aluSlot(u)

		if slots[i] != nil {
			panic("unit slot taken twice")
		}

		q.Unit = u
		slots[i] = q
		pred.placed = append(pred.placed, q)
	}

	pred.noCsel = false
	seed := pred.choose(&s.worklist)
	pred.noCsel = true

	if seed == nil {
		panic("alu bundle chosen with no ready alu instruction")
	}

	s.retire(seed)

	if seed.CompactBranch {
		branch = seed
		place(seed, mir.UnitBranch)
	} else {
		place(seed, defaultUnit(seed))
	}

	// conditions ride the pipeline condition register, computed in bundle
	if branch != nil && branch.Conditional {
		cond := s.scheduleCondition(&pred, branch)
		place(cond, cond.Unit)
	} else if seed.Op.IsCsel() {
		cond := s.scheduleCondition(&pred, seed)
		place(cond, cond.Unit)
	}

	if branch != nil && branch.Writeout {
		// the output must be produced within the writeout bundle: pull
		// its ready producer in, or stage it through a move
		if q := s.readyWriter(branch.Src[0]); q != nil && q.Mask == 0xf {
			u := defaultUnit(q)

			if u != mir.UnitVLut && slots[aluSlot(u)] == nil && pred.adjustConstants(q, false) {
				if !pred.adjustConstants(q, true) {
					panic("constant fit reneged")
				}

				s.worklist.Clear(s.g.indexOf(q))
				s.retire(q)
				place(q, u)
			}
		}

		if !canWriteoutFragment(pred.placed, branch) {
			mov := s.writeoutMove(branch)
			place(mov, mir.UnitVMul)
		}
	}

	// a branch closes the bundle, no general slot filling after it
	if branch == nil {
		for _, u := range aluOrder[:5] {
			if slots[aluSlot(u)] != nil {
				continue
			}

			pred.unit = u

			q := pred.choose(&s.worklist)
			if q == nil {
				continue
			}

			s.retire(q)
			place(q, u)
		}
	}

	bd := &mir.Bundle{Tag: mir.TagALU}

	bytes := encode.ControlBytes

	for _, q := range slots {
		if q == nil {
			continue
		}

		bd.Control |= uint16(q.Unit)
		bd.Instructions = append(bd.Instructions, q)
		bytes += encode.InstructionBytes(q)
	}

	if bytes&15 != 0 {
		bd.Padding = uint8(16 - bytes&15)
		bytes += int(bd.Padding)
	}

	if pred.constCount != 0 {
		bd.HasConstants = true
		bd.Constants = pred.constants
		bd.ConstantCount = pred.constCount
		bytes += 16
	}

	bd.Quadwords = bytes / 16

	return bd
}

// defaultUnit picks the first allowed unit in priority order, preferring
// scalar units for single-component scalarable ops in the same stage.
func defaultUnit(q *mir.Instruction) mir.Unit {
	units := q.Op.Units()

	if scalarEligible(q) {
		for _, u := range [...]mir.Unit{mir.UnitSAdd, mir.UnitSMul} {
			if units&u != 0 {
				return u
			}
		}
	}

	for _, u := range aluOrder[:5] {
		if units&u != 0 {
			return u
		}
	}

	panic(q.Op)
}

func scalarEligible(q *mir.Instruction) bool {
	return q.Op.Scalarable() && mir.SingleComponent(q.Mask) && !q.Wide
}

func (s *scheduler) scheduleLoadStore() *mir.Bundle {
	pred := predicate{
		g:           s.g,
		tag:         mir.TagLoadStore,
		destructive: true,
		exclude:     mir.None,
		window:      s.tgt.Lookahead,
	}

	ins := pred.choose(&s.worklist)

	var pair *mir.Instruction

	// dual issue: the pair runs concurrently, so both worklist updates
	// are deferred until both picks are made
	if !s.tgt.Quirks.Has(target.QuirkSingleLoadStore) {
		pred.placed = append(pred.placed, ins)
		pair = pred.choose(&s.worklist)
	}

	s.retire(ins)
	s.retire(pair)

	bd := &mir.Bundle{Tag: mir.TagLoadStore, Quadwords: 1}
	bd.Instructions = append(bd.Instructions, ins)

	if pair != nil {
		bd.Instructions = append(bd.Instructions, pair)
	}

	return bd
}

func (s *scheduler) scheduleTexture() *mir.Bundle {
	pred := predicate{
		g:           s.g,
		tag:         mir.TagTexture,
		destructive: true,
		exclude:     mir.None,
		window:      s.tgt.Lookahead,
	}

	ins := pred.choose(&s.worklist)
	s.retire(ins)

	// scheduled backward: the first texture bundle here retires the
	// pipeline, everything before it continues
	if !s.texLast {
		ins.Last = true
		s.texLast = true
	} else {
		ins.Continuation = true
	}

	return &mir.Bundle{
		Tag:          mir.TagTexture,
		Quadwords:    1,
		Instructions: []*mir.Instruction{ins},
	}
}

/* The condition consumed by a branch or csel must be produced within the
 * same bundle, in the condition pipeline register. If the producing
 * comparison is ready, single use, constant free and from this block, it is
 * pulled in directly; otherwise a move copies the value in.
 */

func (s *scheduler) scheduleCondition(pred *predicate, user *mir.Instruction) *mir.Instruction {
	condIdx := 2
	if user.CompactBranch {
		condIdx = 0
	}

	condVal := user.Src[condIdx]
	if condVal == mir.None {
		panic("conditional without condition operand")
	}

	cond := s.mobileComparison(condVal, user.Swz[condIdx])

	if cond != nil {
		s.worklist.Clear(s.g.indexOf(cond))
		s.retire(cond)
	} else {
		cond = mir.Mov(condVal, condVal)
		cond.Mask = 0x1
		cond.Swz[0] = mir.SwizzleOf(user.Swz[condIdx].Lane(0), 0, 0, 0)
	}

	// exclusive reign over the (possibly copied) comparison: retarget it
	// to the pipeline register, demoted to the w lane
	pred.exclude = cond.Dest
	cond.Dest = mir.Fixed(mir.RegCondition)
	cond.Mask = 1 << 3

	for i := range cond.Src {
		if cond.Src[i] == mir.None {
			continue
		}

		cond.Swz[i] = mir.SwizzleOf(0, 0, 0, cond.Swz[i].Lane(0))
	}

	user.Src[condIdx] = mir.Fixed(mir.RegCondition)
	user.Swz[condIdx] = mir.SwizzleOf(3, 3, 3, 3)

	// a branch issues from the second stage, so its condition must come
	// from smul; csel conditions go a stage up
	if user.CompactBranch {
		cond.Unit = mir.UnitSMul
	} else {
		cond.Unit = mir.UnitSAdd
	}

	return cond
}

// mobileComparison finds the condition producer if it may move into the
// bundle: ready, ALU, single use, single producer, no embedded constants,
// and the user reads its x lane.
func (s *scheduler) mobileComparison(cond mir.Index, swz mir.Swizzle) *mir.Instruction {
	if swz.Lane(0) != 0 {
		return nil
	}

	if s.p.UseCount(cond) != 1 {
		return nil
	}

	var found *mir.Instruction

	for i, q := range s.g.ins {
		if q.Dest != cond {
			continue
		}

		if q.Tag != mir.TagALU || q.HasConstants {
			return nil
		}

		if found != nil { // written twice
			return nil
		}

		if !s.worklist.IsSet(i) {
			return nil
		}

		found = q
	}

	return found
}

// readyWriter locates the single producer of node if it may be bundled
// right now.
func (s *scheduler) readyWriter(node mir.Index) *mir.Instruction {
	if node == mir.None || node.IsFixed() {
		return nil
	}

	for i, q := range s.g.ins {
		if q.Dest != node {
			continue
		}

		if q.Tag != mir.TagALU || !s.worklist.IsSet(i) {
			return nil
		}

		return q
	}

	return nil
}

func (s *scheduler) writeoutMove(branch *mir.Instruction) *mir.Instruction {
	src := branch.Src[0]
	if src == mir.None {
		src = mir.Fixed(mir.RegWriteout)
	}

	mov := mir.Mov(mir.Fixed(mir.RegWriteout), src)
	mov.Unit = mir.UnitVMul

	branch.Src[0] = mir.Fixed(mir.RegWriteout)
	branch.Swz[0] = mir.SwizzleIdentity

	return mov
}

/* Fragment writeout from a branch bundle requires all components of the
 * output written within the bundle, none of them from the table lookup
 * unit, and no in-bundle producer feeding an output writer.
 */

func canWriteoutFragment(placed []*mir.Instruction, branch *mir.Instruction) bool {
	src := branch.Src[0]
	if src == mir.None {
		return false
	}

	var written uint8
	deps := map[mir.Index]struct{}{}

	for _, q := range placed {
		if q.Dest != src {
			continue
		}

		written |= q.Mask

		if q.Unit == mir.UnitVLut {
			return false
		}

		for _, x := range q.Src {
			if x != mir.None && !x.IsFixed() {
				deps[x] = struct{}{}
			}
		}
	}

	if written != 0xf {
		return false
	}

	for _, q := range placed {
		if _, ok := deps[q.Dest]; ok {
			return false
		}
	}

	return true
}

func (g *graph) indexOf(q *mir.Instruction) int {
	for i, x := range g.ins {
		if x == q {
			return i
		}
	}

	panic("instruction not in graph")
}

// choose finds the best ready instruction satisfying the predicate: the
// highest index within the lookahead window below the highest ready index,
// simulating in-order emission while scheduling backward.
func (p *predicate) choose(w *bitmap.Big) *mir.Instruction {
	maxActive := w.Last()
	if maxActive < 0 {
		return nil
	}

	best := -1

	w.Range(func(i int) bool {
		if maxActive-i >= p.window {
			return true
		}

		q := p.g.ins[i]

		if !p.anyTag && q.Tag != p.tag {
			return true
		}

		if p.exclude != mir.None && q.Dest == p.exclude {
			return true
		}

		if p.noCsel && q.Op.IsCsel() {
			return true
		}

		switch {
		case p.unit == 0:
			// don't care
		case p.unit == mir.UnitBranch:
			if !q.CompactBranch {
				return true
			}
		default:
			if q.CompactBranch || q.Op.Units()&p.unit == 0 {
				return true
			}

			if (p.unit == mir.UnitSAdd || p.unit == mir.UnitSMul) && !scalarEligible(q) {
				return true
			}
		}

		if hasHazard(p.placed, q) {
			return true
		}

		if p.tag == mir.TagALU && !p.adjustConstants(q, false) {
			return true
		}

		best = i

		return true
	})

	if best < 0 {
		return nil
	}

	q := p.g.ins[best]

	if p.destructive {
		w.Clear(best)

		if q.Tag == mir.TagALU && !p.adjustConstants(q, true) {
			panic("constant fit reneged")
		}
	}

	return q
}

/* Embedded constants are shared per bundle: a 128-bit pool of four 32-bit
 * words. A newcomer's words are deduplicated against the pool and its
 * constant-register swizzles remapped to the surviving word order; when the
 * pool would overflow, the bundle is closed instead.
 */

func (p *predicate) adjustConstants(q *mir.Instruction, destructive bool) bool {
	if !q.HasConstants {
		return true
	}

	pool := p.constants
	count := p.constCount

	var idx [4]int

	for i, w := range q.Constants {
		found := false

		for j := 0; j < count; j++ {
			if pool[j] == w {
				idx[i] = j
				found = true

				break
			}
		}

		if found {
			continue
		}

		if count == 4 {
			return false
		}

		pool[count] = w
		idx[i] = count
		count++
	}

	if !destructive {
		return true
	}

	p.constants = pool
	p.constCount = count

	remap := mir.SwizzleOf(idx[0], idx[1], idx[2], idx[3])

	for s := range q.Src {
		if q.Src[s] == mir.Fixed(mir.RegConstant) {
			q.Swz[s] = q.Swz[s].Compose(remap)
		}
	}

	return true
}

// hasHazard rejects a candidate that cannot run in the same bundle as the
// already placed instructions. Scheduling backward, everything placed is
// later in program order than the candidate.
func hasHazard(placed []*mir.Instruction, q *mir.Instruction) bool {
	for _, later := range placed {
		if !canRunConcurrent(q, later) {
			return true
		}
	}

	return false
}

// canRunConcurrent checks an SSA data hazard between two co-bundled
// instructions, first preceding second in program order, component wise:
// the second must not read what the first writes within the same cycle,
// and overlapping writes to one destination are not allowed. Reads precede
// writes within a cycle, so the first reading the second's destination is
// fine. The condition pipeline register is the one sanctioned chain and is
// exempted through the branch check.
func canRunConcurrent(first, second *mir.Instruction) bool {
	if first.CompactBranch || second.CompactBranch {
		return true
	}

	source := first.Dest
	if source == mir.None {
		return true
	}

	for s, src := range second.Src {
		if src != source {
			continue
		}

		if first.Tag != mir.TagALU {
			return false
		}

		if second.Swz[s].AccessMask(0xf)&first.Mask != 0 {
			return false
		}
	}

	if second.Dest == source && second.Mask&first.Mask != 0 {
		return false
	}

	return true
}
