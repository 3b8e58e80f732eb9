package mir

import (
	"testing"
)

func TestIndexDomains(t *testing.T) {
	if None.IsFixed() {
		t.Errorf("none is not a register")
	}

	r := Fixed(26)

	if !r.IsFixed() || r.Register() != 26 {
		t.Errorf("fixed round trip: %v", r)
	}

	if Index(5).IsFixed() {
		t.Errorf("temp is not fixed")
	}

	if s := Index(5).String(); s != "t5" {
		t.Errorf("temp string: %v", s)
	}

	if s := r.String(); s != "r26" {
		t.Errorf("register string: %v", s)
	}
}

func TestSwizzleIdentity(t *testing.T) {
	for c := 0; c < ComponentCount; c++ {
		if l := SwizzleIdentity.Lane(c); l != c {
			t.Errorf("identity lane %v: %v", c, l)
		}
	}

	if s := SwizzleOf(0, 1, 2, 3); s != SwizzleIdentity {
		t.Errorf("identity build: %#x", s)
	}
}

func TestSwizzleCompose(t *testing.T) {
	s := SwizzleOf(3, 2, 1, 0)

	if got := s.Compose(SwizzleIdentity); got != s {
		t.Errorf("compose identity: %#x", got)
	}

	if got := s.Compose(s); got != SwizzleIdentity {
		t.Errorf("reverse twice: %#x", got)
	}

	// broadcast after reverse still broadcasts
	b := SwizzleOf(0, 0, 0, 0)
	if got := b.Compose(s); got != SwizzleOf(3, 3, 3, 3) {
		t.Errorf("broadcast compose: %#x", got)
	}
}

func TestAccessMask(t *testing.T) {
	if m := SwizzleIdentity.AccessMask(0x5); m != 0x5 {
		t.Errorf("identity access: %#x", m)
	}

	// every written component reads lane 0
	if m := SwizzleOf(0, 0, 0, 0).AccessMask(0xf); m != 0x1 {
		t.Errorf("broadcast access: %#x", m)
	}

	if m := SwizzleOf(3, 2, 1, 0).AccessMask(0x3); m != 0xc {
		t.Errorf("reversed access: %#x", m)
	}
}

func TestSingleComponent(t *testing.T) {
	for mask, want := range map[uint8]bool{
		0x0: false, 0x1: true, 0x2: true, 0x8: true, 0x3: false, 0xf: false,
	} {
		if got := SingleComponent(mask); got != want {
			t.Errorf("mask %#x: %v", mask, got)
		}
	}
}

func TestSrcReadMask(t *testing.T) {
	ins := NewInstruction(OpFAdd, 0, 1, 2)
	ins.Mask = 0x3

	if m := ins.SrcReadMask(0); m != 0x3 {
		t.Errorf("alu read mask: %#x", m)
	}

	ld := NewInstruction(OpLoad, 0, None, 1)
	ld.Mask = 0x1

	// non-alu reads through the full register
	if m := ld.SrcReadMask(1); m != 0xf {
		t.Errorf("ldst read mask: %#x", m)
	}

	br := NewInstruction(OpBranch, None, 3)
	br.CompactBranch = true
	br.Conditional = true
	br.Swz[0] = SwizzleOf(2, 2, 2, 2)

	if m := br.SrcReadMask(0); m != 0x4 {
		t.Errorf("branch cond read mask: %#x", m)
	}

	wr := NewInstruction(OpBranch, None, 4)
	wr.CompactBranch = true
	wr.Writeout = true

	if m := wr.SrcReadMask(0); m != 0xf {
		t.Errorf("writeout read mask: %#x", m)
	}
}

func TestReadMask(t *testing.T) {
	ins := NewInstruction(OpFAdd, 0, 1, 1)
	ins.Mask = 0x1
	ins.Swz[0] = SwizzleOf(0, 0, 0, 0)
	ins.Swz[1] = SwizzleOf(3, 3, 3, 3)

	if m := ins.ReadMask(1); m != 0x9 {
		t.Errorf("union over operands: %#x", m)
	}

	if m := ins.ReadMask(2); m != 0 {
		t.Errorf("unrelated node: %#x", m)
	}
}

func TestOpByName(t *testing.T) {
	for o := OpNop; o < opCount; o++ {
		got, ok := OpByName(o.Name())
		if !ok || got != o {
			t.Errorf("%v: got %v %v", o.Name(), got, ok)
		}
	}

	if _, ok := OpByName("frobnicate"); ok {
		t.Errorf("unknown op resolved")
	}
}

func TestSqueeze(t *testing.T) {
	p := &Program{TempCount: 100}
	b := p.NewBlock()

	b.Append(NewInstruction(OpFAdd, 40, Fixed(1), Fixed(2)))
	b.Append(NewInstruction(OpFMul, 77, 40, Fixed(1)))

	m := p.Squeeze()

	if p.TempCount != 2 {
		t.Errorf("temp count: %v", p.TempCount)
	}

	if m[40] != 0 || m[77] != 1 {
		t.Errorf("mapping: %v", m)
	}

	if b.Instructions[1].Src[0] != 0 || b.Instructions[1].Dest != 1 {
		t.Errorf("rewritten: %v %v", b.Instructions[1].Src[0], b.Instructions[1].Dest)
	}

	if p.LivenessValid {
		t.Errorf("liveness must be invalidated")
	}
}

func TestValidate(t *testing.T) {
	p := &Program{TempCount: 2}
	b := p.NewBlock()
	b.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	b.Append(NewInstruction(OpFMul, 1, 0, 0))

	if err := p.Validate(); err != nil {
		t.Errorf("valid program: %v", err)
	}

	bad := &Program{TempCount: 1}
	bb := bad.NewBlock()
	bb.Append(NewInstruction(OpFAdd, 0, 5, Fixed(1)))

	if err := bad.Validate(); err == nil {
		t.Errorf("undefined value accepted")
	}

	orphan := &Program{TempCount: 2}
	ob := orphan.NewBlock()
	ob.Append(NewInstruction(OpFAdd, 0, 1, Fixed(1)))

	if err := orphan.Validate(); err == nil {
		t.Errorf("read of a never written value accepted")
	}

	// reads may precede the definition block, only a producer must exist
	early := &Program{TempCount: 2}
	eb0 := early.NewBlock()
	eb1 := early.NewBlock()
	eb0.AddSuccessor(eb1)
	eb0.Append(NewInstruction(OpFMul, 1, 0, Fixed(1)))
	eb1.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))

	if err := early.Validate(); err != nil {
		t.Errorf("cross block read rejected: %v", err)
	}

	twice := &Program{TempCount: 1}
	tb := twice.NewBlock()
	tb.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	tb.Append(NewInstruction(OpFMul, 0, Fixed(1), Fixed(2)))

	if err := twice.Validate(); err == nil {
		t.Errorf("double write accepted")
	}

	mid := &Program{TempCount: 0}
	mb := mid.NewBlock()
	br := NewInstruction(OpBranch, None)
	br.CompactBranch = true
	mb.Append(br)
	mb.Append(NewInstruction(OpNop, None))

	if err := mid.Validate(); err == nil {
		t.Errorf("mid-block branch accepted")
	}
}

func TestInsertBundleBefore(t *testing.T) {
	p := &Program{TempCount: 3}
	b := p.NewBlock()

	i0 := b.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	i1 := b.Append(NewInstruction(OpFMul, 1, 0, Fixed(1)))

	b.Bundles = []*Bundle{
		{Tag: TagALU, Instructions: []*Instruction{i0}},
		{Tag: TagALU, Instructions: []*Instruction{i1}},
	}

	fill := NewInstruction(OpLoadScratch, 2)
	b.InsertBundleBefore(1, fill)

	if len(b.Bundles) != 3 || b.Bundles[1].Instructions[0] != fill {
		t.Errorf("bundle not inserted")
	}

	if b.Instructions[1] != fill {
		t.Errorf("instruction list out of bundle order: %v", b.Instructions)
	}

	tail := NewInstruction(OpStoreScratch, None, 1)
	b.InsertBundleAfter(2, tail)

	if b.Instructions[len(b.Instructions)-1] != tail {
		t.Errorf("append at end failed")
	}
}
