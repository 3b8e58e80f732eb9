package mir

import (
	"testing"

	"github.com/warpc/warp/src/compiler/bitmap"
)

func TestLivenessStraightLine(t *testing.T) {
	p := &Program{TempCount: 3}
	b := p.NewBlock()

	b.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	b.Append(NewInstruction(OpFMul, 1, 0, Fixed(1)))
	b.Append(NewInstruction(OpFAdd, 2, 1, 0))

	p.ComputeLiveness()

	if m := LiveMask(&b.LiveIn, 0); m != 0 {
		t.Errorf("t0 live before its definition: %#x", m)
	}

	if m := LiveMask(&b.LiveOut, 2); m != 0 {
		t.Errorf("t2 live out of an exit block: %#x", m)
	}

	// repeated calls must be stable
	in := b.LiveIn.Copy()
	p.ComputeLiveness()

	if !in.Equal(b.LiveIn) {
		t.Errorf("liveness not idempotent")
	}
}

func TestLivenessAcrossBlocks(t *testing.T) {
	p := &Program{TempCount: 2}

	b0 := p.NewBlock()
	b1 := p.NewBlock()
	b0.AddSuccessor(b1)

	b0.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	b1.Append(NewInstruction(OpFMul, 1, 0, Fixed(1)))

	p.ComputeLiveness()

	if m := LiveMask(&b0.LiveOut, 0); m != 0xf {
		t.Errorf("t0 must flow into the successor: %#x", m)
	}

	if m := LiveMask(&b1.LiveIn, 0); m != 0xf {
		t.Errorf("t0 must be live into b1: %#x", m)
	}

	if m := LiveMask(&b0.LiveIn, 0); m != 0 {
		t.Errorf("t0 live before definition: %#x", m)
	}
}

func TestLivenessPastEmptyExit(t *testing.T) {
	p := &Program{TempCount: 3}

	b0 := p.NewBlock()
	b1 := p.NewBlock()
	b2 := p.NewBlock()

	b0.AddSuccessor(b1)
	b1.AddSuccessor(b2)

	b0.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	b0.Append(NewInstruction(OpFMul, 1, Fixed(1), Fixed(2)))
	b1.Append(NewInstruction(OpFAdd, 2, 0, 1))

	// b2 is empty: its live-in never changes from the initial empty set,
	// which must not stop the walk from reaching b1 and b0
	p.ComputeLiveness()

	if m := LiveMask(&b0.LiveOut, 0); m != 0xf {
		t.Errorf("t0 dead across the edge: %#x", m)
	}

	if m := LiveMask(&b0.LiveOut, 1); m != 0xf {
		t.Errorf("t1 dead across the edge: %#x", m)
	}

	if m := LiveMask(&b1.LiveIn, 0); m != 0xf {
		t.Errorf("t0 dead at b1 entry: %#x", m)
	}

	if m := LiveMask(&b1.LiveOut, 2); m != 0 {
		t.Errorf("t2 live out of b1: %#x", m)
	}
}

func TestLivenessComponents(t *testing.T) {
	p := &Program{TempCount: 2}

	b0 := p.NewBlock()
	b1 := p.NewBlock()
	b0.AddSuccessor(b1)

	b0.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))

	use := NewInstruction(OpFMul, 1, 0, Fixed(1))
	use.Mask = 0x1
	use.Swz[0] = SwizzleOf(2, 2, 2, 2)
	b1.Append(use)

	p.ComputeLiveness()

	// only the z component crosses the edge
	if m := LiveMask(&b0.LiveOut, 0); m != 0x4 {
		t.Errorf("live components: %#x", m)
	}
}

func TestLivenessLoop(t *testing.T) {
	p := &Program{TempCount: 3}

	head := p.NewBlock()
	body := p.NewBlock()
	exit := p.NewBlock()

	head.AddSuccessor(body)
	body.AddSuccessor(body)
	body.AddSuccessor(exit)

	head.Append(NewInstruction(OpFAdd, 0, Fixed(1), Fixed(2)))
	body.Append(NewInstruction(OpFMul, 1, 0, Fixed(1)))
	exit.Append(NewInstruction(OpFAdd, 2, 0, Fixed(2)))

	p.ComputeLiveness()

	// t0 is read on every iteration and after the loop
	if m := LiveMask(&body.LiveOut, 0); m != 0xf {
		t.Errorf("loop carried value dead: %#x", m)
	}

	if m := LiveMask(&body.LiveIn, 0); m != 0xf {
		t.Errorf("loop carried value dead at body entry: %#x", m)
	}
}

func TestInsUpdateKillThenGen(t *testing.T) {
	live := bitmap.MakeSize(2 * ComponentCount)

	setMask(&live, 0, 0xf)

	ins := NewInstruction(OpFAdd, 0, 1, 1)
	InsUpdate(&live, ins)

	if m := LiveMask(&live, 0); m != 0 {
		t.Errorf("dest not killed: %#x", m)
	}

	if m := LiveMask(&live, 1); m != 0xf {
		t.Errorf("sources not generated: %#x", m)
	}

	// an operand that doubles as destination stays live
	self := NewInstruction(OpFMul, 1, 1, Fixed(1))
	InsUpdate(&live, self)

	if m := LiveMask(&live, 1); m != 0xf {
		t.Errorf("self operand killed: %#x", m)
	}
}
