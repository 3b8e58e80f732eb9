package ra

import (
	"context"
	"testing"

	"tlog.app/go/errors"

	"github.com/warpc/warp/src/compiler/mir"
	"github.com/warpc/warp/src/compiler/sched"
	"github.com/warpc/warp/src/compiler/target"
)

func g52(t *testing.T) *target.Target {
	tgt, err := target.Preset("g52")
	if err != nil {
		t.Fatalf("preset: %v", err)
	}

	return tgt
}

func schedule(t *testing.T, p *mir.Program, tgt *target.Target) {
	err := sched.Schedule(context.Background(), p, tgt)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
}

// converge drives the allocate/spill loop the way the compiler does.
func converge(t *testing.T, p *mir.Program, tgt *target.Target) *Result {
	ctx := context.Background()

	for iter := 0; iter < tgt.SpillIterations; iter++ {
		res, err := Allocate(ctx, p, tgt)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}

		if res.OK {
			return res
		}

		err = Spill(ctx, p, res)
		if err != nil {
			t.Fatalf("spill: %v", err)
		}

		p.Squeeze()
	}

	t.Fatalf("allocation did not converge")

	return nil
}

func TestAllocateStraightLine(t *testing.T) {
	p := &mir.Program{TempCount: 3}
	b := p.NewBlock()

	b.Append(mir.NewInstruction(mir.OpFAdd, 0, mir.Fixed(1), mir.Fixed(2)))
	b.Append(mir.NewInstruction(mir.OpFMul, 1, 0, mir.Fixed(1)))
	b.Append(mir.NewInstruction(mir.OpFAdd, 2, 1, 0))

	tgt := g52(t)
	schedule(t, p, tgt)

	res, err := Allocate(context.Background(), p, tgt)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if !res.OK {
		t.Fatalf("allocation failed on node %v", res.Failed)
	}

	for tmp, r := range res.Registers {
		if r < 0 || r >= tgt.WorkRegisters {
			t.Errorf("t%v outside work window: r%v", tmp, r)
		}
	}

	// t0 and t1 are live together across the multiply
	if res.Registers[0] == res.Registers[1] {
		t.Errorf("overlapping values share r%v", res.Registers[0])
	}
}

func TestAllocateAcrossEmptyExit(t *testing.T) {
	// liveness must reach b0 even though the exit block contributes nothing
	p := &mir.Program{TempCount: 3}

	b0 := p.NewBlock()
	b1 := p.NewBlock()
	b2 := p.NewBlock()

	b0.AddSuccessor(b1)
	b1.AddSuccessor(b2)

	b0.Append(mir.NewInstruction(mir.OpFAdd, 0, mir.Fixed(1), mir.Fixed(2)))
	b0.Append(mir.NewInstruction(mir.OpFMul, 1, mir.Fixed(1), mir.Fixed(2)))
	b1.Append(mir.NewInstruction(mir.OpFAdd, 2, 0, 1))

	tgt := g52(t)
	schedule(t, p, tgt)

	res, err := Allocate(context.Background(), p, tgt)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if !res.OK {
		t.Fatalf("allocation failed on node %v", res.Failed)
	}

	if res.Registers[0] == res.Registers[1] {
		t.Errorf("t0 and t1 share r%v while simultaneously live", res.Registers[0])
	}
}

func TestAllocateTextureClasses(t *testing.T) {
	p := &mir.Program{TempCount: 3}
	b := p.NewBlock()

	b.Append(mir.NewInstruction(mir.OpFAdd, 0, mir.Fixed(1), mir.Fixed(2)))
	b.Append(mir.NewInstruction(mir.OpTexture, 1, 0))
	b.Append(mir.NewInstruction(mir.OpFAdd, 2, 1, mir.Fixed(1)))

	tgt := g52(t)
	schedule(t, p, tgt)

	res, err := Allocate(context.Background(), p, tgt)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if !res.OK {
		t.Fatalf("allocation failed on node %v", res.Failed)
	}

	inWindow := func(r, base, count int) bool { return r >= base && r < base+count }

	if !inWindow(res.Registers[0], tgt.TexReadBase, tgt.TexReadCount) {
		t.Errorf("texture source at r%v", res.Registers[0])
	}

	if !inWindow(res.Registers[1], tgt.TexWriteBase, tgt.TexWriteCount) {
		t.Errorf("texture result at r%v", res.Registers[1])
	}
}

func TestAllocatePinsWriteout(t *testing.T) {
	p := &mir.Program{TempCount: 1, Stage: mir.StageFragment}

	b0 := p.NewBlock()
	b1 := p.NewBlock()
	b0.AddSuccessor(b1)

	b0.Append(mir.NewInstruction(mir.OpFMul, 0, mir.Fixed(1), mir.Fixed(2)))

	br := mir.NewInstruction(mir.OpBranch, mir.None, 0)
	br.CompactBranch = true
	br.Writeout = true
	br.Target = 1
	b0.Append(br)

	tgt := g52(t)
	schedule(t, p, tgt)

	res, err := Allocate(context.Background(), p, tgt)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if !res.OK {
		t.Fatalf("allocation failed on node %v", res.Failed)
	}

	if br.Src[0].IsFixed() {
		t.Skipf("scheduler staged the output through a move")
	}

	if res.Registers[br.Src[0]] != mir.RegWriteout {
		t.Errorf("fragment output at r%v", res.Registers[br.Src[0]])
	}
}

func TestAllocateMaskedSharing(t *testing.T) {
	// two long-lived two-lane values with disjoint masks may overlap
	p := &mir.Program{TempCount: 4}
	b := p.NewBlock()

	lo := mir.NewInstruction(mir.OpFAdd, 0, mir.Fixed(1), mir.Fixed(2))
	lo.Mask = 0x3
	b.Append(lo)

	hi := mir.NewInstruction(mir.OpFAdd, 1, mir.Fixed(1), mir.Fixed(2))
	hi.Mask = 0xc
	b.Append(hi)

	u0 := mir.NewInstruction(mir.OpFMul, 2, 0, 1)
	u0.Mask = 0x3
	b.Append(u0)

	u1 := mir.NewInstruction(mir.OpFMul, 3, 0, 1)
	u1.Mask = 0xc
	b.Append(u1)

	tgt := g52(t)
	schedule(t, p, tgt)

	res, err := Allocate(context.Background(), p, tgt)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if !res.OK {
		t.Fatalf("allocation failed on node %v", res.Failed)
	}
}

func TestSpillConvergence(t *testing.T) {
	const n = 24 // more simultaneously live vectors than work registers

	p := &mir.Program{}
	b := p.NewBlock()

	for i := 0; i < n; i++ {
		b.Append(mir.NewInstruction(mir.OpLoadUniform, p.NewTemp()))
	}

	acc := mir.Index(0)

	for i := 1; i < n; i++ {
		sum := p.NewTemp()
		b.Append(mir.NewInstruction(mir.OpFAdd, sum, acc, mir.Index(i)))
		acc = sum
	}

	tgt := g52(t)
	schedule(t, p, tgt)

	res := converge(t, p, tgt)

	if p.Spills == 0 || p.Fills == 0 {
		t.Errorf("expected spill traffic, got %v/%v", p.Spills, p.Fills)
	}

	if p.ScratchSlots == 0 {
		t.Errorf("no scratch memory reserved")
	}

	for tmp, r := range res.Registers {
		w := res.Solver.Classes[res.Solver.Nodes[tmp].Class]

		if r < w.Base || r >= w.Base+w.Count {
			t.Errorf("t%v outside its class window: r%v", tmp, r)
		}
	}

	t.Logf("converged: spills %v fills %v slots %v temps %v", p.Spills, p.Fills, p.ScratchSlots, p.TempCount)
}

func TestSpillExactTraffic(t *testing.T) {
	// one long lived value over a region that exactly fills the work file:
	// spilling it alone must converge, with one store after the definition
	// and one fill per use site
	const n = 16

	p := &mir.Program{}
	b := p.NewBlock()

	victim := p.NewTemp()
	b.Append(mir.NewInstruction(mir.OpLoadUniform, victim))

	loads := make([]mir.Index, n)

	for i := range loads {
		loads[i] = p.NewTemp()
		b.Append(mir.NewInstruction(mir.OpLoadUniform, loads[i]))
	}

	acc := loads[0]

	for i := 1; i < n; i++ {
		sum := p.NewTemp()
		b.Append(mir.NewInstruction(mir.OpFAdd, sum, acc, loads[i]))
		acc = sum
	}

	last := p.NewTemp()
	b.Append(mir.NewInstruction(mir.OpFAdd, last, acc, victim))
	b.Append(mir.NewInstruction(mir.OpStore, mir.None, last, mir.Fixed(1), mir.Fixed(2)))

	tgt := g52(t)
	schedule(t, p, tgt)

	converge(t, p, tgt)

	if p.Spills != 1 || p.Fills != 1 {
		t.Fatalf("spill traffic: %v stores, %v fills", p.Spills, p.Fills)
	}

	if p.ScratchSlots != 1 {
		t.Errorf("scratch slots: %v", p.ScratchSlots)
	}

	stores, fills := 0, 0

	for _, ins := range b.Instructions {
		switch ins.Op {
		case mir.OpStoreScratch:
			stores++
		case mir.OpLoadScratch:
			fills++
		}
	}

	if stores != 1 || fills != 1 {
		t.Errorf("scratch instructions: %v stores, %v fills", stores, fills)
	}
}

func TestSpillNoCandidates(t *testing.T) {
	// allocation failed but everything is pinned: the spiller must report
	// non convergence instead of looping
	s := NewSolver(workOnly(2), 2)
	s.Nodes[0].Fixed = 0
	s.Nodes[1].Fixed = 1

	res := &Result{Solver: s, Failed: 0}

	err := Spill(context.Background(), &mir.Program{}, res)
	if !errors.Is(err, ErrNonConvergence) {
		t.Fatalf("expected non convergence, got %v", err)
	}
}

func TestInstall(t *testing.T) {
	p := &mir.Program{TempCount: 2}
	b := p.NewBlock()

	b.Append(mir.NewInstruction(mir.OpFAdd, 0, mir.Fixed(1), mir.Fixed(2)))
	b.Append(mir.NewInstruction(mir.OpFMul, 1, 0, mir.Fixed(1)))

	tgt := g52(t)
	schedule(t, p, tgt)

	res, err := Allocate(context.Background(), p, tgt)
	if err != nil || !res.OK {
		t.Fatalf("allocate: %v %+v", err, res)
	}

	err = Install(context.Background(), p, res)
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	for _, ins := range b.Instructions {
		if ins.Dest != mir.None && !ins.Dest.IsFixed() {
			t.Errorf("unallocated destination: %v", ins.Dest)
		}

		for _, src := range ins.Src {
			if src != mir.None && !src.IsFixed() {
				t.Errorf("unallocated source: %v", src)
			}
		}
	}
}

func TestInstallRejectsFailure(t *testing.T) {
	err := Install(context.Background(), &mir.Program{}, &Result{})
	if err == nil {
		t.Errorf("failed allocation installed")
	}
}
