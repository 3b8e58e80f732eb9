package sched

import (
	"github.com/warpc/warp/src/compiler/bitmap"
	"github.com/warpc/warp/src/compiler/mir"
)

/* The dependency graph is built at component granularity: tracking whole
 * registers would serialize instructions touching disjoint halves of a vec4.
 *
 * The block is scanned in reverse program order, so the recorded "parents"
 * of an access are the later instructions. An instruction is ready once
 * every later instruction depending on it has been bundled, which is
 * exactly what a backward list scheduler wants.
 */

type (
	graph struct {
		ins []*mir.Instruction

		// dependents[i] holds the instructions that must be bundled
		// before i may be, walking backward.
		dependents []bitmap.Big
		ndeps      []int
	}

	// accessTable records, per (value, component), the instruction
	// indices of the most recent accesses seen so far in the scan.
	accessTable struct {
		at [][]int32
	}
)

func makeAccessTable(nodes int) accessTable {
	return accessTable{at: make([][]int32, nodes*mir.ComponentCount)}
}

func (t *accessTable) mark(node mir.Index, mask uint8, i int) {
	if node == mir.None || node.IsFixed() {
		return
	}

	for c := 0; c < mir.ComponentCount; c++ {
		if mask&(1<<c) == 0 {
			continue
		}

		j := int(node)*mir.ComponentCount + c
		t.at[j] = append(t.at[j], int32(i))
	}
}

// addDependency links child to every recorded parent of the accessed
// components, counting each (parent, child) pair once.
func (g *graph) addDependency(t *accessTable, node mir.Index, mask uint8, child int) {
	if node == mir.None || node.IsFixed() {
		return
	}

	for c := 0; c < mir.ComponentCount; c++ {
		if mask&(1<<c) == 0 {
			continue
		}

		for _, parent := range t.at[int(node)*mir.ComponentCount+c] {
			if g.dependents[parent].IsSet(child) {
				continue
			}

			g.dependents[parent].Set(child)
			g.ndeps[child]++
		}
	}
}

// buildGraph computes dependency counts and dependents bitsets for one
// block's flat instruction array.
func buildGraph(ins []*mir.Instruction, tempCount int) *graph {
	g := &graph{
		ins:        ins,
		dependents: make([]bitmap.Big, len(ins)),
		ndeps:      make([]int, len(ins)),
	}

	for i := range g.dependents {
		g.dependents[i] = bitmap.MakeSize(len(ins))
	}

	lastRead := makeAccessTable(tempCount)
	lastWrite := makeAccessTable(tempCount)

	for i := len(ins) - 1; i >= 0; i-- {
		q := ins[i]

		// the branch is handled below as a total order barrier
		if q.CompactBranch {
			continue
		}

		for s, src := range q.Src {
			if src == mir.None || src.IsFixed() {
				continue
			}

			g.addDependency(&lastWrite, src, q.SrcReadMask(s), i)
		}

		if q.Dest != mir.None && !q.Dest.IsFixed() {
			g.addDependency(&lastRead, q.Dest, q.Mask, i)  // write-after-read
			g.addDependency(&lastWrite, q.Dest, q.Mask, i) // write-after-write

			lastWrite.mark(q.Dest, q.Mask, i)
		}

		for s, src := range q.Src {
			lastRead.mark(src, q.SrcReadMask(s), i)
		}
	}

	// Interblock execution is in order: everything waits on a trailing
	// branch, so the branch is bundled first going backward.
	if n := len(ins); n > 0 && ins[n-1].CompactBranch {
		br := n - 1

		for i := n - 2; i >= 0; i-- {
			if g.dependents[br].IsSet(i) {
				continue
			}

			g.dependents[br].Set(i)
			g.ndeps[i]++
		}
	}

	return g
}

// initWorklist seeds the ready set with dependency-free instructions.
func (g *graph) initWorklist() bitmap.Big {
	w := bitmap.MakeSize(len(g.ins))

	for i, n := range g.ndeps {
		if n == 0 {
			w.Set(i)
		}
	}

	return w
}

// update retires a scheduled instruction: its edges are removed and
// newly dependency-free instructions join the worklist. It reports
// whether the instruction was part of the graph at all.
func (g *graph) update(worklist *bitmap.Big, done *mir.Instruction) bool {
	if done == nil {
		return false
	}

	di := -1

	for i, q := range g.ins {
		if q == done {
			di = i
			break
		}
	}

	if di < 0 {
		// synthesized mid-scheduling, not part of the graph
		return false
	}

	if g.ndeps[di] != 0 {
		panic("retiring instruction with unresolved dependencies")
	}

	g.dependents[di].Range(func(i int) bool {
		if g.ndeps[i] == 0 {
			panic("dependency count underflow")
		}

		g.ndeps[i]--

		if g.ndeps[i] == 0 {
			worklist.Set(i)
		}

		return true
	})

	return true
}
