package ra

import (
	"tlog.app/go/errors"
)

/* The coloring core: nodes with register classes, alignment, numeric range
 * restrictions and component-masked interference edges. Two nodes may share
 * a register when their lane masks do not overlap, which is what lets
 * independent halves of a vec4 coexist.
 *
 * Everything iterates in index order, so identical input produces an
 * identical assignment.
 */

type (
	Class uint8

	// Window is the physical register range backing one class.
	Window struct {
		Base, Count int
	}

	Node struct {
		Class Class

		// Align is both start alignment and register footprint:
		// wide values take an even pair.
		Align int

		// Mask is the union of lanes the value occupies.
		Mask uint8

		// Fixed pins the node to a register; the solver never
		// reassigns it.
		Fixed int

		// extra numeric restriction inside the class window,
		// inclusive; -1 means unrestricted
		MinReg, MaxReg int

		// SpillCost < 0 excludes the node from spilling.
		SpillCost int
	}

	edge struct {
		other     int
		selfMask  uint8
		otherMask uint8
	}

	forbid struct {
		reg       int
		selfMask  uint8
		otherMask uint8
	}

	// SelectFunc picks a register for node n among candidates accepted
	// by ok. The default is lowest free.
	SelectFunc func(s *Solver, n int, ok func(reg int) bool) int

	Solver struct {
		Classes [ClassCount]Window
		Nodes   []Node

		adj    [][]edge
		forbid [][]forbid

		// Solution[n] is the assigned register, -1 while unassigned.
		Solution []int

		Select SelectFunc
	}
)

const (
	ClassWork Class = iota
	ClassLoadStore
	ClassTexRead
	ClassTexWrite

	ClassCount
)

func (c Class) String() string {
	switch c {
	case ClassWork:
		return "work"
	case ClassLoadStore:
		return "ldst"
	case ClassTexRead:
		return "texr"
	case ClassTexWrite:
		return "texw"
	default:
		return "class?"
	}
}

func NewSolver(classes [ClassCount]Window, nodes int) *Solver {
	s := &Solver{
		Classes:  classes,
		Nodes:    make([]Node, nodes),
		adj:      make([][]edge, nodes),
		forbid:   make([][]forbid, nodes),
		Solution: make([]int, nodes),
		Select:   LowestFree,
	}

	for i := range s.Nodes {
		s.Nodes[i] = Node{
			Align:     1,
			Mask:      0xf,
			Fixed:     -1,
			MinReg:    -1,
			MaxReg:    -1,
			SpillCost: 1,
		}
		s.Solution[i] = -1
	}

	return s
}

// AddInterference records that a and b are simultaneously live with the
// given lane masks. Symmetric; self edges are ignored.
func (s *Solver) AddInterference(a int, amask uint8, b int, bmask uint8) {
	if a == b || a < 0 || b < 0 {
		return
	}

	if amask == 0 || bmask == 0 {
		return
	}

	s.adj[a] = append(s.adj[a], edge{other: b, selfMask: amask, otherMask: bmask})
	s.adj[b] = append(s.adj[b], edge{other: a, selfMask: bmask, otherMask: amask})
}

// Forbid bars node n from a concrete register on overlapping lanes,
// used for conflicts with fixed hardware registers.
func (s *Solver) Forbid(n int, reg int, selfMask, regMask uint8) {
	if n < 0 {
		return
	}

	s.forbid[n] = append(s.forbid[n], forbid{reg: reg, selfMask: selfMask, otherMask: regMask})
}

func (s *Solver) RestrictRange(n, min, max int) {
	s.Nodes[n].MinReg = min
	s.Nodes[n].MaxReg = max
}

func regsOverlap(a, asize, b, bsize int) bool {
	return a < b+bsize && b < a+asize
}

func (s *Solver) fits(n, reg int) bool {
	nd := &s.Nodes[n]

	for _, e := range s.adj[n] {
		or := s.Solution[e.other]
		if or < 0 {
			continue
		}

		if !regsOverlap(reg, nd.Align, or, s.Nodes[e.other].Align) {
			continue
		}

		if e.selfMask&e.otherMask != 0 {
			return false
		}
	}

	for _, f := range s.forbid[n] {
		if regsOverlap(reg, nd.Align, f.reg, 1) && f.selfMask&f.otherMask != 0 {
			return false
		}
	}

	return true
}

// Solve assigns registers in node index order, pinned nodes first so they
// claim their registers before anyone else can. On pressure failure it
// reports the first node with no feasible register; the caller hands it to
// the spiller.
func (s *Solver) Solve() (failed int, err error) {
	for n := range s.Nodes {
		nd := &s.Nodes[n]
		if nd.Fixed < 0 {
			continue
		}

		if !s.fits(n, nd.Fixed) {
			// two pinned nodes overlap, spilling cannot help
			return n, errors.New("fixed node %v conflicts at r%v", n, nd.Fixed)
		}

		s.Solution[n] = nd.Fixed
	}

	for n := range s.Nodes {
		if s.Nodes[n].Fixed >= 0 {
			continue
		}

		reg := s.Select(s, n, func(r int) bool { return s.fits(n, r) })
		if reg < 0 {
			return n, ErrPressure
		}

		s.Solution[n] = reg
	}

	return -1, nil
}

// ErrPressure means no register could be found for some node and spilling
// should be attempted. Distinct from ErrNonConvergence, which terminates
// the spill loop.
var ErrPressure = errors.New("register pressure")

// LowestFree is the default color heuristic: the lowest register of the
// node's class window satisfying alignment, range, and interference.
func LowestFree(s *Solver, n int, ok func(reg int) bool) int {
	nd := &s.Nodes[n]
	w := s.Classes[nd.Class]

	lo, hi := w.Base, w.Base+w.Count-nd.Align

	if nd.MinReg >= 0 && nd.MinReg > lo {
		lo = nd.MinReg
	}

	if nd.MaxReg >= 0 && nd.MaxReg-nd.Align+1 < hi {
		hi = nd.MaxReg - nd.Align + 1
	}

	for r := lo; r <= hi; r++ {
		if r%nd.Align != 0 {
			continue
		}

		if ok(r) {
			return r
		}
	}

	return -1
}
