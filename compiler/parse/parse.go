// Package parse reads the textual mir dump format.
//
// The format is line oriented. `#` starts a comment. A program is a
// stage line followed by blocks:
//
//	stage fragment
//
//	block 0
//	t0 = ld_uniform r1
//	t1 = fadd t0 t0.xxxx mask 0x3
//	st t1 r1 r2
//	br 1
//	succ 1
//
// Operands are temporaries (tN), fixed registers (rN) or `_`, each with
// an optional swizzle suffix (.xyzw). Trailing attributes: mask,
// wide, writeout, const.
package parse

import (
	"strconv"
	"strings"

	"tlog.app/go/errors"

	"github.com/warpc/warp/src/compiler/mir"
)

type parser struct {
	p *mir.Program

	temps map[int]mir.Index
	succs map[*mir.Block][]int

	line int
}

func Parse(text []byte) (*mir.Program, error) {
	pr := &parser{
		p:     &mir.Program{},
		temps: map[int]mir.Index{},
		succs: map[*mir.Block][]int{},
	}

	var b *mir.Block

	for _, l := range strings.Split(string(text), "\n") {
		pr.line++

		if i := strings.IndexByte(l, '#'); i >= 0 {
			l = l[:i]
		}

		f := strings.Fields(l)
		if len(f) == 0 {
			continue
		}

		var err error

		switch f[0] {
		case "stage":
			err = pr.stage(f[1:])
		case "block":
			b, err = pr.block(f[1:])
		case "succ":
			err = pr.succ(b, f[1:])
		default:
			err = pr.instruction(b, f)
		}

		if err != nil {
			return nil, errors.Wrap(err, "line %v", pr.line)
		}
	}

	for b, ss := range pr.succs {
		for _, s := range ss {
			if s < 0 || s >= len(pr.p.Blocks) {
				return nil, errors.New("block %v: successor %v out of range", b.ID, s)
			}

			b.AddSuccessor(pr.p.Blocks[s])
		}
	}

	if err := pr.p.Validate(); err != nil {
		return nil, err
	}

	return pr.p, nil
}

func (pr *parser) stage(f []string) error {
	if len(f) != 1 {
		return errors.New("stage wants one argument")
	}

	switch f[0] {
	case "vertex":
		pr.p.Stage = mir.StageVertex
	case "fragment":
		pr.p.Stage = mir.StageFragment
	default:
		return errors.New("unknown stage %v", f[0])
	}

	return nil
}

func (pr *parser) block(f []string) (*mir.Block, error) {
	if len(f) != 1 {
		return nil, errors.New("block wants one argument")
	}

	id, err := strconv.Atoi(f[0])
	if err != nil {
		return nil, errors.Wrap(err, "block id")
	}

	b := pr.p.NewBlock()
	if b.ID != id {
		return nil, errors.New("block %v out of order, expected %v", id, b.ID)
	}

	return b, nil
}

func (pr *parser) succ(b *mir.Block, f []string) error {
	if b == nil {
		return errors.New("succ outside a block")
	}

	for _, a := range f {
		s, err := strconv.Atoi(a)
		if err != nil {
			return errors.Wrap(err, "successor")
		}

		pr.succs[b] = append(pr.succs[b], s)
	}

	return nil
}

func (pr *parser) instruction(b *mir.Block, f []string) error {
	if b == nil {
		return errors.New("instruction outside a block")
	}

	dest := mir.None

	if len(f) >= 2 && f[1] == "=" {
		d, _, err := pr.operand(f[0], true)
		if err != nil {
			return errors.Wrap(err, "dest")
		}

		dest = d
		f = f[2:]
	}

	if len(f) == 0 {
		return errors.New("missing op")
	}

	op, ok := mir.OpByName(f[0])
	if !ok {
		return errors.New("unknown op %v", f[0])
	}

	ins := mir.NewInstruction(op, dest)
	f = f[1:]

	if op == mir.OpBranch {
		if len(f) == 0 {
			return errors.New("branch wants a target")
		}

		t, err := strconv.Atoi(f[0])
		if err != nil {
			return errors.Wrap(err, "branch target")
		}

		ins.Target = t
		f = f[1:]
	}

	nsrc := 0

	for len(f) != 0 && !isAttr(f[0]) {
		if nsrc == len(ins.Src) {
			return errors.New("too many operands")
		}

		s, swz, err := pr.operand(f[0], false)
		if err != nil {
			return errors.Wrap(err, "src %v", nsrc)
		}

		ins.Src[nsrc] = s
		ins.Swz[nsrc] = swz
		nsrc++

		f = f[1:]
	}

	err := pr.attrs(ins, f)
	if err != nil {
		return err
	}

	if op == mir.OpBranch {
		ins.CompactBranch = true
		ins.Conditional = nsrc != 0 && !ins.Writeout
	}
	if op == mir.OpCsel && nsrc != 3 {
		return errors.New("csel wants three operands")
	}

	b.Append(ins)

	return nil
}

func (pr *parser) attrs(ins *mir.Instruction, f []string) error {
	for len(f) != 0 {
		switch f[0] {
		case "mask":
			if len(f) < 2 {
				return errors.New("mask wants a value")
			}

			m, err := strconv.ParseUint(f[1], 0, 8)
			if err != nil {
				return errors.Wrap(err, "mask")
			}

			ins.Mask = uint8(m) & 0xf
			f = f[2:]
		case "wide":
			ins.Wide = true
			f = f[1:]
		case "writeout":
			ins.Writeout = true
			f = f[1:]
		case "const":
			ins.HasConstants = true
			f = f[1:]

			for c := 0; c < len(ins.Constants) && len(f) != 0 && !isAttr(f[0]); c++ {
				w, err := strconv.ParseUint(f[0], 0, 32)
				if err != nil {
					return errors.Wrap(err, "constant %v", c)
				}

				ins.Constants[c] = uint32(w)
				f = f[1:]
			}
		default:
			return errors.New("unexpected token %v", f[0])
		}
	}

	return nil
}

func isAttr(tok string) bool {
	switch tok {
	case "mask", "wide", "writeout", "const":
		return true
	}

	return false
}

func (pr *parser) operand(tok string, dst bool) (mir.Index, mir.Swizzle, error) {
	swz := mir.SwizzleIdentity

	if i := strings.IndexByte(tok, '.'); i >= 0 {
		if dst {
			return mir.None, swz, errors.New("swizzle on dest")
		}

		s, err := parseSwizzle(tok[i+1:])
		if err != nil {
			return mir.None, swz, err
		}

		swz = s
		tok = tok[:i]
	}

	if tok == "_" {
		return mir.None, swz, nil
	}

	if len(tok) < 2 || tok[0] != 't' && tok[0] != 'r' {
		return mir.None, swz, errors.New("bad operand %v", tok)
	}

	n, err := strconv.Atoi(tok[1:])
	if err != nil {
		return mir.None, swz, errors.Wrap(err, "operand %v", tok)
	}

	if tok[0] == 'r' {
		return mir.Fixed(n), swz, nil
	}

	x, ok := pr.temps[n]
	if !ok {
		x = pr.p.NewTemp()
		pr.temps[n] = x
	}

	return x, swz, nil
}

func parseSwizzle(s string) (mir.Swizzle, error) {
	if len(s) == 0 || len(s) > mir.ComponentCount {
		return 0, errors.New("bad swizzle .%v", s)
	}

	var lanes [mir.ComponentCount]int

	for c := 0; c < mir.ComponentCount; c++ {
		ch := s[len(s)-1]
		if c < len(s) {
			ch = s[c]
		}

		l := strings.IndexByte("xyzw", ch)
		if l < 0 {
			return 0, errors.New("bad swizzle .%v", s)
		}

		lanes[c] = l
	}

	return mir.SwizzleOf(lanes[0], lanes[1], lanes[2], lanes[3]), nil
}
