package mir

import (
	"tlog.app/go/errors"
)

// Validate fails fast on malformed input instead of producing a plausible
// but wrong schedule: out-of-range value references, values written by more
// than one instruction, values read but produced nowhere, branches to
// missing blocks.
func (p *Program) Validate() error {
	producers := make([]int8, p.TempCount)

	// producers are collected over the whole program first: block order is
	// not dominance, a value may be read in an earlier block than it is
	// defined in
	for _, b := range p.Blocks {
		for i, ins := range b.Instructions {
			err := noteProducer(ins, producers, p.TempCount)
			if err != nil {
				return errors.Wrap(err, "block %v ins %v (%v)", b.ID, i, ins.Op.Name())
			}
		}
	}

	for _, b := range p.Blocks {
		for i, ins := range b.Instructions {
			err := p.validateIns(ins, producers)
			if err == nil && ins.IsBranch() && i != len(b.Instructions)-1 {
				err = errors.New("branch before block end")
			}
			if err != nil {
				return errors.Wrap(err, "block %v ins %v (%v)", b.ID, i, ins.Op.Name())
			}
		}
	}

	return nil
}

func noteProducer(ins *Instruction, producers []int8, tempCount int) error {
	d := ins.Dest

	switch {
	case d == None:
		return nil
	case d.IsFixed():
		if r := d.Register(); r < 0 || r > RegCondition {
			return errors.New("dest: fixed register out of range: %v", r)
		}

		return nil
	case int(d) >= tempCount || d < 0:
		return errors.New("dest: undefined value: %v of %v", d, tempCount)
	case producers[d] != 0:
		return errors.New("value %v written twice", d)
	}

	producers[d] = 1

	return nil
}

func (p *Program) validateIns(ins *Instruction, producers []int8) error {
	check := func(x Index) error {
		switch {
		case x == None:
			return nil
		case x.IsFixed():
			if r := x.Register(); r < 0 || r > RegCondition {
				return errors.New("fixed register out of range: %v", r)
			}

			return nil
		case int(x) >= p.TempCount || x < 0:
			return errors.New("undefined value: %v of %v", x, p.TempCount)
		case producers[x] == 0:
			return errors.New("value %v read but never written", x)
		default:
			return nil
		}
	}

	for s, src := range ins.Src {
		err := check(src)
		if err != nil {
			return errors.Wrap(err, "src %v", s)
		}
	}

	if ins.IsBranch() {
		if ins.Target < 0 || ins.Target >= len(p.Blocks) {
			return errors.New("branch target out of range: %v", ins.Target)
		}

		if ins.Conditional && ins.Src[0] == None {
			return errors.New("conditional branch without condition")
		}
	}

	return nil
}
