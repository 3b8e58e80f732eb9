package mir

import (
	"fmt"

	"github.com/warpc/warp/src/compiler/bitmap"
)

/* The machine IR is a CFG of blocks, each an ordered mutable list of
 * instructions. Values are plain indices; the front end hands us the program
 * in SSA form with dense def/use indices, and the backend mutates it in place
 * through scheduling and spilling.
 *
 * ALU instructions are vector ops over vec4 registers with a 4-bit write mask
 * and a packed 2-bit-per-lane swizzle per source. Bundles are filled per
 * functional unit:
 *
 *   [VMUL] [SADD]
 *   [VADD] [SMUL] [VLUT] [BRANCH]
 *
 * Branch conditions are consumed through the condition pipeline register
 * within the same bundle. Fragment writeout requires the output register
 * written in full within the branch bundle.
 */

type (
	// Index references a value. Three domains: SSA temporaries (dense,
	// starting at zero), fixed physical registers (Fixed), and None.
	Index int32

	// Tag classifies an instruction and the bundle it may join.
	Tag uint8

	// Unit is a functional unit bit within an ALU bundle.
	Unit uint16

	Op uint8

	// Swizzle packs four source lane selectors, two bits each.
	Swizzle uint8

	Stage uint8

	Instruction struct {
		Op   Op
		Tag  Tag
		Unit Unit // assigned during scheduling

		Dest Index
		Src  [3]Index

		Mask uint8 // components of Dest written
		Swz  [3]Swizzle

		HasConstants bool
		Constants    [4]uint32

		// branches
		CompactBranch bool
		Conditional   bool
		Writeout      bool
		Target        int // successor block id

		// texture pipeline retirement
		Continuation bool
		Last         bool

		// spill machinery
		NoSpill bool
		Hint    bool

		// 64-bit destination, allocated to an aligned register pair
		Wide bool

		ScratchSlot int // for scratch loads/stores
	}

	Block struct {
		ID int

		Instructions []*Instruction

		Predecessors []*Block
		Successors   []*Block

		// component-granular liveness, one bit per (value, component)
		LiveIn  bitmap.Big
		LiveOut bitmap.Big

		Bundles   []*Bundle
		Scheduled bool

		QuadwordCount int
	}

	// Bundle is one VLIW issue group. For ALU it holds up to one
	// instruction per unit plus an optional 128-bit constant pool shared
	// by its instructions.
	Bundle struct {
		Tag     Tag
		Control uint16

		Instructions []*Instruction

		HasConstants  bool
		Constants     [4]uint32
		ConstantCount int // 32-bit words in use

		Padding   uint8
		Quadwords int
	}

	// Program is one compilation context. There is no global compiler
	// state; concurrent compilations each own a Program.
	Program struct {
		Stage Stage

		Blocks []*Block

		// TempCount is the number of dense SSA indices in use.
		// Squeeze renumbers into this space after IR mutation.
		TempCount int

		LivenessValid bool

		Spills, Fills int
		ScratchSlots  int
	}
)

const ComponentCount = 4

const (
	None      Index = -1
	fixedBase Index = 1 << 24
)

const (
	TagALU Tag = iota
	TagLoadStore
	TagTexture
)

const (
	UnitVMul Unit = 1 << iota
	UnitSAdd
	UnitVAdd
	UnitSMul
	UnitVLut
	UnitBranch
)

const (
	StageVertex Stage = iota
	StageFragment
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	}

	return fmt.Sprintf("stage(%d)", int(s))
}

// Fixed hardware registers with dedicated roles. r26 doubles as the
// embedded constant source in ALU context and the spill staging base in
// load/store context.
const (
	RegWriteout  = 0  // fragment output
	RegCondition = 31 // condition pipeline register
	RegConstant  = 26 // embedded bundle constants
	RegSpillBase = 26 // r26/r27 spill staging window
)

const SwizzleIdentity Swizzle = 0xe4 // wzyx packed as 11 10 01 00

const (
	OpNop Op = iota
	OpMov
	OpFAdd
	OpFMul
	OpFMin
	OpFMax
	OpFCmp
	OpIAdd
	OpIMul
	OpICmp
	OpCsel // src2 is the condition
	OpRcp  // table lookup unit only
	OpRsqrt

	OpLoad
	OpStore
	OpLoadUniform
	OpLoadScratch
	OpStoreScratch

	OpTexture
	OpTexFetch

	OpBranch

	opCount
)

type opInfo struct {
	name  string
	tag   Tag
	units Unit
	// scalarable ops may run on SADD/SMUL when masked to one component
	scalarable bool
}

// unit sets per pipeline family; scalar units shadow the vector ones and
// only admit single-component scalarable ops
const (
	unitsMul  = UnitVMul | UnitSMul
	unitsAdd  = UnitVAdd | UnitSAdd
	unitsMost = unitsMul | unitsAdd | UnitVLut
)

var ops = [opCount]opInfo{
	OpNop:   {name: "nop", tag: TagALU, units: UnitVMul | UnitVAdd},
	OpMov:   {name: "mov", tag: TagALU, units: unitsMost, scalarable: true},
	OpFAdd:  {name: "fadd", tag: TagALU, units: unitsMul | unitsAdd, scalarable: true},
	OpFMul:  {name: "fmul", tag: TagALU, units: unitsMul | UnitVLut, scalarable: true},
	OpFMin:  {name: "fmin", tag: TagALU, units: unitsMul | unitsAdd, scalarable: true},
	OpFMax:  {name: "fmax", tag: TagALU, units: unitsMul | unitsAdd, scalarable: true},
	OpFCmp:  {name: "fcmp", tag: TagALU, units: unitsMul | unitsAdd, scalarable: true},
	OpIAdd:  {name: "iadd", tag: TagALU, units: unitsMul | unitsAdd, scalarable: true},
	OpIMul:  {name: "imul", tag: TagALU, units: unitsMul, scalarable: true},
	OpICmp:  {name: "icmp", tag: TagALU, units: unitsMul | unitsAdd, scalarable: true},
	OpCsel:  {name: "csel", tag: TagALU, units: UnitVAdd | UnitSMul},
	OpRcp:   {name: "rcp", tag: TagALU, units: UnitVLut},
	OpRsqrt: {name: "rsqrt", tag: TagALU, units: UnitVLut},

	OpLoad:         {name: "ld", tag: TagLoadStore},
	OpStore:        {name: "st", tag: TagLoadStore},
	OpLoadUniform:  {name: "ld_uniform", tag: TagLoadStore},
	OpLoadScratch:  {name: "ld_scratch", tag: TagLoadStore},
	OpStoreScratch: {name: "st_scratch", tag: TagLoadStore},

	OpTexture:  {name: "tex", tag: TagTexture},
	OpTexFetch: {name: "texel_fetch", tag: TagTexture},

	OpBranch: {name: "br", tag: TagALU, units: UnitBranch},
}

// OpByName resolves a textual mnemonic to its op.
func OpByName(name string) (Op, bool) {
	for o, info := range ops {
		if info.name == name {
			return Op(o), true
		}
	}

	return 0, false
}

func (o Op) Name() string {
	if int(o) < len(ops) && ops[o].name != "" {
		return ops[o].name
	}

	return fmt.Sprintf("op(%d)", int(o))
}

func (o Op) Tag() Tag { return ops[o].tag }

// Units is the set of functional units the op may execute on.
func (o Op) Units() Unit { return ops[o].units }

func (o Op) Scalarable() bool { return ops[o].scalarable }

func (o Op) IsCsel() bool { return o == OpCsel }

func Fixed(reg int) Index { return fixedBase + Index(reg) }

func (i Index) IsFixed() bool { return i >= fixedBase }

// Register returns the physical register of a fixed index.
func (i Index) Register() int {
	if !i.IsFixed() {
		panic(i)
	}

	return int(i - fixedBase)
}

func (i Index) String() string {
	switch {
	case i == None:
		return "_"
	case i.IsFixed():
		return fmt.Sprintf("r%d", i.Register())
	default:
		return fmt.Sprintf("t%d", int(i))
	}
}

func (t Tag) String() string {
	switch t {
	case TagALU:
		return "alu"
	case TagLoadStore:
		return "ldst"
	case TagTexture:
		return "tex"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

func (u Unit) String() string {
	switch u {
	case UnitVMul:
		return "vmul"
	case UnitSAdd:
		return "sadd"
	case UnitVAdd:
		return "vadd"
	case UnitSMul:
		return "smul"
	case UnitVLut:
		return "vlut"
	case UnitBranch:
		return "branch"
	default:
		return fmt.Sprintf("unit(%#x)", uint16(u))
	}
}

// Lane returns the source lane read to produce component c.
func (s Swizzle) Lane(c int) int { return int(s>>(2*c)) & 3 }

func SwizzleOf(x, y, z, w int) Swizzle {
	return Swizzle(x&3 | y&3<<2 | z&3<<4 | w&3<<6)
}

// Compose applies s after t: the result selects, for each component,
// t's lane at s's lane.
func (s Swizzle) Compose(t Swizzle) Swizzle {
	var r Swizzle

	for c := 0; c < ComponentCount; c++ {
		r |= Swizzle(t.Lane(s.Lane(c))) << (2 * c)
	}

	return r
}

// AccessMask computes which source components are read given the
// destination write mask.
func (s Swizzle) AccessMask(dmask uint8) uint8 {
	var m uint8

	for c := 0; c < ComponentCount; c++ {
		if dmask&(1<<c) == 0 {
			continue
		}

		m |= 1 << s.Lane(c)
	}

	return m
}

// SingleComponent reports whether the mask covers exactly one component.
func SingleComponent(mask uint8) bool {
	return mask != 0 && mask&(mask-1) == 0
}

func NewInstruction(op Op, dest Index, src ...Index) *Instruction {
	ins := &Instruction{
		Op:   op,
		Tag:  op.Tag(),
		Dest: dest,
		Src:  [3]Index{None, None, None},
		Mask: 0xf,
		Swz:  [3]Swizzle{SwizzleIdentity, SwizzleIdentity, SwizzleIdentity},
	}

	copy(ins.Src[:], src)

	return ins
}

// Mov builds a full register move, the workhorse of the spiller and the
// condition scheduler.
func Mov(dest, src Index) *Instruction {
	return NewInstruction(OpMov, dest, src)
}

// ScratchStore builds the store half of a work-register spill. The staged
// value must already sit in the spill staging window.
func ScratchStore(src Index, slot int, mask uint8) *Instruction {
	ins := NewInstruction(OpStoreScratch, None, src)
	ins.Mask = mask
	ins.ScratchSlot = slot
	ins.NoSpill = true // spilling an unspill loops forever

	return ins
}

// ScratchFill builds the load half of a work-register spill.
func ScratchFill(dest Index, slot int, mask uint8) *Instruction {
	ins := NewInstruction(OpLoadScratch, dest)
	ins.Mask = mask
	ins.ScratchSlot = slot
	ins.NoSpill = true

	return ins
}

func (ins *Instruction) IsBranch() bool { return ins.Op == OpBranch }

// HasArg reports whether the instruction reads the given value.
func (ins *Instruction) HasArg(node Index) bool {
	if node == None {
		return false
	}

	for _, s := range ins.Src {
		if s == node {
			return true
		}
	}

	return false
}

// SrcReadMask computes which components of source operand s are read.
func (ins *Instruction) SrcReadMask(s int) uint8 {
	if ins.CompactBranch {
		if ins.Writeout {
			// the writeout source leaves through the whole register
			return ins.Swz[s].AccessMask(0xf)
		}

		// conditions are scalar, read through the packed lane
		return 1 << ins.Swz[s].Lane(0)
	}

	if ins.Tag != TagALU {
		return ins.Swz[s].AccessMask(0xf)
	}

	return ins.Swz[s].AccessMask(ins.Mask)
}

// ReadMask unions the read components over every source reading node.
func (ins *Instruction) ReadMask(node Index) uint8 {
	var m uint8

	for s, src := range ins.Src {
		if src != node {
			continue
		}

		m |= ins.SrcReadMask(s)
	}

	return m
}

func (p *Program) NewTemp() Index {
	t := Index(p.TempCount)
	p.TempCount++

	return t
}

// NewBlock appends an empty block to the program.
func (p *Program) NewBlock() *Block {
	b := &Block{ID: len(p.Blocks)}
	p.Blocks = append(p.Blocks, b)

	return b
}

// AddSuccessor links the CFG edge both ways.
func (b *Block) AddSuccessor(s *Block) {
	b.Successors = append(b.Successors, s)
	s.Predecessors = append(s.Predecessors, b)
}

func (b *Block) Append(ins *Instruction) *Instruction {
	b.Instructions = append(b.Instructions, ins)

	return ins
}

// ExitBlocks returns the blocks without successors, in program order.
func (p *Program) ExitBlocks() []*Block {
	var r []*Block

	for _, b := range p.Blocks {
		if len(b.Successors) == 0 {
			r = append(r, b)
		}
	}

	return r
}

// InstructionCount is the total over all blocks; checked against target
// limits after compilation.
func (p *Program) InstructionCount() (n int) {
	for _, b := range p.Blocks {
		n += len(b.Instructions)
	}

	return n
}
