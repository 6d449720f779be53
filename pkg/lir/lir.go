// Package lir is the low-level instruction list the backends select into.
// Operands are registers: physical ones are numbered as the hardware
// numbers them, virtual ones start at FirstVirtual. Register allocation
// rewrites every virtual register to a physical one.
package lir

import (
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/ir"
)

// Reg is a physical or virtual register.
type Reg int32

const (
	NoReg        Reg = -1
	FirstVirtual Reg = 64
)

func (r Reg) IsVirtual() bool  { return r >= FirstVirtual }
func (r Reg) IsPhysical() bool { return r >= 0 && r < FirstVirtual }

func (r Reg) String() string {
	switch {
	case r == NoReg:
		return "_"
	case r.IsVirtual():
		return fmt.Sprintf("v%d", r-FirstVirtual)
	}
	return fmt.Sprintf("r%d", int(r))
}

// Op is a machine-level operation common to all instruction sets.
type Op uint8

const (
	Nop Op = iota

	// Dst = Srcs[0]
	Move
	// Dst = Imm
	LoadConst
	// Parallel copy Dsts[i] = Srcs[i]; resolved after allocation.
	ParMove

	// Dst = Srcs[0] op Srcs[1], or Srcs[0] op Imm when HasImm.
	Add
	Sub
	Mul
	Div
	Rem
	And
	Or
	Xor
	Shl
	Shr
	UShr
	Ror

	// Dst = op Srcs[0]
	Neg
	Not
	BitCount
	// Dst = Srcs[0] converted from the type in Aux to Type.
	Extend

	// Dst = Srcs[0] op shifted(Srcs[1]); Aux is an ir shift descriptor.
	// The negate form has the shifted operand alone in Srcs[0].
	ShiftOp
	// Dst = Srcs[0] +/- Srcs[1]*Srcs[2]; Aux is ir.MulAccAdd or MulAccSub.
	MulAcc
	// Dst = Srcs[0] Cond Srcs[1] (or Imm) as 0 or 1.
	Compare
	// Dst = (Srcs[0] Cond Srcs[1], or Imm) ? t : f, where t and f are the
	// last two sources. Type is the compared type, Aux the value type.
	Select

	// Dst = [Srcs[0] + Imm]
	Load
	// [Srcs[0] + Imm] = Srcs[1]
	Store
	// Dst = [Srcs[0] + Srcs[1]<<Aux + Imm]
	LoadIndexed
	// [Srcs[0] + Srcs[1]<<Aux + Imm] = Srcs[2]
	StoreIndexed
	// Dst = [thread + Imm]
	LoadThread
	// Dst = address of a fill-array payload emitted after the code: a
	// header, then Data as Aux-byte elements.
	DataAddr

	// Frame slots, rewritten by stacking into SP-relative accesses.
	Spill     // slot Slot = Srcs[0]
	Fill      // Dst = slot Slot
	LoadArg   // Dst = incoming stack argument Imm
	StoreArg  // outgoing stack argument Imm = Srcs[0]
	LoadStack // Dst = [SP + Imm], after stacking
	StoreStack

	// Explicit checks with out-of-line throwing paths.
	CheckBounds // Srcs[0] unsigned< Srcs[1]
	CheckNull   // Srcs[0] != 0
	SuspendCheck

	// Calls; arguments are already in their registers.
	Call        // managed method Imm
	CallRuntime // runtime entrypoint Imm

	// Frame setup and teardown placed by stacking.
	Enter
	Leave

	// Terminators.
	Branch     // Targets[0]
	CondBranch // Srcs[0] Cond Srcs[1] (or Imm) ? Targets[0] : Targets[1]
	Switch     // Srcs[0]-Imm selects Targets[i]; the last target is the default
	Return
	Throw // runtime delivers the exception in Srcs[0]; does not return

	numOps
)

var opNames = [numOps]string{
	Nop: "nop", Move: "mov", LoadConst: "ldc", ParMove: "pmov",
	Add: "add", Sub: "sub", Mul: "mul", Div: "div", Rem: "rem", And: "and",
	Or: "or", Xor: "xor", Shl: "shl", Shr: "shr", UShr: "ushr", Ror: "ror",
	Neg: "neg", Not: "not", BitCount: "popcnt", Extend: "ext",
	ShiftOp: "shiftop", MulAcc: "mac", Compare: "cmp", Select: "sel",
	Load: "ld", Store: "st", LoadIndexed: "ldx", StoreIndexed: "stx",
	LoadThread: "ldtr", DataAddr: "adr",
	Spill: "spill", Fill: "fill", LoadArg: "ldarg", StoreArg: "starg",
	LoadStack: "ldsp", StoreStack: "stsp",
	CheckBounds: "chkbounds", CheckNull: "chknull", SuspendCheck: "suspend",
	Call: "call", CallRuntime: "callrt", Enter: "enter", Leave: "leave",
	Branch: "b", CondBranch: "bcond", Switch: "switch", Return: "ret", Throw: "throw",
}

func (op Op) String() string {
	if op < numOps && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", int(op))
}

// IsTerminator reports whether op ends a block.
func (op Op) IsTerminator() bool {
	switch op {
	case Branch, CondBranch, Switch, Return, Throw:
		return true
	}
	return false
}

// IsBinary reports whether op takes two operands or one and an immediate.
func (op Op) IsBinary() bool { return op >= Add && op <= Ror }

// NeedsRuntime reports whether executing op may call into the runtime,
// which makes the method a non-leaf.
func (op Op) NeedsRuntime() bool {
	switch op {
	case Call, CallRuntime, CheckBounds, CheckNull, SuspendCheck, Throw:
		return true
	}
	return false
}

// Cond is a comparison condition. LO, HS, HI and LS compare unsigned.
type Cond uint8

const (
	EQ Cond = iota
	NE
	LT
	LE
	GT
	GE
	LO
	HS
	HI
	LS
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge", "lo", "hs", "hi", "ls"}

func (c Cond) String() string { return condNames[c] }

// Negate returns the condition that holds exactly when c does not.
func (c Cond) Negate() Cond {
	switch c {
	case EQ:
		return NE
	case NE:
		return EQ
	case LT:
		return GE
	case GE:
		return LT
	case LE:
		return GT
	case GT:
		return LE
	case LO:
		return HS
	case HS:
		return LO
	case HI:
		return LS
	}
	return HI
}

// Swap returns the condition for exchanged operands.
func (c Cond) Swap() Cond {
	switch c {
	case LT:
		return GT
	case GT:
		return LT
	case LE:
		return GE
	case GE:
		return LE
	case LO:
		return HI
	case HI:
		return LO
	case HS:
		return LS
	case LS:
		return HS
	}
	return c
}

// CondOf maps an ir comparison to a condition.
func CondOf(op ir.Opcode) (Cond, bool) {
	switch op {
	case ir.OpEq:
		return EQ, true
	case ir.OpNe:
		return NE, true
	case ir.OpLt:
		return LT, true
	case ir.OpLe:
		return LE, true
	case ir.OpGt:
		return GT, true
	case ir.OpGe:
		return GE, true
	}
	return 0, false
}

// Inst is one low-level instruction.
type Inst struct {
	Op   Op
	Type ir.Type
	Dst  Reg
	Srcs []Reg
	// Dsts holds the destinations of a ParMove.
	Dsts    []Reg
	Imm     int64
	HasImm  bool
	Aux     int64
	Cond    Cond
	Targets []int
	Data    []int64
	Slot    int
}

// NewInst builds an instruction; pass NoReg for dst when it defines
// nothing.
func NewInst(op Op, t ir.Type, dst Reg, srcs ...Reg) *Inst {
	return &Inst{Op: op, Type: t, Dst: dst, Srcs: srcs}
}

// WithImm sets the immediate operand and returns i.
func (i *Inst) WithImm(v int64) *Inst {
	i.Imm = v
	i.HasImm = true
	return i
}

// Is64 reports whether the instruction operates on 64-bit values.
func (i *Inst) Is64() bool { return i.Type.Is64() }

// Block is a straight-line sequence ending in a terminator.
type Block struct {
	Index     int
	Name      string
	Insts     []*Inst
	Succs     []int
	Preds     []int
	LoopDepth int
}

// Terminator returns the block's last instruction.
func (b *Block) Terminator() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[len(b.Insts)-1]
}

// InsertBeforeTerminator places inst right before the block's terminator.
func (b *Block) InsertBeforeTerminator(inst *Inst) {
	n := len(b.Insts)
	if n == 0 || !b.Insts[n-1].Op.IsTerminator() {
		b.Insts = append(b.Insts, inst)
		return
	}
	b.Insts = append(b.Insts, nil)
	copy(b.Insts[n:], b.Insts[n-1:])
	b.Insts[n-1] = inst
}

// Func is the selected code of one method. Blocks are in layout order and
// Blocks[0] is the entry.
type Func struct {
	Name   string
	Method int
	Blocks []*Block

	next Reg
	// Temps marks compiler temporaries; NoSpill marks the short-lived
	// registers introduced by spilling, which must never spill again.
	Temps   map[Reg]bool
	NoSpill map[Reg]bool

	// Filled in by register allocation.
	Slots int
	// Words of stack arguments passed to callees and received from callers.
	OutArgs int
	InArgs  int
}

func NewFunc(name string, method int) *Func {
	return &Func{
		Name:    name,
		Method:  method,
		next:    FirstVirtual,
		Temps:   make(map[Reg]bool),
		NoSpill: make(map[Reg]bool),
	}
}

// NewReg returns a fresh virtual register.
func (f *Func) NewReg() Reg {
	r := f.next
	f.next++
	return r
}

// NewTemp returns a fresh virtual register flagged as a temporary.
func (f *Func) NewTemp() Reg {
	r := f.NewReg()
	f.Temps[r] = true
	return r
}

// NumRegs is one past the highest virtual register handed out.
func (f *Func) NumRegs() Reg { return f.next }

func (f *Func) NewBlock(name string) *Block {
	b := &Block{Index: len(f.Blocks), Name: name}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Link records a control-flow edge.
func (f *Func) Link(from, to int) {
	f.Blocks[from].Succs = append(f.Blocks[from].Succs, to)
	f.Blocks[to].Preds = append(f.Blocks[to].Preds, from)
}

// IsLeaf reports whether nothing in the function calls out.
func (f *Func) IsLeaf() bool {
	for _, b := range f.Blocks {
		for _, inst := range b.Insts {
			if inst.Op.NeedsRuntime() {
				return false
			}
		}
	}
	return true
}

// Uses lists the registers an instruction reads.
func (i *Inst) Uses() []Reg {
	return i.Srcs
}

// Defs lists the registers an instruction writes; calls also clobber
// every caller-saved register of c.
func (i *Inst) Defs(c *Conventions) []Reg {
	switch i.Op {
	case ParMove:
		return i.Dsts
	case Call, CallRuntime:
		return c.CallerSaved()
	}
	if i.Dst != NoReg {
		return []Reg{i.Dst}
	}
	return nil
}

// MapRegs rewrites every register operand through fn.
func (i *Inst) MapRegs(fn func(Reg) Reg) {
	if i.Dst != NoReg {
		i.Dst = fn(i.Dst)
	}
	for k, r := range i.Srcs {
		i.Srcs[k] = fn(r)
	}
	for k, r := range i.Dsts {
		i.Dsts[k] = fn(r)
	}
}
