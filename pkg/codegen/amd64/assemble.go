package amd64

import (
	"fmt"

	x86 "github.com/raymyers/ralph-oat/pkg/asm/amd64"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

const switchChainLimit = 3

type assembler struct {
	fn    *lir.Func
	frame *stacking.Frame
	c     *lir.Conventions
	buf   *asm.Buffer

	blocks []asm.Label
	slow   []func()
}

func newAssembler(fn *lir.Func, frame *stacking.Frame, c *lir.Conventions) *assembler {
	a := &assembler{fn: fn, frame: frame, c: c, buf: asm.NewBuffer()}
	for range fn.Blocks {
		a.blocks = append(a.blocks, a.buf.NewLabel())
	}
	return a
}

func (a *assembler) run() error {
	for i, b := range a.fn.Blocks {
		a.buf.Bind(a.blocks[i])
		for _, inst := range b.Insts {
			if err := a.inst(inst, i+1); err != nil {
				return fmt.Errorf("%s: B%d: %s: %w", a.fn.Name, b.Index, inst.Op, err)
			}
		}
	}
	for len(a.slow) > 0 {
		p := a.slow[0]
		a.slow = a.slow[1:]
		p()
	}
	return nil
}

func r(x lir.Reg) int { return int(x) }

var conds = [...]x86.Cond{
	lir.EQ: x86.E, lir.NE: x86.NE, lir.LT: x86.L, lir.LE: x86.LE, lir.GT: x86.G,
	lir.GE: x86.GE, lir.LO: x86.B, lir.HS: x86.AE, lir.HI: x86.A, lir.LS: x86.BE,
}

func (a *assembler) jump(l asm.Label) { a.buf.Fix(x86.Jmp(a.buf), x86.Rel32, l) }

func (a *assembler) jcc(c x86.Cond, l asm.Label) { a.buf.Fix(x86.Jcc(a.buf, c), x86.Rel32, l) }

func (a *assembler) mov(dst, src int) {
	if dst != src {
		x86.MovRR(a.buf, true, dst, src)
	}
}

// access returns the width and signedness of a load of t.
func access(t ir.Type) (size int, signed bool) {
	switch t {
	case ir.Bool:
		return 1, false
	case ir.Int8:
		return 1, true
	case ir.Uint16:
		return 2, false
	case ir.Int16:
		return 2, true
	}
	return t.Size(), false
}

func disp(v int64) (int32, error) {
	if !fitsImm32(v) {
		return 0, fmt.Errorf("displacement %d out of range", v)
	}
	return int32(v), nil
}

func (a *assembler) load(t ir.Type, dst int, m x86.Mem) {
	size, signed := access(t)
	x86.Load(a.buf, size, signed, t.Is64(), dst, m)
}

func (a *assembler) store(t ir.Type, src int, m x86.Mem) {
	x86.Store(a.buf, t.Size(), src, m)
}

// compare sets the flags for Srcs[0] against Srcs[1] or Imm.
func (a *assembler) compare(i *lir.Inst) {
	w := i.Is64()
	rn := r(i.Srcs[0])
	switch {
	case !i.HasImm:
		x86.AluRR(a.buf, x86.Cmp, w, rn, r(i.Srcs[1]))
	case i.Imm == 0:
		x86.Test(a.buf, w, rn, rn)
	default:
		x86.AluImm(a.buf, x86.Cmp, w, rn, int32(i.Imm))
	}
}

func (a *assembler) callRuntime(e codegen.Entrypoint) {
	x86.CallMem(a.buf, x86.GS(int32(codegen.EntrypointOffset(e, 8))))
}

func (a *assembler) inst(i *lir.Inst, next int) error {
	rd := r(i.Dst)
	switch i.Op {
	case lir.Nop, lir.Return:
	case lir.Move:
		a.mov(rd, r(i.Srcs[0]))
	case lir.LoadConst:
		x86.MovImm(a.buf, i.Is64(), rd, i.Imm)
	case lir.Add, lir.Sub, lir.Mul, lir.And, lir.Or, lir.Xor,
		lir.Shl, lir.Shr, lir.UShr, lir.Ror:
		a.binary(i)
	case lir.Div, lir.Rem:
		a.divide(i)
	case lir.Neg, lir.Not:
		a.mov(rd, r(i.Srcs[0]))
		op := x86.Neg
		if i.Op == lir.Not {
			op = x86.Not
		}
		x86.UnaryR(a.buf, op, i.Is64(), rd)
	case lir.BitCount:
		x86.Popcnt(a.buf, i.Is64(), rd, r(i.Srcs[0]))
	case lir.Extend:
		a.extend(i)
	case lir.Compare:
		a.compare(i)
		x86.Setcc(a.buf, conds[i.Cond], rd)
		x86.Movzx(a.buf, rd, rd, 1)
	case lir.Select:
		a.selectValue(i)

	case lir.Load, lir.Store, lir.LoadStack, lir.StoreStack:
		return a.memory(i)
	case lir.LoadIndexed:
		a.load(i.Type, rd, a.element(i))
	case lir.StoreIndexed:
		a.store(i.Type, r(i.Srcs[2]), a.element(i))
	case lir.LoadThread:
		x86.Load(a.buf, 8, false, true, rd, x86.GS(int32(i.Imm)))
	case lir.DataAddr:
		a.buf.Fix(x86.LeaRIP(a.buf, rd), x86.Rel32, a.payload(i))

	case lir.CheckBounds:
		a.checkBounds(i)
	case lir.CheckNull:
		x86.Test(a.buf, false, r(i.Srcs[0]), r(i.Srcs[0]))
		slow := a.buf.NewLabel()
		a.jcc(x86.E, slow)
		a.slow = append(a.slow, func() {
			a.buf.Bind(slow)
			a.callRuntime(codegen.ThrowNullPointer)
		})
	case lir.SuspendCheck:
		a.suspendCheck()

	case lir.Call:
		x86.Call(a.buf)
		a.buf.Patch(asm.CallRelative, -4, int(i.Imm), 0)
	case lir.CallRuntime:
		a.callRuntime(codegen.Entrypoint(i.Imm))
	case lir.Throw:
		a.callRuntime(codegen.DeliverException)

	case lir.Enter:
		return a.steps(a.frame.Prologue)
	case lir.Leave:
		return a.steps(a.frame.Epilogue)

	case lir.Branch:
		if i.Targets[0] != next {
			a.jump(a.blocks[i.Targets[0]])
		}
	case lir.CondBranch:
		t, f := i.Targets[0], i.Targets[1]
		cond := i.Cond
		if t == next {
			t, f = f, t
			cond = cond.Negate()
		}
		a.compare(i)
		a.jcc(conds[cond], a.blocks[t])
		if f != next {
			a.jump(a.blocks[f])
		}
	case lir.Switch:
		a.switchOn(i, next)
	default:
		return fmt.Errorf("no encoding for %s", i.Op)
	}
	return nil
}

// op2 computes dst = dst op src for the commutative operations and sub.
func (a *assembler) op2(op lir.Op, w bool, dst, src int) {
	switch op {
	case lir.Add:
		x86.AluRR(a.buf, x86.Add, w, dst, src)
	case lir.Sub:
		x86.AluRR(a.buf, x86.Sub, w, dst, src)
	case lir.And:
		x86.AluRR(a.buf, x86.And, w, dst, src)
	case lir.Or:
		x86.AluRR(a.buf, x86.Or, w, dst, src)
	case lir.Xor:
		x86.AluRR(a.buf, x86.Xor, w, dst, src)
	case lir.Mul:
		x86.Imul(a.buf, w, dst, src)
	}
}

var aluImm = map[lir.Op]x86.Alu{lir.Add: x86.Add, lir.Sub: x86.Sub, lir.And: x86.And, lir.Or: x86.Or, lir.Xor: x86.Xor}

var shifts = map[lir.Op]x86.Shift{lir.Shl: x86.Shl, lir.Shr: x86.Sar, lir.UShr: x86.Shr, lir.Ror: x86.Ror}

func (a *assembler) binary(i *lir.Inst) {
	w := i.Is64()
	rd, rn := r(i.Dst), r(i.Srcs[0])
	if sh, ok := shifts[i.Op]; ok {
		if i.HasImm {
			a.mov(rd, rn)
			x86.ShiftImm(a.buf, sh, w, rd, uint8(i.Imm))
			return
		}
		// The count goes to cl first in case rd is the count register.
		x86.MovRR(a.buf, false, x86.RCX, r(i.Srcs[1]))
		a.mov(rd, rn)
		x86.ShiftCL(a.buf, sh, w, rd)
		return
	}
	if i.HasImm {
		v := int32(i.Imm)
		switch {
		case i.Op == lir.Mul:
			x86.ImulImm(a.buf, w, rd, rn, v)
		case i.Op == lir.Add && rd != rn:
			x86.Lea(a.buf, w, rd, x86.Ptr(rn, v))
		default:
			a.mov(rd, rn)
			x86.AluImm(a.buf, aluImm[i.Op], w, rd, v)
		}
		return
	}
	rm := r(i.Srcs[1])
	switch {
	case rd == rn:
		a.op2(i.Op, w, rd, rm)
	case rd == rm && i.Op != lir.Sub:
		a.op2(i.Op, w, rd, rn)
	case rd == rm:
		x86.MovRR(a.buf, true, x86.R11, rm)
		a.mov(rd, rn)
		a.op2(i.Op, w, rd, x86.R11)
	default:
		a.mov(rd, rn)
		a.op2(i.Op, w, rd, rm)
	}
}

// divide runs idiv on rdx:rax. rax is allocatable, so its value is kept in
// r11 around the division unless it receives the result.
func (a *assembler) divide(i *lir.Inst) {
	w := i.Is64()
	rd, x, y := r(i.Dst), r(i.Srcs[0]), r(i.Srcs[1])
	x86.MovRR(a.buf, true, x86.R11, x86.RAX)
	div := y
	if y == x86.RAX {
		div = x86.R11
	}
	a.mov(x86.RAX, x)
	// MIN / -1 faults in idiv; the quotient is the negation and the
	// remainder zero.
	normal, done := a.buf.NewLabel(), a.buf.NewLabel()
	x86.AluImm(a.buf, x86.Cmp, w, div, -1)
	a.jcc(x86.NE, normal)
	if i.Op == lir.Div {
		x86.UnaryR(a.buf, x86.Neg, w, x86.RAX)
	} else {
		x86.MovImm(a.buf, false, x86.RDX, 0)
	}
	a.jump(done)
	a.buf.Bind(normal)
	x86.Cdq(a.buf, w)
	x86.UnaryR(a.buf, x86.Idiv, w, div)
	a.buf.Bind(done)
	res := x86.RAX
	if i.Op == lir.Rem {
		res = x86.RDX
	}
	a.mov(rd, res)
	if rd != x86.RAX {
		x86.MovRR(a.buf, true, x86.RAX, x86.R11)
	}
}

func (a *assembler) extend(i *lir.Inst) {
	rd, rn := r(i.Dst), r(i.Srcs[0])
	switch i.Type {
	case ir.Int64:
		x86.Movsx(a.buf, true, rd, rn, 4)
	case ir.Int8:
		x86.Movsx(a.buf, false, rd, rn, 1)
	case ir.Int16:
		x86.Movsx(a.buf, false, rd, rn, 2)
	case ir.Uint16:
		x86.Movzx(a.buf, rd, rn, 2)
	case ir.Bool:
		x86.Movzx(a.buf, rd, rn, 1)
	default:
		// A 32-bit move clears the upper half.
		x86.MovRR(a.buf, false, rd, rn)
	}
}

// selectValue picks between the last two sources with a conditional move.
func (a *assembler) selectValue(i *lir.Inst) {
	n := len(i.Srcs)
	rd, t, f := r(i.Dst), r(i.Srcs[n-2]), r(i.Srcs[n-1])
	w := ir.Type(i.Aux).Is64()
	a.compare(i)
	cond := conds[i.Cond]
	if rd == t {
		if rd != f {
			x86.Cmov(a.buf, cond.Invert(), w, rd, f)
		}
		return
	}
	a.mov(rd, f)
	x86.Cmov(a.buf, cond, w, rd, t)
}

func (a *assembler) memory(i *lir.Inst) error {
	d, err := disp(i.Imm)
	if err != nil {
		return err
	}
	switch i.Op {
	case lir.Load:
		a.load(i.Type, r(i.Dst), x86.Ptr(r(i.Srcs[0]), d))
	case lir.Store:
		a.store(i.Type, r(i.Srcs[1]), x86.Ptr(r(i.Srcs[0]), d))
	case lir.LoadStack:
		a.load(i.Type, r(i.Dst), x86.Ptr(x86.RSP, d))
	case lir.StoreStack:
		a.store(i.Type, r(i.Srcs[0]), x86.Ptr(x86.RSP, d))
	}
	return nil
}

// element addresses [base + index<<Aux + Imm] with the int index
// sign-extended into r11.
func (a *assembler) element(i *lir.Inst) x86.Mem {
	x86.Movsx(a.buf, true, x86.R11, r(i.Srcs[1]), 4)
	return x86.PtrIndex(r(i.Srcs[0]), x86.R11, uint8(i.Aux), int32(i.Imm))
}

func (a *assembler) payload(i *lir.Inst) asm.Label {
	width, data := int(i.Aux), i.Data
	return a.buf.Defer(4, func(b *asm.Buffer) {
		b.Emit16(codegen.FillArrayIdent)
		b.Emit16(uint16(width))
		b.Emit32(uint32(len(data)))
		for _, v := range data {
			switch width {
			case 1:
				b.Emit8(uint8(v))
			case 2:
				b.Emit16(uint16(v))
			case 8:
				b.Emit64(uint64(v))
			default:
				b.Emit32(uint32(v))
			}
		}
	})
}

func (a *assembler) checkBounds(i *lir.Inst) {
	index, length := r(i.Srcs[0]), r(i.Srcs[1])
	x86.AluRR(a.buf, x86.Cmp, false, index, length)
	slow := a.buf.NewLabel()
	a.jcc(x86.AE, slow)
	a0, a1 := r(a.c.Args[0]), r(a.c.Args[1])
	a.slow = append(a.slow, func() {
		a.buf.Bind(slow)
		switch {
		case index == a1 && length == a0:
			x86.MovRR(a.buf, true, x86.R11, index)
			x86.MovRR(a.buf, true, a1, length)
			x86.MovRR(a.buf, true, a0, x86.R11)
		case index == a1:
			a.mov(a0, index)
			a.mov(a1, length)
		default:
			a.mov(a1, length)
			a.mov(a0, index)
		}
		a.callRuntime(codegen.ThrowArrayBounds)
	})
}

// suspendCheck polls the thread flags and calls the runtime out of line
// with every caller-saved register pushed.
func (a *assembler) suspendCheck() {
	x86.CmpMemImm(a.buf, x86.GS(codegen.ThreadFlagsOffset), 0)
	slow, back := a.buf.NewLabel(), a.buf.NewLabel()
	a.jcc(x86.NE, slow)
	a.buf.Bind(back)
	a.slow = append(a.slow, func() {
		a.buf.Bind(slow)
		saved := a.c.CallerSaved()
		cfa := a.frame.Size()
		for _, reg := range saved {
			x86.Push(a.buf, r(reg))
			cfa += 8
			a.buf.CFI(asm.DefCFAOffset, 0, cfa)
		}
		pad := len(saved)%2 == 1
		if pad {
			x86.AluImm(a.buf, x86.Sub, true, x86.RSP, 8)
			a.buf.CFI(asm.DefCFAOffset, 0, cfa+8)
		}
		a.callRuntime(codegen.TestSuspend)
		if pad {
			x86.AluImm(a.buf, x86.Add, true, x86.RSP, 8)
			a.buf.CFI(asm.DefCFAOffset, 0, cfa)
		}
		for k := len(saved) - 1; k >= 0; k-- {
			x86.Pop(a.buf, r(saved[k]))
			cfa -= 8
			a.buf.CFI(asm.DefCFAOffset, 0, cfa)
		}
		a.jump(back)
	})
}

// switchOn compares case by case for small switches; larger ones jump
// through a table of offsets from the table start.
func (a *assembler) switchOn(i *lir.Inst, next int) {
	v := r(i.Srcs[0])
	cases := i.Targets[:len(i.Targets)-1]
	def := i.Targets[len(i.Targets)-1]
	if len(cases) <= switchChainLimit {
		for k, t := range cases {
			a.compare(&lir.Inst{Type: ir.Int32, Srcs: i.Srcs[:1], Imm: i.Imm + int64(k), HasImm: true})
			a.jcc(x86.E, a.blocks[t])
		}
		if def != next {
			a.jump(a.blocks[def])
		}
		return
	}
	x86.MovRR(a.buf, false, x86.R11, v)
	if i.Imm != 0 {
		x86.AluImm(a.buf, x86.Sub, false, x86.R11, int32(i.Imm))
	}
	x86.AluImm(a.buf, x86.Cmp, false, x86.R11, int32(len(cases)))
	a.jcc(x86.AE, a.blocks[def])
	var table asm.Label
	table = a.buf.Table(4, func(b *asm.Buffer) {
		for _, t := range cases {
			b.FixRelative(b.Len(), x86.Table32, a.blocks[t], table)
			b.Emit32(0)
		}
	})
	a.buf.Fix(x86.LeaRIP(a.buf, x86.RCX), x86.Rel32, table)
	x86.Load(a.buf, 4, true, true, x86.R11, x86.PtrIndex(x86.RCX, x86.R11, 2, 0))
	x86.AluRR(a.buf, x86.Add, true, x86.R11, x86.RCX)
	x86.JmpReg(a.buf, x86.R11)
}

// steps encodes prologue or epilogue steps, each followed by its unwind
// events.
func (a *assembler) steps(steps []stacking.Step) error {
	for _, s := range steps {
		switch s.Kind {
		case stacking.StepProbe:
			x86.TestMem(a.buf, x86.RAX, x86.Ptr(x86.RSP, int32(-s.Offset)))
		case stacking.StepPush:
			for _, reg := range s.Regs {
				x86.Push(a.buf, r(reg))
			}
		case stacking.StepPop:
			for _, reg := range s.Regs {
				x86.Pop(a.buf, r(reg))
			}
		case stacking.StepAdjust:
			if s.Offset < 0 {
				x86.AluImm(a.buf, x86.Sub, true, x86.RSP, int32(-s.Offset))
			} else {
				x86.AluImm(a.buf, x86.Add, true, x86.RSP, int32(s.Offset))
			}
		case stacking.StepReturn:
			x86.Ret(a.buf)
		case stacking.StepCFI:
		default:
			return fmt.Errorf("frame step %d has no amd64 form", s.Kind)
		}
		for _, ev := range s.CFI {
			a.buf.CFI(ev.Op, ev.Reg, ev.Value)
		}
	}
	return nil
}
