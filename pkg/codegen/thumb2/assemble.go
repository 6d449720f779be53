package thumb2

import (
	"fmt"
	"math/bits"

	t2 "github.com/raymyers/ralph-oat/pkg/asm/thumb2"

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

func (a *assembler) emit(i t2.Ins) { t2.Emit(a.buf, i) }

func r(x lir.Reg) uint16 { return uint16(x) }

var conds = [...]t2.Cond{
	lir.EQ: t2.EQ, lir.NE: t2.NE, lir.LT: t2.LT, lir.LE: t2.LE, lir.GT: t2.GT,
	lir.GE: t2.GE, lir.LO: t2.LO, lir.HS: t2.HS, lir.HI: t2.HI, lir.LS: t2.LS,
}

func (a *assembler) branch(i t2.Ins, kind asm.FixupKind, l asm.Label) {
	a.buf.Fix(a.buf.Len(), kind, l)
	a.emit(i)
}

func (a *assembler) jump(l asm.Label) { a.branch(t2.BW, t2.Branch24, l) }

func (a *assembler) loadConst(rd uint16, v int64) {
	for _, i := range t2.MoveConst(rd, uint32(v)) {
		a.emit(i)
	}
}

func loadAccess(t ir.Type) t2.Access {
	switch t {
	case ir.Bool:
		return t2.Ldrb
	case ir.Int8:
		return t2.Ldrsb
	case ir.Uint16:
		return t2.Ldrh
	case ir.Int16:
		return t2.Ldrsh
	}
	return t2.Ldr
}

func storeAccess(t ir.Type) t2.Access {
	switch t.Size() {
	case 1:
		return t2.Strb
	case 2:
		return t2.Strh
	}
	return t2.Str
}

// mem accesses [rn, #off], through ip when the offset does not fit.
func (a *assembler) mem(acc t2.Access, rt, rn uint16, off int64) {
	if i, ok := t2.LdSt(acc, rt, rn, off); ok {
		a.emit(i)
		return
	}
	a.loadConst(t2.IP, off)
	a.emit(t2.LdStReg(acc, rt, rn, t2.IP, 0))
}

func (a *assembler) addImm(rd, rn uint16, v int64) {
	switch {
	case v >= 0 && v < 4096:
		a.emit(t2.AddW(rd, rn, uint16(v)))
	case v < 0 && v > -4096:
		a.emit(t2.SubW(rd, rn, uint16(-v)))
	default:
		a.loadConst(t2.IP, v)
		a.emit(t2.AddReg(rd, rn, t2.IP, t2.LSL, 0))
	}
}

func (a *assembler) compare(i *lir.Inst) {
	rn := r(i.Srcs[0])
	if !i.HasImm {
		a.emit(t2.CmpReg(rn, r(i.Srcs[1])))
		return
	}
	if w, ok := t2.CmpImm(rn, uint32(i.Imm)); ok {
		a.emit(w)
		return
	}
	if w, ok := t2.CmnImm(rn, uint32(-i.Imm)); ok {
		a.emit(w)
		return
	}
	a.loadConst(t2.IP, i.Imm)
	a.emit(t2.CmpReg(rn, t2.IP))
}

func (a *assembler) callRuntime(e codegen.Entrypoint) {
	a.mem(t2.Ldr, t2.LR, thread, codegen.EntrypointOffset(e, 4))
	a.buf.Emit16(t2.Blx(t2.LR))
}

func (a *assembler) inst(i *lir.Inst, next int) error {
	rd := r(i.Dst)
	switch i.Op {
	case lir.Nop, lir.Return:
	case lir.Move:
		if i.Dst != i.Srcs[0] {
			a.emit(t2.Mov(rd, r(i.Srcs[0])))
		}
	case lir.LoadConst:
		a.loadConst(rd, i.Imm)
	case lir.Add, lir.Sub, lir.Mul, lir.Div, lir.Rem, lir.And, lir.Or, lir.Xor,
		lir.Shl, lir.Shr, lir.UShr, lir.Ror:
		return a.binary(i)
	case lir.Neg:
		a.emit(t2.Neg(rd, r(i.Srcs[0])))
	case lir.Not:
		a.emit(t2.Mvn(rd, r(i.Srcs[0])))
	case lir.Extend:
		rn := r(i.Srcs[0])
		switch i.Type {
		case ir.Int8:
			a.emit(t2.Sxtb(rd, rn))
		case ir.Int16:
			a.emit(t2.Sxth(rd, rn))
		case ir.Uint16:
			a.emit(t2.Uxth(rd, rn))
		case ir.Bool:
			a.emit(t2.Uxtb(rd, rn))
		default:
			if rd != rn {
				a.emit(t2.Mov(rd, rn))
			}
		}
	case lir.ShiftOp:
		return a.shiftOp(i)
	case lir.MulAcc:
		acc, x, y := r(i.Srcs[0]), r(i.Srcs[1]), r(i.Srcs[2])
		if i.Aux == ir.MulAccSub {
			a.emit(t2.Mls(rd, x, y, acc))
		} else {
			a.emit(t2.Mla(rd, x, y, acc))
		}
	case lir.Compare:
		a.compare(i)
		one, _ := t2.MovImm(rd, 1)
		zero, _ := t2.MovImm(rd, 0)
		a.buf.Emit16(t2.IT(conds[i.Cond], true))
		a.emit(one)
		a.emit(zero)
	case lir.Select:
		a.compare(i)
		n := len(i.Srcs)
		a.buf.Emit16(t2.IT(conds[i.Cond], true))
		a.emit(t2.Mov(rd, r(i.Srcs[n-2])))
		a.emit(t2.Mov(rd, r(i.Srcs[n-1])))

	case lir.Load:
		a.mem(loadAccess(i.Type), rd, r(i.Srcs[0]), i.Imm)
	case lir.Store:
		a.mem(storeAccess(i.Type), r(i.Srcs[1]), r(i.Srcs[0]), i.Imm)
	case lir.LoadStack:
		a.mem(loadAccess(i.Type), rd, t2.SP, i.Imm)
	case lir.StoreStack:
		a.mem(storeAccess(i.Type), r(i.Srcs[0]), t2.SP, i.Imm)
	case lir.LoadIndexed:
		return a.indexed(loadAccess(i.Type), rd, i)
	case lir.StoreIndexed:
		return a.indexed(storeAccess(i.Type), r(i.Srcs[2]), i)
	case lir.LoadThread:
		a.mem(t2.Ldr, rd, thread, i.Imm)
	case lir.DataAddr:
		a.branch(t2.Ins{Hw1: t2.AdrW.Hw1, Hw2: rd << 8}, t2.Adr12, a.payload(i))

	case lir.CheckBounds:
		a.checkBounds(i)
	case lir.CheckNull:
		cmp, _ := t2.CmpImm(r(i.Srcs[0]), 0)
		a.emit(cmp)
		slow := a.buf.NewLabel()
		a.branch(t2.BCond(t2.EQ), t2.Branch20, slow)
		a.slow = append(a.slow, func() {
			a.buf.Bind(slow)
			a.callRuntime(codegen.ThrowNullPointer)
		})
	case lir.SuspendCheck:
		a.suspendCheck()

	case lir.Call:
		a.buf.Patch(asm.CallRelative, 0, int(i.Imm), 0)
		a.emit(t2.BL)
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
		a.branch(t2.BCond(conds[cond]), t2.Branch20, a.blocks[t])
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

var shiftTypes = map[lir.Op]uint16{lir.Shl: t2.LSL, lir.Shr: t2.ASR, lir.UShr: t2.LSR, lir.Ror: t2.ROR}

func (a *assembler) binary(i *lir.Inst) error {
	rd, rn := r(i.Dst), r(i.Srcs[0])
	if i.HasImm {
		v := i.Imm
		switch i.Op {
		case lir.Add:
			a.addImm(rd, rn, v)
		case lir.Sub:
			a.addImm(rd, rn, -v)
		case lir.And, lir.Or, lir.Xor:
			enc := t2.AndImm
			if i.Op == lir.Or {
				enc = t2.OrrImm
			} else if i.Op == lir.Xor {
				enc = t2.EorImm
			}
			w, ok := enc(rd, rn, uint32(v))
			if !ok {
				return fmt.Errorf("no modified immediate for %#x", v)
			}
			a.emit(w)
		case lir.Shl, lir.Shr, lir.UShr, lir.Ror:
			if v&31 == 0 {
				if rd != rn {
					a.emit(t2.Mov(rd, rn))
				}
				return nil
			}
			a.emit(t2.ShiftImm(rd, rn, shiftTypes[i.Op], uint16(v)))
		default:
			return fmt.Errorf("no immediate form")
		}
		return nil
	}
	rm := r(i.Srcs[1])
	switch i.Op {
	case lir.Add:
		a.emit(t2.AddReg(rd, rn, rm, t2.LSL, 0))
	case lir.Sub:
		a.emit(t2.SubReg(rd, rn, rm, t2.LSL, 0))
	case lir.And:
		a.emit(t2.AndReg(rd, rn, rm, t2.LSL, 0))
	case lir.Or:
		a.emit(t2.OrrReg(rd, rn, rm, t2.LSL, 0))
	case lir.Xor:
		a.emit(t2.EorReg(rd, rn, rm, t2.LSL, 0))
	case lir.Mul:
		a.emit(t2.Mul(rd, rn, rm))
	case lir.Div:
		a.emit(t2.Sdiv(rd, rn, rm))
	case lir.Rem:
		a.emit(t2.Sdiv(t2.IP, rn, rm))
		a.emit(t2.Mls(rd, t2.IP, rm, rn))
	default:
		// Register shifts use the low byte of the amount; keep five bits.
		mask, _ := t2.AndImm(t2.IP, rm, 31)
		a.emit(mask)
		a.emit(t2.ShiftReg(rd, rn, t2.IP, shiftTypes[i.Op]))
	}
	return nil
}

var shiftKinds = map[int64]uint16{ir.ShiftLSL: t2.LSL, ir.ShiftLSR: t2.LSR, ir.ShiftASR: t2.ASR}

func (a *assembler) shiftOp(i *lir.Inst) error {
	op, kind, amount := ir.DecodeShiftOp(i.Aux)
	typ, ok := shiftKinds[kind]
	if !ok {
		return fmt.Errorf("no extended operands on thumb2")
	}
	if amount == 0 {
		typ = t2.LSL
	}
	n := uint16(amount)
	rd := r(i.Dst)
	if op == ir.OpNeg {
		zero, _ := t2.MovImm(t2.IP, 0)
		a.emit(zero)
		a.emit(t2.SubReg(rd, t2.IP, r(i.Srcs[0]), typ, n))
		return nil
	}
	rn, rm := r(i.Srcs[0]), r(i.Srcs[1])
	switch op {
	case ir.OpAdd:
		a.emit(t2.AddReg(rd, rn, rm, typ, n))
	case ir.OpSub:
		a.emit(t2.SubReg(rd, rn, rm, typ, n))
	case ir.OpAnd:
		a.emit(t2.AndReg(rd, rn, rm, typ, n))
	case ir.OpOr:
		a.emit(t2.OrrReg(rd, rn, rm, typ, n))
	case ir.OpXor:
		a.emit(t2.EorReg(rd, rn, rm, typ, n))
	default:
		return fmt.Errorf("shifted operand on %s", op)
	}
	return nil
}

// indexed forms the element address in ip, then accesses it at Imm.
func (a *assembler) indexed(acc t2.Access, rt uint16, i *lir.Inst) error {
	a.emit(t2.AddReg(t2.IP, r(i.Srcs[0]), r(i.Srcs[1]), t2.LSL, uint16(i.Aux)))
	w, ok := t2.LdSt(acc, rt, t2.IP, i.Imm)
	if !ok {
		return fmt.Errorf("array offset %d out of range", i.Imm)
	}
	a.emit(w)
	return nil
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
	a.emit(t2.CmpReg(index, length))
	slow := a.buf.NewLabel()
	a.branch(t2.BCond(t2.HS), t2.Branch20, slow)
	a.slow = append(a.slow, func() {
		a.buf.Bind(slow)
		switch {
		case index == 1 && length == 0:
			a.emit(t2.Mov(t2.IP, 0))
			a.emit(t2.Mov(0, 1))
			a.emit(t2.Mov(1, t2.IP))
		case index == 1:
			a.emit(t2.Mov(0, 1))
			if length != 1 {
				a.emit(t2.Mov(1, length))
			}
		default:
			if length != 1 {
				a.emit(t2.Mov(1, length))
			}
			if index != 0 {
				a.emit(t2.Mov(0, index))
			}
		}
		a.callRuntime(codegen.ThrowArrayBounds)
	})
}

func regList(regs []lir.Reg) uint16 {
	var list uint16
	for _, x := range regs {
		list |= 1 << uint(x)
	}
	return list
}

func (a *assembler) suspendCheck() {
	a.mem(t2.Ldr, t2.IP, thread, codegen.ThreadFlagsOffset)
	cmp, _ := t2.CmpImm(t2.IP, 0)
	a.emit(cmp)
	slow, back := a.buf.NewLabel(), a.buf.NewLabel()
	a.branch(t2.BCond(t2.NE), t2.Branch20, slow)
	a.buf.Bind(back)
	a.slow = append(a.slow, func() {
		a.buf.Bind(slow)
		saved := regList(a.c.CallerSaved())
		cfa := a.frame.Size()
		a.emit(t2.PushW(saved))
		a.buf.CFI(asm.DefCFAOffset, 0, cfa+int64(len(a.c.CallerSaved())*4))
		a.callRuntime(codegen.TestSuspend)
		a.emit(t2.PopW(saved))
		a.buf.CFI(asm.DefCFAOffset, 0, cfa)
		a.jump(back)
	})
}

// switchOn dispatches through a TBH table placed right after the branch.
// Entries only reach forward, so cases that branch back go through a B.W
// placed after the table.
func (a *assembler) switchOn(i *lir.Inst, next int) {
	v := r(i.Srcs[0])
	cases := i.Targets[:len(i.Targets)-1]
	def := i.Targets[len(i.Targets)-1]
	_, boundOK := t2.CmpImm(t2.IP, uint32(len(cases)))
	if len(cases) <= switchChainLimit || !boundOK {
		for k, t := range cases {
			a.compare(&lir.Inst{Type: ir.Int32, Srcs: i.Srcs[:1], Imm: i.Imm + int64(k), HasImm: true})
			a.branch(t2.BCond(t2.EQ), t2.Branch20, a.blocks[t])
		}
		if def != next {
			a.jump(a.blocks[def])
		}
		return
	}
	a.addImm(t2.IP, v, -i.Imm)
	cmp, _ := t2.CmpImm(t2.IP, uint32(len(cases)))
	a.emit(cmp)
	a.branch(t2.BCond(t2.HS), t2.Branch20, a.blocks[def])
	a.emit(t2.Tbh(t2.IP))
	table := a.buf.NewLabel()
	a.buf.BindTable(table)
	type stub struct{ from, to asm.Label }
	var stubs []stub
	for _, t := range cases {
		l := a.blocks[t]
		if a.buf.Pos(l) >= 0 {
			s := stub{a.buf.NewLabel(), l}
			stubs = append(stubs, s)
			l = s.from
		}
		a.buf.FixRelative(a.buf.Len(), t2.Table16, l, table)
		a.buf.Emit16(0)
	}
	for _, s := range stubs {
		a.buf.Bind(s.from)
		a.jump(s.to)
	}
}

// steps encodes prologue or epilogue steps, each followed by its unwind
// events.
func (a *assembler) steps(steps []stacking.Step) error {
	for _, s := range steps {
		switch s.Kind {
		case stacking.StepProbe:
			sub, ok := t2.SubModImm(t2.IP, t2.SP, uint32(s.Offset))
			if !ok {
				return fmt.Errorf("probe offset %d", s.Offset)
			}
			a.emit(sub)
			a.mem(t2.Ldr, t2.IP, t2.IP, 0)
		case stacking.StepPush:
			if len(s.Regs) == 1 {
				a.emit(t2.PushOne(r(s.Regs[0])))
			} else {
				a.emit(t2.PushW(regList(s.Regs)))
			}
		case stacking.StepPop:
			list := regList(s.Regs)
			if s.Returns {
				list |= 1 << t2.PC
			}
			if bits.OnesCount16(list) == 1 {
				a.emit(t2.PopOne(uint16(bits.TrailingZeros16(list))))
			} else {
				a.emit(t2.PopW(list))
			}
		case stacking.StepAdjust:
			v, enc := s.Offset, t2.AddW
			if v < 0 {
				v, enc = -v, t2.SubW
			}
			for v > 0 {
				n := min(v, 4095)
				a.emit(enc(t2.SP, t2.SP, uint16(n)))
				v -= n
			}
		case stacking.StepReturn:
			a.buf.Emit16(t2.BxLR)
		case stacking.StepCFI:
		default:
			return fmt.Errorf("frame step %d has no thumb2 form", s.Kind)
		}
		for _, ev := range s.CFI {
			a.buf.CFI(ev.Op, ev.Reg, ev.Value)
		}
	}
	return nil
}
