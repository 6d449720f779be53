package arm64

import (
	"fmt"

	a64 "github.com/raymyers/ralph-oat/pkg/asm/arm64"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

// Switches with more cases than this use a jump table.
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
	// Slow paths may queue more slow paths.
	for len(a.slow) > 0 {
		p := a.slow[0]
		a.slow = a.slow[1:]
		p()
	}
	return nil
}

func (a *assembler) emit(w uint32) { a.buf.Emit32(w) }

func hw(r lir.Reg) uint32 { return uint32(r) }

var conds = [...]a64.Cond{
	lir.EQ: a64.EQ, lir.NE: a64.NE, lir.LT: a64.LT, lir.LE: a64.LE, lir.GT: a64.GT,
	lir.GE: a64.GE, lir.LO: a64.LO, lir.HS: a64.HS, lir.HI: a64.HI, lir.LS: a64.LS,
}

// branch emits an instruction word whose displacement refers to l.
func (a *assembler) branch(w uint32, kind asm.FixupKind, l asm.Label) {
	a.buf.Fix(a.buf.Len(), kind, l)
	a.emit(w)
}

func (a *assembler) jump(l asm.Label) { a.branch(a64.B, a64.Branch26, l) }

// loadConst materializes v, from the literal pool when the move sequence
// would take three instructions or more.
func (a *assembler) loadConst(is64 bool, rd uint32, v int64) {
	seq := a64.MoveWide(is64, rd, v)
	if len(seq) < 3 {
		for _, w := range seq {
			a.emit(w)
		}
		return
	}
	size := 4
	if is64 {
		size = 8
	}
	a.branch(a64.LdrLiteral(is64, rd), a64.Branch19, a.buf.Literal(uint64(v), size))
}

func loadAccess(t ir.Type) a64.Access {
	switch t {
	case ir.Bool:
		return a64.LdrB
	case ir.Int8:
		return a64.LdrSB
	case ir.Uint16:
		return a64.LdrH
	case ir.Int16:
		return a64.LdrSH
	case ir.Int64, ir.Float64:
		return a64.LdrX
	}
	return a64.LdrW
}

func storeAccess(t ir.Type) a64.Access {
	switch t.Size() {
	case 1:
		return a64.StrB
	case 2:
		return a64.StrH
	case 8:
		return a64.StrX
	}
	return a64.StrW
}

// mem accesses [rn, #off], going through ip0 when the offset has no
// immediate form.
func (a *assembler) mem(acc a64.Access, rt, rn uint32, off int64) {
	if w, ok := a64.LdSt(acc, rt, rn, off); ok {
		a.emit(w)
		return
	}
	a.loadConst(true, ip0, off)
	a.emit(a64.LdStReg(acc, rt, rn, ip0, a64.UXTX, false))
}

// addImm adds a constant of any size to rn.
func (a *assembler) addImm(is64 bool, rd, rn uint32, v int64) {
	switch {
	case a64.FitsAddImm(v):
		a.emit(a64.AddImm(is64, rd, rn, v))
	case v != -v && a64.FitsAddImm(-v):
		a.emit(a64.SubImm(is64, rd, rn, -v))
	default:
		a.loadConst(is64, ip1, v)
		a.emit(a64.AddReg(is64, rd, rn, ip1, a64.LSL, 0))
	}
}

// compare sets the flags for Srcs[0] against Srcs[1] or the immediate.
func (a *assembler) compare(i *lir.Inst) {
	is64 := i.Is64()
	rn := hw(i.Srcs[0])
	if !i.HasImm {
		a.emit(a64.CmpReg(is64, rn, hw(i.Srcs[1])))
		return
	}
	switch v := i.Imm; {
	case a64.FitsAddImm(v):
		a.emit(a64.CmpImm(is64, rn, v))
	case v != -v && a64.FitsAddImm(-v):
		a.emit(a64.CmnImm(is64, rn, -v))
	default:
		a.loadConst(is64, ip1, v)
		a.emit(a64.CmpReg(is64, rn, ip1))
	}
}

func (a *assembler) callRuntime(e codegen.Entrypoint) {
	a.mem(a64.LdrX, a64.LR, thread, codegen.EntrypointOffset(e, 8))
	a.emit(a64.Blr(a64.LR))
}

func (a *assembler) inst(i *lir.Inst, next int) error {
	is64 := i.Is64()
	rd := hw(i.Dst)
	switch i.Op {
	case lir.Nop, lir.Return:
		// The epilogue ends in the return.
	case lir.Move:
		if i.Dst != i.Srcs[0] {
			a.emit(a64.Mov(true, rd, hw(i.Srcs[0])))
		}
	case lir.LoadConst:
		a.loadConst(is64, rd, i.Imm)
	case lir.Add, lir.Sub, lir.Mul, lir.Div, lir.Rem, lir.And, lir.Or, lir.Xor,
		lir.Shl, lir.Shr, lir.UShr, lir.Ror:
		return a.binary(i)
	case lir.Neg:
		a.emit(a64.Neg(is64, rd, hw(i.Srcs[0]), a64.LSL, 0))
	case lir.Not:
		a.emit(a64.Mvn(is64, rd, hw(i.Srcs[0])))
	case lir.BitCount:
		if is64 {
			a.emit(a64.FmovToD(hw(i.Srcs[0])))
		} else {
			a.emit(a64.FmovToS(hw(i.Srcs[0])))
		}
		a.emit(a64.Cnt8B())
		a.emit(a64.Addv8B())
		a.emit(a64.FmovFromS(rd))
	case lir.Extend:
		a.extend(i)
	case lir.ShiftOp:
		return a.shiftOp(i)
	case lir.MulAcc:
		acc, x, y := hw(i.Srcs[0]), hw(i.Srcs[1]), hw(i.Srcs[2])
		if i.Aux == ir.MulAccSub {
			a.emit(a64.Msub(is64, rd, x, y, acc))
		} else {
			a.emit(a64.Madd(is64, rd, x, y, acc))
		}
	case lir.Compare:
		a.compare(i)
		a.emit(a64.Cset(rd, conds[i.Cond]))
	case lir.Select:
		a.compare(i)
		n := len(i.Srcs)
		a.emit(a64.Csel(ir.Type(i.Aux).Is64(), rd, hw(i.Srcs[n-2]), hw(i.Srcs[n-1]), conds[i.Cond]))

	case lir.Load:
		a.mem(loadAccess(i.Type), rd, hw(i.Srcs[0]), i.Imm)
	case lir.Store:
		a.mem(storeAccess(i.Type), hw(i.Srcs[1]), hw(i.Srcs[0]), i.Imm)
	case lir.LoadStack:
		a.mem(loadAccess(i.Type), rd, a64.SP, i.Imm)
	case lir.StoreStack:
		a.mem(storeAccess(i.Type), hw(i.Srcs[0]), a64.SP, i.Imm)
	case lir.LoadIndexed:
		a.indexed(loadAccess(i.Type), rd, i)
	case lir.StoreIndexed:
		a.indexed(storeAccess(i.Type), hw(i.Srcs[2]), i)
	case lir.LoadThread:
		a.mem(a64.LdrX, rd, thread, i.Imm)
	case lir.DataAddr:
		a.branch(a64.Adr|rd, a64.Adr21, a.payload(i))

	case lir.CheckBounds:
		a.checkBounds(i)
	case lir.CheckNull:
		slow := a.buf.NewLabel()
		a.branch(a64.Cbz(false, hw(i.Srcs[0])), a64.Branch19, slow)
		a.slow = append(a.slow, func() {
			a.buf.Bind(slow)
			a.callRuntime(codegen.ThrowNullPointer)
		})
	case lir.SuspendCheck:
		a.suspendCheck()

	case lir.Call:
		a.buf.Patch(asm.CallRelative, 0, int(i.Imm), 0)
		a.emit(a64.BL)
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
		a.condBranch(i, next)
	case lir.Switch:
		a.switchOn(i, next)
	default:
		return fmt.Errorf("no encoding for %s", i.Op)
	}
	return nil
}

func (a *assembler) binary(i *lir.Inst) error {
	is64 := i.Is64()
	rd, rn := hw(i.Dst), hw(i.Srcs[0])
	if i.HasImm {
		v := i.Imm
		switch i.Op {
		case lir.Add:
			a.addImm(is64, rd, rn, v)
		case lir.Sub:
			a.addImm(is64, rd, rn, -v)
		case lir.And, lir.Or, lir.Xor:
			enc := a64.AndImm
			if i.Op == lir.Or {
				enc = a64.OrrImm
			} else if i.Op == lir.Xor {
				enc = a64.EorImm
			}
			w, ok := enc(is64, rd, rn, v)
			if !ok {
				return fmt.Errorf("no bitmask encoding for %#x", v)
			}
			a.emit(w)
		case lir.Shl:
			a.emit(a64.LslImm(is64, rd, rn, uint32(v)))
		case lir.Shr:
			a.emit(a64.AsrImm(is64, rd, rn, uint32(v)))
		case lir.UShr:
			a.emit(a64.LsrImm(is64, rd, rn, uint32(v)))
		case lir.Ror:
			a.emit(a64.RorImm(is64, rd, rn, uint32(v)))
		default:
			return fmt.Errorf("no immediate form")
		}
		return nil
	}
	rm := hw(i.Srcs[1])
	switch i.Op {
	case lir.Add:
		a.emit(a64.AddReg(is64, rd, rn, rm, a64.LSL, 0))
	case lir.Sub:
		a.emit(a64.SubReg(is64, rd, rn, rm, a64.LSL, 0))
	case lir.Mul:
		a.emit(a64.Mul(is64, rd, rn, rm))
	case lir.Div:
		a.emit(a64.Sdiv(is64, rd, rn, rm))
	case lir.Rem:
		a.emit(a64.Sdiv(is64, ip0, rn, rm))
		a.emit(a64.Msub(is64, rd, ip0, rm, rn))
	case lir.And:
		a.emit(a64.AndReg(is64, rd, rn, rm, a64.LSL, 0))
	case lir.Or:
		a.emit(a64.OrrReg(is64, rd, rn, rm, a64.LSL, 0))
	case lir.Xor:
		a.emit(a64.EorReg(is64, rd, rn, rm, a64.LSL, 0))
	case lir.Shl:
		a.emit(a64.Lslv(is64, rd, rn, rm))
	case lir.Shr:
		a.emit(a64.Asrv(is64, rd, rn, rm))
	case lir.UShr:
		a.emit(a64.Lsrv(is64, rd, rn, rm))
	case lir.Ror:
		a.emit(a64.Rorv(is64, rd, rn, rm))
	}
	return nil
}

func (a *assembler) extend(i *lir.Inst) {
	rd, rn := hw(i.Dst), hw(i.Srcs[0])
	switch i.Type {
	case ir.Int64:
		a.emit(a64.Sxtw(rd, rn))
	case ir.Int8:
		a.emit(a64.Sxtb(rd, rn))
	case ir.Int16:
		a.emit(a64.Sxth(rd, rn))
	case ir.Uint16:
		a.emit(a64.Uxth(rd, rn))
	case ir.Bool:
		a.emit(a64.Uxtb(rd, rn))
	default:
		// Narrowing to int keeps the low word and clears the rest.
		a.emit(a64.Mov(false, rd, rn))
	}
}

func (a *assembler) shiftOp(i *lir.Inst) error {
	is64 := i.Is64()
	op, kind, amount := ir.DecodeShiftOp(i.Aux)
	rd := hw(i.Dst)
	if op == ir.OpNeg {
		if kind > ir.ShiftASR {
			return fmt.Errorf("cannot negate an extended operand")
		}
		a.emit(a64.Neg(is64, rd, hw(i.Srcs[0]), shiftKinds[kind], uint32(amount)))
		return nil
	}
	rn, rm := hw(i.Srcs[0]), hw(i.Srcs[1])
	if kind == ir.ExtendSXTW || kind == ir.ExtendUXTW {
		opt := a64.SXTW
		if kind == ir.ExtendUXTW {
			opt = a64.UXTW
		}
		switch op {
		case ir.OpAdd:
			a.emit(a64.AddExt(is64, rd, rn, rm, opt, uint32(amount)))
		case ir.OpSub:
			a.emit(a64.SubExt(is64, rd, rn, rm, opt, uint32(amount)))
		default:
			return fmt.Errorf("extended operand on %s", op)
		}
		return nil
	}
	s := shiftKinds[kind]
	switch op {
	case ir.OpAdd:
		a.emit(a64.AddReg(is64, rd, rn, rm, s, uint32(amount)))
	case ir.OpSub:
		a.emit(a64.SubReg(is64, rd, rn, rm, s, uint32(amount)))
	case ir.OpAnd:
		a.emit(a64.AndReg(is64, rd, rn, rm, s, uint32(amount)))
	case ir.OpOr:
		a.emit(a64.OrrReg(is64, rd, rn, rm, s, uint32(amount)))
	case ir.OpXor:
		a.emit(a64.EorReg(is64, rd, rn, rm, s, uint32(amount)))
	default:
		return fmt.Errorf("shifted operand on %s", op)
	}
	return nil
}

var shiftKinds = map[int64]uint32{ir.ShiftLSL: a64.LSL, ir.ShiftLSR: a64.LSR, ir.ShiftASR: a64.ASR}

// indexed accesses [base + index<<shift + Imm]. The index is an int and is
// sign-extended.
func (a *assembler) indexed(acc a64.Access, rt uint32, i *lir.Inst) {
	base := hw(i.Srcs[0])
	if i.Imm != 0 {
		a.addImm(true, ip0, base, i.Imm)
		base = ip0
	}
	a.emit(a64.LdStReg(acc, rt, base, hw(i.Srcs[1]), a64.SXTW, i.Aux > 0))
}

// payload queues a fill-array payload after the code.
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
	index, length := i.Srcs[0], i.Srcs[1]
	a.emit(a64.CmpReg(false, hw(index), hw(length)))
	slow := a.buf.NewLabel()
	a.branch(a64.BCond(a64.HS), a64.Branch19, slow)
	a.slow = append(a.slow, func() {
		a.buf.Bind(slow)
		// index to x0 and length to x1, whatever registers they are in.
		if index == 1 && length == 0 {
			a.emit(a64.Mov(true, ip0, 0))
			a.emit(a64.Mov(true, 0, 1))
			a.emit(a64.Mov(true, 1, ip0))
		} else if index == 1 {
			a.emit(a64.Mov(true, 0, 1))
			a.movIfNeeded(1, length)
		} else {
			a.movIfNeeded(1, length)
			a.movIfNeeded(0, index)
		}
		a.callRuntime(codegen.ThrowArrayBounds)
	})
}

func (a *assembler) movIfNeeded(dst uint32, src lir.Reg) {
	if hw(src) != dst {
		a.emit(a64.Mov(true, dst, hw(src)))
	}
}

// suspendCheck tests the thread flags and calls the runtime out of line,
// preserving every caller-saved register around the call.
func (a *assembler) suspendCheck() {
	a.mem(a64.LdrW, ip0, thread, codegen.ThreadFlagsOffset)
	slow, back := a.buf.NewLabel(), a.buf.NewLabel()
	a.branch(a64.Cbnz(false, ip0), a64.Branch19, slow)
	a.buf.Bind(back)
	a.slow = append(a.slow, func() {
		a.buf.Bind(slow)
		saved := a.c.CallerSaved()
		area := int64(len(saved)+1) / 2 * 16
		cfa := a.frame.Size()
		a.emit(a64.SubImm(true, a64.SP, a64.SP, area))
		a.buf.CFI(asm.DefCFAOffset, 0, cfa+area)
		a.pairs(saved, a64.Stp, a64.StrX)
		a.callRuntime(codegen.TestSuspend)
		a.pairs(saved, a64.Ldp, a64.LdrX)
		a.emit(a64.AddImm(true, a64.SP, a64.SP, area))
		a.buf.CFI(asm.DefCFAOffset, 0, cfa)
		a.jump(back)
	})
}

func (a *assembler) pairs(regs []lir.Reg, pair func(rt, rt2, rn uint32, off int64) (uint32, bool), single a64.Access) {
	for k := 0; k < len(regs); k += 2 {
		off := int64(k) * 8
		if k+1 < len(regs) {
			if w, ok := pair(hw(regs[k]), hw(regs[k+1]), a64.SP, off); ok {
				a.emit(w)
				continue
			}
			a.mem(single, hw(regs[k+1]), a64.SP, off+8)
		}
		a.mem(single, hw(regs[k]), a64.SP, off)
	}
}

func (a *assembler) condBranch(i *lir.Inst, next int) {
	t, f := i.Targets[0], i.Targets[1]
	cond := i.Cond
	if t == next {
		t, f = f, t
		cond = cond.Negate()
	}
	if i.HasImm && i.Imm == 0 && (cond == lir.EQ || cond == lir.NE) {
		w := a64.Cbz(i.Is64(), hw(i.Srcs[0]))
		if cond == lir.NE {
			w = a64.Cbnz(i.Is64(), hw(i.Srcs[0]))
		}
		a.branch(w, a64.Branch19, a.blocks[t])
	} else {
		a.compare(i)
		a.branch(a64.BCond(conds[cond]), a64.Branch19, a.blocks[t])
	}
	if f != next {
		a.jump(a.blocks[f])
	}
}

// switchOn dispatches on Srcs[0]-Imm. Small switches compare case by
// case; larger ones index a table of offsets relative to the table.
func (a *assembler) switchOn(i *lir.Inst, next int) {
	v := hw(i.Srcs[0])
	cases := i.Targets[:len(i.Targets)-1]
	def := i.Targets[len(i.Targets)-1]
	if len(cases) <= switchChainLimit {
		for k, t := range cases {
			a.compare(&lir.Inst{Type: ir.Int32, Srcs: []lir.Reg{i.Srcs[0]}, Imm: i.Imm + int64(k), HasImm: true})
			a.branch(a64.BCond(a64.EQ), a64.Branch19, a.blocks[t])
		}
		if def != next {
			a.jump(a.blocks[def])
		}
		return
	}
	a.addImm(false, ip0, v, -i.Imm)
	a.compare(&lir.Inst{Type: ir.Int32, Srcs: []lir.Reg{ip0}, Imm: int64(len(cases)), HasImm: true})
	a.branch(a64.BCond(a64.HS), a64.Branch19, a.blocks[def])
	var table asm.Label
	table = a.buf.Table(4, func(b *asm.Buffer) {
		for _, t := range cases {
			b.FixRelative(b.Len(), a64.Table32, a.blocks[t], table)
			b.Emit32(0)
		}
	})
	a.branch(a64.Adr|ip1, a64.Adr21, table)
	a.emit(a64.LdStReg(a64.Access{Size: 2, Opc: 2}, ip0, ip1, ip0, a64.UXTW, true))
	a.emit(a64.AddReg(true, ip0, ip1, ip0, a64.LSL, 0))
	a.emit(a64.Br(ip0))
}

// steps encodes prologue or epilogue steps, each followed by its unwind
// events.
func (a *assembler) steps(steps []stacking.Step) error {
	for _, s := range steps {
		switch s.Kind {
		case stacking.StepProbe:
			a.emit(a64.SubImm(true, ip0, a64.SP, s.Offset))
			a.mem(a64.LdrW, a64.ZR, ip0, 0)
		case stacking.StepAdjust:
			v := s.Offset
			enc := a64.AddImm
			if v < 0 {
				v, enc = -v, a64.SubImm
			}
			if hi := v &^ 0xfff; hi != 0 {
				a.emit(enc(true, a64.SP, a64.SP, hi))
			}
			if lo := v & 0xfff; lo != 0 {
				a.emit(enc(true, a64.SP, a64.SP, lo))
			}
		case stacking.StepStore, stacking.StepLoad:
			pair, single := a64.Stp, a64.StrX
			if s.Kind == stacking.StepLoad {
				pair, single = a64.Ldp, a64.LdrX
			}
			a.savePair(s, pair, single)
		case stacking.StepReturn:
			a.emit(a64.Ret)
		case stacking.StepCFI:
		default:
			return fmt.Errorf("frame step %d has no arm64 form", s.Kind)
		}
		for _, ev := range s.CFI {
			a.buf.CFI(ev.Op, ev.Reg, ev.Value)
		}
	}
	return nil
}

func (a *assembler) savePair(s stacking.Step, pair func(rt, rt2, rn uint32, off int64) (uint32, bool), single a64.Access) {
	if len(s.Regs) == 2 {
		if w, ok := pair(hw(s.Regs[0]), hw(s.Regs[1]), a64.SP, s.Offset); ok {
			a.emit(w)
			return
		}
		a.mem(single, hw(s.Regs[1]), a64.SP, s.Offset+8)
	}
	a.mem(single, hw(s.Regs[0]), a64.SP, s.Offset)
}
