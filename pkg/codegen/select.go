package codegen

import (
	"github.com/raymyers/ralph-oat/pkg/archsimp"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// Target is what the shared selector asks of an instruction set.
type Target interface {
	Conventions() *lir.Conventions
	// Immediate reports whether op can encode v as its immediate operand
	// for values of type t.
	Immediate(op lir.Op, t ir.Type, v int64) bool
	// Inline reports whether op has an inline lowering. Division,
	// remainder and bit counts without one call the runtime.
	Inline(op ir.Opcode) bool
	// Check rejects instructions the ISA cannot lower with an error
	// wrapping ErrUnsupported.
	Check(g *ir.Graph, inst *ir.Instruction) error
}

type selector struct {
	g  *ir.Graph
	t  Target
	c  *lir.Conventions
	fn *lir.Func

	regs   map[ir.ValueID]lir.Reg
	blocks map[ir.BlockID]int
	order  []ir.BlockID
	fused  map[ir.ValueID]bool
	cur    *lir.Block
}

// Select lowers g for t. Critical edges are split first so phis become
// parallel moves at the end of their predecessors.
func Select(g *ir.Graph, t Target) (*lir.Func, error) {
	s := &selector{
		g:      g,
		t:      t,
		c:      t.Conventions(),
		fn:     lir.NewFunc(g.Name, g.Method),
		regs:   make(map[ir.ValueID]lir.Reg),
		blocks: make(map[ir.BlockID]int),
		fused:  make(map[ir.ValueID]bool),
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	s.splitCriticalEdges()
	g.BuildDominatorsAndLoops()
	s.layout()
	for _, b := range s.fn.Blocks {
		s.cur = b
		if b.Index == 0 {
			s.params()
		}
		s.block(s.g.Block(s.order[b.Index]))
	}
	s.phis()
	s.dropUnusedConstants()
	return s.fn, nil
}

func (s *selector) check() error {
	for _, id := range s.g.Values() {
		inst := s.g.Inst(id)
		if inst.Type.IsFloat() {
			return Unsupportedf("%s: floating point %s", s.g.Name, inst.Op)
		}
		for _, in := range inst.Inputs() {
			if s.g.Inst(in).Type.IsFloat() {
				return Unsupportedf("%s: floating point operand of %s", s.g.Name, inst.Op)
			}
		}
		if inst.Op == ir.OpTry {
			return Unsupportedf("%s: exception handlers", s.g.Name)
		}
		if err := s.t.Check(s.g, inst); err != nil {
			return err
		}
	}
	return nil
}

func (s *selector) splitCriticalEdges() {
	for _, bid := range s.g.ReversePostOrder() {
		b := s.g.Block(bid)
		if len(b.Succs()) < 2 {
			continue
		}
		for _, succ := range append([]ir.BlockID(nil), b.Succs()...) {
			if succ != s.g.Exit && len(s.g.Block(succ).Preds()) > 1 {
				s.g.SplitEdge(bid, succ)
			}
		}
	}
}

// layout creates one low-level block per reachable block in reverse
// postorder, leaving out the exit.
func (s *selector) layout() {
	order := s.g.ReversePostOrder()
	for _, bid := range order {
		if bid == s.g.Exit {
			continue
		}
		b := s.g.Block(bid)
		lb := s.fn.NewBlock(b.Name)
		if l := b.Loop(); l != nil {
			lb.LoopDepth = l.Depth
		}
		s.blocks[bid] = lb.Index
		s.order = append(s.order, bid)
	}
	for _, bid := range order {
		from, ok := s.blocks[bid]
		if !ok {
			continue
		}
		for _, succ := range s.g.Block(bid).Succs() {
			if to, ok := s.blocks[succ]; ok {
				s.fn.Link(from, to)
			}
		}
	}
}

func (s *selector) reg(id ir.ValueID) lir.Reg {
	if r, ok := s.regs[id]; ok {
		return r
	}
	r := s.fn.NewReg()
	s.regs[id] = r
	return r
}

func (s *selector) emit(inst *lir.Inst) *lir.Inst {
	s.cur.Insts = append(s.cur.Insts, inst)
	return inst
}

func (s *selector) word() ir.Type {
	if s.c.WordSize == 8 {
		return ir.Int64
	}
	return ir.Int32
}

// params copies register arguments out of their fixed registers and loads
// the rest from the caller's frame.
func (s *selector) params() {
	pm := lir.NewInst(lir.ParMove, s.word(), lir.NoReg)
	var loads []*lir.Inst
	for i, id := range s.g.Params {
		dst := s.reg(id)
		if i < len(s.c.Args) {
			pm.Dsts = append(pm.Dsts, dst)
			pm.Srcs = append(pm.Srcs, s.c.Args[i])
			continue
		}
		ld := lir.NewInst(lir.LoadArg, s.g.Inst(id).Type, dst)
		ld.Imm = int64(i - len(s.c.Args))
		loads = append(loads, ld)
	}
	s.fn.InArgs = len(loads)
	if len(pm.Dsts) > 0 {
		s.emit(pm)
	}
	for _, ld := range loads {
		s.emit(ld)
	}
}

func (s *selector) constant(id ir.ValueID) (int64, bool) {
	return s.g.Inst(id).IsConstant()
}

// operand returns the second operand of op either as an immediate or as a
// register.
func (s *selector) operand(inst *lir.Inst, id ir.ValueID, t ir.Type) {
	if v, ok := s.constant(id); ok && s.t.Immediate(inst.Op, t, v) {
		inst.WithImm(v)
		return
	}
	inst.Srcs = append(inst.Srcs, s.reg(id))
}

var binaryOps = map[ir.Opcode]lir.Op{
	ir.OpAdd: lir.Add, ir.OpSub: lir.Sub, ir.OpMul: lir.Mul, ir.OpDiv: lir.Div,
	ir.OpRem: lir.Rem, ir.OpAnd: lir.And, ir.OpOr: lir.Or, ir.OpXor: lir.Xor,
	ir.OpShl: lir.Shl, ir.OpShr: lir.Shr, ir.OpUShr: lir.UShr, ir.OpRor: lir.Ror,
}

func (s *selector) block(b *ir.Block) {
	for _, id := range b.Insts() {
		inst := s.g.Inst(id)
		s.inst(b, inst)
	}
}

func (s *selector) inst(b *ir.Block, inst *ir.Instruction) {
	id := inst.ID()
	switch op := inst.Op; op {
	case ir.OpParam:
	case ir.OpConst:
		s.emit(lir.NewInst(lir.LoadConst, inst.Type, s.reg(id)).WithImm(inst.Aux))
	case ir.OpNull:
		s.emit(lir.NewInst(lir.LoadConst, ir.Ref, s.reg(id)).WithImm(0))
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpRem, ir.OpAnd, ir.OpOr,
		ir.OpXor, ir.OpShl, ir.OpShr, ir.OpUShr, ir.OpRor:
		s.binary(inst, binaryOps[op])
	case ir.OpNeg:
		s.emit(lir.NewInst(lir.Neg, inst.Type, s.reg(id), s.reg(inst.Input(0))))
	case ir.OpNot:
		s.emit(lir.NewInst(lir.Not, inst.Type, s.reg(id), s.reg(inst.Input(0))))
	case ir.OpEq, ir.OpNe, ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		if s.fusible(b, inst) {
			s.fused[id] = true
			return
		}
		cmp := lir.NewInst(lir.Compare, ir.Bool, s.reg(id))
		s.compare(cmp, inst)
		s.emit(cmp)
	case ir.OpSelect:
		s.selectValue(b, inst)
	case ir.OpConv:
		from := s.g.Inst(inst.Input(0)).Type
		ext := lir.NewInst(lir.Extend, inst.Type, s.reg(id), s.reg(inst.Input(0)))
		ext.Aux = int64(from)
		s.emit(ext)
	case ir.OpBitCount:
		if s.t.Inline(op) {
			bc := lir.NewInst(lir.BitCount, s.g.Inst(inst.Input(0)).Type, s.reg(id), s.reg(inst.Input(0)))
			s.emit(bc)
			return
		}
		s.callRuntime(BitCount, []lir.Reg{s.reg(inst.Input(0))}, s.reg(id), s.c.Return)

	case ir.OpIGet:
		s.emit(lir.NewInst(lir.Load, inst.Type, s.reg(id), s.reg(inst.Input(0))).WithImm(inst.Aux))
	case ir.OpIPut:
		s.emit(lir.NewInst(lir.Store, inst.Type, lir.NoReg, s.reg(inst.Input(0)), s.reg(inst.Input(1))).WithImm(inst.Aux))
	case ir.OpSGet:
		base := s.statics()
		s.emit(lir.NewInst(lir.Load, inst.Type, s.reg(id), base).WithImm(inst.Aux))
	case ir.OpSPut:
		base := s.statics()
		s.emit(lir.NewInst(lir.Store, inst.Type, lir.NoReg, base, s.reg(inst.Input(0))).WithImm(inst.Aux))
	case ir.OpAGet:
		s.arrayAccess(inst, s.reg(id), lir.NoReg)
	case ir.OpASet:
		s.arrayAccess(inst, lir.NoReg, s.reg(inst.Input(2)))
	case ir.OpALen:
		s.emit(lir.NewInst(lir.Load, ir.Int32, s.reg(id), s.reg(inst.Input(0))).WithImm(ArrayLengthOffset))
	case ir.OpIntermediateAddress:
		s.emit(lir.NewInst(lir.Add, s.word(), s.reg(id), s.reg(inst.Input(0))).WithImm(inst.Aux))
	case ir.OpBoundsCheck:
		index := s.reg(inst.Input(0))
		s.emit(lir.NewInst(lir.CheckBounds, ir.Int32, lir.NoReg, index, s.reg(inst.Input(1))))
		s.regs[id] = index
	case ir.OpNullCheck:
		obj := s.reg(inst.Input(0))
		s.emit(lir.NewInst(lir.CheckNull, ir.Ref, lir.NoReg, obj))
		s.regs[id] = obj

	case ir.OpNew:
		class := s.fn.NewTemp()
		s.emit(lir.NewInst(lir.LoadConst, s.word(), class).WithImm(inst.Aux))
		s.callRuntime(AllocObject, []lir.Reg{class}, s.reg(id), s.c.Return)
	case ir.OpNewArray:
		s.callRuntime(AllocArray, []lir.Reg{s.reg(inst.Input(0))}, s.reg(id), s.c.Return)
	case ir.OpFillArray:
		data := s.fn.NewTemp()
		adr := lir.NewInst(lir.DataAddr, s.word(), data)
		adr.Aux = inst.Aux
		adr.Data = inst.Payload
		s.emit(adr)
		s.callRuntime(FillArrayData, []lir.Reg{s.reg(inst.Input(0)), data}, lir.NoReg, lir.NoReg)
	case ir.OpCall:
		s.call(inst)
	case ir.OpSuspend:
		s.emit(lir.NewInst(lir.SuspendCheck, 0, lir.NoReg))

	case ir.OpMulAcc:
		mac := lir.NewInst(lir.MulAcc, inst.Type, s.reg(id),
			s.reg(inst.Input(0)), s.reg(inst.Input(1)), s.reg(inst.Input(2)))
		mac.Aux = inst.Aux
		s.emit(mac)
	case ir.OpShiftOp:
		so := lir.NewInst(lir.ShiftOp, inst.Type, s.reg(id))
		for _, in := range inst.Inputs() {
			so.Srcs = append(so.Srcs, s.reg(in))
		}
		so.Aux = inst.Aux
		s.emit(so)

	case ir.OpGoto:
		s.emit(&lir.Inst{Op: lir.Branch, Dst: lir.NoReg, Targets: s.targets(b)})
	case ir.OpIf:
		s.branch(b, inst)
	case ir.OpSwitch:
		sw := lir.NewInst(lir.Switch, ir.Int32, lir.NoReg, s.reg(inst.Input(0)))
		sw.Imm = inst.Aux
		sw.Targets = s.targets(b)
		s.emit(sw)
	case ir.OpReturn:
		ret := lir.NewInst(lir.Return, 0, lir.NoReg)
		if inst.NumInputs() > 0 {
			v := inst.Input(0)
			s.emit(lir.NewInst(lir.Move, s.g.Inst(v).Type, s.c.Return, s.reg(v)))
			ret.Srcs = []lir.Reg{s.c.Return}
		}
		s.emit(ret)
	case ir.OpThrow:
		pm := lir.NewInst(lir.ParMove, s.word(), lir.NoReg, s.reg(inst.Input(0)))
		pm.Dsts = []lir.Reg{s.c.Args[0]}
		s.emit(pm)
		s.emit(lir.NewInst(lir.Throw, ir.Ref, lir.NoReg, s.c.Args[0]))
	default:
		ir.Violationf("%s: no selection for %s", s.g.Name, op)
	}
}

func (s *selector) binary(inst *ir.Instruction, op lir.Op) {
	if (op == lir.Div || op == lir.Rem) && !s.t.Inline(inst.Op) {
		result := s.c.Return
		if op == lir.Rem {
			result = s.c.Args[1]
		}
		args := []lir.Reg{s.reg(inst.Input(0)), s.reg(inst.Input(1))}
		s.callRuntime(Idivmod, args, s.reg(inst.ID()), result)
		return
	}
	a, b := inst.Input(0), inst.Input(1)
	if _, ok := s.constant(a); ok && inst.Op.IsCommutative() {
		if _, ok := s.constant(b); !ok {
			a, b = b, a
		}
	}
	li := lir.NewInst(op, inst.Type, s.reg(inst.ID()), s.reg(a))
	if v, ok := s.constant(b); ok && (op == lir.Shl || op == lir.Shr || op == lir.UShr || op == lir.Ror) {
		// Shift distances use only their low bits.
		mask := int64(31)
		if inst.Type.Is64() {
			mask = 63
		}
		if s.t.Immediate(op, inst.Type, v&mask) {
			s.emit(li.WithImm(v & mask))
			return
		}
	}
	s.operand(li, b, inst.Type)
	s.emit(li)
}

// fusible reports whether a comparison feeds only the branch or select
// of its own block and needs no register of its own.
func (s *selector) fusible(b *ir.Block, cmp *ir.Instruction) bool {
	users := cmp.Users()
	if len(users) != 1 {
		return false
	}
	user := s.g.Inst(users[0].User)
	if user.Block() != b.ID() || users[0].Index != 0 {
		return false
	}
	return user.Op == ir.OpIf || user.Op == ir.OpSelect
}

// compare fills the operands and condition of a comparison, flipping it
// when only the left side is an encodable constant.
func (s *selector) compare(li *lir.Inst, cmp *ir.Instruction) {
	cond, _ := lir.CondOf(cmp.Op)
	a, b := cmp.Input(0), cmp.Input(1)
	t := s.g.Inst(a).Type
	if _, ok := s.constant(b); !ok {
		if v, ok := s.constant(a); ok && s.t.Immediate(lir.Compare, t, v) {
			a, b = b, a
			cond = cond.Swap()
		}
	}
	li.Type = t
	li.Cond = cond
	li.Srcs = append(li.Srcs, s.reg(a))
	if v, ok := s.constant(b); ok && s.t.Immediate(lir.Compare, t, v) {
		li.WithImm(v)
		return
	}
	li.Srcs = append(li.Srcs, s.reg(b))
}

// condition sets li to test the boolean value id, folding a comparison
// that was left for this user.
func (s *selector) condition(li *lir.Inst, id ir.ValueID) {
	if s.fused[id] {
		s.compare(li, s.g.Inst(id))
		return
	}
	li.Type = ir.Bool
	li.Cond = lir.NE
	li.Srcs = append(li.Srcs, s.reg(id))
	li.WithImm(0)
}

func (s *selector) branch(b *ir.Block, inst *ir.Instruction) {
	br := &lir.Inst{Op: lir.CondBranch, Dst: lir.NoReg, Targets: s.targets(b)}
	s.condition(br, inst.Input(0))
	s.emit(br)
}

// selectValue emits Select with the condition operands first, then the
// true and false values.
func (s *selector) selectValue(b *ir.Block, inst *ir.Instruction) {
	sel := &lir.Inst{Op: lir.Select, Dst: s.reg(inst.ID())}
	s.condition(sel, inst.Input(0))
	sel.Srcs = append(sel.Srcs, s.reg(inst.Input(1)), s.reg(inst.Input(2)))
	// The comparison type picks the compare width; the value type is
	// kept in Aux for the move width.
	sel.Aux = int64(inst.Type)
	s.emit(sel)
}

func (s *selector) targets(b *ir.Block) []int {
	var out []int
	for _, succ := range b.Succs() {
		if i, ok := s.blocks[succ]; ok {
			out = append(out, i)
		}
	}
	return out
}

func (s *selector) statics() lir.Reg {
	base := s.fn.NewTemp()
	s.emit(lir.NewInst(lir.LoadThread, s.word(), base).WithImm(ThreadStaticsOffset))
	return base
}

func elementShift(t ir.Type) int64 {
	switch t.Size() {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// arrayAccess loads into dst or stores val. A base computed by an
// intermediate address already points at element 0.
func (s *selector) arrayAccess(inst *ir.Instruction, dst, val lir.Reg) {
	base := inst.Input(0)
	offset := archsimp.DataOffset(inst.Type.Size())
	if s.g.Inst(base).Op == ir.OpIntermediateAddress {
		offset = 0
	}
	index := inst.Input(1)
	var li *lir.Inst
	if c, ok := s.constant(index); ok {
		op := lir.Load
		if dst == lir.NoReg {
			op = lir.Store
		}
		li = lir.NewInst(op, inst.Type, dst, s.reg(base)).WithImm(offset + c<<elementShift(inst.Type))
	} else {
		op := lir.LoadIndexed
		if dst == lir.NoReg {
			op = lir.StoreIndexed
		}
		li = lir.NewInst(op, inst.Type, dst, s.reg(base), s.reg(index)).WithImm(offset)
		li.Aux = elementShift(inst.Type)
	}
	if val != lir.NoReg {
		li.Srcs = append(li.Srcs, val)
	}
	s.emit(li)
}

// callRuntime passes args in the argument registers, calls entrypoint e
// and copies result into dst.
func (s *selector) callRuntime(e Entrypoint, args []lir.Reg, dst, result lir.Reg) {
	pm := lir.NewInst(lir.ParMove, s.word(), lir.NoReg, args...)
	pm.Dsts = append([]lir.Reg(nil), s.c.Args[:len(args)]...)
	s.emit(pm)
	call := lir.NewInst(lir.CallRuntime, 0, lir.NoReg, s.c.Args[:len(args)]...)
	call.Imm = int64(e)
	s.emit(call)
	if dst != lir.NoReg {
		s.emit(lir.NewInst(lir.Move, s.word(), dst, result))
	}
}

func (s *selector) call(inst *ir.Instruction) {
	pm := lir.NewInst(lir.ParMove, s.word(), lir.NoReg)
	var used []lir.Reg
	for i, in := range inst.Inputs() {
		if i < len(s.c.Args) {
			pm.Srcs = append(pm.Srcs, s.reg(in))
			pm.Dsts = append(pm.Dsts, s.c.Args[i])
			used = append(used, s.c.Args[i])
			continue
		}
		st := lir.NewInst(lir.StoreArg, s.g.Inst(in).Type, lir.NoReg, s.reg(in))
		st.Imm = int64(i - len(s.c.Args))
		s.emit(st)
		if n := i - len(s.c.Args) + 1; n > s.fn.OutArgs {
			s.fn.OutArgs = n
		}
	}
	if len(pm.Dsts) > 0 {
		s.emit(pm)
	}
	call := lir.NewInst(lir.Call, inst.Type, lir.NoReg, used...)
	call.Imm = inst.Aux
	s.emit(call)
	if inst.HasResult() {
		s.emit(lir.NewInst(lir.Move, inst.Type, s.reg(inst.ID()), s.c.Return))
	}
}

// phis turns the phis of every block into one parallel move at the end of
// each predecessor. Critical edges are split, so every predecessor of a
// block with phis has a single successor.
func (s *selector) phis() {
	for _, bid := range s.order {
		b := s.g.Block(bid)
		if len(b.Phis()) == 0 {
			continue
		}
		for k, pred := range b.Preds() {
			pi, ok := s.blocks[pred]
			if !ok {
				continue
			}
			pm := lir.NewInst(lir.ParMove, s.word(), lir.NoReg)
			for _, phi := range b.Phis() {
				in := s.g.Inst(phi).Input(k)
				pm.Dsts = append(pm.Dsts, s.reg(phi))
				pm.Srcs = append(pm.Srcs, s.reg(in))
			}
			s.fn.Blocks[pi].InsertBeforeTerminator(pm)
		}
	}
}

// dropUnusedConstants removes constants that every user took as an
// immediate.
func (s *selector) dropUnusedConstants() {
	used := make(map[lir.Reg]bool)
	for _, b := range s.fn.Blocks {
		for _, inst := range b.Insts {
			for _, r := range inst.Srcs {
				used[r] = true
			}
		}
	}
	for _, b := range s.fn.Blocks {
		out := b.Insts[:0]
		for _, inst := range b.Insts {
			if inst.Op == lir.LoadConst && inst.Dst.IsVirtual() && !used[inst.Dst] {
				continue
			}
			out = append(out, inst)
		}
		b.Insts = out
	}
}
