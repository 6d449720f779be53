package induction

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
)

// visitControl derives the trip count from the header's exit test. Only
// unit strides against an invariant bound are understood.
func (a *Analysis) visitControl(loop *ir.Loop) {
	g := a.g
	header := g.Block(loop.Header)
	ctl := g.Inst(header.Last())
	if ctl.Op != ir.OpIf {
		return
	}
	cond := g.Inst(ctl.Input(0))
	if !cond.Op.IsCompare() || g.Inst(cond.Input(0)).Type != ir.Int32 {
		return
	}
	x, y := a.Lookup(loop, cond.Input(0)), a.Lookup(loop, cond.Input(1))
	if x == nil || y == nil {
		return
	}
	succs := header.Succs()
	stay, leave := loop.Contains(succs[0]), loop.Contains(succs[1])
	switch {
	case stay && !leave:
		a.visitCondition(loop, x, y, cond.Op)
	case !stay && leave:
		a.visitCondition(loop, x, y, cond.Op.Negate())
	}
}

// visitCondition handles "x cmp y" being the condition to keep iterating.
func (a *Analysis) visitCondition(loop *ir.Loop, x, y *Info, cmp ir.Opcode) {
	if x.Class == Invariant && y.Class == Linear {
		x, y, cmp = y, x, cmp.Mirror()
	}
	if x.Class != Linear || y.Class != Invariant {
		return
	}
	r := NewRange(a)
	stride, ok := r.exact(x.A)
	if !ok {
		return
	}
	lower, upper := x.B, y
	if cmp == ir.OpNe {
		// i != U ends exactly at U when the unit-stride loop is entered.
		switch {
		case stride == 1 && r.isTaken(lower, upper, ir.OpLe):
			cmp = ir.OpLt
		case stride == -1 && r.isTaken(lower, upper, ir.OpGe):
			cmp = ir.OpGt
		default:
			return
		}
	}

	var count *Info
	switch {
	case stride == 1 && cmp == ir.OpLt:
		count = invariantOp(OpSub, upper, lower)
	case stride == 1 && cmp == ir.OpLe:
		count = invariantOp(OpSub, invariantOp(OpAdd, upper, constant(1)), lower)
	case stride == -1 && cmp == ir.OpGt:
		count = invariantOp(OpSub, lower, upper)
	case stride == -1 && cmp == ir.OpGe:
		count = invariantOp(OpSub, lower, invariantOp(OpSub, upper, constant(1)))
	default:
		return
	}

	taken, finite := r.isTaken(lower, upper, cmp), r.isFinite(upper, cmp)
	op := OpTripCountInBodyUnsafe
	switch {
	case taken && finite:
		op = OpTripCountInLoop
	case finite:
		op = OpTripCountInBody
	case taken:
		op = OpTripCountInLoopUnsafe
	}
	test := map[ir.Opcode]Op{ir.OpLt: OpLT, ir.OpLe: OpLE, ir.OpGt: OpGT, ir.OpGe: OpGE}[cmp]
	a.trips[loop] = &Info{Class: Invariant, Op: op, A: count, B: invariantOp(test, lower, upper)}
}

// isTaken reports whether the first test of the loop is known to pass.
func (r *Range) isTaken(lower, upper *Info, cmp ir.Opcode) bool {
	lmin, lmax := r.val(lower, nil, false, true), r.val(lower, nil, false, false)
	umin, umax := r.val(upper, nil, false, true), r.val(upper, nil, false, false)
	switch cmp {
	case ir.OpLt:
		return lmax.IsConstant() && umin.IsConstant() && lmax.B < umin.B
	case ir.OpLe:
		return lmax.IsConstant() && umin.IsConstant() && lmax.B <= umin.B
	case ir.OpGt:
		return lmin.IsConstant() && umax.IsConstant() && lmin.B > umax.B
	case ir.OpGe:
		return lmin.IsConstant() && umax.IsConstant() && lmin.B >= umax.B
	}
	return false
}

// isFinite reports whether a unit-stride counter is sure to reach the
// bound without wrapping around. Known constants never sit on the int32
// extremes, so any constant bound works for the inclusive tests.
func (r *Range) isFinite(upper *Info, cmp ir.Opcode) bool {
	switch cmp {
	case ir.OpLt, ir.OpGt:
		return true
	case ir.OpLe:
		return r.val(upper, nil, false, false).IsConstant()
	case ir.OpGe:
		return r.val(upper, nil, false, true).IsConstant()
	}
	return false
}
