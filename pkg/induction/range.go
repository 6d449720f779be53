package induction

import (
	"fmt"
	"math"

	"github.com/raymyers/ralph-oat/pkg/ir"
)

// Value is the bound A*Instr + B. A constant has A == 0 and no Instr.
// Known is false when nothing could be derived.
type Value struct {
	Instr ir.ValueID
	A     int32
	B     int32
	Known bool
}

func constVal(c int32) Value { return Value{B: c, Known: true} }

func symbolic(instr ir.ValueID, a, b int32) Value {
	if a == 0 {
		return constVal(b)
	}
	return Value{Instr: instr, A: a, B: b, Known: true}
}

// IsConstant reports whether v is a known constant.
func (v Value) IsConstant() bool { return v.Known && v.A == 0 }

func (v Value) String() string {
	switch {
	case !v.Known:
		return "?"
	case v.A == 0:
		return fmt.Sprint(v.B)
	case v.A == 1 && v.B == 0:
		return v.Instr.String()
	case v.A == 1:
		return fmt.Sprintf("%v%+d", v.Instr, v.B)
	}
	return fmt.Sprintf("%d*%v%+d", v.A, v.Instr, v.B)
}

// Known constants stay strictly inside the int32 range, so the extremes
// are free to mean "no bound".
func inside(x int64) bool { return x > math.MinInt32 && x < math.MaxInt32 }

// worst replaces an unknown bound by the most conservative constant.
func worst(v Value, isMin bool) Value {
	if v.Known {
		return v
	}
	if isMin {
		return Value{B: math.MinInt32, Known: true}
	}
	return Value{B: math.MaxInt32, Known: true}
}

// Range evaluates the bounds of values inside loops.
type Range struct {
	a *Analysis
	g *ir.Graph
}

func NewRange(a *Analysis) *Range { return &Range{a: a, g: a.g} }

// MinMax bounds v as seen by the instruction context, which must sit in
// a loop. Bounds that cannot be derived come back as math.MinInt32 and
// math.MaxInt32. ok is false when v is not an i32 with a known shape in
// the enclosing loop.
func (r *Range) MinMax(context, v ir.ValueID) (lo, hi Value, ok bool) {
	g := r.g
	blk := g.Inst(context).Block()
	loop := g.Block(blk).Loop()
	if loop == nil || g.Inst(v).Type != ir.Int32 {
		return Value{}, Value{}, false
	}
	info := r.a.Lookup(loop, v)
	if info == nil {
		return Value{}, Value{}, false
	}
	trip := r.a.TripCount(loop)
	inBody := blk != loop.Header
	lo = worst(r.val(info, trip, inBody, true), true)
	hi = worst(r.val(info, trip, inBody, false), false)
	return lo, hi, true
}

// Canonical returns the bound describing v itself, seeing through the
// same additions and array lengths as the range evaluation.
func (r *Range) Canonical(v ir.ValueID) Value { return r.fetch(v, nil, false, false) }

func (r *Range) val(info, trip *Info, inBody, isMin bool) Value {
	if info == nil {
		return Value{}
	}
	switch info.Class {
	case Invariant:
		switch info.Op {
		case OpAdd:
			return add(r.val(info.A, trip, inBody, isMin), r.val(info.B, trip, inBody, isMin))
		case OpSub:
			return sub(r.val(info.A, trip, inBody, isMin), r.val(info.B, trip, inBody, !isMin))
		case OpNeg:
			return sub(constVal(0), r.val(info.B, trip, inBody, !isMin))
		case OpMul:
			return r.mul(info.A, info.B, trip, inBody, isMin)
		case OpDiv:
			return r.div(info.A, info.B, trip, inBody, isMin)
		case OpFetch:
			return r.fetch(info.Fetch, trip, inBody, isMin)
		case OpConstant:
			if inside(info.Const) {
				return constVal(int32(info.Const))
			}
		case OpTripCountInLoop:
			// The header sees the counter once more, on exit.
			if !inBody && !isMin {
				return r.val(info.A, trip, inBody, isMin)
			}
			fallthrough
		case OpTripCountInBody:
			if isMin {
				return constVal(0)
			}
			if inBody {
				return sub(r.val(info.A, trip, inBody, isMin), constVal(1))
			}
		}
	case Linear:
		return r.linear(info, trip, inBody, isMin)
	case WrapAround, Periodic:
		return merge(r.val(info.A, trip, inBody, isMin), r.val(info.B, trip, inBody, isMin), isMin)
	}
	return Value{}
}

func (r *Range) linear(info, trip *Info, inBody, isMin bool) Value {
	// An offset that also appears in the trip count cancels, which keeps
	// bounds like n-1 for 0 <= k < n even when the start is symbolic.
	if trip != nil && trip.A != nil && trip.A.Op == OpSub {
		count := trip.A
		if stride, ok := r.exact(info.A); ok {
			switch {
			case !isMin && stride == 1 && count.B.Equal(info.B):
				cancelled := &Info{Class: Invariant, Op: trip.Op, A: count.A, B: trip.B}
				return r.val(cancelled, trip, inBody, isMin)
			case isMin && stride == -1 && count.A.Equal(info.B):
				cancelled := &Info{Class: Invariant, Op: trip.Op, A: invariantOp(OpNeg, nil, count.B), B: trip.B}
				return sub(constVal(0), r.val(cancelled, trip, inBody, !isMin))
			}
		}
	}
	return add(r.mul(info.A, trip, trip, inBody, isMin), r.val(info.B, trip, inBody, isMin))
}

func (r *Range) fetch(v ir.ValueID, trip *Info, inBody, isMin bool) Value {
	g := r.g
	inst := g.Inst(v)
	if c, ok := inst.IsConstant(); ok {
		if inside(c) {
			return constVal(int32(c))
		}
		return Value{}
	}
	switch inst.Op {
	case ir.OpAdd:
		if c, ok := g.Inst(inst.Input(1)).IsConstant(); ok && inside(c) {
			return add(r.fetch(inst.Input(0), trip, inBody, isMin), constVal(int32(c)))
		}
		if c, ok := g.Inst(inst.Input(0)).IsConstant(); ok && inside(c) {
			return add(constVal(int32(c)), r.fetch(inst.Input(1), trip, inBody, isMin))
		}
	case ir.OpSub:
		if c, ok := g.Inst(inst.Input(1)).IsConstant(); ok && inside(c) {
			return sub(r.fetch(inst.Input(0), trip, inBody, isMin), constVal(int32(c)))
		}
	case ir.OpALen:
		if arr := g.Inst(inst.Input(0)); arr.Op == ir.OpNewArray {
			return r.fetch(arr.Input(0), trip, inBody, isMin)
		}
	}
	// The body only runs when the trip count is at least one.
	if isMin && inBody && trip != nil && trip.A != nil && trip.A.Op == OpFetch && trip.A.Fetch == v {
		return constVal(1)
	}
	return symbolic(v, 1, 0)
}

// exact evaluates an invariant that folds to a single constant.
func (r *Range) exact(info *Info) (int32, bool) {
	lo := r.val(info, nil, false, true)
	hi := r.val(info, nil, false, false)
	if lo.IsConstant() && hi.IsConstant() && lo.B == hi.B {
		return lo.B, true
	}
	return 0, false
}

func (r *Range) mul(a, b, trip *Info, inBody, isMin bool) Value {
	lo1, hi1 := r.val(a, trip, inBody, true), r.val(a, trip, inBody, false)
	lo2, hi2 := r.val(b, trip, inBody, true), r.val(b, trip, inBody, false)
	if sameConstant(lo1, hi1) {
		return mulRangeConst(lo2, hi2, lo1, isMin)
	}
	if sameConstant(lo2, hi2) {
		return mulRangeConst(lo1, hi1, lo2, isMin)
	}
	if lo1.IsConstant() && lo1.B >= 0 {
		switch {
		case lo2.IsConstant() && lo2.B >= 0:
			if isMin {
				return mulValue(lo1, lo2)
			}
			return mulValue(hi1, hi2)
		case hi2.IsConstant() && hi2.B <= 0:
			if isMin {
				return mulValue(hi1, lo2)
			}
			return mulValue(lo1, hi2)
		}
	}
	if hi1.IsConstant() && hi1.B <= 0 {
		switch {
		case lo2.IsConstant() && lo2.B >= 0:
			if isMin {
				return mulValue(lo1, hi2)
			}
			return mulValue(hi1, lo2)
		case hi2.IsConstant() && hi2.B <= 0:
			if isMin {
				return mulValue(hi1, hi2)
			}
			return mulValue(lo1, lo2)
		}
	}
	return Value{}
}

func (r *Range) div(a, b, trip *Info, inBody, isMin bool) Value {
	lo1, hi1 := r.val(a, trip, inBody, true), r.val(a, trip, inBody, false)
	lo2, hi2 := r.val(b, trip, inBody, true), r.val(b, trip, inBody, false)
	if sameConstant(lo2, hi2) {
		if isMin == (lo2.B >= 0) {
			return divValue(lo1, lo2)
		}
		return divValue(hi1, lo2)
	}
	if lo1.IsConstant() && lo1.B >= 0 {
		switch {
		case lo2.IsConstant() && lo2.B > 0:
			if isMin {
				return divValue(lo1, hi2)
			}
			return divValue(hi1, lo2)
		case hi2.IsConstant() && hi2.B < 0:
			if isMin {
				return divValue(hi1, hi2)
			}
			return divValue(lo1, lo2)
		}
	}
	if hi1.IsConstant() && hi1.B <= 0 {
		switch {
		case lo2.IsConstant() && lo2.B > 0:
			if isMin {
				return divValue(lo1, lo2)
			}
			return divValue(hi1, hi2)
		case hi2.IsConstant() && hi2.B < 0:
			if isMin {
				return divValue(hi1, lo2)
			}
			return divValue(lo1, hi2)
		}
	}
	return Value{}
}

func sameConstant(lo, hi Value) bool {
	return lo.IsConstant() && hi.IsConstant() && lo.B == hi.B
}

func mulRangeConst(lo, hi, c Value, isMin bool) Value {
	if isMin == (c.B >= 0) {
		return mulValue(lo, c)
	}
	return mulValue(hi, c)
}

func add(v1, v2 Value) Value {
	if !v1.Known || !v2.Known || !inside(int64(v1.B)+int64(v2.B)) {
		return Value{}
	}
	b := v1.B + v2.B
	switch {
	case v1.A == 0:
		return symbolic(v2.Instr, v2.A, b)
	case v2.A == 0:
		return symbolic(v1.Instr, v1.A, b)
	case v1.Instr == v2.Instr && inside(int64(v1.A)+int64(v2.A)):
		return symbolic(v1.Instr, v1.A+v2.A, b)
	}
	return Value{}
}

func sub(v1, v2 Value) Value {
	if !v1.Known || !v2.Known || !inside(int64(v1.B)-int64(v2.B)) {
		return Value{}
	}
	b := v1.B - v2.B
	switch {
	case v1.A == 0 && inside(-int64(v2.A)):
		return symbolic(v2.Instr, -v2.A, b)
	case v2.A == 0:
		return symbolic(v1.Instr, v1.A, b)
	case v1.Instr == v2.Instr && inside(int64(v1.A)-int64(v2.A)):
		return symbolic(v1.Instr, v1.A-v2.A, b)
	}
	return Value{}
}

func mulValue(v1, v2 Value) Value {
	if !v1.Known || !v2.Known {
		return Value{}
	}
	switch {
	case v1.A == 0 && v2.A == 0:
		if p := int64(v1.B) * int64(v2.B); inside(p) {
			return constVal(int32(p))
		}
	case v1.A == 0:
		a, b := int64(v1.B)*int64(v2.A), int64(v1.B)*int64(v2.B)
		if inside(a) && inside(b) {
			return symbolic(v2.Instr, int32(a), int32(b))
		}
	case v2.A == 0:
		a, b := int64(v2.B)*int64(v1.A), int64(v2.B)*int64(v1.B)
		if inside(a) && inside(b) {
			return symbolic(v1.Instr, int32(a), int32(b))
		}
	}
	return Value{}
}

func divValue(v1, v2 Value) Value {
	if !v1.IsConstant() || !v2.IsConstant() || v2.B == 0 {
		return Value{}
	}
	return constVal(v1.B / v2.B)
}

func merge(v1, v2 Value, isMin bool) Value {
	if !v1.Known || !v2.Known || v1.Instr != v2.Instr || v1.A != v2.A {
		return Value{}
	}
	if isMin {
		return symbolic(v1.Instr, v1.A, min(v1.B, v2.B))
	}
	return symbolic(v1.Instr, v1.A, max(v1.B, v2.B))
}
