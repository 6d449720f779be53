// Package simplify folds integer arithmetic and comparisons on constants
// and rewrites algebraic identities such as x+0, x*1 and x&x to their
// operand, so constant branch conditions become visible to dead block
// removal.
package simplify

import (
	"math/bits"

	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

var log = commonlog.GetLogger("ralph-oat.simplify")

func init() {
	pass.Register("instruction_simplifier", func(pass.Target) pass.Pass { return New() })
}

type Simplifier struct{}

func New() *Simplifier { return &Simplifier{} }

func (*Simplifier) Name() string { return "instruction_simplifier" }

// Run visits instructions in reverse post order, so a chain of constant
// operations folds in one run.
func (s *Simplifier) Run(g *ir.Graph) bool {
	changed := false
	folded := 0
	for _, bid := range g.ReversePostOrder() {
		for _, id := range append([]ir.ValueID(nil), g.Block(bid).Insts()...) {
			if !g.HasInst(id) {
				continue
			}
			repl := simplify(g, g.Inst(id))
			if !repl.Valid() || repl == id {
				continue
			}
			g.ReplaceUsesWith(id, repl)
			g.Remove(id)
			folded++
			changed = true
		}
	}
	if changed {
		log.Debugf("%s: simplified %d instructions", g.Name, folded)
	}
	return changed
}

// simplify returns the value that replaces inst, a new constant inserted
// before it or one of its operands, or NoValue.
func simplify(g *ir.Graph, inst *ir.Instruction) ir.ValueID {
	if !foldable(inst.Type) {
		return ir.NoValue
	}
	switch {
	case inst.Op.IsCompare():
		return compare(g, inst)
	case inst.Op.IsBinary():
		return binary(g, inst)
	}
	switch inst.Op {
	case ir.OpNeg, ir.OpNot:
		return unary(g, inst)
	case ir.OpConv:
		in := g.Inst(inst.Input(0))
		if v, ok := in.IsConstant(); ok && foldable(in.Type) {
			return constant(g, inst, wrap(inst.Type, v))
		}
		if in.Type == inst.Type {
			return in.ID()
		}
	case ir.OpBitCount:
		in := g.Inst(inst.Input(0))
		if v, ok := in.IsConstant(); ok {
			n := bits.OnesCount32(uint32(v))
			if in.Type == ir.Int64 {
				n = bits.OnesCount64(uint64(v))
			}
			return constant(g, inst, int64(n))
		}
	case ir.OpSelect:
		if c, ok := g.Inst(inst.Input(0)).IsConstant(); ok {
			if c != 0 {
				return inst.Input(1)
			}
			return inst.Input(2)
		}
		if inst.Input(1) == inst.Input(2) {
			return inst.Input(1)
		}
	}
	return ir.NoValue
}

// foldable reports whether values of t are integers this pass can
// compute with.
func foldable(t ir.Type) bool {
	return t == ir.Bool || t.IsIntegral()
}

// wrap truncates v to the width of t and extends it back the way the
// type does.
func wrap(t ir.Type, v int64) int64 {
	switch t {
	case ir.Bool:
		return v & 1
	case ir.Int8:
		return int64(int8(v))
	case ir.Uint16:
		return int64(uint16(v))
	case ir.Int16:
		return int64(int16(v))
	case ir.Int32:
		return int64(int32(v))
	}
	return v
}

func constant(g *ir.Graph, at *ir.Instruction, v int64) ir.ValueID {
	c := g.InsertBefore(at.ID(), ir.OpConst, at.Type)
	c.Aux = v
	return c.ID()
}

func unary(g *ir.Graph, inst *ir.Instruction) ir.ValueID {
	in := g.Inst(inst.Input(0))
	if in.Op == inst.Op {
		// neg(neg x) and not(not x)
		return in.Input(0)
	}
	v, ok := in.IsConstant()
	if !ok {
		return ir.NoValue
	}
	switch {
	case inst.Op == ir.OpNeg:
		v = -v
	case inst.Type == ir.Bool:
		v = 1 - v
	default:
		v = ^v
	}
	return constant(g, inst, wrap(inst.Type, v))
}

func compare(g *ir.Graph, inst *ir.Instruction) ir.ValueID {
	l, r := g.Inst(inst.Input(0)), g.Inst(inst.Input(1))
	if !foldable(l.Type) {
		return ir.NoValue
	}
	if l.ID() == r.ID() {
		switch inst.Op {
		case ir.OpEq, ir.OpLe, ir.OpGe:
			return constant(g, inst, 1)
		}
		return constant(g, inst, 0)
	}
	if l.Type == ir.Bool && inst.Op == ir.OpEq {
		// b == 1 is b itself.
		if v, ok := r.IsConstant(); ok && v == 1 {
			return l.ID()
		}
	}
	a, ok1 := l.IsConstant()
	b, ok2 := r.IsConstant()
	if !ok1 || !ok2 {
		return ir.NoValue
	}
	var t bool
	switch inst.Op {
	case ir.OpEq:
		t = a == b
	case ir.OpNe:
		t = a != b
	case ir.OpLt:
		t = a < b
	case ir.OpLe:
		t = a <= b
	case ir.OpGt:
		t = a > b
	case ir.OpGe:
		t = a >= b
	}
	if t {
		return constant(g, inst, 1)
	}
	return constant(g, inst, 0)
}

func binary(g *ir.Graph, inst *ir.Instruction) ir.ValueID {
	l, r := g.Inst(inst.Input(0)), g.Inst(inst.Input(1))
	a, lok := l.IsConstant()
	b, rok := r.IsConstant()
	if lok && rok {
		if v, ok := evaluate(inst.Op, inst.Type, a, b); ok {
			return constant(g, inst, wrap(inst.Type, v))
		}
		return ir.NoValue
	}
	// Put a lone constant on the right of commutative operations.
	x := l.ID()
	if lok && inst.Op.IsCommutative() {
		x, b, rok = r.ID(), a, true
	}
	if !rok {
		if l.ID() != r.ID() {
			return ir.NoValue
		}
		switch inst.Op {
		case ir.OpAnd, ir.OpOr:
			return l.ID()
		case ir.OpSub, ir.OpXor:
			return constant(g, inst, 0)
		}
		return ir.NoValue
	}
	switch inst.Op {
	case ir.OpAdd, ir.OpSub, ir.OpOr, ir.OpXor, ir.OpShl, ir.OpShr, ir.OpUShr, ir.OpRor:
		if b == 0 || (isShift(inst.Op) && b&shiftMask(inst.Type) == 0) {
			return x
		}
	case ir.OpMul:
		switch b {
		case 1:
			return x
		case 0:
			return constant(g, inst, 0)
		}
	case ir.OpDiv:
		if b == 1 {
			return x
		}
	case ir.OpRem:
		if b == 1 || b == -1 {
			return constant(g, inst, 0)
		}
	case ir.OpAnd:
		if b == 0 {
			return constant(g, inst, 0)
		}
		if wrap(inst.Type, b) == wrap(inst.Type, -1) {
			return x
		}
	}
	return ir.NoValue
}

func isShift(op ir.Opcode) bool {
	switch op {
	case ir.OpShl, ir.OpShr, ir.OpUShr, ir.OpRor:
		return true
	}
	return false
}

// shiftMask keeps the distance bits the hardware uses.
func shiftMask(t ir.Type) int64 {
	if t == ir.Int64 {
		return 63
	}
	return 31
}

// evaluate computes a op b in the width of t. Division by zero is left
// for the runtime.
func evaluate(op ir.Opcode, t ir.Type, a, b int64) (int64, bool) {
	s := uint(b & shiftMask(t))
	switch op {
	case ir.OpAdd:
		return a + b, true
	case ir.OpSub:
		return a - b, true
	case ir.OpMul:
		return a * b, true
	case ir.OpDiv, ir.OpRem:
		if b == 0 {
			return 0, false
		}
		a, b = wrap(t, a), wrap(t, b)
		if op == ir.OpDiv {
			return a / b, true
		}
		return a % b, true
	case ir.OpAnd:
		return a & b, true
	case ir.OpOr:
		return a | b, true
	case ir.OpXor:
		return a ^ b, true
	case ir.OpShl:
		return a << s, true
	case ir.OpShr:
		return wrap(t, a) >> s, true
	case ir.OpUShr:
		if t == ir.Int64 {
			return int64(uint64(a) >> s), true
		}
		return int64(uint32(a) >> s), true
	case ir.OpRor:
		if t == ir.Int64 {
			return int64(bits.RotateLeft64(uint64(a), -int(s))), true
		}
		return int64(bits.RotateLeft32(uint32(a), -int(s))), true
	}
	return 0, false
}
