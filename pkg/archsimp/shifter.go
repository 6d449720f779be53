package archsimp

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
)

// shifterKind describes how bf can be folded as the second operand of a
// data-processing instruction.
func (s *Simplifier) shifterKind(g *ir.Graph, bf *ir.Instruction) (kind, amount int64, ok bool) {
	switch bf.Op {
	case ir.OpShl, ir.OpShr, ir.OpUShr:
		c, isConst := g.Inst(bf.Input(1)).IsConstant()
		if !isConst || !s.rules.shifter(bf.Type) {
			return 0, 0, false
		}
		mask := int64(31)
		if bf.Type == ir.Int64 {
			mask = 63
		}
		switch bf.Op {
		case ir.OpShl:
			kind = ir.ShiftLSL
		case ir.OpShr:
			kind = ir.ShiftASR
		default:
			kind = ir.ShiftLSR
		}
		return kind, c & mask, true
	case ir.OpConv:
		if s.rules.extension && bf.Type == ir.Int64 && g.Inst(bf.Input(0)).Type == ir.Int32 {
			return ir.ExtendSXTW, 0, true
		}
	}
	return 0, 0, false
}

func hasShifterOperand(op ir.Opcode) bool {
	switch op {
	case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpNeg:
		return true
	}
	return false
}

func (s *Simplifier) canMerge(use, bf *ir.Instruction, kind int64) bool {
	if !hasShifterOperand(use.Op) || !s.rules.shifter(use.Type) {
		return false
	}
	if kind == ir.ExtendSXTW {
		if use.Op != ir.OpAdd && use.Op != ir.OpSub {
			return false
		}
	} else if use.Type != bf.Type {
		return false
	}
	if use.Op == ir.OpNeg {
		return true
	}
	left, right := use.Input(0), use.Input(1)
	if left == right {
		return false
	}
	return right == bf.ID() || use.Op.IsCommutative()
}

// tryMergeIntoUsers folds a shift or extension into every user, or into
// none when any of them cannot take it.
func (s *Simplifier) tryMergeIntoUsers(g *ir.Graph, bf *ir.Instruction) bool {
	kind, amount, ok := s.shifterKind(g, bf)
	if !ok || !bf.HasUsers() {
		return false
	}
	var users []ir.ValueID
	for _, u := range bf.Users() {
		use := g.Inst(u.User)
		if !s.canMerge(use, bf, kind) {
			return false
		}
		users = append(users, u.User)
	}
	src := bf.Input(0)
	for _, id := range users {
		use := g.Inst(id)
		aux := ir.EncodeShiftOp(use.Op, kind, amount)
		var op *ir.Instruction
		if use.Op == ir.OpNeg {
			op = g.InsertBefore(id, ir.OpShiftOp, use.Type, src)
		} else {
			other := use.Input(0)
			if other == bf.ID() {
				other = use.Input(1)
			}
			op = g.InsertBefore(id, ir.OpShiftOp, use.Type, other, src)
		}
		op.Aux = aux
		op.Name = use.Name
		g.ReplaceUsesWith(id, op.ID())
		g.Remove(id)
	}
	g.Remove(bf.ID())
	return true
}
