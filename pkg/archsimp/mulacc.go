package archsimp

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
)

// tryMulAcc folds a multiply into its only user:
//
//	acc + a*b  ->  mac add acc, a, b
//	acc - a*b  ->  mac sub acc, a, b
//	-(a*b)     ->  mac sub 0, a, b
//
// and handles a*(b+1), a*(b-(-1)) and a*(1-b) through the accumulator.
func (s *Simplifier) tryMulAcc(g *ir.Graph, mul *ir.Instruction) bool {
	t := mul.Type
	if !s.rules.mulAcc(t) {
		return false
	}
	if users := mul.Users(); len(users) == 1 {
		use := g.Inst(users[0].User)
		if use.Block() == mul.Block() && use.Type == t && quietBetween(g, mul, use) {
			switch use.Op {
			case ir.OpAdd, ir.OpSub:
				left, right := use.Input(0), use.Input(1)
				acc := ir.NoValue
				switch {
				case left == right:
				case right == mul.ID():
					acc = left
				case use.Op == ir.OpAdd:
					acc = right
				}
				if acc.Valid() {
					kind := ir.MulAccAdd
					if use.Op == ir.OpSub {
						kind = ir.MulAccSub
					}
					fuseMulAcc(g, use, kind, acc, mul)
					return true
				}
			case ir.OpNeg:
				if s.rules.mulNeg {
					zero := g.InsertBefore(use.ID(), ir.OpConst, t)
					fuseMulAcc(g, use, ir.MulAccSub, zero.ID(), mul)
					return true
				}
			}
		}
	}

	x, y := mul.Input(0), mul.Input(1)
	if x == y {
		return false
	}
	return trySimplePattern(g, mul, y, x) || trySimplePattern(g, mul, x, y)
}

func fuseMulAcc(g *ir.Graph, use *ir.Instruction, kind int64, acc ir.ValueID, mul *ir.Instruction) {
	mac := g.InsertBefore(use.ID(), ir.OpMulAcc, use.Type, acc, mul.Input(0), mul.Input(1))
	mac.Aux = kind
	mac.Name = use.Name
	g.ReplaceUsesWith(use.ID(), mac.ID())
	g.Remove(use.ID())
	g.Remove(mul.ID())
}

// trySimplePattern rewrites a*(b±c) where the inner operation only feeds
// this multiply and c makes it a*b + a or a - a*b.
func trySimplePattern(g *ir.Graph, mul *ir.Instruction, inner, a ir.ValueID) bool {
	bin := g.Inst(inner)
	if (bin.Op != ir.OpAdd && bin.Op != ir.OpSub) || bin.Type != mul.Type || len(bin.Users()) != 1 {
		return false
	}
	kind, b := ir.MulAccAdd, ir.NoValue
	switch {
	case bin.Op == ir.OpAdd && isConst(g, bin.Input(1), 1):
		b = bin.Input(0)
	case bin.Op == ir.OpAdd && isConst(g, bin.Input(0), 1):
		b = bin.Input(1)
	case bin.Op == ir.OpSub && isConst(g, bin.Input(1), -1):
		b = bin.Input(0)
	case bin.Op == ir.OpSub && isConst(g, bin.Input(0), 1):
		kind, b = ir.MulAccSub, bin.Input(1)
	}
	if !b.Valid() {
		return false
	}
	mac := g.InsertBefore(mul.ID(), ir.OpMulAcc, mul.Type, a, a, b)
	mac.Aux = kind
	mac.Name = mul.Name
	g.ReplaceUsesWith(mul.ID(), mac.ID())
	g.Remove(mul.ID())
	g.Remove(inner)
	return true
}
