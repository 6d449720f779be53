package induction

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

func init() {
	pass.Register("induction_bce", func(pass.Target) pass.Pass { return NewBCE() })
}

// BCE removes bounds checks whose index provably lies in [0, length).
type BCE struct{}

func NewBCE() *BCE { return &BCE{} }

func (*BCE) Name() string { return "induction_bce" }

func (*BCE) Run(g *ir.Graph) bool {
	a := Analyze(g)
	r := NewRange(a)
	changed := false
	for _, bid := range g.ReversePostOrder() {
		for _, id := range append([]ir.ValueID(nil), g.Block(bid).Insts()...) {
			inst := g.Inst(id)
			if inst.Op != ir.OpBoundsCheck || !inBounds(g, r, inst) {
				continue
			}
			log.Debugf("%s: %s is always in bounds", g.Name, id)
			g.ReplaceUsesWith(id, inst.Input(0))
			g.Remove(id)
			changed = true
		}
	}
	return changed
}

func inBounds(g *ir.Graph, r *Range, check *ir.Instruction) bool {
	index, length := check.Input(0), check.Input(1)
	if i, ok := g.Inst(index).IsConstant(); ok {
		if n, ok := g.Inst(length).IsConstant(); ok {
			return i >= 0 && i < n
		}
	}
	lo, hi, ok := r.MinMax(check.ID(), index)
	if !ok || !lo.IsConstant() || lo.B < 0 {
		return false
	}
	n := r.Canonical(length)
	switch {
	case !n.Known:
		return false
	case hi.IsConstant() && n.IsConstant():
		return hi.B < n.B
	case hi.IsConstant():
		return false
	}
	// Both sides scale the same value, so hi < n reduces to the offsets.
	return hi.Instr == n.Instr && hi.A == n.A && hi.B < n.B
}
