// Package typeprop propagates reference nullability through the graph and
// drops null checks on values proven non-null. It also narrows phi result
// types when every input agrees.
package typeprop

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

func init() {
	pass.Register("nullability", func(pass.Target) pass.Pass { return New() })
}

type Propagation struct{}

func New() *Propagation { return &Propagation{} }

func (*Propagation) Name() string { return "nullability" }

func (p *Propagation) Run(g *ir.Graph) bool {
	g.EnsureDominators()
	changed := false
	// prev holds each reference's nullability before this run; values may
	// flip while the loops settle.
	prev := map[ir.ValueID]bool{}
	var work []ir.ValueID
	for _, bid := range g.ReversePostOrder() {
		b := g.Block(bid)
		for _, id := range b.Phis() {
			phi := g.Inst(id)
			if mergeType(g, phi) {
				changed = true
			}
			if phi.Type != ir.Ref {
				continue
			}
			prev[id] = phi.Nullable
			if b.IsLoopHeader() {
				// Start from the forward input and let the worklist settle
				// the back edges.
				phi.Nullable = g.Inst(phi.Input(0)).Nullable
				work = append(work, id)
			} else {
				phi.Nullable = phiNullability(g, phi)
			}
		}
		for _, id := range b.Insts() {
			inst := g.Inst(id)
			if inst.Type != ir.Ref {
				continue
			}
			prev[id] = inst.Nullable
			inst.Nullable = instNullability(g, inst)
		}
	}

	// Nullability only grows from here. A change reaches every reference
	// user derived from its inputs, phi or not, before any check goes.
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		inst := g.Inst(id)
		n := derivedNullability(g, inst)
		if n == inst.Nullable {
			continue
		}
		inst.Nullable = n
		for _, u := range inst.Users() {
			if g.Inst(u.User).Type == ir.Ref {
				work = append(work, u.User)
			}
		}
	}
	for id, n := range prev {
		if g.Inst(id).Nullable != n {
			changed = true
			break
		}
	}

	if removeNullChecks(g) {
		changed = true
	}
	return changed
}

func phiNullability(g *ir.Graph, phi *ir.Instruction) bool {
	for _, in := range phi.Inputs() {
		if g.Inst(in).Nullable {
			return true
		}
	}
	return false
}

func derivedNullability(g *ir.Graph, inst *ir.Instruction) bool {
	if inst.Op == ir.OpPhi {
		return phiNullability(g, inst)
	}
	return instNullability(g, inst)
}

func instNullability(g *ir.Graph, inst *ir.Instruction) bool {
	switch inst.Op {
	case ir.OpParam:
		return inst.Nullable
	case ir.OpNew, ir.OpNewArray, ir.OpNullCheck:
		return false
	case ir.OpSelect:
		return g.Inst(inst.Input(1)).Nullable || g.Inst(inst.Input(2)).Nullable
	}
	return true
}

// mergeType gives a phi the common type of its inputs. Mixed bool and i32
// inputs merge to i32.
func mergeType(g *ir.Graph, phi *ir.Instruction) bool {
	t := ir.Void
	for _, in := range phi.Inputs() {
		it := g.Inst(in).Type
		if in == phi.ID() {
			continue
		}
		switch {
		case t == ir.Void, t == it:
			t = it
		case (t == ir.Bool && it == ir.Int32) || (t == ir.Int32 && it == ir.Bool):
			t = ir.Int32
		default:
			return false
		}
	}
	if t == ir.Void || t == phi.Type {
		return false
	}
	phi.Type = t
	return true
}

// removeNullChecks replaces null checks of non-null values by the value
// itself.
func removeNullChecks(g *ir.Graph) bool {
	changed := false
	for _, bid := range g.ReversePostOrder() {
		for _, id := range append([]ir.ValueID(nil), g.Block(bid).Insts()...) {
			inst := g.Inst(id)
			if inst.Op != ir.OpNullCheck || g.Inst(inst.Input(0)).Nullable {
				continue
			}
			g.ReplaceUsesWith(id, inst.Input(0))
			g.Remove(id)
			changed = true
		}
	}
	return changed
}
