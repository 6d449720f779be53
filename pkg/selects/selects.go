// Package selects simplifies boolean control flow: branches on a negated
// condition are flipped, and if/else diamonds that only pick one of two
// values become a single select.
package selects

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

func init() {
	pass.Register("select_simplifier", func(pass.Target) pass.Pass { return New() })
}

type Simplifier struct{}

func New() *Simplifier { return &Simplifier{} }

func (*Simplifier) Name() string { return "select_simplifier" }

// Run visits blocks in post order so that collapsing one diamond cannot
// empty an arm of another one still to be visited.
func (s *Simplifier) Run(g *ir.Graph) bool {
	changed := false
	for _, id := range g.PostOrder() {
		if !g.HasBlock(id) {
			continue
		}
		b := g.Block(id)
		last := b.Last()
		if !last.Valid() || g.Inst(last).Op != ir.OpIf {
			continue
		}
		if flipNegatedBranch(g, b) {
			changed = true
		}
		if diamondToSelect(g, b) {
			changed = true
		}
	}
	if changed {
		g.BuildDominatorsAndLoops()
	}
	return changed
}

// flipNegatedBranch rewrites "if not c, T, F" into "if c, F, T".
func flipNegatedBranch(g *ir.Graph, b *ir.Block) bool {
	branch := g.Inst(b.Last())
	not := g.Inst(branch.Input(0))
	if not.Op != ir.OpNot || not.Type != ir.Bool {
		return false
	}
	g.ReplaceInput(branch.ID(), 0, not.Input(0))
	g.SwapSuccessors(b.ID())
	if !not.HasUsers() {
		g.Remove(not.ID())
	}
	return true
}

// isSimpleArm reports whether b is a lone goto, or one movable
// instruction without side effects followed by a goto.
func isSimpleArm(g *ir.Graph, b *ir.Block) bool {
	insts := b.Insts()
	if len(b.Phis()) > 0 || len(b.Preds()) != 1 || b.Catch {
		return false
	}
	switch len(insts) {
	case 1:
		return g.Inst(insts[0]).Op == ir.OpGoto
	case 2:
		first := g.Inst(insts[0])
		return g.Inst(insts[1]).Op == ir.OpGoto &&
			first.Movable() && first.Effects.DoesNothing() && !first.Op.CanThrow()
	}
	return false
}

func diamondToSelect(g *ir.Graph, b *ir.Block) bool {
	branch := g.Inst(b.Last())
	succs := b.Succs()
	tb, fb := g.Block(succs[0]), g.Block(succs[1])
	if tb.ID() == fb.ID() || !isSimpleArm(g, tb) || !isSimpleArm(g, fb) {
		return false
	}
	merge := tb.Succs()[0]
	if fb.Succs()[0] != merge || merge == g.Exit {
		return false
	}
	mb := g.Block(merge)
	if len(mb.Phis()) != 1 || len(mb.Preds()) != 2 || mb.Catch {
		return false
	}
	ti := mb.PredIndex(tb.ID())
	phi := g.Inst(mb.Phis()[0])
	tv, fv := phi.Input(ti), phi.Input(1-ti)
	cond := branch.Input(0)

	// Hoist the arms' instructions above the branch; they are movable and
	// free of side effects, so executing both is harmless.
	for _, arm := range []*ir.Block{tb, fb} {
		if insts := arm.Insts(); len(insts) == 2 {
			g.MoveBefore(insts[0], branch.ID())
		}
	}

	at := mb.Insts()[0]
	var repl ir.ValueID
	switch {
	case tv == fv:
		repl = tv
	case phi.Type == ir.Bool && isConst(g, tv, 1) && isConst(g, fv, 0):
		repl = cond
	case phi.Type == ir.Bool && isConst(g, tv, 0) && isConst(g, fv, 1):
		repl = g.InsertBefore(at, ir.OpNot, ir.Bool, cond).ID()
	default:
		repl = g.InsertBefore(at, ir.OpSelect, phi.Type, cond, tv, fv).ID()
	}
	g.ReplaceUsesWith(phi.ID(), repl)
	g.Remove(phi.ID())

	g.Remove(branch.ID())
	g.RemoveEdge(b.ID(), tb.ID())
	g.DeleteBlocks([]ir.BlockID{tb.ID()})
	g.Append(b.ID(), ir.OpGoto, ir.Void)
	g.MergeWith(b.ID(), fb.ID())
	g.MergeWith(b.ID(), merge)
	return true
}

func isConst(g *ir.Graph, id ir.ValueID, v int64) bool {
	c, ok := g.Inst(id).IsConstant()
	return ok && c == v
}
