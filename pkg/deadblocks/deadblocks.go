// Package deadblocks removes blocks that cannot execute, folds branches
// on constant conditions, merges straight-line block chains and sweeps
// instructions whose results are never used.
package deadblocks

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

func init() {
	pass.Register("dead_blocks", func(pass.Target) pass.Pass { return &Pass{name: "dead_blocks"} })
	pass.Register("dead_blocks_final", func(pass.Target) pass.Pass { return &Pass{name: "dead_blocks_final"} })
}

type Pass struct {
	name string
}

func New() *Pass { return &Pass{name: "dead_blocks"} }

func (p *Pass) Name() string { return p.name }

func (p *Pass) Run(g *ir.Graph) bool {
	changed := removeDeadBlocks(g)
	if coalesce(g) {
		changed = true
	}
	if sweep(g) {
		changed = true
	}
	g.BuildDominatorsAndLoops()
	return changed
}

// takenSuccessor returns the index of the only successor a constant
// branch can reach, or -1 if the branch is not constant.
func takenSuccessor(g *ir.Graph, b *ir.Block) int {
	last := b.Last()
	if !last.Valid() {
		return -1
	}
	inst := g.Inst(last)
	switch inst.Op {
	case ir.OpIf:
		c, ok := g.Inst(inst.Input(0)).IsConstant()
		if !ok {
			return -1
		}
		if c != 0 {
			return 0
		}
		return 1
	case ir.OpSwitch:
		v, ok := g.Inst(inst.Input(0)).IsConstant()
		if !ok {
			return -1
		}
		cases := len(b.Succs()) - 1
		if k := v - inst.Aux; k >= 0 && k < int64(cases) {
			return int(k)
		}
		return cases
	}
	return -1
}

// reachable marks blocks reached from entry, following only the taken
// edge of constant branches.
func reachable(g *ir.Graph) []bool {
	live := make([]bool, g.NumBlockSlots())
	live[g.Entry.Index()] = true
	stack := []ir.BlockID{g.Entry}
	for len(stack) > 0 {
		b := g.Block(stack[len(stack)-1])
		stack = stack[:len(stack)-1]
		succs := b.Succs()
		if k := takenSuccessor(g, b); k >= 0 {
			succs = succs[k : k+1]
		}
		for _, s := range succs {
			if !live[s.Index()] {
				live[s.Index()] = true
				stack = append(stack, s)
			}
		}
	}
	return live
}

func removeDeadBlocks(g *ir.Graph) bool {
	live := reachable(g)
	changed := false
	for _, id := range g.Blocks() {
		if !live[id.Index()] {
			continue
		}
		b := g.Block(id)
		k := takenSuccessor(g, b)
		if k < 0 {
			continue
		}
		taken := b.Succs()[k]
		for i := len(b.Succs()) - 1; i >= 0; i-- {
			if i != k {
				g.RemoveSuccAt(id, i)
			}
		}
		branch := b.Last()
		g.Remove(branch)
		g.Append(id, ir.OpGoto, ir.Void)
		if b.Succs()[0] != taken {
			ir.Violationf("folding %v lost its taken edge", id)
		}
		changed = true
	}

	// The exit block survives even when the method never returns.
	live[g.Exit.Index()] = true
	var dead []ir.BlockID
	for _, id := range g.Blocks() {
		if !live[id.Index()] {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		g.DeleteBlocks(dead)
		changed = true
	}
	return changed
}

// coalesce merges a block ending in goto into its successor when that
// successor has no other predecessor, until no merge applies.
func coalesce(g *ir.Graph) bool {
	changed := false
	for again := true; again; {
		again = false
		for _, id := range g.Blocks() {
			if !g.HasBlock(id) || id == g.Entry {
				continue
			}
			b := g.Block(id)
			last := b.Last()
			if !last.Valid() || g.Inst(last).Op != ir.OpGoto {
				continue
			}
			s := b.Succs()[0]
			if s == g.Exit || s == id || len(g.Block(s).Preds()) != 1 || g.Block(s).Catch {
				continue
			}
			g.MergeWith(id, s)
			changed, again = true, true
		}
	}
	return changed
}

func removable(inst *ir.Instruction) bool {
	switch {
	case inst.HasUsers(), inst.Op == ir.OpParam, inst.Op.IsControlFlow(), inst.Op.CanThrow():
		return false
	}
	e := inst.Effects
	return !e.DoesAnyWrite() && e&ir.CanTriggerGC() == 0
}

// sweep deletes unused instructions without side effects, walking
// backwards so chains of dead values go in one sweep.
func sweep(g *ir.Graph) bool {
	changed := false
	for _, id := range g.PostOrder() {
		b := g.Block(id)
		insts := b.Insts()
		for i := len(insts) - 1; i >= 0; i-- {
			if inst := g.Inst(insts[i]); removable(inst) {
				g.Remove(inst.ID())
				changed = true
				insts = b.Insts()
			}
		}
		phis := b.Phis()
		for i := len(phis) - 1; i >= 0; i-- {
			if inst := g.Inst(phis[i]); !inst.HasUsers() {
				g.Remove(inst.ID())
				changed = true
				phis = b.Phis()
			}
		}
	}
	return changed
}
