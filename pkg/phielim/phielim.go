// Package phielim removes phis that are never used and phis that merge a
// single value.
package phielim

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

func init() {
	pass.Register("dead_phi", func(pass.Target) pass.Pass { return DeadPhis{} })
	pass.Register("redundant_phi", func(pass.Target) pass.Pass { return RedundantPhis{} })
}

func allPhis(g *ir.Graph) []ir.ValueID {
	var out []ir.ValueID
	for _, b := range g.ReversePostOrder() {
		out = append(out, g.Block(b).Phis()...)
	}
	return out
}

// DeadPhis removes phis that no real instruction consumes, directly or
// through other phis.
type DeadPhis struct{}

func (DeadPhis) Name() string { return "dead_phi" }

func (DeadPhis) Run(g *ir.Graph) bool {
	phis := allPhis(g)
	live := map[ir.ValueID]bool{}
	var work []ir.ValueID
	for _, id := range phis {
		for _, u := range g.Inst(id).Users() {
			if g.Inst(u.User).Op != ir.OpPhi {
				live[id] = true
				work = append(work, id)
				break
			}
		}
	}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		for _, in := range g.Inst(id).Inputs() {
			if g.Inst(in).Op == ir.OpPhi && !live[in] {
				live[in] = true
				work = append(work, in)
			}
		}
	}
	var dead []ir.ValueID
	for _, id := range phis {
		if !live[id] {
			dead = append(dead, id)
		}
	}
	if len(dead) == 0 {
		return false
	}
	g.RemoveGroup(dead)
	return true
}

// RedundantPhis replaces a phi whose inputs, ignoring the phi itself, are
// all the same value by that value.
type RedundantPhis struct{}

func (RedundantPhis) Name() string { return "redundant_phi" }

func (RedundantPhis) Run(g *ir.Graph) bool {
	g.EnsureDominators()
	work := allPhis(g)
	changed := false
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if !g.HasInst(id) {
			continue
		}
		phi := g.Inst(id)
		candidate := ir.NoValue
		redundant := true
		for _, in := range phi.Inputs() {
			switch {
			case in == id:
			case !candidate.Valid():
				candidate = in
			case in != candidate:
				redundant = false
			}
		}
		if !redundant || !candidate.Valid() {
			continue
		}
		// Exceptional edges may bypass the normal dominance of a catch
		// block, so the replacement must dominate it outright.
		if g.Block(phi.Block()).Catch && !g.InstDominates(candidate, id) {
			continue
		}
		for _, u := range phi.Users() {
			if u.User != id && g.Inst(u.User).Op == ir.OpPhi {
				work = append(work, u.User)
			}
		}
		g.ReplaceUsesWith(id, candidate)
		g.Remove(id)
		changed = true
	}
	return changed
}
