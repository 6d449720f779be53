// Package gvn implements global value numbering: structurally equal
// movable instructions are merged when one dominates the other and no
// intervening side effect may have changed the result.
package gvn

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

func init() {
	pass.Register("gvn", func(pass.Target) pass.Pass { return &GVN{name: "gvn"} })
	pass.Register("gvn_after_arch", func(pass.Target) pass.Pass { return &GVN{name: "gvn_after_arch"} })
}

type GVN struct {
	name string
}

// New returns a value numbering pass reporting under the given name.
func New(name string) *GVN { return &GVN{name: name} }

func (p *GVN) Name() string { return p.name }

func (p *GVN) Run(g *ir.Graph) bool {
	g.EnsureDominators()
	v := &numbering{
		g:           g,
		sets:        make([]*ValueSet, g.NumBlockSlots()),
		loopEffects: loopSideEffects(g),
	}
	for _, b := range g.ReversePostOrder() {
		v.visit(g.Block(b))
	}
	return v.changed
}

type numbering struct {
	g           *ir.Graph
	sets        []*ValueSet
	loopEffects map[*ir.Loop]ir.SideEffects
	changed     bool
}

// loopSideEffects unions the side effects of every instruction in each
// loop body, nested loops included.
func loopSideEffects(g *ir.Graph) map[*ir.Loop]ir.SideEffects {
	out := map[*ir.Loop]ir.SideEffects{}
	for _, l := range g.Loops() {
		var s ir.SideEffects
		for _, b := range l.Blocks() {
			for _, id := range g.Block(b).Insts() {
				s = s.Union(g.Inst(id).Effects)
			}
		}
		out[l] = s
	}
	return out
}

func (v *numbering) visit(b *ir.Block) {
	g := v.g
	var set *ValueSet
	preds := b.Preds()
	switch {
	case len(preds) == 0 || preds[0] == g.Entry:
		// The entry block only defines parameters and constants, so its
		// successors start afresh.
		set = NewValueSet(g)
	default:
		dom := g.Block(b.IDom())
		domSet := v.sets[dom.ID().Index()]
		if len(dom.Succs()) == 1 {
			set = domSet
		} else {
			set = domSet.Copy()
		}
		if b.IsLoopHeader() {
			set.Kill(v.loopEffects[b.Loop()])
		} else if len(preds) > 1 {
			for _, p := range preds {
				set.IntersectWith(v.sets[p.Index()])
			}
		}
	}
	v.sets[b.ID().Index()] = set

	for _, id := range append([]ir.ValueID(nil), b.Insts()...) {
		inst := g.Inst(id)
		set.Kill(inst.Effects)
		if !inst.Movable() {
			continue
		}
		if existing := set.Lookup(id); existing.Valid() {
			g.ReplaceUsesWith(id, existing)
			g.Remove(id)
			v.changed = true
			continue
		}
		set.Add(id)
	}
}
