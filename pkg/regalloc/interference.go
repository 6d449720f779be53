package regalloc

import (
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// InterferenceGraph records which registers are live at the same time.
// Physical registers take part as precolored nodes.
type InterferenceGraph struct {
	Nodes RegSet
	Edges map[lir.Reg]RegSet
	// Moves lists copy pairs that coalescing may merge.
	Moves [][2]lir.Reg
	// LiveAcrossCalls holds values that survive a call; they prefer
	// callee-saved registers.
	LiveAcrossCalls RegSet
	// Uses weighs each register by its occurrences, scaled by loop depth.
	Uses map[lir.Reg]int
}

func NewInterferenceGraph() *InterferenceGraph {
	return &InterferenceGraph{
		Nodes:           NewRegSet(),
		Edges:           make(map[lir.Reg]RegSet),
		LiveAcrossCalls: NewRegSet(),
		Uses:            make(map[lir.Reg]int),
	}
}

func (g *InterferenceGraph) AddNode(r lir.Reg) {
	g.Nodes.Add(r)
	if g.Edges[r] == nil {
		g.Edges[r] = NewRegSet()
	}
}

func (g *InterferenceGraph) AddEdge(r1, r2 lir.Reg) {
	if r1 == r2 {
		return
	}
	// Two physical registers never need an edge; their colors are fixed.
	if r1.IsPhysical() && r2.IsPhysical() {
		return
	}
	g.AddNode(r1)
	g.AddNode(r2)
	g.Edges[r1].Add(r2)
	g.Edges[r2].Add(r1)
}

func (g *InterferenceGraph) HasEdge(r1, r2 lir.Reg) bool {
	if edges, ok := g.Edges[r1]; ok {
		return edges.Contains(r2)
	}
	return false
}

func (g *InterferenceGraph) Degree(r lir.Reg) int { return len(g.Edges[r]) }

func (g *InterferenceGraph) addMove(dst, src lir.Reg) {
	if dst == src {
		return
	}
	g.AddNode(dst)
	g.AddNode(src)
	g.Moves = append(g.Moves, [2]lir.Reg{dst, src})
}

func weight(depth int) int {
	w := 1
	for i := 0; i < depth && i < 4; i++ {
		w *= 8
	}
	return w
}

// BuildInterferenceGraph walks every block backwards from its live-out
// set. A definition interferes with everything live after it, except the
// source of a copy. Call clobbers interfere with everything live across
// the call, which keeps those values out of caller-saved registers.
func BuildInterferenceGraph(fn *lir.Func, c *lir.Conventions, liveness *LivenessInfo) *InterferenceGraph {
	g := NewInterferenceGraph()
	for i, b := range fn.Blocks {
		w := weight(b.LoopDepth)
		live := liveness.LiveOut[i].Copy()
		for k := len(b.Insts) - 1; k >= 0; k-- {
			inst := b.Insts[k]
			for _, r := range inst.Uses() {
				if tracked(c, r) {
					g.AddNode(r)
					g.Uses[r] += w
				}
			}
			switch inst.Op {
			case lir.Move:
				dst, src := inst.Dst, inst.Srcs[0]
				if tracked(c, dst) {
					g.Uses[dst] += w
					g.AddNode(dst)
					for l := range live {
						if l != src {
							g.AddEdge(dst, l)
						}
					}
					if tracked(c, src) {
						g.addMove(dst, src)
					}
				}
			case lir.ParMove:
				g.parallelMove(c, inst, live, w)
			default:
				defs := inst.Defs(c)
				if inst.Op == lir.Call || inst.Op == lir.CallRuntime {
					for l := range live {
						if !l.IsPhysical() {
							g.LiveAcrossCalls.Add(l)
						}
					}
				}
				for _, d := range defs {
					if !tracked(c, d) {
						continue
					}
					g.AddNode(d)
					if d.IsVirtual() {
						g.Uses[d] += w
					}
					for l := range live {
						g.AddEdge(d, l)
					}
					// Results of one instruction interfere with each other.
					for _, d2 := range defs {
						if tracked(c, d2) {
							g.AddEdge(d, d2)
						}
					}
				}
			}
			for _, d := range inst.Defs(c) {
				live.Remove(d)
			}
			for _, r := range inst.Uses() {
				if tracked(c, r) {
					live.Add(r)
				}
			}
		}
	}
	return g
}

// parallelMove adds the edges of a simultaneous copy: each destination
// interferes with what is live after the copy and with the other
// destinations, except those that receive the same value.
func (g *InterferenceGraph) parallelMove(c *lir.Conventions, inst *lir.Inst, live RegSet, w int) {
	sameValue := func(i int, r lir.Reg) bool {
		if r == inst.Srcs[i] {
			return true
		}
		for j, d := range inst.Dsts {
			if d == r && inst.Srcs[j] == inst.Srcs[i] {
				return true
			}
		}
		return false
	}
	for i, d := range inst.Dsts {
		if !tracked(c, d) {
			continue
		}
		g.AddNode(d)
		g.Uses[d] += w
		for l := range live {
			if !sameValue(i, l) {
				g.AddEdge(d, l)
			}
		}
		for j, d2 := range inst.Dsts {
			if j != i && tracked(c, d2) && !sameValue(i, d2) {
				g.AddEdge(d, d2)
			}
		}
		if tracked(c, inst.Srcs[i]) {
			g.addMove(d, inst.Srcs[i])
		}
	}
}
