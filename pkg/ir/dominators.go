package ir

// ReversePostOrder returns the blocks reachable from entry in reverse
// postorder. Successors are visited in list order, so the result is
// deterministic.
func (g *Graph) ReversePostOrder() []BlockID {
	po := g.PostOrder()
	for i, j := 0, len(po)-1; i < j; i, j = i+1, j-1 {
		po[i], po[j] = po[j], po[i]
	}
	return po
}

// PostOrder returns the blocks reachable from entry in postorder.
func (g *Graph) PostOrder() []BlockID {
	return postOrderFrom(g, g.Entry)
}

type dfsFrame struct {
	b    BlockID
	next int
}

func postOrderFrom(g *Graph, start BlockID) []BlockID {
	visited := make([]bool, len(g.blocks))
	var out []BlockID
	stack := []dfsFrame{{b: start}}
	visited[start.index] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := g.Block(top.b).succs
		if top.next < len(succs) {
			s := succs[top.next]
			top.next++
			if !visited[s.index] {
				visited[s.index] = true
				stack = append(stack, dfsFrame{b: s})
			}
			continue
		}
		out = append(out, top.b)
		stack = stack[:len(stack)-1]
	}
	return out
}

// ComputeDominators computes immediate dominators with the iterative
// algorithm of Cooper, Harvey and Kennedy: predecessor intersections are
// repeated in reverse postorder until nothing changes. Unreachable blocks
// get no dominator.
func (g *Graph) ComputeDominators() {
	rpo := g.ReversePostOrder()
	order := make([]int, len(g.blocks))
	for i := range order {
		order[i] = -1
	}
	for i, b := range rpo {
		order[b.index] = i
	}
	for _, id := range g.Blocks() {
		b := g.Block(id)
		b.idom = NoBlock
		b.dominated = b.dominated[:0]
	}

	idom := make([]int, len(rpo))
	for i := range idom {
		idom[i] = -1
	}
	idom[0] = 0
	intersect := func(a, b int) int {
		for a != b {
			for a > b {
				a = idom[a]
			}
			for b > a {
				b = idom[b]
			}
		}
		return a
	}
	for changed := true; changed; {
		changed = false
		for i := 1; i < len(rpo); i++ {
			newIdom := -1
			for _, p := range g.Block(rpo[i]).preds {
				pi := order[p.index]
				if pi < 0 || idom[pi] < 0 {
					continue
				}
				if newIdom < 0 {
					newIdom = pi
				} else {
					newIdom = intersect(pi, newIdom)
				}
			}
			if newIdom != idom[i] {
				idom[i] = newIdom
				changed = true
			}
		}
	}
	for i := 1; i < len(rpo); i++ {
		if idom[i] < 0 {
			continue
		}
		b := g.Block(rpo[i])
		b.idom = rpo[idom[i]]
		parent := g.Block(b.idom)
		parent.dominated = append(parent.dominated, b.id)
	}
	g.numberDomTree(rpo)
	g.domOK = true
}

// EnsureDominators recomputes dominators and loops if the CFG changed.
func (g *Graph) EnsureDominators() {
	if !g.domOK {
		g.BuildDominatorsAndLoops()
	}
}

// InvalidateDominators marks dominator and loop information stale.
func (g *Graph) InvalidateDominators() { g.domOK = false }

// BuildDominatorsAndLoops recomputes the dominator tree and natural loops.
func (g *Graph) BuildDominatorsAndLoops() {
	g.ComputeDominators()
	g.FindLoops()
}

// numberDomTree assigns pre/post numbers so Dominates is constant time.
func (g *Graph) numberDomTree(rpo []BlockID) {
	for _, id := range g.Blocks() {
		b := g.Block(id)
		b.domPre, b.domPost = -1, -1
	}
	clock := 0
	type frame struct {
		b    *Block
		next int
	}
	root := g.Block(g.Entry)
	root.domPre = clock
	clock++
	stack := []frame{{b: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.b.dominated) {
			c := g.Block(top.b.dominated[top.next])
			top.next++
			c.domPre = clock
			clock++
			stack = append(stack, frame{b: c})
			continue
		}
		top.b.domPost = clock
		clock++
		stack = stack[:len(stack)-1]
	}
}

func (g *Graph) reachable(id BlockID) bool {
	return g.HasBlock(id) && g.Block(id).domPre >= 0
}

// Reachable reports whether id was reachable from entry when dominators
// were last computed.
func (g *Graph) Reachable(id BlockID) bool {
	g.EnsureDominators()
	return g.reachable(id)
}

// Dominates reports whether every path from entry to b passes through a.
func (g *Graph) Dominates(a, b BlockID) bool {
	g.EnsureDominators()
	ba, bb := g.Block(a), g.Block(b)
	if ba.domPre < 0 || bb.domPre < 0 {
		return false
	}
	return ba.domPre <= bb.domPre && bb.domPost <= ba.domPost
}

func (g *Graph) StrictlyDominates(a, b BlockID) bool {
	return a != b && g.Dominates(a, b)
}

// InstDominates reports whether the definition def is available at user,
// both instructions being placed.
func (g *Graph) InstDominates(def, user ValueID) bool {
	d, u := g.Inst(def), g.Inst(user)
	if d.block != u.block {
		return g.StrictlyDominates(d.block, u.block)
	}
	if d.Op == OpPhi {
		return u.Op != OpPhi
	}
	b := g.Block(d.block)
	return indexOf(b.insts, def) < indexOf(b.insts, user)
}
