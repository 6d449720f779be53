package ir

import "sort"

// Loop is a natural loop: a header dominating every block of the body and
// at least one back edge into the header.
type Loop struct {
	Header    BlockID
	BackEdges []BlockID
	Parent    *Loop
	Depth     int
	body      []bool
	blocks    []BlockID
}

// Contains reports whether b belongs to the loop body (header included).
func (l *Loop) Contains(b BlockID) bool {
	return b.Valid() && int(b.index) < len(l.body) && l.body[b.index]
}

// Blocks returns the body blocks in reverse postorder.
func (l *Loop) Blocks() []BlockID { return l.blocks }

// ContainsLoop reports whether other is nested in l (or is l).
func (l *Loop) ContainsLoop(other *Loop) bool {
	for x := other; x != nil; x = x.Parent {
		if x == l {
			return true
		}
	}
	return false
}

// FindLoops discovers natural loops from back edges, i.e. edges whose
// target dominates their source. Requires up-to-date dominators.
func (g *Graph) FindLoops() {
	rpo := g.ReversePostOrder()
	for _, id := range g.Blocks() {
		g.Block(id).loop = nil
	}
	byHeader := map[BlockID]*Loop{}
	var loops []*Loop
	for _, id := range rpo {
		b := g.Block(id)
		for _, s := range b.succs {
			if !g.dominatesNoEnsure(s, id) {
				continue
			}
			l := byHeader[s]
			if l == nil {
				l = &Loop{Header: s, body: make([]bool, len(g.blocks))}
				l.body[s.index] = true
				byHeader[s] = l
				loops = append(loops, l)
			}
			l.BackEdges = append(l.BackEdges, id)
			g.collectBody(l, id)
		}
	}

	rank := make([]int, len(g.blocks))
	for i, id := range rpo {
		rank[id.index] = i
	}
	for _, l := range loops {
		for _, id := range rpo {
			if l.body[id.index] {
				l.blocks = append(l.blocks, id)
			}
		}
	}
	// Outer loops first: a parent has strictly more blocks than its
	// children, so ordering by size settles nesting.
	sort.SliceStable(loops, func(i, j int) bool {
		if len(loops[i].blocks) != len(loops[j].blocks) {
			return len(loops[i].blocks) > len(loops[j].blocks)
		}
		return rank[loops[i].Header.index] < rank[loops[j].Header.index]
	})
	for i, l := range loops {
		for j := i - 1; j >= 0; j-- {
			if loops[j].body[l.Header.index] {
				l.Parent = loops[j]
				l.Depth = loops[j].Depth + 1
				break
			}
		}
		for _, id := range l.blocks {
			g.Block(id).loop = l
		}
	}
	g.loops = loops
}

func (g *Graph) collectBody(l *Loop, from BlockID) {
	stack := []BlockID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if l.body[id.index] {
			continue
		}
		l.body[id.index] = true
		for _, p := range g.Block(id).preds {
			if g.reachable(p) && !l.body[p.index] {
				stack = append(stack, p)
			}
		}
	}
}

func (g *Graph) dominatesNoEnsure(a, b BlockID) bool {
	ba, bb := g.Block(a), g.Block(b)
	if ba.domPre < 0 || bb.domPre < 0 {
		return false
	}
	return ba.domPre <= bb.domPre && bb.domPost <= ba.domPost
}

// PreHeader returns the unique predecessor of the loop header outside the
// loop, or NoBlock when there are several.
func (g *Graph) PreHeader(l *Loop) BlockID {
	pre := NoBlock
	for _, p := range g.Block(l.Header).preds {
		if l.Contains(p) {
			continue
		}
		if pre.Valid() {
			return NoBlock
		}
		pre = p
	}
	return pre
}
