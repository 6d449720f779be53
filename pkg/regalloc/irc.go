package regalloc

import (
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// Allocator colors one interference graph with Iterated Register
// Coalescing (George and Appel). Physical registers are precolored.
type Allocator struct {
	graph *InterferenceGraph
	conv  *lir.Conventions
	fn    *lir.Func
	K     int // number of allocatable registers
	// colors maps a node to its index in conv.Allocatable.
	colors map[lir.Reg]int
	// precolored holds physical nodes; their color is fixed, or -1 for
	// registers outside the allocatable set.
	precolored map[lir.Reg]int

	// IRC worklists
	simplifyWorklist []lir.Reg // low-degree non-move-related nodes
	freezeWorklist   []lir.Reg // low-degree move-related nodes
	spillWorklist    []lir.Reg // high-degree nodes
	coalescedNodes   RegSet
	coloredNodes     RegSet
	spilledNodes     RegSet
	selectStack      []lir.Reg
	onStack          RegSet

	alias  map[lir.Reg]lir.Reg
	degree map[lir.Reg]int

	// Move worklists
	coalescedMoves   [][2]lir.Reg
	constrainedMoves [][2]lir.Reg
	frozenMoves      [][2]lir.Reg
	worklistMoves    [][2]lir.Reg
	activeMoves      [][2]lir.Reg
	moveList         map[lir.Reg][]int
	moveState        []moveState
}

type moveState uint8

const (
	moveWorklist moveState = iota
	moveActive
	moveDone
)

func NewAllocator(fn *lir.Func, conv *lir.Conventions, graph *InterferenceGraph) *Allocator {
	a := &Allocator{
		fn:             fn,
		conv:           conv,
		graph:          graph,
		K:              len(conv.Allocatable),
		colors:         make(map[lir.Reg]int),
		precolored:     make(map[lir.Reg]int),
		coalescedNodes: NewRegSet(),
		coloredNodes:   NewRegSet(),
		spilledNodes:   NewRegSet(),
		onStack:        NewRegSet(),
		alias:          make(map[lir.Reg]lir.Reg),
		degree:         make(map[lir.Reg]int),
		moveList:       make(map[lir.Reg][]int),
	}
	color := make(map[lir.Reg]int, a.K)
	for i, r := range conv.Allocatable {
		color[r] = i
	}
	for _, r := range graph.Nodes.Slice() {
		if r.IsPhysical() {
			if c, ok := color[r]; ok {
				a.precolored[r] = c
				a.colors[r] = c
			} else {
				a.precolored[r] = -1
			}
		}
	}
	return a
}

// Allocate runs the main IRC loop and reports the nodes that must spill.
func (a *Allocator) Allocate() RegSet {
	a.buildWorklists()
	for {
		if len(a.simplifyWorklist) > 0 {
			a.simplify()
		} else if len(a.worklistMoves) > 0 {
			a.coalesce()
		} else if len(a.freezeWorklist) > 0 {
			a.freeze()
		} else if len(a.spillWorklist) > 0 {
			a.selectSpill()
		} else {
			break
		}
	}
	a.assignColors()
	return a.spilledNodes
}

func (a *Allocator) isPrecolored(r lir.Reg) bool {
	_, ok := a.precolored[r]
	return ok
}

func (a *Allocator) buildWorklists() {
	for _, r := range a.graph.Nodes.Slice() {
		a.degree[r] = a.graph.Degree(r)
	}
	for i, m := range a.graph.Moves {
		a.worklistMoves = append(a.worklistMoves, m)
		a.moveState = append(a.moveState, moveWorklist)
		a.moveList[m[0]] = append(a.moveList[m[0]], i)
		a.moveList[m[1]] = append(a.moveList[m[1]], i)
	}
	for _, r := range a.graph.Nodes.Slice() {
		if a.isPrecolored(r) {
			continue
		}
		if a.degree[r] >= a.K {
			a.spillWorklist = append(a.spillWorklist, r)
		} else if a.moveRelated(r) {
			a.freezeWorklist = append(a.freezeWorklist, r)
		} else {
			a.simplifyWorklist = append(a.simplifyWorklist, r)
		}
	}
}

// nodeMoves lists the moves of r still candidates for coalescing.
func (a *Allocator) nodeMoves(r lir.Reg) []int {
	var out []int
	for _, i := range a.moveList[r] {
		if a.moveState[i] != moveDone {
			out = append(out, i)
		}
	}
	return out
}

func (a *Allocator) moveRelated(r lir.Reg) bool { return len(a.nodeMoves(r)) > 0 }

// adjacent lists the neighbors of r still in the graph.
func (a *Allocator) adjacent(r lir.Reg) []lir.Reg {
	var out []lir.Reg
	for _, n := range a.graph.Edges[r].Slice() {
		if !a.onStack.Contains(n) && !a.coalescedNodes.Contains(n) {
			out = append(out, n)
		}
	}
	return out
}

func (a *Allocator) simplify() {
	n := len(a.simplifyWorklist) - 1
	r := a.simplifyWorklist[n]
	a.simplifyWorklist = a.simplifyWorklist[:n]

	a.selectStack = append(a.selectStack, r)
	a.onStack.Add(r)
	for _, neighbor := range a.adjacent(r) {
		a.decrementDegree(neighbor)
	}
}

func (a *Allocator) decrementDegree(r lir.Reg) {
	if a.isPrecolored(r) {
		return
	}
	d := a.degree[r]
	a.degree[r] = d - 1
	if d == a.K {
		a.enableMoves(append(a.adjacent(r), r))
		removeFromWorklist(r, &a.spillWorklist)
		if a.moveRelated(r) {
			a.freezeWorklist = append(a.freezeWorklist, r)
		} else {
			a.simplifyWorklist = append(a.simplifyWorklist, r)
		}
	}
}

func (a *Allocator) enableMoves(nodes []lir.Reg) {
	for _, n := range nodes {
		for _, i := range a.nodeMoves(n) {
			if a.moveState[i] == moveActive {
				a.moveState[i] = moveWorklist
				removeMove(a.graph.Moves[i], &a.activeMoves)
				a.worklistMoves = append(a.worklistMoves, a.graph.Moves[i])
			}
		}
	}
}

func removeFromWorklist(r lir.Reg, list *[]lir.Reg) {
	for i, reg := range *list {
		if reg == r {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func removeMove(m [2]lir.Reg, list *[][2]lir.Reg) {
	for i, x := range *list {
		if x == m {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (a *Allocator) moveIndex(m [2]lir.Reg) int {
	for _, i := range a.moveList[m[0]] {
		if a.graph.Moves[i] == m && a.moveState[i] != moveDone {
			return i
		}
	}
	return -1
}

func (a *Allocator) finishMove(m [2]lir.Reg, into *[][2]lir.Reg) {
	if i := a.moveIndex(m); i >= 0 {
		a.moveState[i] = moveDone
	}
	*into = append(*into, m)
}

func (a *Allocator) coalesce() {
	n := len(a.worklistMoves) - 1
	m := a.worklistMoves[n]
	a.worklistMoves = a.worklistMoves[:n]

	x := a.getAlias(m[0])
	y := a.getAlias(m[1])

	// A precolored node always survives the merge.
	var u, v lir.Reg
	if a.isPrecolored(y) {
		u, v = y, x
	} else {
		u, v = x, y
	}

	switch {
	case u == v:
		a.finishMove(m, &a.coalescedMoves)
		a.addToWorklist(u)
	case a.isPrecolored(v) || a.graph.HasEdge(u, v) || (a.isPrecolored(u) && a.precolored[u] < 0):
		a.finishMove(m, &a.constrainedMoves)
		a.addToWorklist(u)
		a.addToWorklist(v)
	case a.isPrecolored(u) && a.georgeTest(u, v), !a.isPrecolored(u) && a.conservativeCoalesce(u, v):
		a.finishMove(m, &a.coalescedMoves)
		a.combine(u, v)
		a.addToWorklist(u)
	default:
		if i := a.moveIndex(m); i >= 0 {
			a.moveState[i] = moveActive
		}
		a.activeMoves = append(a.activeMoves, m)
	}
}

func (a *Allocator) getAlias(r lir.Reg) lir.Reg {
	for a.coalescedNodes.Contains(r) {
		r = a.alias[r]
	}
	return r
}

// georgeTest allows merging v into the precolored u when every neighbor
// of v is low-degree, precolored or already adjacent to u.
func (a *Allocator) georgeTest(u, v lir.Reg) bool {
	for _, t := range a.adjacent(v) {
		if a.degree[t] >= a.K && !a.isPrecolored(t) && !a.graph.HasEdge(t, u) {
			return false
		}
	}
	return true
}

// conservativeCoalesce is the Briggs criterion: the merged node has fewer
// than K neighbors of significant degree.
func (a *Allocator) conservativeCoalesce(u, v lir.Reg) bool {
	neighbors := NewRegSet(a.adjacent(u)...)
	for _, n := range a.adjacent(v) {
		neighbors.Add(n)
	}
	high := 0
	for n := range neighbors {
		if a.isPrecolored(n) || a.degree[n] >= a.K {
			high++
		}
	}
	return high < a.K
}

func (a *Allocator) combine(u, v lir.Reg) {
	removeFromWorklist(v, &a.freezeWorklist)
	removeFromWorklist(v, &a.spillWorklist)

	a.coalescedNodes.Add(v)
	a.alias[v] = u
	a.moveList[u] = append(a.moveList[u], a.moveList[v]...)
	a.enableMoves([]lir.Reg{v})

	if a.graph.LiveAcrossCalls.Contains(v) {
		a.graph.LiveAcrossCalls.Add(u)
	}
	a.graph.Uses[u] += a.graph.Uses[v]

	for _, t := range a.adjacent(v) {
		if !a.graph.HasEdge(u, t) && t != u {
			a.graph.AddEdge(u, t)
			if !a.isPrecolored(u) {
				a.degree[u]++
			}
			if !a.isPrecolored(t) {
				a.degree[t]++
			}
		}
		a.decrementDegree(t)
	}

	if !a.isPrecolored(u) && a.degree[u] >= a.K {
		removeFromWorklist(u, &a.freezeWorklist)
		if !contains(a.spillWorklist, u) {
			a.spillWorklist = append(a.spillWorklist, u)
		}
	}
}

func contains(list []lir.Reg, r lir.Reg) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}

func (a *Allocator) addToWorklist(r lir.Reg) {
	if a.isPrecolored(r) || a.coalescedNodes.Contains(r) {
		return
	}
	if a.degree[r] < a.K && !a.moveRelated(r) && contains(a.freezeWorklist, r) {
		removeFromWorklist(r, &a.freezeWorklist)
		a.simplifyWorklist = append(a.simplifyWorklist, r)
	}
}

func (a *Allocator) freeze() {
	n := len(a.freezeWorklist) - 1
	r := a.freezeWorklist[n]
	a.freezeWorklist = a.freezeWorklist[:n]

	a.simplifyWorklist = append(a.simplifyWorklist, r)
	a.freezeMovesFor(r)
}

func (a *Allocator) freezeMovesFor(r lir.Reg) {
	for _, i := range a.nodeMoves(r) {
		m := a.graph.Moves[i]
		if a.moveState[i] == moveActive {
			removeMove(m, &a.activeMoves)
		} else {
			removeMove(m, &a.worklistMoves)
		}
		a.moveState[i] = moveDone
		a.frozenMoves = append(a.frozenMoves, m)

		other := a.getAlias(m[0])
		if other == a.getAlias(r) {
			other = a.getAlias(m[1])
		}
		if !a.isPrecolored(other) && !a.moveRelated(other) && a.degree[other] < a.K {
			if contains(a.freezeWorklist, other) {
				removeFromWorklist(other, &a.freezeWorklist)
				a.simplifyWorklist = append(a.simplifyWorklist, other)
			}
		}
	}
}

// selectSpill picks the candidate with the lowest use weight per unit of
// degree. Registers created by spilling are picked only when nothing else
// is left.
func (a *Allocator) selectSpill() {
	best := -1
	var bestCost float64
	for i, r := range a.spillWorklist {
		cost := float64(a.graph.Uses[r]+1) / float64(a.degree[r]+1)
		if a.fn.NoSpill[r] {
			cost += 1e9
		}
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	r := a.spillWorklist[best]
	a.spillWorklist = append(a.spillWorklist[:best], a.spillWorklist[best+1:]...)
	a.simplifyWorklist = append(a.simplifyWorklist, r)
	a.freezeMovesFor(r)
}

func (a *Allocator) assignColors() {
	first := a.conv.FirstCalleeSavedColor()
	for len(a.selectStack) > 0 {
		n := len(a.selectStack) - 1
		r := a.selectStack[n]
		a.selectStack = a.selectStack[:n]

		used := make([]bool, a.K)
		for _, neighbor := range a.graph.Edges[r].Slice() {
			alias := a.getAlias(neighbor)
			if c, ok := a.colors[alias]; ok && (a.coloredNodes.Contains(alias) || a.isPrecolored(alias)) {
				used[c] = true
			}
		}

		// Values live across a call try callee-saved colors first.
		order := make([]int, 0, a.K)
		if a.graph.LiveAcrossCalls.Contains(r) {
			for c := first; c < a.K; c++ {
				order = append(order, c)
			}
			for c := 0; c < first; c++ {
				order = append(order, c)
			}
		} else {
			for c := 0; c < a.K; c++ {
				order = append(order, c)
			}
		}

		color := -1
		for _, c := range order {
			if !used[c] {
				color = c
				break
			}
		}
		if color >= 0 {
			a.coloredNodes.Add(r)
			a.colors[r] = color
		} else {
			a.spilledNodes.Add(r)
		}
	}

	for _, r := range a.coalescedNodes.Slice() {
		alias := a.getAlias(r)
		if c, ok := a.colors[alias]; ok {
			a.colors[r] = c
		}
	}
}

// Assignment returns the physical register chosen for every colored
// virtual register.
func (a *Allocator) Assignment() map[lir.Reg]lir.Reg {
	out := make(map[lir.Reg]lir.Reg)
	for r, c := range a.colors {
		if r.IsVirtual() {
			out[r] = a.conv.Allocatable[c]
		}
	}
	return out
}
