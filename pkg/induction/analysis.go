// Package induction classifies loop values as induction expressions,
// derives loop trip counts and bounds the values loop bodies can see.
// The bounds feed bounds-check elimination.
package induction

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/ir"
)

var log = commonlog.GetLogger("ralph-oat.induction")

// Class is the shape of an induction expression.
type Class uint8

const (
	// Invariant values do not change while the loop runs.
	Invariant Class = iota
	// Linear values are a*i + b for the normalized loop counter i.
	Linear
	// WrapAround values take an initial value in the first iteration and
	// follow another induction afterwards.
	WrapAround
	// Periodic values cycle through a fixed sequence.
	Periodic
)

func (c Class) String() string {
	switch c {
	case Invariant:
		return "invariant"
	case Linear:
		return "linear"
	case WrapAround:
		return "wrap"
	case Periodic:
		return "periodic"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Op is the operation of an invariant.
type Op uint8

const (
	OpNop Op = iota
	OpAdd
	OpSub
	OpNeg
	OpMul
	OpDiv
	// OpFetch reads the value of an instruction defined outside the cycle.
	OpFetch
	// OpConstant is a constant synthesized by the analysis itself.
	OpConstant
	// Trip counts. A is the count expression and B the taken test. The
	// Body forms are only valid inside the loop body, the Unsafe forms
	// need a test that the loop terminates.
	OpTripCountInLoop
	OpTripCountInBody
	OpTripCountInLoopUnsafe
	OpTripCountInBodyUnsafe
	// Taken tests of trip counts.
	OpLT
	OpLE
	OpGT
	OpGE
)

// Info describes one induction expression. For linear values A is the
// stride and B the initial offset. For wrap-around and periodic values A
// is the first value and B what follows.
type Info struct {
	Class Class
	Op    Op
	A, B  *Info
	Fetch ir.ValueID
	Const int64
}

func (i *Info) String() string {
	if i == nil {
		return "?"
	}
	switch i.Class {
	case Linear:
		return fmt.Sprintf("(%v * i + %v)", i.A, i.B)
	case WrapAround:
		return fmt.Sprintf("wrap(%v, %v)", i.A, i.B)
	case Periodic:
		return fmt.Sprintf("periodic(%v, %v)", i.A, i.B)
	}
	switch i.Op {
	case OpFetch:
		return i.Fetch.String()
	case OpConstant:
		return fmt.Sprint(i.Const)
	case OpNeg:
		return fmt.Sprintf("-(%v)", i.B)
	case OpAdd:
		return fmt.Sprintf("(%v + %v)", i.A, i.B)
	case OpSub:
		return fmt.Sprintf("(%v - %v)", i.A, i.B)
	case OpMul:
		return fmt.Sprintf("(%v * %v)", i.A, i.B)
	case OpDiv:
		return fmt.Sprintf("(%v / %v)", i.A, i.B)
	case OpTripCountInLoop, OpTripCountInBody, OpTripCountInLoopUnsafe, OpTripCountInBodyUnsafe:
		return fmt.Sprintf("TC(%v)", i.A)
	}
	return "op"
}

// Equal reports structural equality.
func (i *Info) Equal(o *Info) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.Class == o.Class && i.Op == o.Op && i.Fetch == o.Fetch && i.Const == o.Const &&
		i.A.Equal(o.A) && i.B.Equal(o.B)
}

func invariantOp(op Op, a, b *Info) *Info {
	return &Info{Class: Invariant, Op: op, A: a, B: b}
}

func fetch(v ir.ValueID) *Info { return &Info{Class: Invariant, Op: OpFetch, Fetch: v} }

func constant(c int64) *Info { return &Info{Class: Invariant, Op: OpConstant, Const: c} }

func induction(c Class, a, b *Info) *Info { return &Info{Class: c, A: a, B: b} }

// Analysis holds the classification of every loop of one graph.
type Analysis struct {
	g     *ir.Graph
	infos map[*ir.Loop]map[ir.ValueID]*Info
	trips map[*ir.Loop]*Info
}

// Analyze classifies the values of every loop in g. Dominators and loops
// are recomputed when stale.
func Analyze(g *ir.Graph) *Analysis {
	g.EnsureDominators()
	a := &Analysis{
		g:     g,
		infos: map[*ir.Loop]map[ir.ValueID]*Info{},
		trips: map[*ir.Loop]*Info{},
	}
	// Inner loops come after their parents; classify innermost first so
	// exit values of inner loops are settled before outer cycles look at
	// them.
	loops := g.Loops()
	for i := len(loops) - 1; i >= 0; i-- {
		a.visitLoop(loops[i])
	}
	return a
}

// Lookup returns the induction information of v relative to loop, or nil
// when v has no known shape there.
func (a *Analysis) Lookup(loop *ir.Loop, v ir.ValueID) *Info {
	if m := a.infos[loop]; m != nil {
		if info, ok := m[v]; ok {
			return info
		}
	}
	if a.isInvariant(loop, v) {
		info := fetch(v)
		a.assign(loop, v, info)
		return info
	}
	return nil
}

// TripCount returns the trip count of loop, or nil when unknown.
func (a *Analysis) TripCount(loop *ir.Loop) *Info { return a.trips[loop] }

func (a *Analysis) isInvariant(loop *ir.Loop, v ir.ValueID) bool {
	return !loop.Contains(a.g.Inst(v).Block())
}

func (a *Analysis) assign(loop *ir.Loop, v ir.ValueID, info *Info) {
	m := a.infos[loop]
	if m == nil {
		m = map[ir.ValueID]*Info{}
		a.infos[loop] = m
	}
	m[v] = info
}

// visitor runs Tarjan's strongly connected components over the values
// defined directly in one loop.
type visitor struct {
	a       *Analysis
	loop    *ir.Loop
	index   map[ir.ValueID]int
	low     map[ir.ValueID]int
	onStack map[ir.ValueID]bool
	stack   []ir.ValueID
	next    int
	// cycle maps cycle members to their increment over the header phi
	// while a non-trivial component is being solved.
	cycle map[ir.ValueID]*Info
}

func (a *Analysis) visitLoop(loop *ir.Loop) {
	v := &visitor{
		a:       a,
		loop:    loop,
		index:   map[ir.ValueID]int{},
		low:     map[ir.ValueID]int{},
		onStack: map[ir.ValueID]bool{},
	}
	g := a.g
	for _, bid := range loop.Blocks() {
		b := g.Block(bid)
		if b.Loop() != loop {
			continue
		}
		for _, id := range b.Phis() {
			if _, seen := v.index[id]; !seen {
				v.visit(id)
			}
		}
		for _, id := range b.Insts() {
			if _, seen := v.index[id]; !seen && g.Inst(id).HasResult() {
				v.visit(id)
			}
		}
	}
	a.visitControl(loop)
	if tc := a.trips[loop]; tc != nil {
		log.Debugf("%s: loop at %s has trip count %v", g.Name, g.Block(loop.Header).Name, tc)
	}
}

// proper reports whether id is defined in the loop itself rather than
// outside it or in a nested loop.
func (v *visitor) proper(id ir.ValueID) bool {
	return v.a.g.Block(v.a.g.Inst(id).Block()).Loop() == v.loop
}

func (v *visitor) visit(id ir.ValueID) {
	v.index[id] = v.next
	v.low[id] = v.next
	v.next++
	v.stack = append(v.stack, id)
	v.onStack[id] = true

	for _, in := range v.a.g.Inst(id).Inputs() {
		if !v.proper(in) {
			continue
		}
		if _, seen := v.index[in]; !seen {
			v.visit(in)
			v.low[id] = min(v.low[id], v.low[in])
		} else if v.onStack[in] {
			v.low[id] = min(v.low[id], v.index[in])
		}
	}

	if v.low[id] != v.index[id] {
		return
	}
	var scc []ir.ValueID
	for {
		top := v.stack[len(v.stack)-1]
		v.stack = v.stack[:len(v.stack)-1]
		v.onStack[top] = false
		scc = append(scc, top)
		if top == id {
			break
		}
	}
	if len(scc) == 1 && !v.isHeaderPhi(id) {
		v.classifyTrivial(id)
	} else {
		v.classifyCycle(scc)
	}
}

func (v *visitor) isHeaderPhi(id ir.ValueID) bool {
	inst := v.a.g.Inst(id)
	return inst.Op == ir.OpPhi && inst.Block() == v.loop.Header
}

func (v *visitor) lookup(id ir.ValueID) *Info { return v.a.Lookup(v.loop, id) }

func (v *visitor) classifyTrivial(id ir.ValueID) {
	g := v.a.g
	inst := g.Inst(id)
	if !inst.Type.IsIntegral() && inst.Type != ir.Bool {
		return
	}
	var info *Info
	switch inst.Op {
	case ir.OpConst:
		info = fetch(id)
	case ir.OpPhi:
		info = v.transferPhi(inst, 0)
	case ir.OpAdd:
		info = transferAddSub(v.lookup(inst.Input(0)), v.lookup(inst.Input(1)), OpAdd)
	case ir.OpSub:
		info = transferAddSub(v.lookup(inst.Input(0)), v.lookup(inst.Input(1)), OpSub)
	case ir.OpMul:
		info = transferMul(v.lookup(inst.Input(0)), v.lookup(inst.Input(1)))
	case ir.OpShl:
		if c, ok := g.Inst(inst.Input(1)).IsConstant(); ok && c >= 0 && c < 31 {
			info = transferMul(v.lookup(inst.Input(0)), constant(1<<c))
		}
	case ir.OpNeg:
		info = transferNeg(v.lookup(inst.Input(0)))
	case ir.OpDiv:
		a, b := v.lookup(inst.Input(0)), v.lookup(inst.Input(1))
		if a != nil && b != nil && a.Class == Invariant && b.Class == Invariant {
			info = invariantOp(OpDiv, a, b)
		}
	}
	if info != nil {
		v.a.assign(v.loop, id, info)
	}
}

// transferPhi merges phi inputs from index from on when they all agree.
func (v *visitor) transferPhi(phi *ir.Instruction, from int) *Info {
	var info *Info
	for i := from; i < phi.NumInputs(); i++ {
		in := v.lookup(phi.Input(i))
		if in == nil || (info != nil && !info.Equal(in)) {
			return nil
		}
		info = in
	}
	return info
}

func transferAddSub(a, b *Info, op Op) *Info {
	if a == nil || b == nil {
		return nil
	}
	switch {
	case a.Class == Invariant && b.Class == Invariant:
		return invariantOp(op, a, b)
	case a.Class == Linear && b.Class == Linear:
		return induction(Linear, transferAddSub(a.A, b.A, op), transferAddSub(a.B, b.B, op))
	case a.Class == Invariant:
		first, next := b.A, transferAddSub(a, b.B, op)
		if b.Class != Linear {
			first = transferAddSub(a, first, op)
		} else if op == OpSub {
			first = transferNeg(first)
		}
		return induction(b.Class, first, next)
	case b.Class == Invariant:
		first, next := a.A, transferAddSub(a.B, b, op)
		if a.Class != Linear {
			first = transferAddSub(first, b, op)
		}
		return induction(a.Class, first, next)
	}
	return nil
}

func transferMul(a, b *Info) *Info {
	if a == nil || b == nil {
		return nil
	}
	switch {
	case a.Class == Invariant && b.Class == Invariant:
		return invariantOp(OpMul, a, b)
	case a.Class == Invariant:
		return induction(b.Class, transferMul(a, b.A), transferMul(a, b.B))
	case b.Class == Invariant:
		return induction(a.Class, transferMul(a.A, b), transferMul(a.B, b))
	}
	return nil
}

func transferNeg(a *Info) *Info {
	if a == nil {
		return nil
	}
	if a.Class == Invariant {
		return invariantOp(OpNeg, nil, a)
	}
	return induction(a.Class, transferNeg(a.A), transferNeg(a.B))
}

// classifyCycle solves a component containing a loop header phi.
func (v *visitor) classifyCycle(scc []ir.ValueID) {
	g := v.a.g
	// Rotate so the header phi comes last and the others follow the
	// order in which their cycle inputs are settled.
	p := -1
	for i, id := range scc {
		if v.isHeaderPhi(id) {
			if p >= 0 {
				return
			}
			p = i
		}
	}
	if p < 0 {
		return
	}
	phiID := scc[p]
	rest := append(append([]ir.ValueID{}, scc[p+1:]...), scc[:p]...)

	phi := g.Inst(phiID)
	if phi.NumInputs() != 2 || !phi.Type.IsIntegral() {
		return
	}
	initial := v.lookup(phi.Input(0))
	if initial == nil || initial.Class != Invariant {
		return
	}
	if len(rest) == 0 {
		if next := v.transferPhi(phi, 1); next != nil {
			v.a.assign(v.loop, phiID, induction(WrapAround, initial, next))
		}
		return
	}

	v.cycle = map[ir.ValueID]*Info{}
	defer func() { v.cycle = nil }()
	for _, id := range rest {
		inst := g.Inst(id)
		var update *Info
		switch inst.Op {
		case ir.OpPhi:
			update = v.solvePhiAllInputs(phi, inst)
		case ir.OpAdd:
			update = v.solveAddSub(phi, inst, inst.Input(0), inst.Input(1), OpAdd, true)
		case ir.OpSub:
			update = v.solveAddSub(phi, inst, inst.Input(0), inst.Input(1), OpSub, true)
		}
		if update == nil {
			return
		}
		v.cycle[id] = update
	}

	ind := v.solvePhi(phi, 1)
	if ind == nil {
		return
	}
	switch ind.Class {
	case Invariant:
		v.a.assign(v.loop, phiID, induction(Linear, ind, initial))
		for _, id := range rest {
			v.classifyTrivial(id)
		}
	case Periodic:
		for i := len(rest) - 1; i >= 0; i-- {
			v.a.assign(v.loop, rest[i], ind)
			ind = rotatePeriodic(ind.B, ind.A)
		}
		v.a.assign(v.loop, phiID, ind)
	}
}

// solvePhi returns the common cycle meaning of phi inputs from index
// from on.
func (v *visitor) solvePhi(phi *ir.Instruction, from int) *Info {
	first, ok := v.cycle[phi.Input(from)]
	if !ok {
		return nil
	}
	for i := from + 1; i < phi.NumInputs(); i++ {
		other, ok := v.cycle[phi.Input(i)]
		if !ok || !first.Equal(other) {
			return nil
		}
	}
	return first
}

func (v *visitor) solvePhiAllInputs(entry, phi *ir.Instruction) *Info {
	if match := v.solvePhi(phi, 0); match != nil {
		return match
	}
	// A tight multi-phi cycle may still form a periodic sequence.
	if v.isHeaderPhi(phi.ID()) && phi.NumInputs() == 2 {
		a := v.lookup(phi.Input(0))
		if a == nil || a.Class != Invariant {
			return nil
		}
		if phi.Input(1) == entry.ID() {
			return induction(Periodic, a, v.lookup(entry.Input(0)))
		}
		if b := v.solvePhi(phi, 1); b != nil && b.Class == Periodic {
			return induction(Periodic, a, b)
		}
	}
	return nil
}

func (v *visitor) solveAddSub(entry, inst *ir.Instruction, x, y ir.ValueID, op Op, first bool) *Info {
	if b := v.lookup(y); b != nil && b.Class == Invariant {
		if x == entry.ID() {
			if op == OpAdd {
				return b
			}
			return invariantOp(OpNeg, nil, b)
		}
		if a, ok := v.cycle[x]; ok && a.Class == Invariant {
			return invariantOp(op, a, b)
		}
	}
	if !first {
		return nil
	}
	switch op {
	case OpAdd:
		return v.solveAddSub(entry, inst, y, x, op, false)
	case OpSub:
		// k = c - k alternates between two values.
		if y == entry.ID() && entry.Input(1) == inst.ID() {
			a := v.lookup(x)
			if a != nil && a.Class == Invariant {
				initial := v.lookup(entry.Input(0))
				return induction(Periodic, invariantOp(OpSub, a, initial), initial)
			}
		}
	}
	return nil
}

// rotatePeriodic turns (a, b, c) into (b, c, a).
func rotatePeriodic(ind, last *Info) *Info {
	if ind.Class == Invariant {
		return induction(Periodic, ind, last)
	}
	return induction(Periodic, ind.A, rotatePeriodic(ind.B, last))
}
