package ir

import (
	"errors"
	"fmt"
	"strings"
)

// InvariantError reports a broken IR invariant. It signals a compiler bug
// and is raised with panic; the compilation driver recovers it per method.
type InvariantError struct {
	Method string
	Pass   string
	Msg    string
}

func (e *InvariantError) Error() string {
	var sb strings.Builder
	sb.WriteString("ir invariant violated")
	if e.Method != "" {
		fmt.Fprintf(&sb, " in %s", e.Method)
	}
	if e.Pass != "" {
		fmt.Fprintf(&sb, " after %s", e.Pass)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Msg)
	return sb.String()
}

// Violationf panics with an *InvariantError.
func Violationf(format string, args ...any) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

// AsInvariantError extracts an *InvariantError from a recovered panic
// value.
func AsInvariantError(r any) (*InvariantError, bool) {
	switch v := r.(type) {
	case *InvariantError:
		return v, true
	case error:
		var ie *InvariantError
		if errors.As(v, &ie) {
			return ie, true
		}
	}
	return nil, false
}

// Check verifies the structural and SSA invariants of g. Dominators are
// recomputed if stale.
func Check(g *Graph) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := AsInvariantError(r)
			if !ok {
				panic(r)
			}
			ie.Method = g.Name
			err = ie
		}
	}()
	c := checker{g: g}
	c.run()
	if len(c.errs) > 0 {
		return &InvariantError{Method: g.Name, Msg: strings.Join(c.errs, "; ")}
	}
	return nil
}

// MustCheck panics with the error returned by Check.
func MustCheck(g *Graph, pass string) {
	if err := Check(g); err != nil {
		ie := err.(*InvariantError)
		ie.Pass = pass
		panic(ie)
	}
}

type checker struct {
	g    *Graph
	errs []string
}

func (c *checker) errorf(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

func (c *checker) run() {
	g := c.g
	if !g.HasBlock(g.Entry) {
		c.errorf("missing entry block")
		return
	}
	if !g.HasBlock(g.Exit) {
		c.errorf("missing exit block")
		return
	}
	if n := len(g.Block(g.Entry).preds); n != 0 {
		c.errorf("entry block has %d predecessors", n)
	}
	if n := len(g.Block(g.Exit).succs); n != 0 {
		c.errorf("exit block has %d successors", n)
	}
	g.EnsureDominators()

	for _, id := range g.Blocks() {
		c.checkBlock(g.Block(id))
	}
	for _, l := range g.loops {
		for _, be := range l.BackEdges {
			if !g.Dominates(l.Header, be) {
				c.errorf("loop header %v does not dominate back edge %v", l.Header, be)
			}
		}
	}
}

func (c *checker) checkBlock(b *Block) {
	g := c.g
	for _, s := range b.succs {
		if !g.HasBlock(s) {
			c.errorf("%v has removed successor %v", b.id, s)
			continue
		}
		if count(g.Block(s).preds, b.id) != count(b.succs, s) {
			c.errorf("edge %v->%v is not mirrored in predecessors", b.id, s)
		}
	}
	for _, p := range b.preds {
		if !g.HasBlock(p) {
			c.errorf("%v has removed predecessor %v", b.id, p)
		}
	}
	if b.id != g.Exit {
		last := b.Last()
		if !last.Valid() || !g.Inst(last).Op.IsControlFlow() {
			c.errorf("%v does not end in a control-flow instruction", b.id)
		}
	}
	for n, id := range b.insts {
		inst := g.Inst(id)
		if inst.Op.IsControlFlow() && n != len(b.insts)-1 {
			c.errorf("%v: control flow %v in the middle of %v", id, inst.Op, b.id)
		}
		if inst.Op == OpPhi {
			c.errorf("%v: phi in instruction list of %v", id, b.id)
		}
		c.checkInst(b, inst, n)
	}
	for _, id := range b.phis {
		phi := g.Inst(id)
		if phi.Op != OpPhi {
			c.errorf("%v: %v in phi list of %v", id, phi.Op, b.id)
		}
		if len(phi.inputs) != len(b.preds) {
			c.errorf("%v: phi has %d inputs but %v has %d predecessors", id, len(phi.inputs), b.id, len(b.preds))
		}
		c.checkInst(b, phi, -1)
	}
}

func (c *checker) checkInst(b *Block, inst *Instruction, pos int) {
	g := c.g
	if inst.block != b.id {
		c.errorf("%v records block %v but lives in %v", inst.id, inst.block, b.id)
	}
	for n, in := range inst.inputs {
		if !g.HasInst(in) {
			c.errorf("%v uses removed value %v", inst.id, in)
			continue
		}
		def := g.Inst(in)
		if !hasUse(def.users, Use{User: inst.id, Index: n}) {
			c.errorf("%v missing from users of %v", inst.id, in)
		}
		if !g.reachable(b.id) {
			continue
		}
		if inst.Op == OpPhi {
			if n < len(b.preds) && g.reachable(b.preds[n]) && !g.Dominates(def.block, b.preds[n]) {
				c.errorf("%v: input %v does not dominate predecessor %v", inst.id, in, b.preds[n])
			}
			continue
		}
		if def.block == b.id {
			if def.Op != OpPhi && indexOf(b.insts, in) >= pos {
				c.errorf("%v used before its definition by %v", in, inst.id)
			}
		} else if !g.Dominates(def.block, b.id) {
			c.errorf("definition %v does not dominate use in %v", in, inst.id)
		}
	}
	for _, u := range inst.users {
		if !g.HasInst(u.User) {
			c.errorf("%v is used by removed %v", inst.id, u.User)
			continue
		}
		user := g.Inst(u.User)
		if u.Index >= len(user.inputs) || user.inputs[u.Index] != inst.id {
			c.errorf("stale use of %v by %v", inst.id, u.User)
		}
	}
}

func count(ids []BlockID, id BlockID) int {
	n := 0
	for _, x := range ids {
		if x == id {
			n++
		}
	}
	return n
}

func hasUse(uses []Use, u Use) bool {
	for _, x := range uses {
		if x == u {
			return true
		}
	}
	return false
}

func indexOf(ids []ValueID, id ValueID) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}
