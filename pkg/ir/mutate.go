package ir

// AddEdge appends to as a successor of from.
func (g *Graph) AddEdge(from, to BlockID) {
	f, t := g.Block(from), g.Block(to)
	f.succs = append(f.succs, to)
	t.preds = append(t.preds, from)
	g.domOK = false
}

// RemoveEdge removes the first from->to edge and the phi inputs at to that
// flowed along it.
func (g *Graph) RemoveEdge(from, to BlockID) {
	si := g.Block(from).SuccIndex(to)
	if si < 0 {
		Violationf("no edge %v->%v", from, to)
	}
	g.RemoveSuccAt(from, si)
}

// RemoveSuccAt removes successor number si of from. When from reaches the
// same block along several edges, the k-th such successor pairs with the
// k-th matching predecessor entry.
func (g *Graph) RemoveSuccAt(from BlockID, si int) {
	f := g.Block(from)
	to := f.succs[si]
	t := g.Block(to)
	k := count(f.succs[:si], to)
	pi := -1
	for i, p := range t.preds {
		if p != from {
			continue
		}
		if k == 0 {
			pi = i
			break
		}
		k--
	}
	if pi < 0 {
		Violationf("edge %v->%v is not mirrored", from, to)
	}
	f.succs = append(f.succs[:si], f.succs[si+1:]...)
	g.removePredAt(t, pi)
	g.domOK = false
}

func (g *Graph) removePredAt(b *Block, pi int) {
	b.preds = append(b.preds[:pi], b.preds[pi+1:]...)
	for _, id := range b.phis {
		g.removeInputAt(g.Inst(id), pi)
	}
}

// removeInputAt drops input n of inst, renumbering the recorded uses of
// the inputs that follow it.
func (g *Graph) removeInputAt(inst *Instruction, n int) {
	g.dropUse(inst.inputs[n], Use{User: inst.id, Index: n})
	for k := n + 1; k < len(inst.inputs); k++ {
		src := g.Inst(inst.inputs[k])
		for j := range src.users {
			if src.users[j] == (Use{User: inst.id, Index: k}) {
				src.users[j].Index = k - 1
				break
			}
		}
	}
	inst.inputs = append(inst.inputs[:n], inst.inputs[n+1:]...)
}

func (g *Graph) dropUse(def ValueID, u Use) {
	d := g.Inst(def)
	for j, x := range d.users {
		if x == u {
			d.users = append(d.users[:j], d.users[j+1:]...)
			return
		}
	}
	Violationf("%v is not used by %v at %d", def, u.User, u.Index)
}

// ReplaceSuccessor redirects b's edge to old so it targets repl instead.
// repl gets b appended as its last predecessor; phis at repl must be given
// a matching input by the caller.
func (g *Graph) ReplaceSuccessor(b, old, repl BlockID) {
	blk := g.Block(b)
	si := blk.SuccIndex(old)
	if si < 0 {
		Violationf("%v is not a successor of %v", old, b)
	}
	o := g.Block(old)
	g.removePredAt(o, o.PredIndex(b))
	blk.succs[si] = repl
	r := g.Block(repl)
	r.preds = append(r.preds, b)
	g.domOK = false
}

// SwapSuccessors exchanges the two successors of a block ending in if.
func (g *Graph) SwapSuccessors(b BlockID) {
	blk := g.Block(b)
	if len(blk.succs) != 2 {
		Violationf("%v has %d successors, cannot swap", b, len(blk.succs))
	}
	blk.succs[0], blk.succs[1] = blk.succs[1], blk.succs[0]
}

// Append creates an instruction at the end of b.
func (g *Graph) Append(b BlockID, op Opcode, t Type, inputs ...ValueID) *Instruction {
	blk := g.Block(b)
	if op == OpPhi {
		Violationf("use AddPhi for phis")
	}
	inst := g.newInst(op, t, inputs)
	inst.block = b
	blk.insts = append(blk.insts, inst.id)
	return inst
}

// InsertBefore creates an instruction immediately before at.
func (g *Graph) InsertBefore(at ValueID, op Opcode, t Type, inputs ...ValueID) *Instruction {
	pos := g.Inst(at)
	blk := g.Block(pos.block)
	inst := g.newInst(op, t, inputs)
	inst.block = pos.block
	i := indexOf(blk.insts, at)
	if i < 0 {
		Violationf("%v is not in the instruction list of %v", at, blk.id)
	}
	blk.insts = append(blk.insts, NoValue)
	copy(blk.insts[i+1:], blk.insts[i:])
	blk.insts[i] = inst.id
	return inst
}

// AddPhi creates a phi in b with one input per predecessor.
func (g *Graph) AddPhi(b BlockID, t Type, inputs ...ValueID) *Instruction {
	blk := g.Block(b)
	inst := g.newInst(OpPhi, t, inputs)
	inst.block = b
	blk.phis = append(blk.phis, inst.id)
	return inst
}

// AddInput appends an input to an instruction. For phis it matches a newly
// added predecessor.
func (g *Graph) AddInput(user, v ValueID) {
	u := g.Inst(user)
	n := len(u.inputs)
	u.inputs = append(u.inputs, v)
	src := g.Inst(v)
	src.users = append(src.users, Use{User: user, Index: n})
}

// Remove deletes an instruction that no longer has users.
func (g *Graph) Remove(id ValueID) {
	inst := g.Inst(id)
	if len(inst.users) > 0 {
		Violationf("removing %v (%v) which still has %d users", id, inst.Op, len(inst.users))
	}
	g.detach(inst)
	for n, in := range inst.inputs {
		g.dropUse(in, Use{User: id, Index: n})
	}
	g.killInst(inst)
}

// detach unlinks the instruction from its block list.
func (g *Graph) detach(inst *Instruction) {
	blk := g.Block(inst.block)
	list := &blk.insts
	if inst.Op == OpPhi {
		list = &blk.phis
	}
	i := indexOf(*list, inst.id)
	if i < 0 {
		Violationf("%v is not listed in %v", inst.id, inst.block)
	}
	*list = append((*list)[:i], (*list)[i+1:]...)
}

// ReplaceUsesWith redirects every use of old to repl.
func (g *Graph) ReplaceUsesWith(old, repl ValueID) {
	if old == repl {
		return
	}
	o, r := g.Inst(old), g.Inst(repl)
	for _, u := range o.users {
		g.Inst(u.User).inputs[u.Index] = repl
		r.users = append(r.users, u)
	}
	o.users = nil
}

// ReplaceInput sets input n of user to v, keeping both user lists exact.
func (g *Graph) ReplaceInput(user ValueID, n int, v ValueID) {
	u := g.Inst(user)
	old := u.inputs[n]
	if old == v {
		return
	}
	g.dropUse(old, Use{User: user, Index: n})
	u.inputs[n] = v
	src := g.Inst(v)
	src.users = append(src.users, Use{User: user, Index: n})
}

// MoveBefore relocates id so it executes immediately before at, possibly
// in another block.
func (g *Graph) MoveBefore(id, at ValueID) {
	inst := g.Inst(id)
	if inst.Op == OpPhi || inst.Op.IsControlFlow() {
		Violationf("cannot move %v (%v)", id, inst.Op)
	}
	g.detach(inst)
	pos := g.Inst(at)
	blk := g.Block(pos.block)
	i := indexOf(blk.insts, at)
	blk.insts = append(blk.insts, NoValue)
	copy(blk.insts[i+1:], blk.insts[i:])
	blk.insts[i] = id
	inst.block = pos.block
}

// MergeWith appends the contents of s to b and deletes s. b must end in
// goto with s as its only successor, and b must be s's only predecessor.
func (g *Graph) MergeWith(b, s BlockID) {
	blk, succ := g.Block(b), g.Block(s)
	if len(blk.succs) != 1 || blk.succs[0] != s || len(succ.preds) != 1 {
		Violationf("cannot merge %v with %v", b, s)
	}
	if s == g.Exit || s == g.Entry {
		Violationf("cannot merge away %v", s)
	}
	if last := blk.Last(); last.Valid() {
		if li := g.Inst(last); li.Op == OpGoto {
			g.Remove(last)
		} else if li.Op.IsControlFlow() {
			Violationf("cannot merge %v ending in %v", b, li.Op)
		}
	}
	for len(succ.phis) > 0 {
		phi := succ.phis[0]
		g.ReplaceUsesWith(phi, g.Inst(phi).inputs[0])
		g.Remove(phi)
	}
	for _, id := range succ.insts {
		g.Inst(id).block = b
	}
	blk.insts = append(blk.insts, succ.insts...)
	succ.insts = nil
	blk.succs = succ.succs
	for _, t := range succ.succs {
		tb := g.Block(t)
		for i, p := range tb.preds {
			if p == s {
				tb.preds[i] = b
			}
		}
	}
	succ.succs = nil
	succ.preds = nil
	g.killBlock(succ)
}

// SplitAfter moves every instruction after id into a new block that takes
// over the original block's successors. The original block ends in a goto
// to the new one.
func (g *Graph) SplitAfter(id ValueID) *Block {
	inst := g.Inst(id)
	if inst.Op == OpPhi || inst.Op.IsControlFlow() {
		Violationf("cannot split after %v", inst.Op)
	}
	blk := g.Block(inst.block)
	nb := g.NewBlock(blk.Name + ".split")
	i := indexOf(blk.insts, id)
	nb.insts = append(nb.insts, blk.insts[i+1:]...)
	for _, m := range nb.insts {
		g.Inst(m).block = nb.id
	}
	blk.insts = blk.insts[:i+1]
	nb.succs = blk.succs
	for _, t := range nb.succs {
		tb := g.Block(t)
		for k, p := range tb.preds {
			if p == blk.id {
				tb.preds[k] = nb.id
			}
		}
	}
	blk.succs = nil
	g.Append(blk.id, OpGoto, Void)
	g.AddEdge(blk.id, nb.id)
	return nb
}

// SplitEdge inserts a new block on the edge from->to. The new block keeps
// from's position in to's predecessor list, so phi inputs stay aligned.
func (g *Graph) SplitEdge(from, to BlockID) *Block {
	f, t := g.Block(from), g.Block(to)
	nb := g.NewBlock("")
	si, pi := f.SuccIndex(to), t.PredIndex(from)
	if si < 0 || pi < 0 {
		Violationf("no edge %v->%v", from, to)
	}
	f.succs[si] = nb.id
	t.preds[pi] = nb.id
	nb.preds = []BlockID{from}
	nb.succs = []BlockID{to}
	g.Append(nb.id, OpGoto, Void)
	g.domOK = false
	return nb
}

// DeleteBlocks removes a set of blocks that nothing outside the set can
// reach anymore. Blocks are processed in the given order; edges into
// surviving blocks are removed first so their phis lose the matching
// inputs. Values defined in the set may only be used inside the set.
func (g *Graph) DeleteBlocks(dead []BlockID) {
	isDead := make([]bool, len(g.blocks))
	for _, id := range dead {
		isDead[id.index] = true
	}
	for _, id := range dead {
		b := g.Block(id)
		for len(b.succs) > 0 {
			g.RemoveEdge(id, b.succs[len(b.succs)-1])
		}
		for len(b.preds) > 0 {
			p := b.preds[len(b.preds)-1]
			if !isDead[p.index] {
				Violationf("deleting %v which is still reached from %v", id, p)
			}
			g.RemoveEdge(p, id)
		}
	}
	for _, id := range dead {
		b := g.Block(id)
		for _, list := range [][]ValueID{b.phis, b.insts} {
			for _, v := range list {
				inst := g.Inst(v)
				for n, in := range inst.inputs {
					g.dropUse(in, Use{User: v, Index: n})
				}
				inst.inputs = nil
			}
		}
	}
	for _, id := range dead {
		b := g.Block(id)
		for _, list := range [][]ValueID{b.phis, b.insts} {
			for _, v := range list {
				if inst := g.Inst(v); len(inst.users) > 0 {
					Violationf("%v in deleted %v is still used by %v", v, id, inst.users[0].User)
				}
			}
		}
		for _, list := range [][]ValueID{b.phis, b.insts} {
			for _, v := range list {
				g.killInst(g.Inst(v))
			}
		}
		b.phis, b.insts = nil, nil
		g.killBlock(b)
	}
}

// Values returns every live instruction of the reachable blocks in
// reverse postorder, phis first within each block.
func (g *Graph) Values() []ValueID {
	var out []ValueID
	for _, b := range g.ReversePostOrder() {
		blk := g.Block(b)
		out = append(out, blk.phis...)
		out = append(out, blk.insts...)
	}
	return out
}

// AddParam declares the next method parameter. Parameters are the first
// instructions of the entry block.
func (g *Graph) AddParam(name string, t Type, nonNull bool) *Instruction {
	entry := g.Block(g.Entry)
	inst := g.newInst(OpParam, t, nil)
	inst.block = g.Entry
	inst.Name = name
	inst.Aux = int64(len(g.Params))
	inst.Nullable = t == Ref && !nonNull
	pos := len(g.Params)
	entry.insts = append(entry.insts, NoValue)
	copy(entry.insts[pos+1:], entry.insts[pos:])
	entry.insts[pos] = inst.id
	g.Params = append(g.Params, inst.id)
	return inst
}

// Const appends an integer constant to b.
func (g *Graph) Const(b BlockID, t Type, v int64) *Instruction {
	inst := g.Append(b, OpConst, t)
	inst.Aux = v
	return inst
}

// RemoveGroup deletes a set of instructions that are only used by each
// other, such as a cycle of dead phis.
func (g *Graph) RemoveGroup(ids []ValueID) {
	for _, id := range ids {
		inst := g.Inst(id)
		for n, in := range inst.inputs {
			g.dropUse(in, Use{User: id, Index: n})
		}
		inst.inputs = nil
	}
	for _, id := range ids {
		if inst := g.Inst(id); len(inst.users) > 0 {
			Violationf("%v is still used by %v outside the removed group", id, inst.users[0].User)
		}
	}
	for _, id := range ids {
		inst := g.Inst(id)
		g.detach(inst)
		g.killInst(inst)
	}
}
