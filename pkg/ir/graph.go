package ir

import "fmt"

// BlockID is a generation-tagged handle to a block in a Graph's arena.
// The zero value refers to no block.
type BlockID struct {
	index int32
	gen   uint32
}

// NoBlock is the invalid block handle.
var NoBlock BlockID

func (id BlockID) Valid() bool { return id.gen != 0 }
func (id BlockID) Index() int  { return int(id.index) }

func (id BlockID) String() string {
	if !id.Valid() {
		return "@none"
	}
	return fmt.Sprintf("@b%d", id.index)
}

// ValueID is a generation-tagged handle to an instruction.
type ValueID struct {
	index int32
	gen   uint32
}

// NoValue is the invalid instruction handle.
var NoValue ValueID

func (id ValueID) Valid() bool { return id.gen != 0 }
func (id ValueID) Index() int  { return int(id.index) }

func (id ValueID) String() string {
	if !id.Valid() {
		return "%none"
	}
	return fmt.Sprintf("%%v%d", id.index)
}

// Use records that User reads the value at input position Index.
type Use struct {
	User  ValueID
	Index int
}

// Instruction is one SSA node.
type Instruction struct {
	id     ValueID
	block  BlockID
	inputs []ValueID
	users  []Use

	Op   Opcode
	Type Type
	// Aux holds the constant value, field offset, callee index, switch
	// start key or architecture descriptor depending on Op.
	Aux int64
	// Payload holds fill-array element data.
	Payload  []int64
	Effects  SideEffects
	Nullable bool
	Name     string
}

func (i *Instruction) ID() ValueID        { return i.id }
func (i *Instruction) Block() BlockID     { return i.block }
func (i *Instruction) Inputs() []ValueID  { return i.inputs }
func (i *Instruction) Input(n int) ValueID { return i.inputs[n] }
func (i *Instruction) NumInputs() int     { return len(i.inputs) }
func (i *Instruction) Users() []Use       { return i.users }
func (i *Instruction) HasUsers() bool     { return len(i.users) > 0 }

// Movable reports whether the instruction may be moved or deduplicated:
// its opcode is free of uncontrolled behaviour and it writes no memory.
func (i *Instruction) Movable() bool {
	return i.Op.has(fMovable) && !i.Effects.DoesAnyWrite()
}

// HasResult reports whether the instruction defines a value.
func (i *Instruction) HasResult() bool {
	switch i.Op {
	case OpIPut, OpSPut, OpASet, OpFillArray, OpSuspend:
		return false
	case OpCall:
		return i.Type != Void
	}
	return !i.Op.IsControlFlow()
}

// IsConstant reports whether the instruction is an integer constant and
// returns its value.
func (i *Instruction) IsConstant() (int64, bool) {
	if i.Op == OpConst {
		return i.Aux, true
	}
	return 0, false
}

// Block is a basic block.
type Block struct {
	id        BlockID
	preds     []BlockID
	succs     []BlockID
	phis      []ValueID
	insts     []ValueID
	idom      BlockID
	dominated []BlockID
	loop      *Loop
	domPre    int
	domPost   int

	Name  string
	Catch bool
}

func (b *Block) ID() BlockID          { return b.id }
func (b *Block) Preds() []BlockID     { return b.preds }
func (b *Block) Succs() []BlockID     { return b.succs }
func (b *Block) Phis() []ValueID      { return b.phis }
func (b *Block) Insts() []ValueID     { return b.insts }
func (b *Block) IDom() BlockID        { return b.idom }
func (b *Block) Dominated() []BlockID { return b.dominated }

// Loop is the innermost loop containing the block, or nil.
func (b *Block) Loop() *Loop { return b.loop }

func (b *Block) IsLoopHeader() bool { return b.loop != nil && b.loop.Header == b.id }

// Last returns the block's control-flow instruction, if any.
func (b *Block) Last() ValueID {
	if len(b.insts) == 0 {
		return NoValue
	}
	return b.insts[len(b.insts)-1]
}

// PredIndex returns the position of p in the predecessor list, or -1.
func (b *Block) PredIndex(p BlockID) int {
	for i, q := range b.preds {
		if q == p {
			return i
		}
	}
	return -1
}

func (b *Block) SuccIndex(s BlockID) int {
	for i, q := range b.succs {
		if q == s {
			return i
		}
	}
	return -1
}

type blockSlot struct {
	gen uint32
	b   *Block
}

type valueSlot struct {
	gen uint32
	v   *Instruction
}

// Graph owns every block and instruction of one method.
type Graph struct {
	Name       string
	Method     int
	ReturnType Type
	Params     []ValueID
	Entry      BlockID
	Exit       BlockID

	blocks []blockSlot
	values []valueSlot
	loops  []*Loop
	domOK  bool
}

// NewGraph creates an empty graph with entry and exit blocks.
func NewGraph(name string) *Graph {
	g := &Graph{Name: name}
	g.Entry = g.NewBlock("entry").id
	g.Exit = g.NewBlock("").id
	return g
}

// Reset releases every node of the graph at once. Handles obtained before
// the reset become stale.
func (g *Graph) Reset() {
	g.blocks = nil
	g.values = nil
	g.loops = nil
	g.Params = nil
	g.domOK = false
}

// NewBlock allocates an unconnected block.
func (g *Graph) NewBlock(name string) *Block {
	id := BlockID{index: int32(len(g.blocks)), gen: 1}
	b := &Block{id: id, Name: name, domPre: -1, domPost: -1}
	g.blocks = append(g.blocks, blockSlot{gen: 1, b: b})
	g.domOK = false
	return b
}

// Block dereferences a block handle. A stale or invalid handle is an
// invariant violation.
func (g *Graph) Block(id BlockID) *Block {
	if !id.Valid() || int(id.index) >= len(g.blocks) {
		Violationf("invalid block handle %v", id)
	}
	s := g.blocks[id.index]
	if s.gen != id.gen || s.b == nil {
		Violationf("stale block handle %v", id)
	}
	return s.b
}

// HasBlock reports whether id still refers to a live block.
func (g *Graph) HasBlock(id BlockID) bool {
	if !id.Valid() || int(id.index) >= len(g.blocks) {
		return false
	}
	s := g.blocks[id.index]
	return s.gen == id.gen && s.b != nil
}

// Inst dereferences an instruction handle.
func (g *Graph) Inst(id ValueID) *Instruction {
	if !id.Valid() || int(id.index) >= len(g.values) {
		Violationf("invalid value handle %v", id)
	}
	s := g.values[id.index]
	if s.gen != id.gen || s.v == nil {
		Violationf("stale value handle %v", id)
	}
	return s.v
}

// HasInst reports whether id still refers to a live instruction.
func (g *Graph) HasInst(id ValueID) bool {
	if !id.Valid() || int(id.index) >= len(g.values) {
		return false
	}
	s := g.values[id.index]
	return s.gen == id.gen && s.v != nil
}

// Blocks returns the live blocks in allocation order.
func (g *Graph) Blocks() []BlockID {
	out := make([]BlockID, 0, len(g.blocks))
	for i, s := range g.blocks {
		if s.b != nil {
			out = append(out, BlockID{index: int32(i), gen: s.gen})
		}
	}
	return out
}

// NumBlockSlots bounds every block index, for dense per-block tables.
func (g *Graph) NumBlockSlots() int { return len(g.blocks) }

// NumValueSlots bounds every instruction index.
func (g *Graph) NumValueSlots() int { return len(g.values) }

// Loops returns every natural loop found by the last FindLoops.
func (g *Graph) Loops() []*Loop { return g.loops }

func (g *Graph) newInst(op Opcode, t Type, inputs []ValueID) *Instruction {
	id := ValueID{index: int32(len(g.values)), gen: 1}
	inst := &Instruction{
		id:       id,
		Op:       op,
		Type:     t,
		inputs:   append([]ValueID(nil), inputs...),
		Effects:  DefaultSideEffects(op, t),
		Nullable: t == Ref,
	}
	g.values = append(g.values, valueSlot{gen: 1, v: inst})
	for n, in := range inst.inputs {
		src := g.Inst(in)
		src.users = append(src.users, Use{User: id, Index: n})
	}
	return inst
}

func (g *Graph) killInst(inst *Instruction) {
	s := &g.values[inst.id.index]
	s.v = nil
	s.gen++
}

func (g *Graph) killBlock(b *Block) {
	s := &g.blocks[b.id.index]
	s.b = nil
	s.gen++
	g.domOK = false
}

// ValueNamed returns the live instruction with the given name, or NoValue.
func (g *Graph) ValueNamed(name string) ValueID {
	for _, s := range g.values {
		if s.v != nil && s.v.Name == name {
			return s.v.id
		}
	}
	return NoValue
}

// BlockNamed returns the live block with the given name, or NoBlock.
func (g *Graph) BlockNamed(name string) BlockID {
	for _, s := range g.blocks {
		if s.b != nil && s.b.Name == name {
			return s.b.id
		}
	}
	return NoBlock
}
