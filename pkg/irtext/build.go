package irtext

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/raymyers/ralph-oat/pkg/ir"
)

// Parse reads every method in src. Method indices follow their order in
// the text.
func Parse(name, src string) ([]*ir.Graph, error) {
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}
	file, err := parser.ParseString(name, src)
	if err != nil {
		return nil, err
	}
	graphs := make([]*ir.Graph, 0, len(file.Methods))
	for i, m := range file.Methods {
		g, err := build(m)
		if err != nil {
			return nil, err
		}
		g.Method = i
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// ParseFile reads the methods of a textual IR file.
func ParseFile(path string) ([]*ir.Graph, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(path, string(source))
}

// MustParse parses a single method and panics on error. It is meant for
// tests and fixed inputs.
func MustParse(src string) *ir.Graph {
	graphs, err := Parse("<inline>", src)
	if err != nil {
		panic(err)
	}
	if len(graphs) != 1 {
		panic(fmt.Sprintf("irtext: expected one method, got %d", len(graphs)))
	}
	return graphs[0]
}

type pendingInst struct {
	src  *Inst
	inst *ir.Instruction
}

type builder struct {
	g      *ir.Graph
	values map[string]ir.ValueID
	blocks map[string]ir.BlockID
	insts  []pendingInst
}

func build(m *Method) (g *ir.Graph, err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := ir.AsInvariantError(r)
			if !ok {
				panic(r)
			}
			err = participle.Errorf(m.Pos, "%s", ie.Msg)
		}
	}()
	b := &builder{
		g:      ir.NewGraph(strings.Join(m.Name, ".")),
		values: map[string]ir.ValueID{},
		blocks: map[string]ir.BlockID{},
	}
	if err := b.declare(m); err != nil {
		return nil, err
	}
	if err := b.define(m); err != nil {
		return nil, err
	}
	if err := b.link(); err != nil {
		return nil, err
	}
	if err := ir.Check(b.g); err != nil {
		return nil, participle.Errorf(m.Pos, "%s", err)
	}
	return b.g, nil
}

func parseType(pos lexer.Position, s string) (ir.Type, error) {
	t, ok := ir.ParseType(s)
	if !ok {
		return ir.Void, participle.Errorf(pos, "unknown type %q", s)
	}
	return t, nil
}

// declare creates the parameters and one block per label.
func (b *builder) declare(m *Method) error {
	g := b.g
	if m.Returns != "" {
		t, err := parseType(m.Pos, m.Returns)
		if err != nil {
			return err
		}
		g.ReturnType = t
	}
	for _, p := range m.Params {
		t, err := parseType(p.Pos, p.Type)
		if err != nil {
			return err
		}
		if _, dup := b.values[p.Name]; dup {
			return participle.Errorf(p.Pos, "duplicate value %s", p.Name)
		}
		b.values[p.Name] = g.AddParam(p.Name[1:], t, p.NonNull).ID()
	}
	if len(m.Blocks) == 0 {
		return participle.Errorf(m.Pos, "method %s has no blocks", g.Name)
	}
	for i, blk := range m.Blocks {
		if _, dup := b.blocks[blk.Label]; dup {
			return participle.Errorf(blk.Pos, "duplicate label %s", blk.Label)
		}
		var id ir.BlockID
		if i == 0 {
			id = g.Entry
			g.Block(id).Name = blk.Label[1:]
		} else {
			id = g.NewBlock(blk.Label[1:]).ID()
		}
		g.Block(id).Catch = blk.Catch
		b.blocks[blk.Label] = id
	}
	return nil
}

// define creates every instruction without inputs so forward references
// resolve in link.
func (b *builder) define(m *Method) error {
	g := b.g
	for _, blk := range m.Blocks {
		id := b.blocks[blk.Label]
		for _, src := range blk.Insts {
			op, ok := ir.ParseOpcode(src.Op)
			if !ok || op == ir.OpParam {
				return participle.Errorf(src.Pos, "unknown opcode %q", src.Op)
			}
			t := ir.Void
			if op.IsCompare() {
				t = ir.Bool
			}
			if src.Type != "" {
				var err error
				if t, err = parseType(src.Pos, src.Type); err != nil {
					return err
				}
			}
			var inst *ir.Instruction
			if op == ir.OpPhi {
				inst = g.AddPhi(id, t)
			} else {
				inst = g.Append(id, op, t)
			}
			if err := b.immediates(src, inst); err != nil {
				return err
			}
			if src.Result != "" {
				if _, dup := b.values[src.Result]; dup {
					return participle.Errorf(src.Pos, "duplicate value %s", src.Result)
				}
				b.values[src.Result] = inst.ID()
				inst.Name = src.Result[1:]
			} else if inst.HasResult() && t != ir.Void {
				return participle.Errorf(src.Pos, "%s defines a value but has no name", src.Op)
			}
			b.insts = append(b.insts, pendingInst{src: src, inst: inst})
		}
	}
	return nil
}

func (b *builder) immediates(src *Inst, inst *ir.Instruction) error {
	var imms []int64
	for _, o := range src.Operands {
		if o.Imm == "" {
			continue
		}
		v, err := strconv.ParseInt(o.Imm[1:], 0, 64)
		if err != nil {
			return participle.Errorf(o.Pos, "bad immediate %s: %v", o.Imm, err)
		}
		imms = append(imms, v)
	}
	if len(imms) == 0 {
		if inst.Op.HasAux() && inst.Op != ir.OpFillArray {
			return participle.Errorf(src.Pos, "%s needs an immediate", src.Op)
		}
		return nil
	}
	if !inst.Op.HasAux() {
		return participle.Errorf(src.Pos, "%s takes no immediate", src.Op)
	}
	inst.Aux = imms[0]
	if len(imms) > 1 {
		if inst.Op != ir.OpFillArray {
			return participle.Errorf(src.Pos, "%s takes a single immediate", src.Op)
		}
		inst.Payload = imms[1:]
	}
	return nil
}

func (b *builder) value(pos lexer.Position, name string) (ir.ValueID, error) {
	id, ok := b.values[name]
	if !ok {
		return ir.NoValue, participle.Errorf(pos, "undefined value %s", name)
	}
	return id, nil
}

func (b *builder) label(pos lexer.Position, name string) (ir.BlockID, error) {
	id, ok := b.blocks[name]
	if !ok {
		return ir.NoBlock, participle.Errorf(pos, "undefined label %s", name)
	}
	return id, nil
}

// link wires value inputs and control-flow edges, then orders phi inputs
// by predecessor.
func (b *builder) link() error {
	g := b.g
	var phis []pendingInst
	for _, p := range b.insts {
		inst := p.inst
		if inst.Op == ir.OpPhi {
			phis = append(phis, p)
			continue
		}
		for _, o := range p.src.Operands {
			switch {
			case o.Value != "":
				v, err := b.value(o.Pos, o.Value)
				if err != nil {
					return err
				}
				g.AddInput(inst.ID(), v)
			case o.Phi != nil:
				return participle.Errorf(o.Pos, "phi operand on %s", inst.Op)
			}
		}
		if !inst.Op.IsControlFlow() {
			if hasLabel(p.src) {
				return participle.Errorf(p.src.Pos, "%s takes no labels", inst.Op)
			}
			continue
		}
		blk := g.Block(inst.Block())
		if blk.Last() != inst.ID() {
			return participle.Errorf(p.src.Pos, "%s must end its block", inst.Op)
		}
		switch inst.Op {
		case ir.OpReturn, ir.OpThrow:
			g.AddEdge(blk.ID(), g.Exit)
			continue
		}
		for _, o := range p.src.Operands {
			if o.Label == "" {
				continue
			}
			s, err := b.label(o.Pos, o.Label)
			if err != nil {
				return err
			}
			if s == g.Entry {
				return participle.Errorf(o.Pos, "branch to entry block %s", o.Label)
			}
			g.AddEdge(blk.ID(), s)
		}
	}
	for _, p := range phis {
		if err := b.linkPhi(p); err != nil {
			return err
		}
	}
	return nil
}

func hasLabel(src *Inst) bool {
	for _, o := range src.Operands {
		if o.Label != "" {
			return true
		}
	}
	return false
}

func (b *builder) linkPhi(p pendingInst) error {
	g := b.g
	blk := g.Block(p.inst.Block())
	var args []*PhiArg
	for _, o := range p.src.Operands {
		if o.Phi == nil {
			return participle.Errorf(o.Pos, "phi operands are [%%value, @pred] pairs")
		}
		args = append(args, o.Phi)
	}
	if len(args) != len(blk.Preds()) {
		return participle.Errorf(p.src.Pos, "phi has %d inputs but the block has %d predecessors", len(args), len(blk.Preds()))
	}
	used := make([]bool, len(args))
	for _, pred := range blk.Preds() {
		found := false
		for i, a := range args {
			if used[i] || b.blocks[a.Label] != pred {
				continue
			}
			v, err := b.value(a.Pos, a.Value)
			if err != nil {
				return err
			}
			g.AddInput(p.inst.ID(), v)
			used[i] = true
			found = true
			break
		}
		if !found {
			return participle.Errorf(p.src.Pos, "phi has no input for predecessor @%s", g.Block(pred).Name)
		}
	}
	return nil
}
