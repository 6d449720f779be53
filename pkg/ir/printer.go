package ir

import (
	"fmt"
	"io"
	"strings"
)

// Printer writes graphs in the textual IR format read by package irtext.
type Printer struct {
	w io.Writer
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Fprint writes g to w.
func Fprint(w io.Writer, g *Graph) {
	NewPrinter(w).PrintGraph(g)
}

// String renders g in textual form.
func (g *Graph) String() string {
	var sb strings.Builder
	Fprint(&sb, g)
	return sb.String()
}

// namer hands out unique textual names, preferring the ones recorded on
// the nodes.
type namer struct {
	used   map[string]bool
	values map[ValueID]string
	blocks map[BlockID]string
}

func newNamer() *namer {
	return &namer{used: map[string]bool{}, values: map[ValueID]string{}, blocks: map[BlockID]string{}}
}

func (n *namer) unique(base string) string {
	name := base
	for k := 2; n.used[name]; k++ {
		name = fmt.Sprintf("%s.%d", base, k)
	}
	n.used[name] = true
	return name
}

func (n *namer) value(inst *Instruction) string {
	if s, ok := n.values[inst.id]; ok {
		return s
	}
	base := inst.Name
	if base == "" {
		base = fmt.Sprintf("v%d", inst.id.index)
	}
	s := "%" + n.unique(base)
	n.values[inst.id] = s
	return s
}

func (n *namer) block(b *Block) string {
	if s, ok := n.blocks[b.id]; ok {
		return s
	}
	base := b.Name
	if base == "" {
		base = fmt.Sprintf("b%d", b.id.index)
	}
	s := n.unique("@" + base)
	n.blocks[b.id] = s
	return s
}

// PrintGraph prints one method. Blocks appear in allocation order, the
// exit block is implicit.
func (p *Printer) PrintGraph(g *Graph) {
	nm := newNamer()
	fmt.Fprintf(p.w, "method %s(", g.Name)
	for i, id := range g.Params {
		if i > 0 {
			fmt.Fprint(p.w, ", ")
		}
		param := g.Inst(id)
		fmt.Fprintf(p.w, "%s: %s", nm.value(param), param.Type)
		if param.Type == Ref && !param.Nullable {
			fmt.Fprint(p.w, " nonnull")
		}
	}
	fmt.Fprint(p.w, ")")
	if g.ReturnType != Void {
		fmt.Fprintf(p.w, ": %s", g.ReturnType)
	}
	fmt.Fprintln(p.w, " {")

	for _, id := range g.Blocks() {
		if id == g.Exit {
			continue
		}
		b := g.Block(id)
		fmt.Fprint(p.w, nm.block(b))
		if b.Catch {
			fmt.Fprint(p.w, " catch")
		}
		fmt.Fprintln(p.w, ":")
		for _, v := range b.phis {
			p.printPhi(g, nm, b, g.Inst(v))
		}
		for _, v := range b.insts {
			inst := g.Inst(v)
			if inst.Op == OpParam {
				continue
			}
			p.printInst(g, nm, b, inst)
		}
	}
	fmt.Fprintln(p.w, "}")
}

func typeSuffix(inst *Instruction) string {
	if inst.Type == Void || (inst.Op.IsCompare() && inst.Type == Bool) {
		return ""
	}
	return "." + inst.Type.String()
}

func (p *Printer) printPhi(g *Graph, nm *namer, b *Block, phi *Instruction) {
	fmt.Fprintf(p.w, "  %s = phi%s", nm.value(phi), typeSuffix(phi))
	for i, in := range phi.inputs {
		sep := ","
		if i == 0 {
			sep = ""
		}
		pred := "@none"
		if i < len(b.preds) {
			pred = nm.block(g.Block(b.preds[i]))
		}
		fmt.Fprintf(p.w, "%s [%s, %s]", sep, nm.value(g.Inst(in)), pred)
	}
	fmt.Fprintln(p.w)
}

func (p *Printer) printInst(g *Graph, nm *namer, b *Block, inst *Instruction) {
	fmt.Fprint(p.w, "  ")
	if inst.HasResult() {
		fmt.Fprintf(p.w, "%s = ", nm.value(inst))
	}
	fmt.Fprint(p.w, inst.Op, typeSuffix(inst))
	var ops []string
	for _, in := range inst.inputs {
		ops = append(ops, nm.value(g.Inst(in)))
	}
	if inst.Op.HasAux() {
		ops = append(ops, fmt.Sprintf("#%d", inst.Aux))
	}
	for _, x := range inst.Payload {
		ops = append(ops, fmt.Sprintf("#%d", x))
	}
	if inst.Op.IsControlFlow() && inst.Op != OpReturn && inst.Op != OpThrow {
		for _, s := range b.succs {
			ops = append(ops, nm.block(g.Block(s)))
		}
	}
	if len(ops) > 0 {
		fmt.Fprint(p.w, " ", strings.Join(ops, ", "))
	}
	fmt.Fprintln(p.w)
}
