package lir

import (
	"fmt"
	"io"
	"strings"
)

// Fprint writes a readable listing of f. Physical registers are named
// through c when it is not nil.
func Fprint(w io.Writer, f *Func, c *Conventions) {
	name := func(r Reg) string {
		if c != nil {
			return c.RegName(r)
		}
		return r.String()
	}
	fmt.Fprintf(w, "func %s:\n", f.Name)
	for _, b := range f.Blocks {
		fmt.Fprintf(w, "B%d:", b.Index)
		if b.Name != "" {
			fmt.Fprintf(w, " ; %s", b.Name)
		}
		fmt.Fprintln(w)
		for _, inst := range b.Insts {
			fmt.Fprintf(w, "  %s\n", format(inst, name))
		}
	}
}

func format(i *Inst, name func(Reg) string) string {
	var sb strings.Builder
	if i.Op == ParMove {
		sb.WriteString("pmov ")
		for k := range i.Dsts {
			if k > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s<-%s", name(i.Dsts[k]), name(i.Srcs[k]))
		}
		return sb.String()
	}
	if i.Dst != NoReg {
		fmt.Fprintf(&sb, "%s = ", name(i.Dst))
	}
	sb.WriteString(i.Op.String())
	if i.Type != 0 {
		fmt.Fprintf(&sb, ".%s", i.Type)
	}
	switch i.Op {
	case Compare, CondBranch, Select:
		fmt.Fprintf(&sb, ".%s", i.Cond)
	}
	var ops []string
	for _, r := range i.Srcs {
		ops = append(ops, name(r))
	}
	if i.HasImm || i.Op == LoadConst || i.Op == Call || i.Op == CallRuntime ||
		i.Op == Load || i.Op == Store || i.Op == LoadThread || i.Op == LoadArg || i.Op == StoreArg {
		ops = append(ops, fmt.Sprintf("#%d", i.Imm))
	}
	switch i.Op {
	case Spill, Fill:
		ops = append(ops, fmt.Sprintf("[slot %d]", i.Slot))
	case ShiftOp, MulAcc, Extend, LoadIndexed, StoreIndexed:
		ops = append(ops, fmt.Sprintf("aux=%d", i.Aux))
	}
	for _, t := range i.Targets {
		ops = append(ops, fmt.Sprintf("B%d", t))
	}
	if len(ops) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(ops, ", "))
	}
	return sb.String()
}
