package regalloc

import (
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// LivenessInfo holds per-block liveness, indexed by block.
type LivenessInfo struct {
	Def     []RegSet
	Use     []RegSet
	LiveIn  []RegSet
	LiveOut []RegSet
}

// tracked reports whether liveness follows r. Scratch registers and the
// stack pointer are managed outside allocation.
func tracked(c *lir.Conventions, r lir.Reg) bool {
	if r == lir.NoReg || r == c.SP {
		return false
	}
	for _, s := range c.Scratch {
		if r == s {
			return false
		}
	}
	return true
}

// computeDefUse finds, for every block, the registers it defines and the
// registers it reads before defining them.
func computeDefUse(fn *lir.Func, c *lir.Conventions, info *LivenessInfo) {
	for i, b := range fn.Blocks {
		def, use := NewRegSet(), NewRegSet()
		for _, inst := range b.Insts {
			for _, r := range inst.Uses() {
				if tracked(c, r) && !def.Contains(r) {
					use.Add(r)
				}
			}
			for _, r := range inst.Defs(c) {
				if tracked(c, r) {
					def.Add(r)
				}
			}
		}
		info.Def[i], info.Use[i] = def, use
	}
}

// AnalyzeLiveness solves the backward dataflow equations
//
//	LiveOut(b) = union of LiveIn(s) over successors s
//	LiveIn(b)  = Use(b) + (LiveOut(b) - Def(b))
//
// iterating blocks in reverse layout order until nothing changes.
func AnalyzeLiveness(fn *lir.Func, c *lir.Conventions) *LivenessInfo {
	n := len(fn.Blocks)
	info := &LivenessInfo{
		Def:     make([]RegSet, n),
		Use:     make([]RegSet, n),
		LiveIn:  make([]RegSet, n),
		LiveOut: make([]RegSet, n),
	}
	computeDefUse(fn, c, info)
	for i := range fn.Blocks {
		info.LiveIn[i] = info.Use[i].Copy()
		info.LiveOut[i] = NewRegSet()
	}
	for changed := true; changed; {
		changed = false
		for i := n - 1; i >= 0; i-- {
			b := fn.Blocks[i]
			out := info.LiveOut[i]
			for _, s := range b.Succs {
				if out.AddAll(info.LiveIn[s]) {
					changed = true
				}
			}
			for r := range out {
				if !info.Def[i].Contains(r) && !info.LiveIn[i].Contains(r) {
					info.LiveIn[i].Add(r)
					changed = true
				}
			}
		}
	}
	return info
}
