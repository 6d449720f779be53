package regalloc

import (
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// rewriteSpills gives every spilled register a frame slot and replaces
// each occurrence with a fresh short-lived register: filled from the slot
// before a use and spilled to it after a definition.
func rewriteSpills(fn *lir.Func, spilled RegSet) {
	slots := make(map[lir.Reg]int)
	for _, r := range spilled.Slice() {
		slots[r] = fn.Slots
		fn.Slots++
	}
	for _, b := range fn.Blocks {
		var out []*lir.Inst
		for _, inst := range b.Insts {
			var before, after []*lir.Inst
			fills := make(map[lir.Reg]lir.Reg)
			for k, r := range inst.Srcs {
				slot, ok := slots[r]
				if !ok {
					continue
				}
				tmp, seen := fills[r]
				if !seen {
					tmp = fn.NewReg()
					fn.NoSpill[tmp] = true
					fills[r] = tmp
					fill := lir.NewInst(lir.Fill, 0, tmp)
					fill.Slot = slot
					before = append(before, fill)
				}
				inst.Srcs[k] = tmp
			}
			spillDef := func(r lir.Reg) lir.Reg {
				slot, ok := slots[r]
				if !ok {
					return r
				}
				tmp := fn.NewReg()
				fn.NoSpill[tmp] = true
				st := lir.NewInst(lir.Spill, 0, lir.NoReg, tmp)
				st.Slot = slot
				after = append(after, st)
				return tmp
			}
			if inst.Dst != lir.NoReg {
				inst.Dst = spillDef(inst.Dst)
			}
			for k, r := range inst.Dsts {
				inst.Dsts[k] = spillDef(r)
			}
			out = append(out, before...)
			out = append(out, inst)
			out = append(out, after...)
		}
		b.Insts = out
	}
}
