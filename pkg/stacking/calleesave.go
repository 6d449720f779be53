package stacking

import (
	"sort"

	"github.com/raymyers/ralph-oat/pkg/lir"
)

// FindUsedCalleeSaveRegs returns, sorted, the callee-saved registers fn
// writes or reads after allocation.
func FindUsedCalleeSaveRegs(fn *lir.Func, c *lir.Conventions) []lir.Reg {
	used := make(map[lir.Reg]bool)
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			collectRegsFromInst(inst, used)
		}
	}
	var result []lir.Reg
	for reg := range used {
		if c.IsCalleeSaved(reg) {
			result = append(result, reg)
		}
	}
	sortRegs(result)
	return result
}

func collectRegsFromInst(inst *lir.Inst, used map[lir.Reg]bool) {
	if inst.Dst != lir.NoReg {
		used[inst.Dst] = true
	}
	for _, r := range inst.Dsts {
		used[r] = true
	}
	for _, r := range inst.Srcs {
		used[r] = true
	}
}

func sortRegs(regs []lir.Reg) {
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
}

// CalleeSaveInfo lists the registers the prologue saves, in store order,
// with each one's offset from the CFA.
type CalleeSaveInfo struct {
	Regs        []lir.Reg
	SaveOffsets []int64
}

// ComputeCalleeSaveInfo places the saved registers at the top of the
// frame, the first register lowest. The return address register, when
// saved, comes last so that it sits right below the CFA.
func ComputeCalleeSaveInfo(layout *FrameLayout, c *lir.Conventions, regs []lir.Reg) *CalleeSaveInfo {
	info := &CalleeSaveInfo{
		Regs:        regs,
		SaveOffsets: make([]int64, len(regs)),
	}
	word := int64(c.WordSize)
	top := int64(0)
	if returnAddressOnStack(c) {
		top = -word
	}
	for i := range regs {
		info.SaveOffsets[i] = top - int64(len(regs)-i)*word
	}
	return info
}

// PairRegs groups registers for stp/ldp. An odd list keeps its last
// register unpaired.
func PairRegs(regs []lir.Reg) [][]lir.Reg {
	var pairs [][]lir.Reg
	for i := 0; i < len(regs); i += 2 {
		if i+1 < len(regs) {
			pairs = append(pairs, []lir.Reg{regs[i], regs[i+1]})
		} else {
			pairs = append(pairs, []lir.Reg{regs[i]})
		}
	}
	return pairs
}
