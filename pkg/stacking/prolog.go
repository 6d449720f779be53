package stacking

import (
	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// StepKind is one prologue or epilogue action. The assembler of each ISA
// encodes steps; stacking decides their order and operands.
type StepKind uint8

const (
	// StepProbe touches the stack Offset bytes below SP.
	StepProbe StepKind = iota
	// StepPush and StepPop transfer Regs; a pop with Returns also
	// returns (pop {..., pc}).
	StepPush
	StepPop
	// StepAdjust adds Offset to SP.
	StepAdjust
	// StepStore and StepLoad move one register or a pair at SP+Offset.
	StepStore
	StepLoad
	StepReturn
	// StepCFI emits no code, only its events.
	StepCFI
)

// Step is one frame action with the call-frame events that take effect
// right after it.
type Step struct {
	Kind    StepKind
	Regs    []lir.Reg
	Offset  int64
	Returns bool
	CFI     []asm.CFIEvent
}

func cfa(offset int64) asm.CFIEvent {
	return asm.CFIEvent{Op: asm.DefCFAOffset, Value: offset}
}

func saved(r lir.Reg, off int64) asm.CFIEvent {
	return asm.CFIEvent{Op: asm.SaveReg, Reg: int(r), Value: off}
}

func restored(r lir.Reg) asm.CFIEvent {
	return asm.CFIEvent{Op: asm.Restore, Reg: int(r)}
}

// GeneratePrologue builds the steps that set up the frame.
//
//	arm64:  probe; sub sp, #F; stp/str saves (LR last)
//	thumb2: probe; push {saves, lr}; sub sp, #A
//	amd64:  probe; push saves; sub rsp, #A
func GeneratePrologue(c *lir.Conventions, layout *FrameLayout, cs *CalleeSaveInfo, probe bool) []Step {
	var steps []Step
	if probe {
		steps = append(steps, Step{Kind: StepProbe, Offset: int64(c.OverflowReserve)})
	}
	base := int64(0)
	if returnAddressOnStack(c) {
		base = int64(c.WordSize)
	}
	switch c.ISA {
	case config.Thumb2:
		if len(cs.Regs) > 0 {
			st := Step{Kind: StepPush, Regs: cs.Regs, CFI: []asm.CFIEvent{cfa(layout.PushSize)}}
			for i, r := range cs.Regs {
				st.CFI = append(st.CFI, saved(r, cs.SaveOffsets[i]))
			}
			steps = append(steps, st)
		}
	case config.AMD64:
		pushed := base
		for i := len(cs.Regs) - 1; i >= 0; i-- {
			pushed += int64(c.WordSize)
			steps = append(steps, Step{
				Kind: StepPush,
				Regs: []lir.Reg{cs.Regs[i]},
				CFI:  []asm.CFIEvent{cfa(pushed), saved(cs.Regs[i], cs.SaveOffsets[i])},
			})
		}
	}
	if layout.AdjustSize > 0 {
		steps = append(steps, Step{
			Kind:   StepAdjust,
			Offset: -layout.AdjustSize,
			CFI:    []asm.CFIEvent{cfa(layout.TotalSize)},
		})
	}
	if !pushesSaves(c.ISA) {
		i := 0
		for _, pair := range PairRegs(cs.Regs) {
			st := Step{Kind: StepStore, Regs: pair, Offset: layout.TotalSize + cs.SaveOffsets[i]}
			for _, r := range pair {
				st.CFI = append(st.CFI, saved(r, cs.SaveOffsets[i]))
				i++
			}
			steps = append(steps, st)
		}
	}
	return steps
}

// GenerateEpilogue builds the steps that tear the frame down and return.
// The unwind state is remembered before and restored after, so code
// following an early return unwinds with the full frame.
func GenerateEpilogue(c *lir.Conventions, layout *FrameLayout, cs *CalleeSaveInfo) []Step {
	var steps []Step
	if layout.TotalSize == 0 || (returnAddressOnStack(c) && layout.TotalSize == int64(c.WordSize)) {
		return []Step{{Kind: StepReturn}}
	}
	steps = append(steps, Step{Kind: StepCFI, CFI: []asm.CFIEvent{{Op: asm.RememberState}}})
	if !pushesSaves(c.ISA) {
		i := 0
		for _, pair := range PairRegs(cs.Regs) {
			st := Step{Kind: StepLoad, Regs: pair, Offset: layout.TotalSize + cs.SaveOffsets[i]}
			for _, r := range pair {
				st.CFI = append(st.CFI, restored(r))
				i++
			}
			steps = append(steps, st)
		}
	}
	base := int64(0)
	if returnAddressOnStack(c) {
		base = int64(c.WordSize)
	}
	if layout.AdjustSize > 0 {
		steps = append(steps, Step{
			Kind:   StepAdjust,
			Offset: layout.AdjustSize,
			CFI:    []asm.CFIEvent{cfa(base + layout.PushSize)},
		})
	}
	done := asm.CFIEvent{Op: asm.RestoreState}
	switch c.ISA {
	case config.Thumb2:
		regs, returns := popList(c, cs.Regs)
		if returns {
			return append(steps, Step{Kind: StepPop, Regs: regs, Returns: true, CFI: []asm.CFIEvent{done}})
		}
		if len(regs) > 0 {
			st := Step{Kind: StepPop, Regs: regs, CFI: []asm.CFIEvent{cfa(0)}}
			for _, r := range regs {
				st.CFI = append(st.CFI, restored(r))
			}
			steps = append(steps, st)
		}
	case config.AMD64:
		pushed := base + layout.PushSize
		for _, r := range cs.Regs {
			pushed -= int64(c.WordSize)
			steps = append(steps, Step{
				Kind: StepPop,
				Regs: []lir.Reg{r},
				CFI:  []asm.CFIEvent{cfa(pushed), restored(r)},
			})
		}
	}
	return append(steps, Step{Kind: StepReturn, CFI: []asm.CFIEvent{done}})
}

// popList drops the link register from the saved list; when it was saved
// the pop loads it straight into pc.
func popList(c *lir.Conventions, regs []lir.Reg) ([]lir.Reg, bool) {
	var out []lir.Reg
	returns := false
	for _, r := range regs {
		if r == c.ReturnAddress {
			returns = true
			continue
		}
		out = append(out, r)
	}
	return out, returns
}
