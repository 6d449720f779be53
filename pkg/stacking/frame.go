package stacking

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

var log = commonlog.GetLogger("ralph-oat.stacking")

// ErrFrameTooLarge is returned when a slot offset would not fit the
// ISA's load/store immediate.
var ErrFrameTooLarge = errors.New("frame too large")

// Frame is the finished activation record of one method.
type Frame struct {
	Layout     *FrameLayout
	CalleeSave *CalleeSaveInfo
	Leaf       bool
	Probe      bool
	Prologue   []Step
	Epilogue   []Step
}

// Size is the distance from SP to the CFA inside the method body.
func (f *Frame) Size() int64 { return f.Layout.TotalSize }

func maxFrame(isa config.ISA) int64 {
	switch isa {
	case config.ARM64:
		return 4095 * 4
	case config.Thumb2:
		return 4095
	}
	return 1<<31 - 1
}

// Layout computes the frame of an allocated function, rewrites its
// frame-slot operands into SP-relative loads and stores and marks where
// the prologue and epilogues go.
func Layout(fn *lir.Func, c *lir.Conventions) (*Frame, error) {
	leaf := fn.IsLeaf()
	regs := FindUsedCalleeSaveRegs(fn, c)
	if !leaf && c.ReturnAddress != lir.NoReg {
		regs = append(regs, c.ReturnAddress)
	}
	layout := ComputeLayout(fn, c, len(regs))
	if top := layout.IncomingSlotOffset(fn.InArgs, c.WordSize); top > maxFrame(c.ISA) {
		return nil, fmt.Errorf("%s: %w (%d bytes)", fn.Name, ErrFrameTooLarge, top)
	}
	cs := ComputeCalleeSaveInfo(layout, c, regs)
	probe := !(leaf && layout.TotalSize < int64(c.LeafFrameLimit))
	f := &Frame{
		Layout:     layout,
		CalleeSave: cs,
		Leaf:       leaf,
		Probe:      probe,
		Prologue:   GeneratePrologue(c, layout, cs, probe),
		Epilogue:   GenerateEpilogue(c, layout, cs),
	}
	rewriteSlots(fn, c, layout)
	log.Debugf("%s: frame %d bytes, %d saves, probe=%t", fn.Name, layout.TotalSize, len(regs), probe)
	return f, nil
}

func wordType(c *lir.Conventions) ir.Type {
	if c.WordSize == 8 {
		return ir.Int64
	}
	return ir.Int32
}

// rewriteSlots turns spill slots and argument slots into stack accesses
// at concrete offsets, then inserts Enter at the entry and Leave before
// every return.
func rewriteSlots(fn *lir.Func, c *lir.Conventions, layout *FrameLayout) {
	word := c.WordSize
	for _, b := range fn.Blocks {
		var out []*lir.Inst
		for _, inst := range b.Insts {
			switch inst.Op {
			case lir.Spill:
				inst.Op, inst.Imm, inst.Type = lir.StoreStack, layout.SpillSlotOffset(inst.Slot, word), wordType(c)
			case lir.Fill:
				inst.Op, inst.Imm, inst.Type = lir.LoadStack, layout.SpillSlotOffset(inst.Slot, word), wordType(c)
			case lir.LoadArg:
				inst.Op, inst.Imm = lir.LoadStack, layout.IncomingSlotOffset(int(inst.Imm), word)
			case lir.StoreArg:
				inst.Op, inst.Imm = lir.StoreStack, layout.OutgoingSlotOffset(int(inst.Imm), word)
			case lir.Return:
				out = append(out, lir.NewInst(lir.Leave, 0, lir.NoReg))
			}
			if inst.Type == 0 && (inst.Op == lir.LoadStack || inst.Op == lir.StoreStack) {
				inst.Type = wordType(c)
			}
			out = append(out, inst)
		}
		b.Insts = out
	}
	if len(fn.Blocks) > 0 {
		entry := fn.Blocks[0]
		entry.Insts = append([]*lir.Inst{lir.NewInst(lir.Enter, 0, lir.NoReg)}, entry.Insts...)
	}
}
