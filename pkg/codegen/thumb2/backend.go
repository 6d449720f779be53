// Package thumb2 is the 32-bit ARM backend. Code runs in Thumb state and
// values are at most 32 bits wide.
package thumb2

import (
	"fmt"

	t2 "github.com/raymyers/ralph-oat/pkg/asm/thumb2"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/linker"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

func init() {
	codegen.Register(config.Thumb2, func(f config.Features) codegen.Backend { return New(f) })
}

const thread = 9

// Conventions returns the managed calling convention: arguments in r0-r3,
// the thread in r9 and ip reserved for the assembler.
func Conventions() *lir.Conventions {
	names := make([]string, 16)
	for i := 0; i < 12; i++ {
		names[i] = fmt.Sprintf("r%d", i)
	}
	copy(names[12:], []string{"ip", "sp", "lr", "pc"})
	c := &lir.Conventions{
		ISA:             config.Thumb2,
		WordSize:        4,
		NumRegs:         16,
		Names:           names,
		Allocatable:     []lir.Reg{0, 1, 2, 3, 4, 5, 6, 7, 8, 10, 11},
		CalleeSaved:     []lir.Reg{4, 5, 6, 7, 8, 10, 11},
		Args:            []lir.Reg{0, 1, 2, 3},
		Return:          0,
		Scratch:         []lir.Reg{t2.IP},
		SP:              t2.SP,
		ReturnAddress:   t2.LR,
		Thread:          thread,
		StackAlign:      8,
		OverflowReserve: 8192,
		LeafFrameLimit:  2048,
	}
	return c.Init()
}

type Backend struct {
	features config.Features
	conv     *lir.Conventions
}

func New(f config.Features) *Backend {
	return &Backend{features: f, conv: Conventions()}
}

func (*Backend) ISA() config.ISA { return config.Thumb2 }
func (b *Backend) Conventions() *lir.Conventions { return b.conv }
func (b *Backend) Select(g *ir.Graph) (*lir.Func, error) {
	return codegen.Select(g, b)
}

func (b *Backend) Patcher(cfg config.Linker) linker.RelativePatcher {
	return linker.NewThumb2Patcher(cfg)
}

func expandable(v int64) bool {
	_, ok := t2.ExpandImm(uint32(v))
	return ok
}

func (b *Backend) Immediate(op lir.Op, t ir.Type, v int64) bool {
	switch op {
	case lir.Add, lir.Sub:
		return v > -4096 && v < 4096
	case lir.Compare:
		return expandable(v) || expandable(-v)
	case lir.And, lir.Or, lir.Xor:
		return expandable(v)
	case lir.Shl, lir.Shr, lir.UShr, lir.Ror:
		return v >= 0 && v < 32
	}
	return false
}

// Inline reports hardware division only when the core has it.
func (b *Backend) Inline(op ir.Opcode) bool {
	switch op {
	case ir.OpDiv, ir.OpRem:
		return b.features.Divide
	}
	return false
}

// Check rejects 64-bit values, which need register pairs.
func (*Backend) Check(g *ir.Graph, inst *ir.Instruction) error {
	if inst.Type.Is64() {
		return codegen.Unsupportedf("%s: 64-bit %s", g.Name, inst.Op)
	}
	for _, in := range inst.Inputs() {
		if g.Inst(in).Type.Is64() {
			return codegen.Unsupportedf("%s: 64-bit operand of %s", g.Name, inst.Op)
		}
	}
	return nil
}

func (b *Backend) Assemble(fn *lir.Func, frame *stacking.Frame) (*asm.Code, error) {
	a := newAssembler(fn, frame, b.conv)
	if err := a.run(); err != nil {
		return nil, err
	}
	return a.buf.Finish(t2.Resolve, 0)
}

// Bridge loads the method index into ip and jumps through the thread's
// bridge entrypoint.
func (b *Backend) Bridge(method int) (*asm.Code, error) {
	buf := asm.NewBuffer()
	for _, i := range t2.MoveConst(t2.IP, uint32(method)) {
		t2.Emit(buf, i)
	}
	ld, _ := t2.LdSt(t2.Ldr, t2.PC, thread, codegen.EntrypointOffset(codegen.Bridge, 4))
	t2.Emit(buf, ld)
	return buf.Finish(t2.Resolve, 0)
}
