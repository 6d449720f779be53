// Package arm64 is the A64 backend.
package arm64

import (
	"fmt"

	a64 "github.com/raymyers/ralph-oat/pkg/asm/arm64"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/linker"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

func init() {
	codegen.Register(config.ARM64, func(f config.Features) codegen.Backend { return New(f) })
}

const (
	thread = 19
	ip0    = a64.IP0
	ip1    = a64.IP1
)

// Conventions returns the managed calling convention: arguments in x0-x7,
// the thread in x19, x16 and x17 reserved for the assembler.
func Conventions() *lir.Conventions {
	names := make([]string, 32)
	for i := 0; i < 31; i++ {
		names[i] = fmt.Sprintf("x%d", i)
	}
	names[31] = "sp"
	c := &lir.Conventions{
		ISA:             config.ARM64,
		WordSize:        8,
		NumRegs:         32,
		Names:           names,
		Args:            []lir.Reg{0, 1, 2, 3, 4, 5, 6, 7},
		Return:          0,
		Scratch:         []lir.Reg{ip0, ip1},
		SP:              31,
		ReturnAddress:   a64.LR,
		Thread:          thread,
		StackAlign:      16,
		OverflowReserve: 8192,
		LeafFrameLimit:  2048,
	}
	for r := lir.Reg(0); r <= 15; r++ {
		c.Allocatable = append(c.Allocatable, r)
	}
	for r := lir.Reg(20); r <= 28; r++ {
		c.Allocatable = append(c.Allocatable, r)
		c.CalleeSaved = append(c.CalleeSaved, r)
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

func (*Backend) ISA() config.ISA { return config.ARM64 }
func (b *Backend) Conventions() *lir.Conventions { return b.conv }
func (b *Backend) Select(g *ir.Graph) (*lir.Func, error) {
	return codegen.Select(g, b)
}

func (b *Backend) Patcher(cfg config.Linker) linker.RelativePatcher {
	return linker.NewARM64Patcher(cfg)
}

func fitsAddOrSub(v int64) bool {
	return a64.FitsAddImm(v) || (v != -v && a64.FitsAddImm(-v))
}

// Immediate follows the A64 immediate forms: 12-bit arithmetic
// immediates (negated when needed), bitmask logical immediates and shift
// amounts.
func (b *Backend) Immediate(op lir.Op, t ir.Type, v int64) bool {
	switch op {
	case lir.Add, lir.Sub, lir.Compare:
		return fitsAddOrSub(v)
	case lir.And, lir.Or, lir.Xor:
		_, _, _, ok := a64.EncodeBitmask(uint64(v), t.Is64())
		return ok
	case lir.Shl, lir.Shr, lir.UShr, lir.Ror:
		return v >= 0 && v < int64(t.Size())*8
	}
	return false
}

func (b *Backend) Inline(op ir.Opcode) bool {
	switch op {
	case ir.OpDiv, ir.OpRem:
		return true
	case ir.OpBitCount:
		return b.features.Popcnt
	}
	return false
}

func (*Backend) Check(*ir.Graph, *ir.Instruction) error { return nil }

func (b *Backend) Assemble(fn *lir.Func, frame *stacking.Frame) (*asm.Code, error) {
	a := newAssembler(fn, frame, b.conv)
	if err := a.run(); err != nil {
		return nil, err
	}
	return a.buf.Finish(a64.Resolve, 0)
}

// Bridge tail-calls the runtime with the method index in x16.
func (b *Backend) Bridge(method int) (*asm.Code, error) {
	buf := asm.NewBuffer()
	for _, w := range a64.MoveWide(false, ip0, int64(method)) {
		buf.Emit32(w)
	}
	ld, _ := a64.LdSt(a64.LdrX, ip1, thread, codegen.EntrypointOffset(codegen.Bridge, 8))
	buf.Emit32(ld)
	buf.Emit32(a64.Br(ip1))
	return buf.Finish(a64.Resolve, 0)
}
