// Package amd64 is the x86-64 backend. The runtime thread is reached
// through gs, calls push their return address, and r11, rcx and rdx are
// kept out of allocation for division, shifts and the assembler.
package amd64

import (
	x86 "github.com/raymyers/ralph-oat/pkg/asm/amd64"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/linker"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

func init() {
	codegen.Register(config.AMD64, func(f config.Features) codegen.Backend { return New(f) })
}

var regNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func Conventions() *lir.Conventions {
	c := &lir.Conventions{
		ISA:      config.AMD64,
		WordSize: 8,
		NumRegs:  16,
		Names:    regNames,
		Allocatable: []lir.Reg{
			x86.RAX, x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R10,
			x86.RBX, x86.RBP, x86.R12, x86.R13, x86.R14, x86.R15,
		},
		CalleeSaved:     []lir.Reg{x86.RBX, x86.RBP, x86.R12, x86.R13, x86.R14, x86.R15},
		Args:            []lir.Reg{x86.RDI, x86.RSI, x86.R8, x86.R9, x86.R10},
		Return:          x86.RAX,
		Scratch:         []lir.Reg{x86.R11, x86.RCX, x86.RDX},
		SP:              x86.RSP,
		ReturnAddress:   lir.NoReg,
		Thread:          lir.NoReg,
		StackAlign:      16,
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

func (*Backend) ISA() config.ISA { return config.AMD64 }
func (b *Backend) Conventions() *lir.Conventions { return b.conv }

func (b *Backend) Select(g *ir.Graph) (*lir.Func, error) {
	return codegen.Select(g, b)
}

func (b *Backend) Patcher(cfg config.Linker) linker.RelativePatcher {
	return linker.NewAMD64Patcher(cfg)
}

func fitsImm32(v int64) bool { return v >= -1<<31 && v < 1<<31 }

// Immediate accepts sign-extended 32-bit operands; shift counts must be
// below the operand width.
func (b *Backend) Immediate(op lir.Op, t ir.Type, v int64) bool {
	switch op {
	case lir.Add, lir.Sub, lir.Mul, lir.And, lir.Or, lir.Xor, lir.Compare:
		return fitsImm32(v)
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
	return a.buf.Finish(x86.Resolve, 0xcc)
}

// Bridge passes the method index in r11 and jumps through the thread's
// bridge entrypoint.
func (b *Backend) Bridge(method int) (*asm.Code, error) {
	buf := asm.NewBuffer()
	x86.MovImm(buf, true, x86.R11, int64(method))
	x86.JmpMem(buf, x86.GS(int32(codegen.EntrypointOffset(codegen.Bridge, 8))))
	return buf.Finish(x86.Resolve, 0xcc)
}
