package archsimp

import (
	"github.com/raymyers/ralph-oat/pkg/ir"
)

func componentSize(t ir.Type) int {
	switch t {
	case ir.Bool, ir.Int8:
		return 1
	case ir.Int16, ir.Uint16:
		return 2
	case ir.Int64, ir.Float64:
		return 8
	}
	return 4
}

// DataOffset is the offset of element 0 from the array reference: an
// 8-byte object header and a 4-byte length, padded for 8-byte elements.
func DataOffset(size int) int64 {
	if size == 8 {
		return 16
	}
	return 12
}

// tryArrayAddress splits the base address computation out of an array
// access with a variable index so value numbering can share it.
func tryArrayAddress(g *ir.Graph, access *ir.Instruction) bool {
	index := g.Inst(access.Input(1))
	if _, ok := index.IsConstant(); ok {
		return false
	}
	if index.Op == ir.OpBoundsCheck {
		if _, ok := g.Inst(index.Input(0)).IsConstant(); ok {
			return false
		}
	}
	// Reference stores need a runtime type check.
	if access.Op == ir.OpASet && access.Type == ir.Ref {
		return false
	}
	if g.Inst(access.Input(0)).Op == ir.OpIntermediateAddress {
		return false
	}
	addr := g.InsertBefore(access.ID(), ir.OpIntermediateAddress, ir.Ref, access.Input(0))
	addr.Aux = DataOffset(componentSize(access.Type))
	// Nothing that may move objects can come between the two.
	addr.Effects = ir.DependsOnGC()
	access.Effects = access.Effects.Union(ir.DependsOnGC())
	g.ReplaceInput(access.ID(), 0, addr.ID())
	return true
}
