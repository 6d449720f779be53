// Package archsimp fuses instruction patterns into the compound forms an
// instruction set offers: multiply-accumulate, data processing with a
// shifted or extended operand, and precomputed array base addresses.
package archsimp

import (
	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

var log = commonlog.GetLogger("ralph-oat.archsimp")

func init() {
	pass.Register("arch_simplifier", func(t pass.Target) pass.Pass { return New(t.ISA) })
}

// rules lists what one instruction set can fuse.
type rules struct {
	// mulAcc accepts the result types of multiply-accumulate.
	mulAcc func(ir.Type) bool
	// mulNeg allows -(a*b) as a multiply-subtract from zero.
	mulNeg bool
	// shifter accepts the result types of shifted-operand forms.
	shifter func(ir.Type) bool
	// extension allows a sign-extended int operand on long add/sub.
	extension    bool
	arrayAddress bool
}

func intOrLong(t ir.Type) bool { return t == ir.Int32 || t == ir.Int64 }
func intOnly(t ir.Type) bool   { return t == ir.Int32 }

var isaRules = map[config.ISA]*rules{
	config.ARM64: {
		mulAcc:       intOrLong,
		mulNeg:       true,
		shifter:      intOrLong,
		extension:    true,
		arrayAddress: true,
	},
	config.Thumb2: {
		mulAcc:  intOnly,
		shifter: intOnly,
	},
}

// Simplifier is the architecture-specific rewrite pass. For instruction
// sets without fused forms it changes nothing.
type Simplifier struct {
	isa   config.ISA
	rules *rules
}

func New(isa config.ISA) *Simplifier {
	return &Simplifier{isa: isa, rules: isaRules[isa]}
}

func (*Simplifier) Name() string { return "arch_simplifier" }

func (s *Simplifier) Run(g *ir.Graph) bool {
	if s.rules == nil {
		return false
	}
	n := 0
	for _, bid := range g.ReversePostOrder() {
		for _, id := range append([]ir.ValueID(nil), g.Block(bid).Insts()...) {
			if !g.HasInst(id) {
				continue
			}
			if s.visit(g, g.Inst(id)) {
				n++
			}
		}
	}
	if n > 0 {
		log.Debugf("%s: %d %s rewrites", g.Name, n, s.isa)
	}
	return n > 0
}

func (s *Simplifier) visit(g *ir.Graph, inst *ir.Instruction) bool {
	switch inst.Op {
	case ir.OpMul:
		return s.tryMulAcc(g, inst)
	case ir.OpShl, ir.OpShr, ir.OpUShr, ir.OpConv:
		return s.tryMergeIntoUsers(g, inst)
	case ir.OpAGet, ir.OpASet:
		if s.rules.arrayAddress {
			return tryArrayAddress(g, inst)
		}
	}
	return false
}

// quietBetween reports whether no instruction strictly between a and b,
// both in the same block, has side effects.
func quietBetween(g *ir.Graph, a, b *ir.Instruction) bool {
	insts := g.Block(a.Block()).Insts()
	inside := false
	for _, id := range insts {
		switch {
		case id == a.ID():
			inside = true
		case id == b.ID():
			return inside
		case inside && !g.Inst(id).Effects.DoesNothing():
			return false
		}
	}
	return false
}

func isConst(g *ir.Graph, id ir.ValueID, want int64) bool {
	c, ok := g.Inst(id).IsConstant()
	return ok && c == want
}
