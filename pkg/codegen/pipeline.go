package codegen

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/regalloc"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

var log = commonlog.GetLogger("ralph-oat.codegen")

// Method is one compiled method with what was built on the way.
type Method struct {
	Code  *asm.Code
	Frame *stacking.Frame
	Alloc *regalloc.Result
	// LIR is the function as assembled, in physical registers.
	LIR *lir.Func
}

// Generate runs selection, register allocation, frame layout and
// encoding for one graph.
func Generate(b Backend, g *ir.Graph) (*Method, error) {
	fn, err := b.Select(g)
	if err != nil {
		return nil, err
	}
	conv := b.Conventions()
	alloc, err := regalloc.Allocate(fn, conv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}
	frame, err := stacking.Layout(fn, conv)
	if err != nil {
		return nil, err
	}
	code, err := b.Assemble(fn, frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}
	code.FrameSize = frame.Size()
	log.Debugf("%s: %d bytes, frame %d, %d spills", g.Name, len(code.Bytes), frame.Size(), alloc.Spilled)
	return &Method{Code: code, Frame: frame, Alloc: alloc, LIR: fn}, nil
}
