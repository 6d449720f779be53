package pass

import (
	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/ir"
)

var log = commonlog.GetLogger("ralph-oat.pass")

// Bisect limits optimization to narrow down a miscompiled method or
// pass. Methods before MethodLimit run every pass, method MethodLimit runs
// the first PassLimit passes and later methods run none. A negative
// MethodLimit disables bisection; a negative PassLimit lets the limit
// method run all passes.
type Bisect struct {
	MethodLimit int
	PassLimit   int
}

// NoBisect runs every pass on every method.
var NoBisect = Bisect{MethodLimit: -1, PassLimit: -1}

// Allows reports whether pass number passIndex may run on method number
// method.
func (b Bisect) Allows(method, passIndex int) bool {
	switch {
	case b.MethodLimit < 0 || method < b.MethodLimit:
		return true
	case method == b.MethodLimit:
		return b.PassLimit < 0 || passIndex < b.PassLimit
	}
	return false
}

// Report summarizes one method's run.
type Report struct {
	// Ran counts the passes executed.
	Ran int
	// Changed names the passes that modified the graph, in run order.
	Changed []string
}

// Driver runs a pass list over method graphs. A Driver holds no mutable
// state and may be shared between goroutines.
type Driver struct {
	List   *List
	Bisect Bisect
	// Verify checks the graph after every pass. A violation panics with
	// *ir.InvariantError naming the pass.
	Verify bool
}

// Run applies the passes to g, the graph of method number method.
func (d *Driver) Run(method int, g *ir.Graph) Report {
	var r Report
	for i := 0; i < d.List.Len(); i++ {
		if !d.Bisect.Allows(method, i) {
			log.Debugf("bisect: skipping %s and later passes on %s", d.List.names[i], g.Name)
			break
		}
		p := d.List.At(i)
		r.Ran++
		if p.Run(g) {
			r.Changed = append(r.Changed, p.Name())
			log.Debugf("%s changed %s", p.Name(), g.Name)
		}
		if d.Verify {
			ir.MustCheck(g, p.Name())
		}
	}
	return r
}
