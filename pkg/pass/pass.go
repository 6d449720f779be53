// Package pass defines the optimization pass interface, the process-wide
// pass registry and the driver that runs an ordered pass list over a
// method graph.
package pass

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
)

// ErrUnknownPass is returned when a pass list names an unregistered pass.
var ErrUnknownPass = errors.New("unknown pass")

// Pass rewrites a graph in place.
type Pass interface {
	Name() string
	// Run reports whether the graph changed.
	Run(g *ir.Graph) bool
}

// Target describes what the passes are optimizing for.
type Target struct {
	ISA      config.ISA
	Features config.Features
}

// Factory creates a pass instance for a target.
type Factory func(Target) Pass

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a pass available by name. It is called from package init
// functions and panics on duplicate names.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("pass: %s registered twice", name))
	}
	registry[name] = f
}

func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists every registered pass in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Func adapts a function to the Pass interface.
type Func struct {
	PassName string
	Fn       func(g *ir.Graph) bool
}

func (f Func) Name() string         { return f.PassName }
func (f Func) Run(g *ir.Graph) bool { return f.Fn(g) }

// DefaultNames is the production pass order. Where two passes could
// rewrite the same pattern the earlier one wins.
func DefaultNames() []string {
	return []string{
		"dead_blocks",
		"instruction_simplifier",
		"select_simplifier",
		"redundant_phi",
		"dead_phi",
		"nullability",
		"gvn",
		"induction_bce",
		"arch_simplifier",
		"gvn_after_arch",
		"dead_blocks_final",
	}
}

// Select resolves the configured pass names: the explicit list or the
// default order, minus disabled passes.
func Select(p config.Passes) []string {
	names := p.List
	if len(names) == 0 {
		names = DefaultNames()
	}
	disabled := map[string]bool{}
	for _, d := range p.Disabled {
		disabled[d] = true
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !disabled[n] {
			out = append(out, n)
		}
	}
	return out
}
