// Package codegen turns optimized graphs into machine code. It defines the
// contract every instruction set backend implements, keeps the registry
// backends add themselves to, and holds the instruction selector they
// share.
package codegen

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/linker"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

// ErrUnsupported is returned for an instruction shape a backend has no
// lowering for. The method is then compiled as a bridge to the runtime.
var ErrUnsupported = errors.New("unsupported by backend")

// Unsupportedf wraps ErrUnsupported with a description.
func Unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

// Backend compiles for one instruction set.
type Backend interface {
	ISA() config.ISA
	Conventions() *lir.Conventions
	// Select lowers a graph into low-level instructions over virtual
	// registers.
	Select(g *ir.Graph) (*lir.Func, error)
	// Assemble encodes an allocated function framed by stacking.
	Assemble(fn *lir.Func, frame *stacking.Frame) (*asm.Code, error)
	// Bridge returns a stub that enters the runtime to run method.
	Bridge(method int) (*asm.Code, error)
	Patcher(cfg config.Linker) linker.RelativePatcher
}

// Factory builds a backend for a feature set.
type Factory func(f config.Features) Backend

var (
	backendsMu sync.RWMutex
	backends   = make(map[config.ISA]Factory)
)

// Register makes a backend available. Backends register from init, and a
// second registration for the same ISA panics.
func Register(isa config.ISA, f Factory) {
	if f == nil {
		panic("codegen: backend factory must be non-nil")
	}
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, exists := backends[isa]; exists {
		panic(fmt.Sprintf("codegen: backend for %s already registered", isa))
	}
	backends[isa] = f
}

// Lookup returns the factory registered for isa.
func Lookup(isa config.ISA) (Factory, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	if f, ok := backends[isa]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("codegen: no backend registered for %q: %w", isa, config.ErrUnknownISA)
}

// New builds the backend for a target.
func New(t config.Target) (Backend, error) {
	f, err := Lookup(t.ISA)
	if err != nil {
		return nil, err
	}
	return f(t.Features), nil
}

// Registered lists the ISAs with a backend, sorted.
func Registered() []config.ISA {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]config.ISA, 0, len(backends))
	for isa := range backends {
		out = append(out, isa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
