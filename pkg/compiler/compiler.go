// Package compiler drives a compilation unit: every method runs through
// the pass list and a backend in parallel, methods that cannot be
// compiled become bridges into the runtime, and the results are linked
// into one image with its unwind section.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/cfi"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/linker"
	"github.com/raymyers/ralph-oat/pkg/pass"
	"github.com/raymyers/ralph-oat/pkg/stacking"
)

var log = commonlog.GetLogger("ralph-oat.compiler")

// MethodResult describes one method in the linked image.
type MethodResult struct {
	Ref    int
	Name   string
	Offset int64
	Size   int
	// Patches are relative to the method start.
	Patches []asm.Patch
	// Fallback is set when the method was replaced by a bridge; Reason
	// says why.
	Fallback bool
	Reason   string
	Passes   pass.Report
}

// Stats counts what a unit did.
type Stats struct {
	Compiled int64
	Fallback int64
	Thunks   int64
	Bytes    int64
}

type Result struct {
	Image      []byte
	Methods    []MethodResult
	Thunks     []linker.Thunk
	DebugFrame []byte
	Stats      Stats
}

// Hooks observe a compilation. They are called from worker goroutines,
// possibly at the same time for different methods.
type Hooks struct {
	// Optimized sees each graph after the pass list ran.
	Optimized func(g *ir.Graph)
	// Generated sees each method the backend compiled.
	Generated func(g *ir.Graph, m *codegen.Method)
	// Finished is called once per method before linking, compiled or
	// bridged.
	Finished func(g *ir.Graph, fallback bool)
}

// Unit compiles methods for one configuration. The pass list and the
// backend are built up front and shared read-only by the workers.
type Unit struct {
	Hooks Hooks

	cfg     *config.Config
	backend codegen.Backend
	driver  *pass.Driver

	compiled atomic.Int64
	fallback atomic.Int64
	thunks   atomic.Int64
	bytes    atomic.Int64
}

// New prepares a unit for cfg.
func New(cfg *config.Config) (*Unit, error) {
	backend, err := codegen.New(cfg.Target)
	if err != nil {
		return nil, err
	}
	target := pass.Target{ISA: cfg.Target.ISA, Features: cfg.Target.Features}
	list, err := pass.NewList(target, pass.Select(cfg.Passes))
	if err != nil {
		return nil, err
	}
	bisect := pass.Bisect{MethodLimit: cfg.Debug.Bisect.Method, PassLimit: cfg.Debug.Bisect.Pass}
	if bisect.MethodLimit >= 0 {
		log.Noticef("bisecting: method %d, pass limit %d", bisect.MethodLimit, bisect.PassLimit)
	}
	return &Unit{
		cfg:     cfg,
		backend: backend,
		driver:  &pass.Driver{List: list, Bisect: bisect, Verify: cfg.Debug.Verify},
	}, nil
}

func (u *Unit) Backend() codegen.Backend { return u.backend }

// Passes names the passes each method runs, in order.
func (u *Unit) Passes() []string { return u.driver.List.Names() }

func (u *Unit) Stats() Stats {
	return Stats{
		Compiled: u.compiled.Load(),
		Fallback: u.fallback.Load(),
		Thunks:   u.thunks.Load(),
		Bytes:    u.bytes.Load(),
	}
}

type compiledMethod struct {
	code     *asm.Code
	fallback bool
	reason   string
	report   pass.Report
}

// Compile optimizes and compiles graphs, then links them in input order.
// Each graph's Method is its reference for calls; bisection counts by
// position in graphs.
func (u *Unit) Compile(ctx context.Context, graphs []*ir.Graph) (*Result, error) {
	out := make([]*compiledMethod, len(graphs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(u.cfg.Jobs, 1))
	for i, g := range graphs {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := u.compileMethod(i, g)
			if err != nil {
				return err
			}
			out[i] = m
			if u.Hooks.Finished != nil {
				u.Hooks.Finished(g, m.fallback)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return u.link(graphs, out)
}

// compileMethod runs graph number index to machine code. An invariant
// violation, a runtime fault in a pass or a shape the backend declines
// yields a bridge instead.
func (u *Unit) compileMethod(index int, g *ir.Graph) (m *compiledMethod, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if u.cfg.Debug.FailFast {
			panic(r)
		}
		var cause error
		if ie, ok := ir.AsInvariantError(r); ok {
			if ie.Method == "" {
				ie.Method = g.Name
			}
			cause = ie
		} else if re, ok := r.(runtime.Error); ok {
			cause = fmt.Errorf("internal error: %w", re)
		} else {
			panic(r)
		}
		m, err = u.bridge(g, cause, pass.Report{})
	}()

	if u.cfg.Debug.Verify {
		ir.MustCheck(g, "input")
	}
	report := u.driver.Run(index, g)
	if u.Hooks.Optimized != nil {
		u.Hooks.Optimized(g)
	}
	method, err := codegen.Generate(u.backend, g)
	if err != nil {
		if !fallsBack(err) {
			return nil, fmt.Errorf("%s: %w", g.Name, err)
		}
		return u.bridge(g, err, report)
	}
	if u.Hooks.Generated != nil {
		u.Hooks.Generated(g, method)
	}
	u.compiled.Add(1)
	return &compiledMethod{code: method.Code, report: report}, nil
}

// fallsBack reports whether a codegen error is handled by bridging the
// method rather than failing the unit.
func fallsBack(err error) bool {
	return errors.Is(err, codegen.ErrUnsupported) ||
		errors.Is(err, stacking.ErrFrameTooLarge) ||
		errors.Is(err, asm.ErrBranchRange)
}

func (u *Unit) bridge(g *ir.Graph, cause error, report pass.Report) (*compiledMethod, error) {
	log.Warningf("%s: using runtime bridge: %s", g.Name, cause)
	code, err := u.backend.Bridge(g.Method)
	if err != nil {
		return nil, fmt.Errorf("%s: bridge: %w", g.Name, err)
	}
	u.fallback.Add(1)
	return &compiledMethod{code: code, fallback: true, reason: cause.Error(), report: report}, nil
}

func (u *Unit) link(graphs []*ir.Graph, compiled []*compiledMethod) (*Result, error) {
	methods := make([]linker.Method, len(graphs))
	for i, g := range graphs {
		c := compiled[i]
		methods[i] = linker.Method{Ref: g.Method, Code: c.code.Bytes, Patches: c.code.Patches}
	}
	linked, err := linker.Link(methods, u.backend.Patcher(u.cfg.Linker), u.cfg.Linker)
	if err != nil {
		return nil, err
	}
	u.thunks.Add(int64(len(linked.Thunks)))
	u.bytes.Add(int64(len(linked.Image)))

	frames, err := cfi.New(u.cfg.Target.ISA)
	if err != nil {
		return nil, err
	}
	res := &Result{Image: linked.Image, Thunks: linked.Thunks}
	for i, g := range graphs {
		c, place := compiled[i], linked.Methods[i]
		mr := MethodResult{
			Ref:      g.Method,
			Name:     g.Name,
			Offset:   place.Offset,
			Size:     place.Size,
			Patches:  c.code.Patches,
			Fallback: c.fallback,
			Reason:   c.reason,
			Passes:   c.report,
		}
		if err := frames.Add(u.cfg.Linker.ImageBase+uint64(place.Offset), place.Size, c.code.CFI); err != nil {
			return nil, fmt.Errorf("%s: %w", g.Name, err)
		}
		res.Methods = append(res.Methods, mr)
	}
	res.DebugFrame = frames.Bytes()
	res.Stats = u.Stats()
	log.Infof("%d methods compiled, %d bridged, %d thunks, %d bytes",
		res.Stats.Compiled, res.Stats.Fallback, res.Stats.Thunks, res.Stats.Bytes)
	return res, nil
}
