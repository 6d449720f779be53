package linker

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/btree"
	"github.com/tliron/commonlog"

	"github.com/raymyers/ralph-oat/pkg/config"
)

var log = commonlog.GetLogger("ralph-oat.linker")

// Thunk is a branch island placed right after the method at index After
// (input order) that forwards to the method Target.
type Thunk struct {
	Offset int64
	Target int
	After  int
}

// Placement is where one method landed.
type Placement struct {
	Ref    int
	Offset int64
	Size   int
}

// Result is a linked image.
type Result struct {
	Image   []byte
	Methods []Placement
	Offsets MethodOffsetMap
	Thunks  []Thunk
}

// thunkKey orders thunks by target, then by position.
type thunkKey struct {
	target int
	offset int64
}

func lessThunk(a, b thunkKey) bool {
	if a.target != b.target {
		return a.target < b.target
	}
	return a.offset < b.offset
}

type linker struct {
	methods []Method
	p       RelativePatcher
	byRef   map[int]int

	// thunks[i] lists the targets of the thunks following method i, in
	// placement order; reserved[i] keeps room for that many thunks.
	thunks   [][]int
	reserved []int

	offsets      []int64
	thunkOffsets [][]int64
	slotOffsets  [][]int64
	size         int64
	index        *btree.BTreeG[thunkKey]
}

// Link places methods in input order and resolves their patches. The
// result depends only on the input order.
func Link(methods []Method, p RelativePatcher, cfg config.Linker) (*Result, error) {
	l := &linker{
		methods:      methods,
		p:            p,
		byRef:        make(map[int]int, len(methods)),
		thunks:       make([][]int, len(methods)),
		reserved:     make([]int, len(methods)),
		offsets:      make([]int64, len(methods)),
		thunkOffsets: make([][]int64, len(methods)),
		slotOffsets:  make([][]int64, len(methods)),
	}
	for i, m := range methods {
		if _, dup := l.byRef[m.Ref]; dup {
			return nil, fmt.Errorf("method %d linked twice", m.Ref)
		}
		l.byRef[m.Ref] = i
	}
	for _, m := range methods {
		for _, patch := range m.Patches {
			if _, ok := l.byRef[patch.Target]; !ok {
				return nil, fmt.Errorf("method %d: %w %d", m.Ref, ErrUnknownTarget, patch.Target)
			}
		}
	}

	switch p.Strategy() {
	case ReserveShrink:
		l.reserveShrink()
	default:
		if err := l.fixpoint(); err != nil {
			return nil, err
		}
	}
	res, err := l.emit(cfg)
	if err != nil {
		return nil, err
	}
	log.Debugf("linked %d methods, %d thunks, %d bytes (%s)", len(methods), len(res.Thunks), len(res.Image), p.Strategy())
	return res, nil
}

func alignUp(n int64, align int) int64 {
	a := int64(align)
	return (n + a - 1) / a * a
}

// layout assigns offsets to methods, thunks and reserved thunk slots, and
// indexes the placed thunks.
func (l *linker) layout() {
	align := l.p.Alignment()
	off := int64(0)
	l.index = btree.NewG[thunkKey](8, lessThunk)
	for i, m := range l.methods {
		off = alignUp(off, align)
		l.offsets[i] = off
		off += int64(len(m.Code))
		l.thunkOffsets[i] = l.thunkOffsets[i][:0]
		l.slotOffsets[i] = l.slotOffsets[i][:0]
		n := max(len(l.thunks[i]), l.reserved[i])
		for k := 0; k < n; k++ {
			off = alignUp(off, align)
			l.slotOffsets[i] = append(l.slotOffsets[i], off)
			if k < len(l.thunks[i]) {
				l.thunkOffsets[i] = append(l.thunkOffsets[i], off)
				l.index.ReplaceOrInsert(thunkKey{l.thunks[i][k], off})
			}
			off += int64(l.p.ThunkSize())
		}
	}
	l.size = off
}

func (l *linker) entry(ref int) int64 {
	return l.offsets[l.byRef[ref]] + l.p.CodeDelta()
}

// destination picks where the call at site in method i should branch:
// the target itself, a thunk after method i, or another method's thunk
// within the reuse window.
func (l *linker) destination(i int, site int64, ref int) (int64, bool) {
	target := l.entry(ref)
	if InRange(l.p, site, target) {
		return target, true
	}
	delta := l.p.CodeDelta()
	for k, t := range l.thunks[i] {
		if t == ref && k < len(l.thunkOffsets[i]) && InRange(l.p, site, l.thunkOffsets[i][k]+delta) {
			return l.thunkOffsets[i][k] + delta, true
		}
	}
	w := l.p.ReuseWindow()
	found := int64(-1)
	l.index.AscendRange(thunkKey{ref, site - w}, thunkKey{ref, site + w + 1}, func(k thunkKey) bool {
		if InRange(l.p, site, k.offset+delta) {
			found = k.offset + delta
			return false
		}
		return true
	})
	return found, found >= 0
}

func (l *linker) hasThunk(i, ref int) bool {
	for _, t := range l.thunks[i] {
		if t == ref {
			return true
		}
	}
	return false
}

// decide adds thunks after methods whose calls cannot reach their target.
// When place is set, new thunks take the next reserved slot and are
// indexed at once; otherwise decide stops after the first new thunk.
func (l *linker) decide(place bool) bool {
	changed := false
	for i, m := range l.methods {
		for _, patch := range m.Patches {
			if patch.Kind != CallRelative {
				continue
			}
			site := l.offsets[i] + int64(patch.Offset)
			if _, ok := l.destination(i, site, patch.Target); ok || l.hasThunk(i, patch.Target) {
				continue
			}
			k := len(l.thunks[i])
			l.thunks[i] = append(l.thunks[i], patch.Target)
			if !place {
				// Lay out again before the next decision so later calls
				// see this thunk at its real position.
				return true
			}
			if k < len(l.slotOffsets[i]) {
				off := l.slotOffsets[i][k]
				l.thunkOffsets[i] = append(l.thunkOffsets[i], off)
				l.index.ReplaceOrInsert(thunkKey{patch.Target, off})
			}
			changed = true
		}
	}
	return changed
}

func (l *linker) fixpoint() error {
	limit := 2
	for _, m := range l.methods {
		limit += len(m.Patches)
	}
	for round := 0; ; round++ {
		if round > limit {
			return fmt.Errorf("linker: thunk placement did not converge")
		}
		l.layout()
		if !l.decide(false) {
			return nil
		}
	}
}

// reserveShrink reserves one slot per distinct callee after every method
// with calls, decides against that layout, then drops the unused slots.
// Dropping space only shortens distances, so every decision stays valid.
func (l *linker) reserveShrink() {
	for i, m := range l.methods {
		seen := make(map[int]bool)
		for _, patch := range m.Patches {
			if patch.Kind == CallRelative && !seen[patch.Target] {
				seen[patch.Target] = true
				l.reserved[i]++
			}
		}
	}
	l.layout()
	l.decide(true)
	for i := range l.reserved {
		l.reserved[i] = 0
	}
	l.layout()
}

func (l *linker) emit(cfg config.Linker) (*Result, error) {
	image := make([]byte, l.size)
	res := &Result{Image: image, Offsets: make(MethodOffsetMap, len(l.methods))}
	delta := l.p.CodeDelta()
	for i, m := range l.methods {
		copy(image[l.offsets[i]:], m.Code)
		res.Methods = append(res.Methods, Placement{Ref: m.Ref, Offset: l.offsets[i], Size: len(m.Code)})
		res.Offsets[m.Ref] = l.offsets[i] + delta
		for k, off := range l.thunkOffsets[i] {
			copy(image[off:], l.p.ThunkCode(off, l.entry(l.thunks[i][k])))
			res.Thunks = append(res.Thunks, Thunk{Offset: off, Target: l.thunks[i][k], After: i})
		}
	}
	for i, m := range l.methods {
		code := image[l.offsets[i] : l.offsets[i]+int64(len(m.Code))]
		for _, patch := range m.Patches {
			site := l.offsets[i] + int64(patch.Offset)
			var err error
			switch patch.Kind {
			case CallRelative:
				dest, ok := l.destination(i, site, patch.Target)
				if !ok {
					return nil, fmt.Errorf("method %d: %w", m.Ref, rangeError(site, l.entry(patch.Target)))
				}
				err = l.p.PatchCall(code, patch.Offset, site, dest)
			case PCRelativeLoad:
				err = l.p.PatchPCRelative(code, patch.Offset, site, l.entry(patch.Target)+patch.Addend)
			case MethodAddress:
				addr := cfg.ImageBase + uint64(l.entry(patch.Target)+patch.Addend)
				if addr > math.MaxUint32 {
					err = fmt.Errorf("%w: address %#x does not fit 32 bits", ErrOutOfRange, addr)
					break
				}
				binary.LittleEndian.PutUint32(code[patch.Offset:], uint32(addr))
			}
			if err != nil {
				return nil, fmt.Errorf("method %d: %w", m.Ref, err)
			}
		}
	}
	return res, nil
}
