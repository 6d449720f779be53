package asm

import (
	"encoding/binary"
	"fmt"
)

// Label names a code position. Labels are created unbound and bound once
// their position is known.
type Label int

// NoLabel marks a fixup measured from its own site rather than from a
// base label.
const NoLabel Label = -1

// FixupKind is defined by each encoder.
type FixupKind uint8

// Fixup is a reference to a label that is resolved after all code and
// data are placed.
type Fixup struct {
	At    int
	Kind  FixupKind
	Label Label
	// Base, when set, makes the distance relative to another label, as in
	// switch tables.
	Base Label
}

// Resolver writes the distance of one fixup into code. dist is the
// label position minus the site (or minus Base when present).
type Resolver func(code []byte, f Fixup, dist int) error

type literalKey struct {
	v    uint64
	size int
}

type deferred struct {
	label Label
	align int
	emit  func(b *Buffer)
}

// Buffer accumulates little-endian machine code.
type Buffer struct {
	code     []byte
	labels   []int
	fixups   []Fixup
	data     []deferred
	literals map[literalKey]Label
	patches  []Patch
	cfi      []CFIEvent
	nlit     int
	ntab     int
}

func NewBuffer() *Buffer {
	return &Buffer{literals: make(map[literalKey]Label)}
}

// Len is the current code offset.
func (b *Buffer) Len() int { return len(b.code) }

// Bytes returns the code emitted so far.
func (b *Buffer) Bytes() []byte { return b.code }

func (b *Buffer) Emit8(v uint8) { b.code = append(b.code, v) }

func (b *Buffer) Emit16(v uint16) { b.code = binary.LittleEndian.AppendUint16(b.code, v) }

func (b *Buffer) Emit32(v uint32) { b.code = binary.LittleEndian.AppendUint32(b.code, v) }

func (b *Buffer) Emit64(v uint64) { b.code = binary.LittleEndian.AppendUint64(b.code, v) }

func (b *Buffer) EmitBytes(p ...byte) { b.code = append(b.code, p...) }

// Put32 overwrites four bytes at off.
func (b *Buffer) Put32(off int, v uint32) { binary.LittleEndian.PutUint32(b.code[off:], v) }

// Align pads with fill bytes up to a multiple of n.
func (b *Buffer) Align(n int, fill byte) {
	for len(b.code)%n != 0 {
		b.code = append(b.code, fill)
	}
}

func (b *Buffer) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind places l at the current offset.
func (b *Buffer) Bind(l Label) {
	if b.labels[l] >= 0 {
		panic(fmt.Sprintf("asm: label %d bound twice", l))
	}
	b.labels[l] = len(b.code)
}

// Pos returns the offset of a bound label, or -1.
func (b *Buffer) Pos(l Label) int { return b.labels[l] }

// Fix records a fixup of kind k at offset at referring to l.
func (b *Buffer) Fix(at int, k FixupKind, l Label) {
	b.fixups = append(b.fixups, Fixup{At: at, Kind: k, Label: l, Base: NoLabel})
}

// FixRelative records a fixup whose distance is measured from base.
func (b *Buffer) FixRelative(at int, k FixupKind, l, base Label) {
	b.fixups = append(b.fixups, Fixup{At: at, Kind: k, Label: l, Base: base})
}

// Defer queues data to be emitted after the code, aligned to align, and
// returns the label bound at its start.
func (b *Buffer) Defer(align int, emit func(b *Buffer)) Label {
	l := b.NewLabel()
	b.data = append(b.data, deferred{label: l, align: align, emit: emit})
	return l
}

// Literal returns the label of a pooled constant; equal values share one
// entry.
func (b *Buffer) Literal(v uint64, size int) Label {
	if size == 4 {
		v = uint64(uint32(v))
	}
	key := literalKey{v, size}
	if l, ok := b.literals[key]; ok {
		return l
	}
	b.nlit++
	l := b.Defer(size, func(b *Buffer) {
		if size == 4 {
			b.Emit32(uint32(v))
		} else {
			b.Emit64(v)
		}
	})
	b.literals[key] = l
	return l
}

// Table queues a switch table.
func (b *Buffer) Table(align int, emit func(b *Buffer)) Label {
	b.ntab++
	return b.Defer(align, emit)
}

// BindTable binds l at a switch table emitted in line with the code.
func (b *Buffer) BindTable(l Label) {
	b.ntab++
	b.Bind(l)
}

// Patch records a linker patch at the current offset plus delta.
func (b *Buffer) Patch(kind PatchKind, delta int, target int, addend int64) {
	b.patches = append(b.patches, Patch{Kind: kind, Offset: len(b.code) + delta, Target: target, Addend: addend})
}

// CFI records a call-frame event at the current offset.
func (b *Buffer) CFI(op CFIOp, reg int, value int64) {
	b.cfi = append(b.cfi, CFIEvent{PC: len(b.code), Op: op, Reg: reg, Value: value})
}

// Finish emits deferred data, resolves every fixup and returns the
// assembled code. Deferred data is laid out in request order.
func (b *Buffer) Finish(resolve Resolver, fill byte) (*Code, error) {
	for _, d := range b.data {
		b.Align(d.align, fill)
		b.Bind(d.label)
		d.emit(b)
	}
	b.data = nil
	for _, f := range b.fixups {
		target := b.labels[f.Label]
		if target < 0 {
			return nil, fmt.Errorf("asm: unbound label %d at %#x", f.Label, f.At)
		}
		from := f.At
		if f.Base != NoLabel {
			from = b.labels[f.Base]
		}
		if err := resolve(b.code, f, target-from); err != nil {
			return nil, fmt.Errorf("fixup at %#x: %w", f.At, err)
		}
	}
	return &Code{
		Bytes:    b.code,
		Patches:  b.patches,
		CFI:      b.cfi,
		Literals: b.nlit,
		Tables:   b.ntab,
	}, nil
}

// FitsSigned reports whether v fits in a signed field of the given width.
func FitsSigned(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}
