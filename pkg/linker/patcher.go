// Package linker lays compiled methods out into one code image, resolves
// the calls between them and inserts thunks where a call cannot reach its
// target directly.
package linker

import (
	"errors"
	"fmt"

	"github.com/raymyers/ralph-oat/pkg/asm"
)

// Patch is a site the linker rewrites; see asm.Patch.
type Patch = asm.Patch

const (
	CallRelative   = asm.CallRelative
	PCRelativeLoad = asm.PCRelativeLoad
	MethodAddress  = asm.MethodAddress
)

var (
	// ErrUnknownTarget is returned for a patch naming a method that is not
	// part of the link.
	ErrUnknownTarget = errors.New("unknown patch target")
	// ErrOutOfRange is returned when a patch site cannot reach its target
	// and no thunk can be placed for it.
	ErrOutOfRange = errors.New("patch target out of range")
)

// Method is the input for one compiled method.
type Method struct {
	Ref     int
	Code    []byte
	Patches []Patch
}

// Strategy selects how thunks are placed.
type Strategy uint8

const (
	// Fixpoint lays out, patches and adds thunks until nothing changes.
	Fixpoint Strategy = iota
	// ReserveShrink reserves thunk space after every method with calls,
	// decides which calls need it and lays out once more without the
	// unused space.
	ReserveShrink
)

func (s Strategy) String() string {
	if s == ReserveShrink {
		return "reserve-shrink"
	}
	return "fixpoint"
}

// RelativePatcher knows one instruction set's call and address encodings.
// Offsets passed to it are image offsets; code offsets include CodeDelta.
type RelativePatcher interface {
	// Alignment of method and thunk start offsets.
	Alignment() int
	// CodeDelta is added to a code offset to form its entry address
	// (the thumb bit).
	CodeDelta() int64
	// PCBias is the distance from a call site to the address its
	// displacement is measured from.
	PCBias() int64
	MaxPositiveDisplacement() int64
	MaxNegativeDisplacement() int64
	ThunkSize() int
	// ThunkCode returns a thunk placed at from that jumps to to.
	ThunkCode(from, to int64) []byte
	PatchCall(code []byte, literalOffset int, patchOffset, targetOffset int64) error
	PatchPCRelative(code []byte, literalOffset int, patchOffset, targetOffset int64) error
	// ReuseWindow bounds the distance from a call site to a thunk it may
	// share with other calls to the same target.
	ReuseWindow() int64
	Strategy() Strategy
}

// InRange reports whether a call at site reaches target directly.
func InRange(p RelativePatcher, site, target int64) bool {
	disp := target - p.CodeDelta() - (site + p.PCBias())
	return disp <= p.MaxPositiveDisplacement() && -disp <= p.MaxNegativeDisplacement()
}

func rangeError(site, target int64) error {
	return fmt.Errorf("%w: %#x -> %#x", ErrOutOfRange, site, target)
}

// MethodOffsetMap maps method refs to the image offsets of their entry
// points, CodeDelta included.
type MethodOffsetMap map[int]int64

func (m MethodOffsetMap) Get(ref int) (int64, bool) {
	off, ok := m[ref]
	return off, ok
}
