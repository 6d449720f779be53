// Package asm holds what the per-ISA encoders share: a code buffer with
// labels and fixups, deferred data placed after the code, and the
// assembled result handed to the linker and the unwind emitter.
package asm

import (
	"errors"
	"fmt"
)

// ErrBranchRange is returned when a label is too far from the
// instruction that refers to it.
var ErrBranchRange = errors.New("branch target out of range")

// PatchKind says how the linker rewrites a patch site.
type PatchKind uint8

const (
	// CallRelative is a direct call to another method.
	CallRelative PatchKind = iota
	// PCRelativeLoad loads a value addressed relative to the code.
	PCRelativeLoad
	// MethodAddress stores the absolute code address of a method.
	MethodAddress
)

func (k PatchKind) String() string {
	switch k {
	case CallRelative:
		return "call"
	case PCRelativeLoad:
		return "pcrel"
	case MethodAddress:
		return "address"
	}
	return fmt.Sprintf("patch%d", uint8(k))
}

// Patch is a site in a method's code the linker fills in once method
// offsets are known. Target is a method index.
type Patch struct {
	Kind   PatchKind
	Offset int
	Target int
	Addend int64
}

// CFIOp is a call-frame instruction recorded while encoding.
type CFIOp uint8

const (
	DefCFAOffset CFIOp = iota
	// SaveReg records that Reg is stored at CFA+Value.
	SaveReg
	Restore
	RememberState
	RestoreState
)

func (op CFIOp) String() string {
	return [...]string{"def_cfa_offset", "offset", "restore", "remember_state", "restore_state"}[op]
}

// CFIEvent is a call-frame change taking effect at code offset PC.
type CFIEvent struct {
	PC    int
	Op    CFIOp
	Reg   int
	Value int64
}

// Code is one assembled method.
type Code struct {
	Bytes   []byte
	Patches []Patch
	CFI     []CFIEvent
	// Literals and Tables count the constant pool entries and switch
	// tables placed after the instructions.
	Literals  int
	Tables    int
	FrameSize int64
}
