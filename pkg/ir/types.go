// Package ir defines the graph intermediate representation consumed by the
// optimizing passes: SSA instructions grouped into basic blocks, with
// dominator and loop structure computed on demand.
//
// Blocks and instructions live in a per-method arena and are addressed by
// generation-tagged handles. Removing a node bumps its generation so stale
// handles are detected instead of silently reused.
package ir

import "fmt"

// Type is the result type of an instruction.
type Type uint8

const (
	Void Type = iota
	Bool
	Int8
	Uint16
	Int16
	Int32
	Int64
	Float32
	Float64
	Ref
	numTypes
)

var typeNames = [numTypes]string{
	Void:    "void",
	Bool:    "bool",
	Int8:    "i8",
	Uint16:  "u16",
	Int16:   "i16",
	Int32:   "i32",
	Int64:   "i64",
	Float32: "f32",
	Float64: "f64",
	Ref:     "ref",
}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a textual type name back to its Type.
func ParseType(s string) (Type, bool) {
	for i, n := range typeNames {
		if n == s {
			return Type(i), true
		}
	}
	return Void, false
}

// IsIntegral reports whether values of t live in general purpose registers
// as integers (booleans and references excluded).
func (t Type) IsIntegral() bool {
	switch t {
	case Int8, Uint16, Int16, Int32, Int64:
		return true
	}
	return false
}

// IsInt reports whether t is an integral type of at most 32 bits.
func (t Type) IsInt() bool {
	switch t {
	case Bool, Int8, Uint16, Int16, Int32:
		return true
	}
	return false
}

func (t Type) IsFloat() bool { return t == Float32 || t == Float64 }

// Is64 reports whether t needs a 64-bit register.
func (t Type) Is64() bool { return t == Int64 || t == Float64 }

// Size is the storage size in bytes; references are 32-bit heap references.
func (t Type) Size() int {
	switch t {
	case Bool, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Int32, Float32, Ref:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}
