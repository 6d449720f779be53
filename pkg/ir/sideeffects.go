package ir

import (
	"fmt"
	"strings"
)

// SideEffects describes which memory an instruction may read or write.
//
// Writes occupy the low bits, one bit per (kind, type) pair; reads use the
// same layout shifted by readShift so that a dependency check is a single
// shift-and-mask.
type SideEffects uint64

const (
	fieldBase  = 0
	arrayBase  = int(numTypes)
	changeBits = 2 * int(numTypes)
	readShift  = changeBits

	allWrites SideEffects = (1 << changeBits) - 1
	allReads  SideEffects = allWrites << readShift

	canTriggerGC SideEffects = 1 << (2 * changeBits)
	dependsOnGC  SideEffects = 1 << (2*changeBits + 1)
)

// NoSideEffects is the descriptor of pure instructions.
func NoSideEffects() SideEffects { return 0 }

// AllSideEffects is the descriptor of calls and other opaque operations.
func AllSideEffects() SideEffects { return allWrites | allReads | canTriggerGC | dependsOnGC }

func FieldWriteOfType(t Type) SideEffects { return 1 << (fieldBase + int(t)) }
func ArrayWriteOfType(t Type) SideEffects { return 1 << (arrayBase + int(t)) }
func FieldReadOfType(t Type) SideEffects  { return FieldWriteOfType(t) << readShift }
func ArrayReadOfType(t Type) SideEffects  { return ArrayWriteOfType(t) << readShift }

// AllArrayWrites covers stores to array elements of any type.
func AllArrayWrites() SideEffects {
	var s SideEffects
	for t := Type(0); t < numTypes; t++ {
		s |= ArrayWriteOfType(t)
	}
	return s
}

func CanTriggerGC() SideEffects { return canTriggerGC }
func DependsOnGC() SideEffects  { return dependsOnGC }

func (s SideEffects) Union(o SideEffects) SideEffects { return s | o }

func (s SideEffects) DoesAnyWrite() bool { return s&allWrites != 0 }
func (s SideEffects) DoesAnyRead() bool  { return s&allReads != 0 }
func (s SideEffects) DoesNothing() bool  { return s == 0 }

// MayDependOn reports whether a value computed under s may be invalidated
// by an operation with side effects other.
func (s SideEffects) MayDependOn(other SideEffects) bool {
	reads := (s & allReads) >> readShift
	if reads&other != 0 {
		return true
	}
	return s&dependsOnGC != 0 && other&canTriggerGC != 0
}

func (s SideEffects) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for t := Type(0); t < numTypes; t++ {
		if s&FieldWriteOfType(t) != 0 {
			parts = append(parts, "wf."+t.String())
		}
		if s&ArrayWriteOfType(t) != 0 {
			parts = append(parts, "wa."+t.String())
		}
		if s&FieldReadOfType(t) != 0 {
			parts = append(parts, "rf."+t.String())
		}
		if s&ArrayReadOfType(t) != 0 {
			parts = append(parts, "ra."+t.String())
		}
	}
	if s&canTriggerGC != 0 {
		parts = append(parts, "gc")
	}
	if s&dependsOnGC != 0 {
		parts = append(parts, "dgc")
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ","))
}

// DefaultSideEffects derives the descriptor for a freshly created
// instruction from its opcode and result type.
func DefaultSideEffects(op Opcode, t Type) SideEffects {
	switch op {
	case OpIGet, OpSGet:
		return FieldReadOfType(t)
	case OpIPut, OpSPut:
		return FieldWriteOfType(t)
	case OpAGet:
		return ArrayReadOfType(t)
	case OpASet:
		return ArrayWriteOfType(t)
	case OpFillArray:
		return AllArrayWrites()
	case OpNew, OpNewArray, OpSuspend:
		return CanTriggerGC()
	case OpCall:
		return AllSideEffects()
	}
	return NoSideEffects()
}
