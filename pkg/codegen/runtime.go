package codegen

import "fmt"

// Entrypoint is a runtime routine compiled code calls out to. Calls go
// through a table in the thread block.
type Entrypoint int

const (
	// AllocObject(class) returns a new instance.
	AllocObject Entrypoint = iota
	// AllocArray(length) returns a new array.
	AllocArray
	// FillArrayData(array, payload) copies a fill-array payload into an
	// array.
	FillArrayData
	// DeliverException(exception) unwinds; it does not return.
	DeliverException
	// ThrowArrayBounds(index, length) does not return.
	ThrowArrayBounds
	ThrowNullPointer
	// TestSuspend parks the thread when a suspension was requested.
	TestSuspend
	// Idivmod(a, b) returns the quotient in the first return register and
	// the remainder in the second.
	Idivmod
	BitCount
	// Bridge(method) runs a method the compiler could not handle.
	Bridge

	NumEntrypoints
)

var entrypointNames = [NumEntrypoints]string{
	"alloc_object", "alloc_array", "fill_array_data", "deliver_exception",
	"throw_array_bounds", "throw_null_pointer", "test_suspend", "idivmod",
	"bitcount", "bridge",
}

func (e Entrypoint) String() string {
	if e >= 0 && e < NumEntrypoints {
		return entrypointNames[e]
	}
	return fmt.Sprintf("entrypoint%d", int(e))
}

// Thread block layout. The flags word is nonzero when the thread must
// suspend; the statics base points at the static field storage.
const (
	ThreadFlagsOffset       = 0
	ThreadStaticsOffset     = 8
	ThreadEntrypointsOffset = 16
)

// EntrypointOffset is where the address of e lives in the thread block.
func EntrypointOffset(e Entrypoint, wordSize int) int64 {
	return ThreadEntrypointsOffset + int64(e)*int64(wordSize)
}

// Object layout shared by the backends.
const (
	// ArrayLengthOffset is where an array stores its length, after the
	// object header.
	ArrayLengthOffset = 8
)

// Fill-array payloads start with a header: the ident halfword, the element
// width halfword and the element count word. Elements follow.
const (
	FillArrayIdent      = 0x0300
	FillArrayHeaderSize = 8
)
