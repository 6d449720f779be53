// Package stacking lays out activation records. It sizes the callee-save,
// spill and outgoing-argument areas, builds the prologue and epilogue
// that create and remove the frame, and rewrites frame-slot operands into
// concrete stack offsets.
package stacking

import (
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

// Frame layout after the prologue (callee's view, addresses grow up):
//
//	+---------------------------+  <- CFA (SP before the call)
//	| return address (amd64)    |
//	| callee saves / LR         |  stored by push or by stp/str
//	+---------------------------+
//	| spill slots               |
//	| outgoing arguments        |
//	+---------------------------+  <- SP, aligned to StackAlign
//
// Incoming stack arguments live in the caller's outgoing area above the
// CFA.

// FrameLayout describes the concrete frame of one method. Offsets are
// relative to SP after the prologue.
type FrameLayout struct {
	CalleeSaveSize int64
	SpillSize      int64
	OutgoingSize   int64

	// PushSize is the part of the callee-save area written by push
	// instructions; AdjustSize is the explicit SP adjustment after them.
	PushSize   int64
	AdjustSize int64

	SpillOffset    int64
	IncomingOffset int64

	// TotalSize is the distance from SP to the CFA.
	TotalSize int64
}

// pushesSaves reports whether the ISA stores callee saves with push.
func pushesSaves(isa config.ISA) bool {
	return isa == config.Thumb2 || isa == config.AMD64
}

// returnAddressOnStack reports whether calls push the return address.
func returnAddressOnStack(c *lir.Conventions) bool {
	return c.ReturnAddress == lir.NoReg
}

// ComputeLayout sizes the frame for fn given the registers it saves.
func ComputeLayout(fn *lir.Func, c *lir.Conventions, saves int) *FrameLayout {
	word := int64(c.WordSize)
	align := int64(c.StackAlign)
	l := &FrameLayout{
		CalleeSaveSize: int64(saves) * word,
		SpillSize:      int64(fn.Slots) * word,
		OutgoingSize:   int64(fn.OutArgs) * word,
	}
	var ra int64
	if returnAddressOnStack(c) {
		ra = word
	}
	body := l.SpillSize + l.OutgoingSize
	if pushesSaves(c.ISA) {
		l.PushSize = l.CalleeSaveSize
		l.AdjustSize = alignUp(ra+l.PushSize+body, align) - ra - l.PushSize
	} else {
		l.AdjustSize = alignUp(l.CalleeSaveSize+body, align)
	}
	// A leaf calls nothing, so only its own stores need the alignment.
	if pushesSaves(c.ISA) && body == 0 && fn.IsLeaf() {
		l.AdjustSize = 0
	}
	l.SpillOffset = l.OutgoingSize
	l.TotalSize = ra + l.PushSize + l.AdjustSize
	l.IncomingOffset = l.TotalSize
	return l
}

// SpillSlotOffset returns the SP offset of spill slot n.
func (l *FrameLayout) SpillSlotOffset(n int, word int) int64 {
	return l.SpillOffset + int64(n*word)
}

// OutgoingSlotOffset returns the SP offset of outgoing argument n.
func (l *FrameLayout) OutgoingSlotOffset(n int, word int) int64 {
	return int64(n * word)
}

// IncomingSlotOffset returns the SP offset of incoming stack argument n.
func (l *FrameLayout) IncomingSlotOffset(n int, word int) int64 {
	return l.IncomingOffset + int64(n*word)
}

// alignUp rounds n up to the nearest multiple of align
func alignUp(n, align int64) int64 {
	if align == 0 {
		return n
	}
	return ((n + align - 1) / align) * align
}
