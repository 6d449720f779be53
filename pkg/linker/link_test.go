package linker

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/config"
)

// shortARM64 shrinks the branch range so thunks can be tested on small
// images.
type shortARM64 struct {
	*ARM64Patcher
	reach int64
}

func (s shortARM64) MaxPositiveDisplacement() int64 { return s.reach - 4 }
func (s shortARM64) MaxNegativeDisplacement() int64 { return s.reach }

func arm64Call(size int, target int) Method {
	code := make([]byte, size)
	binary.LittleEndian.PutUint32(code, arm64BL)
	return Method{Code: code, Patches: []Patch{{Kind: CallRelative, Offset: 0, Target: target}}}
}

func word(image []byte, off int64) uint32 {
	return binary.LittleEndian.Uint32(image[off:])
}

func TestInRange(t *testing.T) {
	cfg := config.Linker{}
	a := NewARM64Patcher(cfg)
	assert.True(t, InRange(a, 0, 128<<20-4))
	assert.False(t, InRange(a, 0, 128<<20))
	assert.True(t, InRange(a, 128<<20, 0))
	assert.False(t, InRange(a, 128<<20+4, 0))

	th := NewThumb2Patcher(cfg)
	// Displacements are measured from the site plus 4, entry points carry
	// the thumb bit.
	assert.True(t, InRange(th, 0, 4+16<<20-2+1))
	assert.False(t, InRange(th, 0, 4+16<<20+1))
	assert.True(t, InRange(th, 16<<20-4, 1))
	assert.False(t, InRange(th, 16<<20-2, 1))

	x := NewAMD64Patcher(cfg)
	assert.True(t, InRange(x, 0, 4+1<<31-1))
	assert.False(t, InRange(x, 0, 4+1<<31))
}

func TestEncodeBL(t *testing.T) {
	hw1, hw2 := EncodeBL(0)
	assert.Equal(t, uint16(0xf000), hw1)
	assert.Equal(t, uint16(0xf800), hw2)
	hw1, hw2 = EncodeBL(-4)
	assert.Equal(t, uint16(0xf7ff), hw1)
	assert.Equal(t, uint16(0xfffe), hw2)
}

func TestLinkDirectCallARM64(t *testing.T) {
	m0 := arm64Call(8, 2)
	m0.Ref = 1
	m1 := Method{Ref: 2, Code: make([]byte, 4)}
	res, err := Link([]Method{m0, m1}, NewARM64Patcher(config.Linker{}), config.Linker{})
	require.NoError(t, err)
	assert.Empty(t, res.Thunks)
	off, ok := res.Offsets.Get(2)
	require.True(t, ok)
	assert.Equal(t, int64(16), off)
	assert.Equal(t, uint32(arm64BL|4), word(res.Image, 0))
}

func TestLinkThunkAfterCaller(t *testing.T) {
	p := shortARM64{NewARM64Patcher(config.Linker{}), 1024}
	m0 := arm64Call(8, 12)
	m0.Ref = 10
	methods := []Method{m0, {Ref: 11, Code: make([]byte, 2048)}, {Ref: 12, Code: make([]byte, 4)}}

	res, err := Link(methods, p, config.Linker{})
	require.NoError(t, err)
	require.Len(t, res.Thunks, 1)
	th := res.Thunks[0]
	assert.Equal(t, Thunk{Offset: 16, Target: 12, After: 0}, th)
	assert.Equal(t, int64(2080), res.Offsets[12])

	assert.Equal(t, uint32(arm64BL|4), word(res.Image, 0), "call branches to the thunk")
	assert.Equal(t, uint32(arm64ADRP|arm64IP0), word(res.Image, 16))
	assert.Equal(t, uint32(arm64ADDx|2080<<10|arm64IP0<<5|arm64IP0), word(res.Image, 20))
	assert.Equal(t, uint32(arm64BRx16), word(res.Image, 24))
}

func TestLinkReusesNearbyThunk(t *testing.T) {
	p := shortARM64{NewARM64Patcher(config.Linker{}), 1024}
	m0, m1 := arm64Call(8, 13), arm64Call(8, 13)
	m0.Ref, m1.Ref = 10, 11
	methods := []Method{m0, m1, {Ref: 12, Code: make([]byte, 2048)}, {Ref: 13, Code: make([]byte, 4)}}

	res, err := Link(methods, p, config.Linker{})
	require.NoError(t, err)
	require.Len(t, res.Thunks, 1)
	assert.Equal(t, int64(16), res.Thunks[0].Offset)
	// m1 at 32 branches back 16 bytes to the shared thunk.
	assert.Equal(t, int64(32), res.Methods[1].Offset)
	assert.Equal(t, uint32(0x97fffffc), word(res.Image, 32))
}

func TestLinkReuseWindowOverride(t *testing.T) {
	cfg := config.Linker{ThunkReuseWindow: 8}
	p := shortARM64{NewARM64Patcher(cfg), 1024}
	m0, m1 := arm64Call(8, 13), arm64Call(8, 13)
	m0.Ref, m1.Ref = 10, 11
	methods := []Method{m0, m1, {Ref: 12, Code: make([]byte, 2048)}, {Ref: 13, Code: make([]byte, 4)}}

	res, err := Link(methods, p, cfg)
	require.NoError(t, err)
	require.Len(t, res.Thunks, 2)
	assert.Equal(t, 1, res.Thunks[1].After)
}

func TestLinkDeterministic(t *testing.T) {
	p := shortARM64{NewARM64Patcher(config.Linker{}), 1024}
	build := func() []Method {
		m0, m1 := arm64Call(8, 13), arm64Call(8, 10)
		m0.Ref, m1.Ref = 10, 11
		return []Method{m0, m1, {Ref: 12, Code: make([]byte, 2048)}, {Ref: 13, Code: make([]byte, 4)}}
	}
	a, err := Link(build(), p, config.Linker{})
	require.NoError(t, err)
	b, err := Link(build(), p, config.Linker{})
	require.NoError(t, err)
	assert.Equal(t, a.Image, b.Image)
	assert.Equal(t, a.Thunks, b.Thunks)
}

func thumb2Call(target int) Method {
	code := make([]byte, 4)
	putThumb32(code, 0, 0xf000, 0xf800)
	return Method{Code: code, Patches: []Patch{{Kind: CallRelative, Offset: 0, Target: target}}}
}

func TestLinkThumb2ReserveShrink(t *testing.T) {
	cfg := config.Linker{Align: 4}
	tests := []struct {
		name   string
		filler int
		thunks int
		target int64
	}{
		// The callee lands max+2 bytes past the call: a thunk is needed.
		{"max plus two", 16<<20 - 12, 1, 16<<20 + 4},
		// In range with the slot reserved; the slot is then dropped.
		{"just in range", 16<<20 - 16, 0, 16<<20 - 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m0 := thumb2Call(3)
			m0.Ref = 1
			methods := []Method{m0, {Ref: 2, Code: make([]byte, tt.filler)}, {Ref: 3, Code: make([]byte, 4)}}
			res, err := Link(methods, NewThumb2Patcher(cfg), cfg)
			require.NoError(t, err)
			require.Len(t, res.Thunks, tt.thunks)
			assert.Equal(t, tt.target+1, res.Offsets[3], "entry carries the thumb bit")

			hw1 := binary.LittleEndian.Uint16(res.Image[0:])
			hw2 := binary.LittleEndian.Uint16(res.Image[2:])
			if tt.thunks == 1 {
				assert.Equal(t, int64(4), res.Thunks[0].Offset)
				want1, want2 := EncodeBL(0)
				assert.Equal(t, [2]uint16{want1, want2}, [2]uint16{hw1, hw2})
				assert.Equal(t, uint16(0x44fc), binary.LittleEndian.Uint16(res.Image[12:]))
				assert.Equal(t, uint16(0x4760), binary.LittleEndian.Uint16(res.Image[14:]))
			} else {
				want1, want2 := EncodeBL(tt.target - 4)
				assert.Equal(t, [2]uint16{want1, want2}, [2]uint16{hw1, hw2})
			}
		})
	}
}

func TestThumb2ThunkValue(t *testing.T) {
	p := NewThumb2Patcher(config.Linker{})
	code := p.ThunkCode(4, 16<<20+5)
	movw := binary.LittleEndian.Uint16(code[2:])
	movt := binary.LittleEndian.Uint16(code[6:])
	// ip = value + pc, where pc reads as 16 at the ADD.
	assert.Equal(t, uint16(12), movw>>8&0xf)
	lo := uint16(binary.LittleEndian.Uint16(code[0:])&0xf)<<12 | uint16(binary.LittleEndian.Uint16(code[0:])>>10&1)<<11 | (movw>>12&7)<<8 | movw&0xff
	hi := uint16(binary.LittleEndian.Uint16(code[4:])&0xf)<<12 | uint16(binary.LittleEndian.Uint16(code[4:])>>10&1)<<11 | (movt>>12&7)<<8 | movt&0xff
	assert.Equal(t, uint32(16<<20+5-16), uint32(hi)<<16|uint32(lo))
}

func TestLinkAMD64(t *testing.T) {
	cfg := config.Linker{ImageBase: 0x400000}
	m0 := Method{Ref: 1, Code: []byte{0xe8, 0, 0, 0, 0, 0xc3}, Patches: []Patch{{Kind: CallRelative, Offset: 1, Target: 2}}}
	m1 := Method{Ref: 2, Code: []byte{0xc3}}
	res, err := Link([]Method{m0, m1}, NewAMD64Patcher(cfg), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(16-5), word(res.Image, 1))

	thunk := NewAMD64Patcher(cfg).ThunkCode(0, 0x20)
	assert.Len(t, thunk, 13)
	assert.Equal(t, uint64(0x400020), binary.LittleEndian.Uint64(thunk[2:]))
}

func TestLinkAddressPatches(t *testing.T) {
	cfg := config.Linker{ImageBase: 0x10000}
	code := make([]byte, 12)
	binary.LittleEndian.PutUint32(code[0:], arm64ADRP)
	binary.LittleEndian.PutUint32(code[4:], arm64ADDx)
	m0 := Method{Ref: 1, Code: code, Patches: []Patch{
		{Kind: PCRelativeLoad, Offset: 0, Target: 2},
		{Kind: MethodAddress, Offset: 8, Target: 2},
	}}
	m1 := Method{Ref: 2, Code: make([]byte, 4)}
	res, err := Link([]Method{m0, m1}, NewARM64Patcher(cfg), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(arm64ADRP), word(res.Image, 0))
	assert.Equal(t, uint32(arm64ADDx|16<<10), word(res.Image, 4))
	assert.Equal(t, uint32(0x10010), word(res.Image, 8))
}

func TestLinkMethodAddressOutOfRange(t *testing.T) {
	cfg := config.Linker{ImageBase: 0xffff_fff0}
	m0 := Method{Ref: 1, Code: make([]byte, 16), Patches: []Patch{{Kind: MethodAddress, Offset: 0, Target: 2}}}
	m1 := Method{Ref: 2, Code: make([]byte, 4)}
	_, err := Link([]Method{m0, m1}, NewARM64Patcher(cfg), cfg)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestLinkErrors(t *testing.T) {
	p := NewARM64Patcher(config.Linker{})
	m := arm64Call(4, 99)
	_, err := Link([]Method{m}, p, config.Linker{})
	assert.True(t, errors.Is(err, ErrUnknownTarget))

	_, err = Link([]Method{{Ref: 1, Code: make([]byte, 4)}, {Ref: 1, Code: make([]byte, 4)}}, p, config.Linker{})
	assert.Error(t, err)

	bad := Method{Ref: 1, Code: make([]byte, 4), Patches: []Patch{{Kind: CallRelative, Target: 1}}}
	_, err = Link([]Method{bad}, p, config.Linker{})
	assert.Error(t, err, "a call site must hold a BL")
}
