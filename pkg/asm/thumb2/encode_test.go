package thumb2

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/asm"
)

func TestEncodings(t *testing.T) {
	mov1, ok := MovImm(0, 1)
	require.True(t, ok)
	ldr, ok := LdSt(Ldr, 0, 1, 4)
	require.True(t, ok)
	ldur, ok := LdSt(Ldr, 0, 1, -8)
	require.True(t, ok)

	tests := []struct {
		name string
		got  Ins
		want Ins
	}{
		{"mov.w r0, #1", mov1, Ins{0xf04f, 0x0001}},
		{"add.w r0, r1, r2", AddReg(0, 1, 2, LSL, 0), Ins{0xeb01, 0x0002}},
		{"ldr.w r0, [r1, #4]", ldr, Ins{0xf8d1, 0x0004}},
		{"ldr r0, [r1, #-8]", ldur, Ins{0xf851, 0x0c08}},
		{"push.w {r4, lr}", PushW(1<<4 | 1<<LR), Ins{0xe92d, 0x4010}},
		{"sdiv r0, r1, r2", Sdiv(0, 1, 2), Ins{0xfb91, 0xf0f2}},
		{"movw ip, #0x1234", MovW(IP, 0x1234), Ins{0xf241, 0x2c34}},
		{"mls r0, r1, r2, r3", Mls(0, 1, 2, 3), Ins{0xfb01, 0x3012}},
		{"lsl.w r0, r1, r2", ShiftReg(0, 1, 2, LSL), Ins{0xfa01, 0xf002}},
		{"cmp.w r1, r2", CmpReg(1, 2), Ins{0xebb1, 0x0f02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equalf(t, tt.want, tt.got, "%04x %04x", tt.got.Hw1, tt.got.Hw2)
		})
	}
}

func TestExpandImm(t *testing.T) {
	tests := []struct {
		v    uint32
		want uint16
		ok   bool
	}{
		{0xab, 0x0ab, true},
		{0x00ab00ab, 0x1ab, true},
		{0xab00ab00, 0x2ab, true},
		{0xabababab, 0x3ab, true},
		{0x2000, 0xd00, true},
		{0x101, 0, false},
		{0x12345678, 0, false},
	}
	for _, tt := range tests {
		got, ok := ExpandImm(tt.v)
		assert.Equalf(t, tt.ok, ok, "%#x", tt.v)
		if tt.ok {
			assert.Equalf(t, tt.want, got, "%#x", tt.v)
		}
	}
}

func TestMoveConst(t *testing.T) {
	assert.Len(t, MoveConst(0, 0xff), 1)
	assert.Len(t, MoveConst(0, 0xffffff00), 1, "mvn")
	assert.Equal(t, []Ins{MovW(0, 0x1234)}, MoveConst(0, 0x1234))
	assert.Len(t, MoveConst(0, 0x12345678), 2)
}

func TestIT(t *testing.T) {
	assert.Equal(t, uint16(0xbf0c), IT(EQ, true))
	assert.Equal(t, uint16(0xbf14), IT(NE, true))
	assert.Equal(t, uint16(0xbfb8), IT(LT, false))
}

func TestResolve(t *testing.T) {
	code := make([]byte, 16)
	put := func(at int, i Ins) {
		binary.LittleEndian.PutUint16(code[at:], i.Hw1)
		binary.LittleEndian.PutUint16(code[at+2:], i.Hw2)
	}
	put(0, BW)
	put(4, BCond(NE))
	put(8, Ins{AdrW.Hw1, 3 << 8})

	require.NoError(t, Resolve(code, asm.Fixup{At: 0, Kind: Branch24}, 8))
	require.NoError(t, Resolve(code, asm.Fixup{At: 4, Kind: Branch20}, 8))
	require.NoError(t, Resolve(code, asm.Fixup{At: 8, Kind: Adr12}, 8))
	require.NoError(t, Resolve(code, asm.Fixup{At: 12, Kind: Table16}, 6))

	assert.Equal(t, Ins{0xf000, 0xb802}, read(code, 0))
	assert.Equal(t, Ins{0xf040, 0x8002}, read(code, 4))
	// pc is 12 and aligned; the target 16 is 4 past it.
	assert.Equal(t, Ins{0xf20f, 0x0304}, read(code, 8))
	assert.Equal(t, uint16(3), binary.LittleEndian.Uint16(code[12:]))

	err := Resolve(code, asm.Fixup{At: 4, Kind: Branch20}, 4<<20)
	assert.True(t, errors.Is(err, asm.ErrBranchRange))
	err = Resolve(code, asm.Fixup{At: 12, Kind: Table16}, -2)
	assert.True(t, errors.Is(err, asm.ErrBranchRange))
}
