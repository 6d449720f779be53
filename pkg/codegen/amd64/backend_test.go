package amd64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x86 "github.com/raymyers/ralph-oat/pkg/asm/amd64"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

func generate(t *testing.T, f config.Features, src string) *codegen.Method {
	t.Helper()
	m, err := codegen.Generate(New(f), irtext.MustParse(src))
	require.NoError(t, err)
	return m
}

func encoded(emit func(b *asm.Buffer)) []byte {
	b := asm.NewBuffer()
	emit(b)
	return b.Bytes()
}

func TestRegistered(t *testing.T) {
	b, err := codegen.New(config.Target{ISA: config.AMD64})
	require.NoError(t, err)
	assert.Equal(t, config.AMD64, b.ISA())
	assert.Equal(t, lir.NoReg, b.Conventions().ReturnAddress)
}

func TestLeafAdd(t *testing.T) {
	m := generate(t, config.Features{}, `
method add(%a: i32, %b: i32): i32 {
@entry:
  %s = add.i32 %a, %b
  return %s
}`)
	assert.Empty(t, m.Code.Patches)
	assert.Equal(t, byte(0xc3), m.Code.Bytes[len(m.Code.Bytes)-1])
}

func TestCallPatchSite(t *testing.T) {
	m := generate(t, config.Features{}, `
method caller(%a: i32): i32 {
@entry:
  %r = call.i32 %a, #4
  %s = add.i32 %r, %a
  return %s
}`)
	require.Len(t, m.Code.Patches, 1)
	p := m.Code.Patches[0]
	assert.Equal(t, 4, p.Target)
	assert.Equal(t, byte(0xe8), m.Code.Bytes[p.Offset-1])

	assert.True(t, m.Frame.Probe)
	probe := encoded(func(b *asm.Buffer) { x86.TestMem(b, x86.RAX, x86.Ptr(x86.RSP, -8192)) })
	assert.True(t, bytes.HasPrefix(m.Code.Bytes, probe))
	assert.Zero(t, m.Code.FrameSize%16)
}

func TestDivisionGuardsMinusOne(t *testing.T) {
	m := generate(t, config.Features{}, `
method div(%a: i32, %b: i32): i32 {
@entry:
  %q = div.i32 %a, %b
  return %q
}`)
	// cdq; idiv and a compare against -1 ahead of it.
	assert.True(t, bytes.Contains(m.Code.Bytes, []byte{0x99}))
	idiv := false
	for i := 0; i+1 < len(m.Code.Bytes); i++ {
		if m.Code.Bytes[i] == 0xf7 && m.Code.Bytes[i+1]&0xf8 == 0xf8 {
			idiv = true
		}
	}
	assert.True(t, idiv)
	assert.True(t, bytes.Contains(m.Code.Bytes, []byte{0xff}), "imm8 -1")
}

func TestPopcntFeature(t *testing.T) {
	src := `
method bits(%a: i32): i32 {
@entry:
  %n = bitcount.i32 %a
  return %n
}`
	hw := generate(t, config.Features{Popcnt: true}, src)
	assert.True(t, bytes.Contains(hw.Code.Bytes, []byte{0x0f, 0xb8}))
	assert.Empty(t, hw.Code.Patches)

	sw := generate(t, config.Features{}, src)
	assert.False(t, bytes.Contains(sw.Code.Bytes, []byte{0xf3, 0x0f, 0xb8}))
	call := encoded(func(b *asm.Buffer) {
		x86.CallMem(b, x86.GS(int32(codegen.EntrypointOffset(codegen.BitCount, 8))))
	})
	assert.True(t, bytes.Contains(sw.Code.Bytes, call))
}

func TestSwitchTable(t *testing.T) {
	m := generate(t, config.Features{}, `
method sw(%v: i32): i32 {
@entry:
  switch %v, #0, @a, @b, @c, @d, @e
@a:
  %x1 = const.i32 #1
  return %x1
@b:
  %x2 = const.i32 #2
  return %x2
@c:
  %x3 = const.i32 #3
  return %x3
@d:
  %x4 = const.i32 #4
  return %x4
@e:
  %x0 = const.i32 #0
  return %x0
}`)
	assert.Equal(t, 1, m.Code.Tables)
	assert.True(t, bytes.Contains(m.Code.Bytes, []byte{0x41, 0xff, 0xe3}), "jmp r11")
}

func TestFillArrayPayload(t *testing.T) {
	m := generate(t, config.Features{}, `
method fill(%arr: ref nonnull) {
@entry:
  fillarray.i8 %arr, #1, #5, #6, #7
  return
}`)
	header := []byte{0x00, 0x03, 1, 0, 3, 0, 0, 0, 5, 6, 7}
	assert.True(t, bytes.Contains(m.Code.Bytes, header))
}

func TestBridge(t *testing.T) {
	code, err := New(config.Features{}).Bridge(9)
	require.NoError(t, err)
	want := encoded(func(b *asm.Buffer) {
		x86.MovImm(b, true, x86.R11, 9)
		x86.JmpMem(b, x86.GS(int32(codegen.EntrypointOffset(codegen.Bridge, 8))))
	})
	assert.Equal(t, want, code.Bytes)
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(code.Bytes[2:]))
}

func TestImmediate(t *testing.T) {
	b := New(config.Features{})
	assert.True(t, b.Immediate(lir.Add, ir.Int64, -1<<31))
	assert.False(t, b.Immediate(lir.Add, ir.Int64, 1<<31))
	assert.True(t, b.Immediate(lir.Mul, ir.Int32, 10))
	assert.True(t, b.Immediate(lir.Shl, ir.Int64, 63))
	assert.False(t, b.Immediate(lir.Shl, ir.Int32, 32))
	assert.True(t, b.Inline(ir.OpDiv))
	assert.False(t, b.Inline(ir.OpBitCount))
}
