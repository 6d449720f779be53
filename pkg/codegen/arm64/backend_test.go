package arm64

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	a64 "github.com/raymyers/ralph-oat/pkg/asm/arm64"

	"github.com/raymyers/ralph-oat/pkg/asm"
	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
	"github.com/raymyers/ralph-oat/pkg/lir"
)

func generate(t *testing.T, src string) *codegen.Method {
	t.Helper()
	m, err := codegen.Generate(New(config.Baseline(config.ARM64)), irtext.MustParse(src))
	require.NoError(t, err)
	require.Zero(t, len(m.Code.Bytes)%4)
	return m
}

func words(code []byte) []uint32 {
	var out []uint32
	for i := 0; i+4 <= len(code); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(code[i:]))
	}
	return out
}

func hasWord(code []byte, mask, want uint32) bool {
	for _, w := range words(code) {
		if w&mask == want {
			return true
		}
	}
	return false
}

func TestRegistered(t *testing.T) {
	b, err := codegen.New(config.Target{ISA: config.ARM64})
	require.NoError(t, err)
	assert.Equal(t, config.ARM64, b.ISA())
}

func TestLeafAdd(t *testing.T) {
	m := generate(t, `
method add(%a: i32, %b: i32): i32 {
@entry:
  %s = add.i32 %a, %b
  return %s
}`)
	assert.Zero(t, m.Code.FrameSize)
	assert.Empty(t, m.Code.Patches)
	w := words(m.Code.Bytes)
	assert.Equal(t, a64.Ret, w[len(w)-1])
	// add wD, wN, wM
	assert.True(t, hasWord(m.Code.Bytes, 0xffe0fc00, 0x0b000000))
}

func TestImmediateOperands(t *testing.T) {
	m := generate(t, `
method f(%a: i32): i32 {
@entry:
  %k = const.i32 #-8
  %s = add.i32 %a, %k
  %m = const.i32 #0xff
  %r = and.i32 %s, %m
  return %r
}`)
	// sub wD, wN, #8 and and wD, wN, #0xff; no constant is materialized.
	assert.True(t, hasWord(m.Code.Bytes, 0xfffffc00, 0x51002000))
	assert.True(t, hasWord(m.Code.Bytes, 0xfffffc00, 0x12001c00))
	assert.False(t, hasWord(m.Code.Bytes, 0x7f800000, 0x12800000), "no movn")
}

func TestCallFrame(t *testing.T) {
	m := generate(t, `
method caller(%a: i32): i32 {
@entry:
  %r = call.i32 %a, #3
  %s = add.i32 %r, %a
  return %s
}`)
	require.Len(t, m.Code.Patches, 1)
	p := m.Code.Patches[0]
	assert.Equal(t, asm.CallRelative, p.Kind)
	assert.Equal(t, 3, p.Target)
	assert.Equal(t, a64.BL, binary.LittleEndian.Uint32(m.Code.Bytes[p.Offset:]))

	assert.True(t, m.Frame.Probe)
	assert.Equal(t, a64.SubImm(true, ip0, a64.SP, 8192), words(m.Code.Bytes)[0])
	assert.Zero(t, m.Code.FrameSize%16)

	var savedLR bool
	for _, ev := range m.Code.CFI {
		if ev.Op == asm.SaveReg && ev.Reg == a64.LR {
			savedLR = true
		}
	}
	assert.True(t, savedLR)
}

func TestLiteralPool(t *testing.T) {
	m := generate(t, `
method big(): i64 {
@entry:
  %k = const.i64 #0x123456789abc
  return %k
}`)
	assert.Equal(t, 1, m.Code.Literals)
	var lit [8]byte
	binary.LittleEndian.PutUint64(lit[:], 0x123456789abc)
	assert.True(t, bytes.Contains(m.Code.Bytes, lit[:]))
}

func TestSwitchTable(t *testing.T) {
	m := generate(t, `
method sw(%v: i32): i32 {
@entry:
  switch %v, #10, @a, @b, @c, @d, @e
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
	assert.True(t, hasWord(m.Code.Bytes, 0xffffffff, a64.Br(ip0)))
}

func TestFillArrayPayload(t *testing.T) {
	m := generate(t, `
method fill(%arr: ref) {
@entry:
  fillarray.i16 %arr, #2, #7, #8
  return
}`)
	header := []byte{0x00, 0x03, 2, 0, 2, 0, 0, 0, 7, 0, 8, 0}
	assert.True(t, bytes.Contains(m.Code.Bytes, header))
}

func TestBoundsCheckSlowPath(t *testing.T) {
	m := generate(t, `
method get(%arr: ref nonnull, %i: i32): i32 {
@entry:
  %n = alen.i32 %arr
  %j = boundscheck.i32 %i, %n
  %v = aget.i32 %arr, %j
  return %v
}`)
	assert.True(t, hasWord(m.Code.Bytes, 0xff00001f, uint32(a64.BCond(a64.HS))))
	assert.True(t, hasWord(m.Code.Bytes, 0xffffffff, a64.Blr(a64.LR)))
}

func TestBridge(t *testing.T) {
	code, err := New(config.Features{}).Bridge(5)
	require.NoError(t, err)
	w := words(code.Bytes)
	require.Len(t, w, 3)
	assert.Equal(t, a64.Movz(false, ip0, 5, 0), w[0])
	assert.Equal(t, a64.Br(ip1), w[2])
}

func TestImmediate(t *testing.T) {
	b := New(config.Features{})
	assert.True(t, b.Immediate(lir.Add, ir.Int32, 4095))
	assert.True(t, b.Immediate(lir.Add, ir.Int32, -4096))
	assert.False(t, b.Immediate(lir.Add, ir.Int32, 4097))
	assert.True(t, b.Immediate(lir.Xor, ir.Int64, 0x00ff00ff00ff00ff))
	assert.False(t, b.Immediate(lir.Or, ir.Int32, 0x1234))
	assert.True(t, b.Immediate(lir.Shl, ir.Int64, 63))
	assert.False(t, b.Immediate(lir.Shl, ir.Int32, 32))
	assert.False(t, b.Immediate(lir.Mul, ir.Int32, 2))
	assert.True(t, b.Inline(ir.OpRem))
	assert.False(t, b.Inline(ir.OpBitCount))
	assert.True(t, New(config.Baseline(config.ARM64)).Inline(ir.OpBitCount))
}
