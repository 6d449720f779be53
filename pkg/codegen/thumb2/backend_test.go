package thumb2

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	t2 "github.com/raymyers/ralph-oat/pkg/asm/thumb2"

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
	require.Zero(t, len(m.Code.Bytes)%2)
	return m
}

func halfwords(code []byte) []uint16 {
	var out []uint16
	for i := 0; i+2 <= len(code); i += 2 {
		out = append(out, binary.LittleEndian.Uint16(code[i:]))
	}
	return out
}

func hasIns(code []byte, want t2.Ins) bool {
	h := halfwords(code)
	for i := 0; i+1 < len(h); i++ {
		if h[i] == want.Hw1 && h[i+1] == want.Hw2 {
			return true
		}
	}
	return false
}

func hasHalf(code []byte, want uint16) bool {
	for _, h := range halfwords(code) {
		if h == want {
			return true
		}
	}
	return false
}

func hasSdiv(code []byte) bool {
	for _, h := range halfwords(code) {
		if h&0xfff0 == 0xfb90 {
			return true
		}
	}
	return false
}

func TestRegistered(t *testing.T) {
	b, err := codegen.New(config.Target{ISA: config.Thumb2})
	require.NoError(t, err)
	assert.Equal(t, config.Thumb2, b.ISA())
	assert.Equal(t, 4, b.Conventions().WordSize)
}

func TestLeafAdd(t *testing.T) {
	m := generate(t, config.Features{}, `
method add(%a: i32, %b: i32): i32 {
@entry:
  %s = add.i32 %a, %b
  return %s
}`)
	assert.Zero(t, m.Code.FrameSize)
	h := halfwords(m.Code.Bytes)
	assert.Equal(t, t2.BxLR, h[len(h)-1])
}

func TestLongRejected(t *testing.T) {
	_, err := codegen.Generate(New(config.Features{}), irtext.MustParse(`
method wide(%a: i64, %b: i64): i64 {
@entry:
  %s = add.i64 %a, %b
  return %s
}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, codegen.ErrUnsupported))
}

func TestCallPushesLR(t *testing.T) {
	m := generate(t, config.Features{}, `
method caller(%a: i32): i32 {
@entry:
  %r = call.i32 %a, #2
  %s = add.i32 %r, %a
  return %s
}`)
	require.Len(t, m.Code.Patches, 1)
	p := m.Code.Patches[0]
	assert.Equal(t, asm.CallRelative, p.Kind)
	assert.Equal(t, 2, p.Target)
	h := halfwords(m.Code.Bytes[p.Offset:])
	assert.Equal(t, t2.BL, t2.Ins{Hw1: h[0], Hw2: h[1]})

	assert.True(t, m.Frame.Probe)
	probe, ok := t2.SubModImm(t2.IP, t2.SP, 8192)
	require.True(t, ok)
	assert.True(t, hasIns(m.Code.Bytes, probe))
	// The epilogue pops the saved lr straight into pc.
	var popsPC bool
	for _, s := range m.Frame.Epilogue {
		popsPC = popsPC || s.Returns
	}
	assert.True(t, popsPC)
}

func TestDivideFeature(t *testing.T) {
	src := `
method div(%a: i32, %b: i32): i32 {
@entry:
  %q = div.i32 %a, %b
  return %q
}`
	hard := generate(t, config.Features{Divide: true}, src)
	assert.True(t, hasSdiv(hard.Code.Bytes))
	assert.False(t, hasHalf(hard.Code.Bytes, t2.Blx(t2.LR)))

	soft := generate(t, config.Features{}, src)
	assert.False(t, hasSdiv(soft.Code.Bytes))
	assert.True(t, hasHalf(soft.Code.Bytes, t2.Blx(t2.LR)))
}

func TestCompareUsesIT(t *testing.T) {
	m := generate(t, config.Features{}, `
method less(%a: i32, %b: i32): bool {
@entry:
  %c = lt %a, %b
  return %c
}`)
	assert.True(t, hasHalf(m.Code.Bytes, t2.IT(t2.LT, true)))
}

func TestSwitchTBH(t *testing.T) {
	m := generate(t, config.Features{}, `
method sw(%v: i32): i32 {
@entry:
  switch %v, #1, @a, @b, @c, @d, @e
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
	assert.True(t, hasIns(m.Code.Bytes, t2.Tbh(t2.IP)))
}

func TestFillArrayPayload(t *testing.T) {
	m := generate(t, config.Features{}, `
method fill(%arr: ref) {
@entry:
  fillarray.i32 %arr, #4, #1, #2
  return
}`)
	header := []uint16{codegen.FillArrayIdent, 4, 2, 0, 1, 0, 2, 0}
	h := halfwords(m.Code.Bytes)
	found := false
	for i := 0; i+len(header) <= len(h); i++ {
		match := true
		for k, v := range header {
			match = match && h[i+k] == v
		}
		found = found || match
	}
	assert.True(t, found)
}

func TestBridge(t *testing.T) {
	code, err := New(config.Features{}).Bridge(5)
	require.NoError(t, err)
	mov, _ := t2.MovImm(t2.IP, 5)
	ld, _ := t2.LdSt(t2.Ldr, t2.PC, thread, codegen.EntrypointOffset(codegen.Bridge, 4))
	assert.True(t, hasIns(code.Bytes, mov))
	assert.True(t, hasIns(code.Bytes, ld))
	assert.Len(t, code.Bytes, 8)
}

func TestImmediate(t *testing.T) {
	b := New(config.Features{})
	assert.True(t, b.Immediate(lir.Add, ir.Int32, 4095))
	assert.False(t, b.Immediate(lir.Add, ir.Int32, 4096))
	assert.True(t, b.Immediate(lir.Compare, ir.Int32, -1))
	assert.True(t, b.Immediate(lir.And, ir.Int32, 0xff00ff00))
	assert.False(t, b.Immediate(lir.Or, ir.Int32, 0x12345))
	assert.False(t, b.Immediate(lir.Shl, ir.Int32, 32))
	assert.False(t, b.Inline(ir.OpDiv))
	assert.True(t, New(config.Features{Divide: true}).Inline(ir.OpRem))
}
