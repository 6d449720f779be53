package induction

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
)

const upLoop = `
method sum(%a: ref nonnull): i32 {
@entry:
  %z = const.i32 #0
  %len = alen.i32 %a
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @body]
  %c = %COND%
  if %c, @body, @out
@body:
  %chk = boundscheck.i32 %i, %len
  %x = aget.i32 %a, %chk
  %one = const.i32 #1
  %i2 = add.i32 %i, %one
  goto @head
@out:
  return %i
}`

func parseUp(t *testing.T, cond string) *ir.Graph {
	t.Helper()
	return irtext.MustParse(strings.Replace(upLoop, "%COND%", cond, 1))
}

func loopOf(g *ir.Graph, block string) *ir.Loop {
	return g.Block(g.BlockNamed(block)).Loop()
}

func TestLinearClassification(t *testing.T) {
	g := parseUp(t, "lt %i, %len")
	a := Analyze(g)
	loop := loopOf(g, "head")
	require.NotNil(t, loop)

	i := a.Lookup(loop, g.ValueNamed("i"))
	require.NotNil(t, i)
	assert.Equal(t, Linear, i.Class)
	assert.True(t, i.A.Equal(fetch(g.ValueNamed("one"))))
	assert.True(t, i.B.Equal(fetch(g.ValueNamed("z"))))

	i2 := a.Lookup(loop, g.ValueNamed("i2"))
	require.NotNil(t, i2)
	assert.Equal(t, Linear, i2.Class)

	assert.Equal(t, Invariant, a.Lookup(loop, g.ValueNamed("len")).Class)
	assert.Nil(t, a.Lookup(loop, g.ValueNamed("x")), "loads have no induction shape")
}

func TestTripCount(t *testing.T) {
	g := parseUp(t, "lt %i, %len")
	a := Analyze(g)
	tc := a.TripCount(loopOf(g, "head"))
	require.NotNil(t, tc)
	// The array may be empty, so the count only holds inside the body.
	assert.Equal(t, OpTripCountInBody, tc.Op)
	assert.Equal(t, OpSub, tc.A.Op)
}

func TestTripCountMirroredCondition(t *testing.T) {
	g := parseUp(t, "gt %len, %i")
	a := Analyze(g)
	tc := a.TripCount(loopOf(g, "head"))
	require.NotNil(t, tc)
	assert.Equal(t, OpLT, tc.B.Op)
}

func TestRangeInsideBody(t *testing.T) {
	g := parseUp(t, "lt %i, %len")
	r := NewRange(Analyze(g))
	lo, hi, ok := r.MinMax(g.ValueNamed("chk"), g.ValueNamed("i"))
	require.True(t, ok)
	assert.Equal(t, constVal(0), lo)
	assert.Equal(t, symbolic(g.ValueNamed("len"), 1, -1), hi)
}

func TestBCERemovesProvenCheck(t *testing.T) {
	g := parseUp(t, "lt %i, %len")
	assert.True(t, NewBCE().Run(g))
	require.NoError(t, ir.Check(g))
	assert.False(t, g.ValueNamed("chk").Valid())
	x := g.Inst(g.ValueNamed("x"))
	assert.Equal(t, g.ValueNamed("i"), x.Input(1))
}

func TestBCEKeepsUnprovenChecks(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"inclusive bound", strings.Replace(upLoop, "%COND%", "le %i, %len", 1)},
		{"negative start", strings.Replace(strings.Replace(upLoop, "%COND%", "lt %i, %len", 1),
			"const.i32 #0", "const.i32 #-1", 1)},
		{"unrelated bound", strings.Replace(strings.Replace(upLoop, "%COND%", "lt %i, %n", 1),
			"method sum(%a: ref nonnull)", "method sum(%a: ref nonnull, %n: i32)", 1)},
		{"not equal without entry test", strings.Replace(upLoop, "%COND%", "ne %i, %len", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := irtext.MustParse(tt.src)
			assert.False(t, NewBCE().Run(g))
			assert.True(t, g.ValueNamed("chk").Valid())
		})
	}
}

func TestBCEConstantIndex(t *testing.T) {
	g := irtext.MustParse(`
method m(%a: ref nonnull): i32 {
@entry:
  %three = const.i32 #3
  %four = const.i32 #4
  %ok = boundscheck.i32 %three, %four
  %bad = boundscheck.i32 %four, %four
  %s = add.i32 %ok, %bad
  return %s
}`)
	assert.True(t, NewBCE().Run(g))
	assert.False(t, g.ValueNamed("ok").Valid())
	assert.True(t, g.ValueNamed("bad").Valid())
}

func TestBCENewArrayLength(t *testing.T) {
	g := irtext.MustParse(`
method m(%n: i32): i32 {
@entry:
  %arr = newarray.ref %n
  %z = const.i32 #0
  %one = const.i32 #1
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @body]
  %c = lt %i, %n
  if %c, @body, @out
@body:
  %len = alen.i32 %arr
  %chk = boundscheck.i32 %i, %len
  aset.i32 %arr, %chk, %i
  %i2 = add.i32 %i, %one
  goto @head
@out:
  return %i
}`)
	assert.True(t, NewBCE().Run(g))
	assert.False(t, g.ValueNamed("chk").Valid())
}

func TestDownwardLoop(t *testing.T) {
	g := irtext.MustParse(`
method rev(%a: ref nonnull): i32 {
@entry:
  %z = const.i32 #0
  %one = const.i32 #1
  %len = alen.i32 %a
  %start = sub.i32 %len, %one
  goto @head
@head:
  %i = phi.i32 [%start, @entry], [%i2, @body]
  %c = ge %i, %z
  if %c, @body, @out
@body:
  %chk = boundscheck.i32 %i, %len
  %x = aget.i32 %a, %chk
  %i2 = sub.i32 %i, %one
  goto @head
@out:
  return %i
}`)
	a := Analyze(g)
	loop := loopOf(g, "head")
	i := a.Lookup(loop, g.ValueNamed("i"))
	require.NotNil(t, i)
	assert.Equal(t, Linear, i.Class)

	lo, hi, ok := NewRange(a).MinMax(g.ValueNamed("chk"), g.ValueNamed("i"))
	require.True(t, ok)
	assert.Equal(t, constVal(0), lo)
	assert.Equal(t, symbolic(g.ValueNamed("len"), 1, -1), hi)

	assert.True(t, NewBCE().Run(g))
	assert.False(t, g.ValueNamed("chk").Valid())
}

const counted = `
method m(%n: i32): i32 {
@entry:
  %z = const.i32 #0
  %one = const.i32 #1
  %m1 = const.i32 #-1
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @body]
  %k = phi.i32 [%z, @entry], [%k2, @body]
  %w = phi.i32 [%m1, @entry], [%i, @body]
  %c = lt %i, %n
  if %c, @body, @out
@body:
  %k2 = sub.i32 %one, %k
  %i2 = add.i32 %i, %one
  %s = add.i32 %k, %w
  goto @head
@out:
  return %i
}`

func TestPeriodicAndWrapAround(t *testing.T) {
	g := irtext.MustParse(counted)
	a := Analyze(g)
	loop := loopOf(g, "head")

	k := a.Lookup(loop, g.ValueNamed("k"))
	require.NotNil(t, k)
	assert.Equal(t, Periodic, k.Class)
	k2 := a.Lookup(loop, g.ValueNamed("k2"))
	require.NotNil(t, k2)
	assert.Equal(t, Periodic, k2.Class)

	w := a.Lookup(loop, g.ValueNamed("w"))
	require.NotNil(t, w)
	assert.Equal(t, WrapAround, w.Class)

	r := NewRange(a)
	ctx := g.ValueNamed("s")
	lo, hi, ok := r.MinMax(ctx, g.ValueNamed("k"))
	require.True(t, ok)
	assert.Equal(t, constVal(0), lo)
	assert.Equal(t, constVal(1), hi)

	lo, hi, ok = r.MinMax(ctx, g.ValueNamed("w"))
	require.True(t, ok)
	assert.Equal(t, constVal(-1), lo)
	assert.Equal(t, Value{B: math.MaxInt32, Known: true}, hi, "mixed bounds fall back to the extreme")
}

func TestNestedLoops(t *testing.T) {
	g := irtext.MustParse(`
method m(%a: ref nonnull, %n: i32): i32 {
@entry:
  %z = const.i32 #0
  %one = const.i32 #1
  %len = alen.i32 %a
  goto @outer
@outer:
  %i = phi.i32 [%z, @entry], [%i2, @latch]
  %c = lt %i, %n
  if %c, @pre, @out
@pre:
  goto @inner
@inner:
  %j = phi.i32 [%z, @pre], [%j2, @body]
  %d = lt %j, %len
  if %d, @body, @latch
@body:
  %chk = boundscheck.i32 %j, %len
  %x = aget.i32 %a, %chk
  %j2 = add.i32 %j, %one
  goto @inner
@latch:
  %i2 = add.i32 %i, %one
  goto @outer
@out:
  return %i
}`)
	a := Analyze(g)
	assert.NotNil(t, a.TripCount(loopOf(g, "outer")))
	assert.NotNil(t, a.TripCount(loopOf(g, "inner")))
	assert.Nil(t, a.Lookup(loopOf(g, "outer"), g.ValueNamed("j")), "inner values are opaque to the outer loop")

	assert.True(t, NewBCE().Run(g))
	assert.False(t, g.ValueNamed("chk").Valid())
}

// For i in [0, n) the bounds of a*i+b must hold every value actually
// taken, and give up to the extremes instead of wrapping.
func TestRangeSoundness(t *testing.T) {
	const src = `
method m(): i32 {
@entry:
  %%z = const.i32 #0
  %%n = const.i32 #%d
  %%a = const.i32 #%d
  %%b = const.i32 #%d
  %%one = const.i32 #1
  goto @head
@head:
  %%i = phi.i32 [%%z, @entry], [%%i2, @body]
  %%c = lt %%i, %%n
  if %%c, @body, @out
@body:
  %%m = mul.i32 %%a, %%i
  %%e = add.i32 %%m, %%b
  %%i2 = add.i32 %%i, %%one
  goto @head
@out:
  return %%i
}`
	for _, n := range []int64{1, 2, 7, 100, 1 << 20} {
		for _, a := range []int64{-3000, -7, -1, 0, 1, 2, 5, 3000} {
			for _, b := range []int64{-1 << 30, -10, 0, 3, 1 << 30} {
				t.Run(fmt.Sprintf("n=%d,a=%d,b=%d", n, a, b), func(t *testing.T) {
					g := irtext.MustParse(fmt.Sprintf(src, n, a, b))
					lo, hi, ok := NewRange(Analyze(g)).MinMax(g.ValueNamed("i2"), g.ValueNamed("e"))
					require.True(t, ok)
					require.True(t, lo.IsConstant(), "bounds of a constant loop are constant")
					require.True(t, hi.IsConstant())

					first, last := b, a*(n-1)+b
					vmin, vmax := min(first, last), max(first, last)
					if vmin <= math.MinInt32 || vmax >= math.MaxInt32 {
						assert.True(t, lo.B == math.MinInt32 || hi.B == math.MaxInt32,
							"values leaving int32 must not produce a tight range")
						return
					}
					assert.LessOrEqual(t, int64(lo.B), vmin)
					assert.GreaterOrEqual(t, int64(hi.B), vmax)
				})
			}
		}
	}
}
