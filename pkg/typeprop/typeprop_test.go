package typeprop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
)

func nullable(g *ir.Graph, name string) bool {
	return g.Inst(g.ValueNamed(name)).Nullable
}

func TestPhiOfNonNullInputs(t *testing.T) {
	g := irtext.MustParse(`
method m(%c: bool, %p: ref nonnull): ref {
@entry:
  if %c, @a, @b
@a:
  %n = new.ref #3
  goto @j
@b:
  goto @j
@j:
  %r = phi.ref [%n, @a], [%p, @b]
  %chk = nullcheck.ref %r
  return %chk
}`)
	assert.True(t, New().Run(g))
	require.NoError(t, ir.Check(g))
	assert.False(t, nullable(g, "r"))
	assert.False(t, g.ValueNamed("chk").Valid(), "null check of a non-null phi is dropped")
	ret := g.Inst(g.Block(g.BlockNamed("j")).Last())
	assert.Equal(t, g.ValueNamed("r"), ret.Input(0))
}

func TestNullInputMakesPhiNullable(t *testing.T) {
	g := irtext.MustParse(`
method m(%c: bool, %p: ref nonnull): ref {
@entry:
  %z = null.ref
  if %c, @a, @b
@a:
  goto @j
@b:
  goto @j
@j:
  %r = phi.ref [%z, @a], [%p, @b]
  %chk = nullcheck.ref %r
  return %chk
}`)
	New().Run(g)
	assert.True(t, nullable(g, "r"))
	assert.True(t, g.ValueNamed("chk").Valid())
}

const loop = `
method m(%n: i32, %p: ref nonnull, %o: ref): ref {
@entry:
  %z = const.i32 #0
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @body]
  %r = phi.ref [%p, @entry], [%r2, @body]
  %c = lt %i, %n
  if %c, @body, @out
@body:
  %r2 = %SRC%
  %one = const.i32 #1
  %i2 = add.i32 %i, %one
  goto @head
@out:
  return %r
}`

func TestLoopPhiSettles(t *testing.T) {
	t.Run("non-null back edge", func(t *testing.T) {
		g := irtext.MustParse(strings.Replace(loop, "%SRC%", "new.ref #1", 1))
		New().Run(g)
		assert.False(t, nullable(g, "r"))
	})
	t.Run("nullable back edge", func(t *testing.T) {
		g := irtext.MustParse(strings.Replace(loop, "%SRC%", "iget.ref %o, #8", 1))
		New().Run(g)
		assert.True(t, nullable(g, "r"))
	})
}

func TestSelectOfLoopPhiKeepsNullCheck(t *testing.T) {
	g := irtext.MustParse(`
method m(%n: i32, %c: bool, %d: bool, %p: ref nonnull, %q: ref nonnull): ref {
@entry:
  %z = const.i32 #0
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @latch]
  %r = phi.ref [%p, @entry], [%m, @latch]
  %s = select.ref %c, %r, %q
  %chk = nullcheck.ref %s
  %one = const.i32 #1
  %i2 = add.i32 %i, %one
  %go = lt %i2, %n
  if %go, @split, @out
@split:
  if %d, @a, @b
@a:
  %nul = null.ref
  goto @latch
@b:
  goto @latch
@latch:
  %m = phi.ref [%nul, @a], [%chk, @b]
  goto @head
@out:
  return %chk
}`)
	New().Run(g)
	require.NoError(t, ir.Check(g))
	assert.True(t, nullable(g, "r"))
	assert.True(t, nullable(g, "s"), "the select reads the header phi")
	assert.True(t, g.ValueNamed("chk").Valid(), "null on the second iteration")
	assert.False(t, nullable(g, "chk"))
	assert.False(t, New().Run(g), "second run finds nothing new")
}

func TestSelectNullability(t *testing.T) {
	g := irtext.MustParse(`
method m(%c: bool, %p: ref nonnull, %q: ref nonnull, %o: ref): ref {
@entry:
  %s = select.ref %c, %p, %q
  %u = select.ref %c, %p, %o
  %chk = nullcheck.ref %u
  return %s
}`)
	New().Run(g)
	assert.False(t, nullable(g, "s"))
	assert.True(t, nullable(g, "u"))
	assert.True(t, nullable(g, "o"))
}

func TestPhiTypeMerge(t *testing.T) {
	g := irtext.MustParse(`
method m(%c: bool, %x: i32): i32 {
@entry:
  if %c, @a, @b
@a:
  goto @j
@b:
  goto @j
@j:
  %r = phi.i64 [%c, @a], [%x, @b]
  %s = phi.i64 [%x, @a], [%x, @b]
  return %s
}`)
	New().Run(g)
	assert.Equal(t, ir.Int32, g.Inst(g.ValueNamed("r")).Type)
	assert.Equal(t, ir.Int32, g.Inst(g.ValueNamed("s")).Type)
	assert.False(t, New().Run(g), "second run finds nothing new")
}
