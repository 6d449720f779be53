package selects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
)

func run(t *testing.T, src string) (*ir.Graph, bool) {
	t.Helper()
	g := irtext.MustParse(src)
	changed := New().Run(g)
	require.NoError(t, ir.Check(g))
	return g, changed
}

func TestDiamondBecomesSelect(t *testing.T) {
	g, changed := run(t, `
method max(%a: i32, %b: i32): i32 {
@entry:
  %c = gt %a, %b
  if %c, @t, @f
@t:
  %x = add.i32 %a, %a
  goto @m
@f:
  goto @m
@m:
  %p = phi.i32 [%x, @t], [%b, @f]
  return %p
}`)
	assert.True(t, changed)
	assert.Equal(t, `method max(%a: i32, %b: i32): i32 {
@entry:
  %c = gt %a, %b
  %x = add.i32 %a, %a
  %v9 = select.i32 %c, %x, %b
  return %v9
}
`, g.String())
}

func TestPhiInputOrderFollowsArms(t *testing.T) {
	g, _ := run(t, `
method m(%c: bool, %a: i32, %b: i32): i32 {
@entry:
  if %c, @t, @f
@f:
  goto @m
@t:
  goto @m
@m:
  %p = phi.i32 [%b, @f], [%a, @t]
  return %p
}`)
	ret := g.Inst(g.Block(g.Entry).Last())
	sel := g.Inst(ret.Input(0))
	require.Equal(t, ir.OpSelect, sel.Op)
	assert.Equal(t, []ir.ValueID{g.ValueNamed("c"), g.ValueNamed("a"), g.ValueNamed("b")}, sel.Inputs())
}

func TestNegatedBranchIsFlipped(t *testing.T) {
	g, changed := run(t, `
method m(%c: bool, %o: ref, %x: i32) {
@entry:
  %n = not.bool %c
  if %n, @t, @f
@t:
  iput.i32 %o, %x, #4
  return
@f:
  return
}`)
	assert.True(t, changed)
	assert.False(t, g.ValueNamed("n").Valid())
	branch := g.Inst(g.Block(g.Entry).Last())
	assert.Equal(t, g.ValueNamed("c"), branch.Input(0))
	assert.Equal(t, []ir.BlockID{g.BlockNamed("f"), g.BlockNamed("t")}, g.Block(g.Entry).Succs())
}

func TestBooleanDiamonds(t *testing.T) {
	src := func(tv, fv string) string {
		return `
method m(%a: i32, %b: i32): bool {
@entry:
  %c = lt %a, %b
  %one = const.bool #1
  %zero = const.bool #0
  if %c, @t, @f
@t:
  goto @m
@f:
  goto @m
@m:
  %p = phi.bool [%` + tv + `, @t], [%` + fv + `, @f]
  return %p
}`
	}
	t.Run("identity", func(t *testing.T) {
		g, _ := run(t, src("one", "zero"))
		ret := g.Inst(g.Block(g.Entry).Last())
		assert.Equal(t, g.ValueNamed("c"), ret.Input(0))
	})
	t.Run("negation", func(t *testing.T) {
		g, _ := run(t, src("zero", "one"))
		ret := g.Inst(g.Block(g.Entry).Last())
		not := g.Inst(ret.Input(0))
		assert.Equal(t, ir.OpNot, not.Op)
		assert.Equal(t, g.ValueNamed("c"), not.Input(0))
	})
	t.Run("same value", func(t *testing.T) {
		g, _ := run(t, src("one", "one"))
		ret := g.Inst(g.Block(g.Entry).Last())
		assert.Equal(t, g.ValueNamed("one"), ret.Input(0))
	})
}

func TestArmWithSideEffectIsKept(t *testing.T) {
	g, changed := run(t, `
method m(%c: bool, %o: ref, %a: i32): i32 {
@entry:
  if %c, @t, @f
@t:
  %x = iget.i32 %o, #4
  goto @m
@f:
  goto @m
@m:
  %p = phi.i32 [%x, @t], [%a, @f]
  return %p
}`)
	assert.False(t, changed)
	assert.True(t, g.BlockNamed("t").Valid())
}

func TestTwoPhisAreKept(t *testing.T) {
	_, changed := run(t, `
method m(%c: bool, %a: i32, %b: i32): i32 {
@entry:
  if %c, @t, @f
@t:
  goto @m
@f:
  goto @m
@m:
  %p = phi.i32 [%a, @t], [%b, @f]
  %q = phi.i32 [%b, @t], [%a, @f]
  %r = add.i32 %p, %q
  return %r
}`)
	assert.False(t, changed)
}
