package phielim

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
)

const loopWithInvariantPhi = `
method m(%x: i32, %n: i32): i32 {
@entry:
  %z = const.i32 #0
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @body]
  %k = phi.i32 [%x, @entry], [%k, @body]
  %c = lt %i, %n
  if %c, @body, @out
@body:
  %i2 = add.i32 %i, %k
  goto @head
@out:
  return %k
}`

func TestRedundantSelfReferencingPhi(t *testing.T) {
	g := irtext.MustParse(loopWithInvariantPhi)
	assert.True(t, RedundantPhis{}.Run(g))
	require.NoError(t, ir.Check(g))

	x := g.ValueNamed("x")
	assert.False(t, g.ValueNamed("k").Valid())
	assert.True(t, g.ValueNamed("i").Valid())
	assert.Equal(t, x, g.Inst(g.ValueNamed("i2")).Input(1))
	assert.Equal(t, x, g.Inst(g.Block(g.BlockNamed("out")).Last()).Input(0))
	assert.False(t, RedundantPhis{}.Run(g))
}

func TestRedundantChainResolves(t *testing.T) {
	g := irtext.MustParse(`
method m(%c: bool, %x: i32): i32 {
@entry:
  if %c, @a, @b
@a:
  goto @j1
@b:
  goto @j1
@j1:
  %p = phi.i32 [%x, @a], [%x, @b]
  if %c, @d, @e
@d:
  goto @j2
@e:
  goto @j2
@j2:
  %q = phi.i32 [%p, @d], [%x, @e]
  return %q
}`)
	assert.True(t, RedundantPhis{}.Run(g))
	require.NoError(t, ir.Check(g))
	assert.False(t, g.ValueNamed("p").Valid())
	assert.False(t, g.ValueNamed("q").Valid(), "q is re-examined once p is gone")
}

func TestCatchPhiWithDominatingCandidate(t *testing.T) {
	g := irtext.MustParse(`
method m(%o: ref, %x: i32): i32 {
@entry:
  try @body, @handler
@body:
  %v = iget.i32 %o, #4
  try @more, @handler
@more:
  return %v
@handler catch:
  %h = phi.i32 [%x, @entry], [%x, @body]
  return %h
}`)
	assert.True(t, RedundantPhis{}.Run(g))
	require.NoError(t, ir.Check(g))
	ret := g.Inst(g.Block(g.BlockNamed("handler")).Last())
	assert.Equal(t, g.ValueNamed("x"), ret.Input(0))
}

const catchEscape = `
method m(%o: ref, %c: bool): i32 {
@entry:
  if %c, @a, @b
@a:
  %v = iget.i32 %o, #4
  try @more, @handler
@b:
  %w = iget.i32 %o, #8
  try @more, @handler
@more:
  %z = const.i32 #0
  return %z
@handler%KIND%:
  %h = phi.i32 [%v, @a], [%w, @b]
  return %h
}`

// escapingPhi parses catchEscape and routes %v along both edges into the
// handler. An exceptional edge leaves a try block at any throwing
// instruction, so a catch phi can carry a value the handler never sees
// defined.
func escapingPhi(t *testing.T, kind string) *ir.Graph {
	t.Helper()
	g := irtext.MustParse(strings.Replace(catchEscape, "%KIND%", kind, 1))
	g.ReplaceInput(g.ValueNamed("h"), 1, g.ValueNamed("v"))
	return g
}

func TestCatchPhiWithNonDominatingCandidateIsKept(t *testing.T) {
	g := escapingPhi(t, " catch")
	assert.False(t, RedundantPhis{}.Run(g))
	require.True(t, g.ValueNamed("h").Valid())
	ret := g.Inst(g.Block(g.BlockNamed("handler")).Last())
	assert.Equal(t, g.ValueNamed("h"), ret.Input(0))

	// The same shape outside a catch block folds.
	g = escapingPhi(t, "")
	assert.True(t, RedundantPhis{}.Run(g))
	assert.False(t, g.ValueNamed("h").Valid())
}

func TestDeadPhiCycle(t *testing.T) {
	g := irtext.MustParse(`
method m(%x: i32, %n: i32): i32 {
@entry:
  %z = const.i32 #0
  goto @head
@head:
  %i = phi.i32 [%z, @entry], [%i2, @body]
  %a = phi.i32 [%x, @entry], [%b, @body]
  %c = lt %i, %n
  if %c, @body, @out
@body:
  %b = phi.i32 [%a, @head]
  %one = const.i32 #1
  %i2 = add.i32 %i, %one
  goto @head
@out:
  return %i
}`)
	assert.True(t, DeadPhis{}.Run(g))
	require.NoError(t, ir.Check(g))
	assert.False(t, g.ValueNamed("a").Valid())
	assert.False(t, g.ValueNamed("b").Valid())
	assert.True(t, g.ValueNamed("i").Valid())
	assert.False(t, DeadPhis{}.Run(g))
}

func TestDeadPhiKeepsPhiFeedingLivePhi(t *testing.T) {
	g := irtext.MustParse(`
method m(%c: bool, %x: i32, %y: i32): i32 {
@entry:
  if %c, @a, @b
@a:
  goto @j
@b:
  goto @j
@j:
  %p = phi.i32 [%x, @a], [%y, @b]
  goto @k
@k:
  %q = phi.i32 [%p, @j]
  return %q
}`)
	assert.False(t, DeadPhis{}.Run(g))
	assert.True(t, g.ValueNamed("p").Valid())
}
