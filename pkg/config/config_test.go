package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
target:
  isa: thumb2
  feature_mode: explicit
  features:
    divide: true
passes:
  disabled: [gvn_after_arch]
linker:
  thunk_reuse_window: 4096
debug:
  verify: true
  bisect:
    method: 3
    pass: 2
jobs: 2
`))
	require.NoError(t, err)
	assert.Equal(t, Thumb2, cfg.Target.ISA)
	assert.True(t, cfg.Target.Features.Divide)
	assert.Equal(t, []string{"gvn_after_arch"}, cfg.Passes.Disabled)
	assert.Equal(t, int64(4096), cfg.Linker.ThunkReuseWindow)
	assert.True(t, cfg.Debug.Verify)
	assert.Equal(t, Bisect{Method: 3, Pass: 2}, cfg.Debug.Bisect)
	assert.Equal(t, 2, cfg.Jobs)
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("target:\n  isa: amd64\n"))
	require.NoError(t, err)
	assert.Equal(t, AMD64, cfg.Target.ISA)
	assert.Equal(t, Baseline(AMD64), cfg.Target.Features)
	assert.Equal(t, Bisect{Method: -1, Pass: -1}, cfg.Debug.Bisect)
	assert.GreaterOrEqual(t, cfg.Jobs, 1)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("target:\n  isa: mips\n"))
	require.ErrorIs(t, err, ErrUnknownISA)

	_, err = Parse([]byte("target:\n  feature_mode: turbo\n"))
	require.ErrorContains(t, err, "unknown feature mode")

	_, err = Parse([]byte("linker:\n  align: 12\n"))
	require.ErrorContains(t, err, "power of two")
}

func TestISAFlagValue(t *testing.T) {
	var isa ISA
	require.NoError(t, isa.Set("aarch64"))
	assert.Equal(t, ARM64, isa)
	assert.Equal(t, "isa", isa.Type())
	assert.ErrorIs(t, isa.Set("sparc"), ErrUnknownISA)
	assert.Equal(t, ARM64, isa)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvISA, "amd64")
	t.Setenv(EnvJobs, "3")
	t.Setenv(EnvVerify, "true")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, AMD64, cfg.Target.ISA)
	assert.Equal(t, Baseline(AMD64), cfg.Target.Features)
	assert.Equal(t, 3, cfg.Jobs)
	assert.True(t, cfg.Debug.Verify)
}

func TestApplyEnvRejectsBadISA(t *testing.T) {
	t.Setenv(EnvISA, "vax")
	assert.ErrorIs(t, Default().ApplyEnv(), ErrUnknownISA)
}

func TestApplyEnvSeesLaterChanges(t *testing.T) {
	t.Setenv(EnvISA, "thumb2")
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, Thumb2, cfg.Target.ISA)

	t.Setenv(EnvISA, "amd64")
	cfg = Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, AMD64, cfg.Target.ISA)
}
