// Package config holds compiler settings: target ISA and features, pass
// selection, linker tuning and debugging switches. Settings come from a
// YAML file, environment overrides and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"
	"golang.org/x/sys/cpu"
	"gopkg.in/yaml.v3"
)

// ErrUnknownISA is returned for an instruction set name no backend
// implements.
var ErrUnknownISA = errors.New("unknown instruction set")

// ISA names a target instruction set.
type ISA string

var _ pflag.Value = (*ISA)(nil)

const (
	ARM64  ISA = "arm64"
	Thumb2 ISA = "thumb2"
	AMD64  ISA = "amd64"
)

// ISAs lists every supported instruction set.
var ISAs = []ISA{ARM64, Thumb2, AMD64}

func ParseISA(s string) (ISA, error) {
	switch strings.ToLower(s) {
	case "arm64", "aarch64":
		return ARM64, nil
	case "thumb2", "arm", "thumb":
		return Thumb2, nil
	case "amd64", "x86_64", "x86-64":
		return AMD64, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownISA, s)
}

func (i ISA) String() string { return string(i) }

func (i *ISA) Set(s string) error {
	v, err := ParseISA(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func (i *ISA) Type() string { return "isa" }

func (i *ISA) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return i.Set(s)
}

// Features are optional instruction set extensions the backends may use.
type Features struct {
	// Popcnt enables an inline population count (amd64 POPCNT, arm64 CNT).
	Popcnt bool `yaml:"popcnt"`
	// Divide enables hardware integer division on thumb2.
	Divide bool `yaml:"divide"`
	// Atomics enables arm64 LSE atomics.
	Atomics bool `yaml:"atomics"`
}

// HostFeatures reports what the machine running the compiler supports for
// isa. A cross target gets the conservative baseline.
func HostFeatures(isa ISA) Features {
	switch {
	case isa == AMD64 && runtime.GOARCH == "amd64":
		return Features{Popcnt: cpu.X86.HasPOPCNT}
	case isa == ARM64 && runtime.GOARCH == "arm64":
		return Features{Popcnt: true, Atomics: cpu.ARM64.HasATOMICS}
	case isa == Thumb2 && runtime.GOARCH == "arm":
		return Features{Divide: cpu.ARM.HasIDIVT}
	}
	return Baseline(isa)
}

// Baseline is the feature set every implementation of isa provides.
func Baseline(isa ISA) Features {
	if isa == ARM64 {
		// Advanced SIMD is mandatory on arm64, so CNT is always there.
		return Features{Popcnt: true}
	}
	return Features{}
}

type Target struct {
	ISA ISA `yaml:"isa"`
	// FeatureMode is "baseline", "host" or "explicit" to take Features
	// as written.
	FeatureMode string   `yaml:"feature_mode"`
	Features    Features `yaml:"features"`
}

// Passes selects optimization passes. An empty List means the default
// order for the ISA.
type Passes struct {
	List     []string `yaml:"list"`
	Disabled []string `yaml:"disabled"`
}

// Linker tunes the relative patcher.
type Linker struct {
	// ThunkReuseWindow overrides the ISA's window in bytes within which an
	// existing thunk is reused. Zero keeps the ISA default.
	ThunkReuseWindow int64 `yaml:"thunk_reuse_window"`
	// ImageBase is the load address assumed by absolute thunks.
	ImageBase uint64 `yaml:"image_base"`
	// Align overrides method alignment. Zero keeps the ISA default.
	Align int `yaml:"align"`
}

// Bisect limits which optimizations run, for hunting miscompilations.
// Negative values disable the corresponding limit.
type Bisect struct {
	Method int `yaml:"method"`
	Pass   int `yaml:"pass"`
}

type Debug struct {
	Verify   bool   `yaml:"verify"`
	FailFast bool   `yaml:"fail_fast"`
	Bisect   Bisect `yaml:"bisect"`
}

type Config struct {
	Target Target `yaml:"target"`
	Passes Passes `yaml:"passes"`
	Linker Linker `yaml:"linker"`
	Debug  Debug  `yaml:"debug"`
	Jobs   int    `yaml:"jobs"`
}

// Default returns the settings used when nothing else is specified.
func Default() *Config {
	return &Config{
		Target: Target{ISA: ARM64, FeatureMode: "baseline", Features: Baseline(ARM64)},
		Debug:  Debug{Bisect: Bisect{Method: -1, Pass: -1}},
		Jobs:   runtime.NumCPU(),
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML settings over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.resolveFeatures(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolveFeatures() error {
	switch c.Target.FeatureMode {
	case "explicit":
	case "", "baseline":
		c.Target.FeatureMode = "baseline"
		c.Target.Features = Baseline(c.Target.ISA)
	case "host":
		c.Target.Features = HostFeatures(c.Target.ISA)
	default:
		return fmt.Errorf("unknown feature mode %q", c.Target.FeatureMode)
	}
	return nil
}

// Environment variables consulted by ApplyEnv.
const (
	EnvISA    = "RALPH_OAT_ISA"
	EnvJobs   = "RALPH_OAT_JOBS"
	EnvVerify = "RALPH_OAT_VERIFY"
)

// ApplyEnv overrides settings from the environment as it is now.
func (c *Config) ApplyEnv() error {
	env.Load()
	if env.Has(EnvISA) {
		isa, err := ParseISA(env.Str(EnvISA))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvISA, err)
		}
		c.SetISA(isa)
	}
	if env.Has(EnvJobs) {
		c.Jobs = env.Int(EnvJobs, c.Jobs)
	}
	if env.Has(EnvVerify) {
		c.Debug.Verify = env.Bool(EnvVerify)
	}
	return c.Validate()
}

// SetISA switches the target and recomputes features for it unless they
// were given explicitly.
func (c *Config) SetISA(isa ISA) {
	if c.Target.ISA == isa {
		return
	}
	c.Target.ISA = isa
	switch c.Target.FeatureMode {
	case "host":
		c.Target.Features = HostFeatures(isa)
	case "explicit":
	default:
		c.Target.Features = Baseline(isa)
	}
}

func (c *Config) Validate() error {
	if _, err := ParseISA(string(c.Target.ISA)); err != nil {
		return err
	}
	if c.Jobs < 1 {
		c.Jobs = 1
	}
	if c.Linker.ThunkReuseWindow < 0 {
		return fmt.Errorf("thunk_reuse_window must not be negative, got %d", c.Linker.ThunkReuseWindow)
	}
	if a := c.Linker.Align; a != 0 && a&(a-1) != 0 {
		return fmt.Errorf("linker align must be a power of two, got %d", a)
	}
	return nil
}
