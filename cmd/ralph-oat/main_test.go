package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// E2ETestSpec is one case of testdata/e2e.yaml.
type E2ETestSpec struct {
	Name         string   `yaml:"name"`
	Args         []string `yaml:"args"`
	Input        string   `yaml:"input"`
	Fail         bool     `yaml:"fail"`
	Expect       []string `yaml:"expect"`        // must appear on stdout
	ExpectNot    []string `yaml:"expect_not"`    // must not appear on stdout
	ExpectStderr []string `yaml:"expect_stderr"` // must appear on stderr
	Skip         string   `yaml:"skip,omitempty"`
}

type E2ETestFile struct {
	Tests []E2ETestSpec `yaml:"tests"`
}

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.ir")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func execute(args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestFlagsExist(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	for _, name := range []string{
		"isa", "config", "passes", "disable-pass", "bisect-method", "bisect-pass",
		"jobs", "output", "debug-frame", "dssa", "dlir", "verify", "progress", "verbose", "log",
	} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag --%s to exist", name)
		}
	}
}

func TestNoArgsPrintsHelp(t *testing.T) {
	out, _, err := execute()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out, "ralph-oat [file.ir]") {
		t.Errorf("expected usage, got %q", out)
	}
}

func TestPassesCommand(t *testing.T) {
	out, _, err := execute("passes")
	if err != nil {
		t.Fatalf("passes failed: %v", err)
	}
	for _, want := range []string{"default order:", " 1 dead_blocks", "induction_bce", "backends: amd64 arm64 thumb2"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestE2E(t *testing.T) {
	data, err := os.ReadFile("../../testdata/e2e.yaml")
	if err != nil {
		t.Fatalf("failed to read e2e.yaml: %v", err)
	}
	var file E2ETestFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("failed to parse e2e.yaml: %v", err)
	}
	if len(file.Tests) == 0 {
		t.Fatal("e2e.yaml has no tests")
	}

	for _, tc := range file.Tests {
		t.Run(tc.Name, func(t *testing.T) {
			if tc.Skip != "" {
				t.Skip(tc.Skip)
			}
			args := append(append([]string{}, tc.Args...), writeInput(t, tc.Input))
			out, errOut, err := execute(args...)
			if tc.Fail && err == nil {
				t.Fatalf("expected failure, got output:\n%s", out)
			}
			if !tc.Fail && err != nil {
				t.Fatalf("unexpected error: %v\nstderr: %s", err, errOut)
			}
			for _, want := range tc.Expect {
				if !strings.Contains(out, want) {
					t.Errorf("expected stdout to contain %q, got:\n%s", want, out)
				}
			}
			for _, bad := range tc.ExpectNot {
				if strings.Contains(out, bad) {
					t.Errorf("expected stdout not to contain %q, got:\n%s", bad, out)
				}
			}
			for _, want := range tc.ExpectStderr {
				if !strings.Contains(errOut, want) {
					t.Errorf("expected stderr to contain %q, got:\n%s", want, errOut)
				}
			}
		})
	}
}

func TestOutputFiles(t *testing.T) {
	input := writeInput(t, `
method one(%a: i32): i32 {
@entry:
  return %a
}
`)
	dir := t.TempDir()
	image := filepath.Join(dir, "out.bin")
	frame := filepath.Join(dir, "out.debug_frame")
	_, errOut, err := execute("--isa", "arm64", "-o", image, "--debug-frame", frame, input)
	if err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", err, errOut)
	}
	code, err := os.ReadFile(image)
	if err != nil {
		t.Fatal(err)
	}
	// A frameless leaf ends in ret.
	if len(code)%4 != 0 || !bytes.HasSuffix(code, []byte{0xc0, 0x03, 0x5f, 0xd6}) {
		t.Errorf("unexpected image % x", code)
	}
	section, err := os.ReadFile(frame)
	if err != nil {
		t.Fatal(err)
	}
	if len(section) == 0 || len(section)%8 != 0 {
		t.Errorf("unexpected .debug_frame size %d", len(section))
	}
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ralph-oat.yaml")
	cfgYAML := "target:\n  isa: amd64\njobs: 2\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0644); err != nil {
		t.Fatal(err)
	}
	input := writeInput(t, "method id(%a: i32): i32 {\n@entry:\n  return %a\n}\n")

	out, errOut, err := execute("--config", cfgPath, input)
	if err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", err, errOut)
	}
	if !strings.HasPrefix(out, "amd64:") {
		t.Errorf("expected the config file's isa, got %q", out)
	}

	out, _, err = execute("--config", cfgPath, "--isa", "thumb2", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "thumb2:") {
		t.Errorf("expected --isa to override the config file, got %q", out)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("RALPH_OAT_ISA", "thumb2")
	input := writeInput(t, "method id(%a: i32): i32 {\n@entry:\n  return %a\n}\n")
	out, _, err := execute(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "thumb2:") {
		t.Errorf("expected RALPH_OAT_ISA to pick the target, got %q", out)
	}
}

func TestMissingFile(t *testing.T) {
	_, errOut, err := execute(filepath.Join(t.TempDir(), "nope.ir"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(errOut, "failed to read file") {
		t.Errorf("expected a read error, got %q", errOut)
	}
}
