package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/term"

	"github.com/raymyers/ralph-oat/pkg/codegen"
	"github.com/raymyers/ralph-oat/pkg/compiler"
	"github.com/raymyers/ralph-oat/pkg/config"
	"github.com/raymyers/ralph-oat/pkg/ir"
	"github.com/raymyers/ralph-oat/pkg/irtext"
	"github.com/raymyers/ralph-oat/pkg/lir"
	"github.com/raymyers/ralph-oat/pkg/pass"
)

var version = "0.1.0"

// options holds the command line. Flags left unset keep the value from
// the config file and the environment.
type options struct {
	isa          config.ISA
	configPath   string
	passes       []string
	disabled     []string
	bisectMethod int
	bisectPass   int
	jobs         int
	output       string
	debugFrame   string
	dSSA         bool
	dLIR         bool
	verify       bool
	failFast     bool
	progress     bool
	verbose      int
	logPath      string
}

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "ralph-oat [file.ir]",
		Short: "ralph-oat compiles textual SSA methods ahead of time",
		Long: `ralph-oat optimizes methods written in its textual SSA form, generates
machine code for arm64, thumb2 or amd64 and links the methods into one
code image with call thunks and a .debug_frame section.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			configureLogging(opts)
			cfg, err := buildConfig(cmd, opts)
			if err != nil {
				printError(errOut, err)
				return err
			}
			if err := compileFile(args[0], cfg, opts, out, errOut); err != nil {
				printError(errOut, err)
				return err
			}
			return nil
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		printError(errOut, err)
		return err
	})

	f := rootCmd.Flags()
	f.Var(&opts.isa, "isa", "Target instruction set (arm64, thumb2, amd64)")
	f.StringVarP(&opts.configPath, "config", "c", "", "Read settings from a YAML file")
	f.StringSliceVar(&opts.passes, "passes", nil, "Run exactly these passes, in order")
	f.StringSliceVar(&opts.disabled, "disable-pass", nil, "Skip a pass (repeatable)")
	f.IntVar(&opts.bisectMethod, "bisect-method", -1, "Optimize only methods before this index fully")
	f.IntVar(&opts.bisectPass, "bisect-pass", -1, "Passes to run on the bisect method")
	f.IntVarP(&opts.jobs, "jobs", "j", 0, "Methods compiled in parallel")
	f.StringVarP(&opts.output, "output", "o", "", "Write the linked image to this file")
	f.StringVar(&opts.debugFrame, "debug-frame", "", "Write the .debug_frame section to this file")
	f.BoolVar(&opts.dSSA, "dssa", false, "Dump each method after optimization")
	f.BoolVar(&opts.dLIR, "dlir", false, "Dump each method's allocated low-level code")
	f.BoolVar(&opts.verify, "verify", false, "Check graph invariants after every pass")
	f.BoolVar(&opts.failFast, "fail-fast", false, "Crash on the first invariant violation")
	f.BoolVar(&opts.progress, "progress", false, "Show a progress bar")
	f.CountVarP(&opts.verbose, "verbose", "v", "Log more (repeatable)")
	f.StringVar(&opts.logPath, "log", "", "Write the log to this file")

	rootCmd.AddCommand(newPassesCmd(out))
	return rootCmd
}

func newPassesCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "passes",
		Short: "List the registered optimization passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inDefault := map[string]bool{}
			fmt.Fprintln(out, "default order:")
			for i, name := range pass.DefaultNames() {
				inDefault[name] = true
				fmt.Fprintf(out, "  %2d %s\n", i+1, name)
			}
			var extra []string
			for _, name := range pass.Names() {
				if !inDefault[name] {
					extra = append(extra, name)
				}
			}
			if len(extra) > 0 {
				fmt.Fprintln(out, "also registered:")
				for _, name := range extra {
					fmt.Fprintf(out, "     %s\n", name)
				}
			}
			fmt.Fprint(out, "backends:")
			for _, isa := range codegen.Registered() {
				fmt.Fprintf(out, " %s", isa)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func configureLogging(opts *options) {
	var path *string
	if opts.logPath != "" {
		path = &opts.logPath
	}
	commonlog.Configure(opts.verbose, path)
}

// buildConfig layers the defaults, the config file, the environment and
// the flags that were set, in that order.
func buildConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("isa") {
		cfg.SetISA(opts.isa)
	}
	if flags.Changed("passes") {
		cfg.Passes.List = opts.passes
	}
	cfg.Passes.Disabled = append(cfg.Passes.Disabled, opts.disabled...)
	if flags.Changed("bisect-method") {
		cfg.Debug.Bisect.Method = opts.bisectMethod
	}
	if flags.Changed("bisect-pass") {
		cfg.Debug.Bisect.Pass = opts.bisectPass
	}
	if flags.Changed("jobs") {
		cfg.Jobs = opts.jobs
	}
	if opts.verify {
		cfg.Debug.Verify = true
	}
	if opts.failFast {
		cfg.Debug.FailFast = true
	}
	return cfg, cfg.Validate()
}

func compileFile(filename string, cfg *config.Config, opts *options, out, errOut io.Writer) error {
	graphs, err := irtext.ParseFile(filename)
	if err != nil {
		return err
	}
	u, err := compiler.New(cfg)
	if err != nil {
		return err
	}

	// Dumps are produced concurrently and printed in method order.
	dumps := make([]bytes.Buffer, len(graphs))
	slot := map[*ir.Graph]int{}
	for i, g := range graphs {
		slot[g] = i
	}
	if opts.dSSA {
		u.Hooks.Optimized = func(g *ir.Graph) { ir.Fprint(&dumps[slot[g]], g) }
	}
	if opts.dLIR {
		conv := u.Backend().Conventions()
		u.Hooks.Generated = func(g *ir.Graph, m *codegen.Method) { lir.Fprint(&dumps[slot[g]], m.LIR, conv) }
	}
	if opts.progress {
		bar := progressbar.NewOptions(len(graphs),
			progressbar.OptionSetWriter(errOut),
			progressbar.OptionSetDescription("compiling"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		u.Hooks.Finished = func(*ir.Graph, bool) { _ = bar.Add(1) }
		defer bar.Finish()
	}

	res, err := u.Compile(context.Background(), graphs)
	if err != nil {
		return err
	}
	for i := range dumps {
		if _, err := dumps[i].WriteTo(out); err != nil {
			return err
		}
	}

	for _, m := range res.Methods {
		if m.Fallback {
			printWarning(errOut, "%s compiled as a runtime bridge: %s", m.Name, m.Reason)
		}
	}
	if opts.output != "" {
		if err := os.WriteFile(opts.output, res.Image, 0644); err != nil {
			return fmt.Errorf("error writing %s: %w", opts.output, err)
		}
	}
	if opts.debugFrame != "" {
		if err := os.WriteFile(opts.debugFrame, res.DebugFrame, 0644); err != nil {
			return fmt.Errorf("error writing %s: %w", opts.debugFrame, err)
		}
	}
	if opts.output == "" && !opts.dSSA && !opts.dLIR {
		printSummary(out, cfg, res)
	}
	return nil
}

func printSummary(w io.Writer, cfg *config.Config, res *compiler.Result) {
	s := res.Stats
	fmt.Fprintf(w, "%s: %d methods, %d bridged, %d thunks, %d bytes\n",
		cfg.Target.ISA, s.Compiled+s.Fallback, s.Fallback, s.Thunks, s.Bytes)
	for _, m := range res.Methods {
		note := ""
		if m.Fallback {
			note = "  (bridge)"
		}
		fmt.Fprintf(w, "  %#08x %6d  %s%s\n", m.Offset, m.Size, m.Name, note)
	}
	for _, t := range res.Thunks {
		fmt.Fprintf(w, "  %#08x thunk -> %d\n", t.Offset, t.Target)
	}
}

// colored reports whether w is a terminal that gets colored diagnostics.
func colored(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printError(w io.Writer, err error) {
	prefix := color.New(color.FgRed, color.Bold)
	if colored(w) {
		prefix.EnableColor()
	} else {
		prefix.DisableColor()
	}
	fmt.Fprintf(w, "%s %v\n", prefix.Sprint("ralph-oat: error:"), err)
}

func printWarning(w io.Writer, format string, args ...any) {
	prefix := color.New(color.FgYellow)
	if colored(w) {
		prefix.EnableColor()
	} else {
		prefix.DisableColor()
	}
	fmt.Fprintf(w, "%s %s\n", prefix.Sprint("ralph-oat: warning:"), fmt.Sprintf(format, args...))
}
