package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/config"
	"github.com/roach88/provflow/internal/harness"
)

// ScenarioOptions holds flags for the scenario commands.
type ScenarioOptions struct {
	*RootOptions
	RunDirectory string
	ConfigPath   string
	Defines      []string
	Export       string
}

// NewScenarioCommand creates the scenario command group.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run and validate workflow scenarios",
	}
	cmd.AddCommand(newScenarioRunCommand(rootOpts))
	cmd.AddCommand(newScenarioValidateCommand(rootOpts))
	return cmd
}

func newScenarioRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-file-or-dir>",
		Short: "Run scenarios and evaluate their assertions",
		Long: `Run a scenario file, or every scenario in a directory.

A single scenario writes its trace to --run when given and stays in memory
otherwise. A directory of scenarios writes each one to <run>/<name>.

Exit codes:
  0  every scenario passed
  1  a scenario failed to run or an assertion failed
  2  command error (missing files, bad flags)

Examples:
  provflow scenario run testdata/scenarios/multiply.yaml
  provflow scenario run testdata/scenarios/multiply.yaml --run ./runs/multiply --export graph
  provflow scenario run testdata/scenarios --run ./runs
  provflow scenario run hello.yaml --config run.cue --define user=alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.RunDirectory, "run", "", "run directory (or root directory for a suite)")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "base configuration file (.yaml or .cue)")
	cmd.Flags().StringArrayVarP(&opts.Defines, "define", "D", nil, "system property key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Export, "export", "", fmt.Sprintf("print one export of a single scenario (%s)", strings.Join(harness.DefaultExports, ", ")))

	return cmd
}

func newScenarioValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <scenario-file>",
		Short:         "Check a scenario file without running it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			s, err := harness.LoadScenario(args[0])
			if err != nil {
				out.Error("INVALID_SCENARIO", err.Error(), nil)
				return WrapExitError(ExitFailure, "invalid scenario", err)
			}
			if out.Format == "json" {
				return out.Success(map[string]any{
					"name":   s.Name,
					"events": len(s.Events),
					"nodes":  len(s.Workflow.Nodes),
				})
			}
			return out.Success(fmt.Sprintf("✓ %s: %d nodes, %d events", s.Name, len(s.Workflow.Nodes), len(s.Events)))
		},
	}
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func runScenarios(cmd *cobra.Command, path string, opts *ScenarioOptions) error {
	out := newFormatter(cmd, opts.RootOptions)

	base, err := baseConfig(opts)
	if err != nil {
		return err
	}

	stdout := io.Discard
	if opts.Verbose {
		stdout = cmd.ErrOrStderr()
	}
	runOpts := []harness.Option{
		harness.WithLogger(opts.logger()),
		harness.WithStdout(stdout),
	}
	if base != nil {
		runOpts = append(runOpts, harness.WithBaseConfig(base))
		if opts.RunDirectory == "" {
			opts.RunDirectory = base.RunDirectory
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario path not found", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if info.IsDir() {
		if opts.Export != "" {
			return NewExitError(ExitCommandError, "--export requires a single scenario file")
		}
		return runSuite(ctx, out, path, opts, runOpts)
	}
	return runSingle(ctx, out, path, opts, runOpts)
}

// baseConfig loads --config and applies --define on top of it.
func baseConfig(opts *ScenarioOptions) (*config.Config, error) {
	if opts.ConfigPath == "" && len(opts.Defines) == 0 {
		return nil, nil
	}
	cfg := &config.Config{}
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	for _, d := range opts.Defines {
		key, value, ok := strings.Cut(d, "=")
		if !ok || key == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid --define %q: want key=value", d))
		}
		if cfg.SystemProperties == nil {
			cfg.SystemProperties = make(map[string]string)
		}
		cfg.SystemProperties[key] = value
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

func runSingle(ctx context.Context, out *OutputFormatter, path string, opts *ScenarioOptions, runOpts []harness.Option) error {
	s, err := harness.LoadScenario(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}
	if opts.Export != "" && !isExport(opts.Export) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown export %q: must be one of %v", opts.Export, harness.DefaultExports))
	}
	if opts.Export != "" && !selects(s, opts.Export) {
		s.Exports = append(s.Exports, opts.Export)
	}
	if opts.RunDirectory != "" {
		runOpts = append(runOpts, harness.WithRunDirectory(opts.RunDirectory))
	}

	out.VerboseLog("Running scenario %s", s.Name)
	result, err := harness.Run(ctx, s, runOpts...)
	if err != nil {
		out.Error(ErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, fmt.Sprintf("scenario %s failed", s.Name), err)
	}

	if out.Format == "json" {
		if err := out.Success(result); err != nil {
			return err
		}
	} else if opts.Export != "" && result.Pass {
		fmt.Fprint(out.Writer, result.Exports[opts.Export])
	} else {
		printResult(out, result)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s: %d assertion(s) failed", s.Name, len(result.Errors)))
	}
	return nil
}

func runSuite(ctx context.Context, out *OutputFormatter, dir string, opts *ScenarioOptions, runOpts []harness.Option) error {
	paths, err := harness.DiscoverScenarios(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to discover scenarios", err)
	}
	if len(paths) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no scenarios in %s", dir))
	}

	out.VerboseLog("Running %d scenarios from %s", len(paths), dir)
	result := harness.RunSuite(ctx, paths, opts.RunDirectory, runOpts...)

	if out.Format == "json" {
		if err := out.Success(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out.Writer, "%d scenarios: %d passed, %d failed\n", result.TotalScenarios, result.Passed, result.Failed)
		for _, f := range result.Failures {
			fmt.Fprintf(out.Writer, "✗ %s\n  %s\n", f.ScenarioPath, f.Error)
		}
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.TotalScenarios))
	}
	return nil
}

func printResult(out *OutputFormatter, r *harness.Result) {
	if r.Pass {
		fmt.Fprintf(out.Writer, "✓ %s (%d events)\n", r.Scenario, r.Events)
		if r.RunDirectory != "" {
			fmt.Fprintf(out.Writer, "  run: %s\n", r.RunDirectory)
		}
		return
	}
	fmt.Fprintf(out.Writer, "✗ %s\n", r.Scenario)
	for _, e := range r.Errors {
		fmt.Fprintf(out.Writer, "  %s\n", strings.ReplaceAll(e, "\n", "\n  "))
	}
}

func isExport(name string) bool {
	for _, e := range harness.DefaultExports {
		if e == name {
			return true
		}
	}
	return false
}

func selects(s *harness.Scenario, export string) bool {
	if len(s.Exports) == 0 {
		return true
	}
	for _, e := range s.Exports {
		if e == export {
			return true
		}
	}
	return false
}
