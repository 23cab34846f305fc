package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/metadata"
	"github.com/roach88/provflow/internal/trace"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	RunDirectory string
	MetadataDir  string
	Table        string
}

// report renders one view of a trace as text and as JSON data.
type report func(ctx context.Context, tr *trace.Trace, opts *ReportOptions) (text string, data any, err error)

func prologReport(fn func(*trace.Trace, context.Context) (string, error)) report {
	return func(ctx context.Context, tr *trace.Trace, _ *ReportOptions) (string, any, error) {
		text, err := fn(tr, ctx)
		if err != nil {
			return "", nil, err
		}
		return text, factLines(text), nil
	}
}

var reports = map[string]report{
	"graph":           prologReport((*trace.Trace).WorkflowGraphProlog),
	"nodes":           prologReport((*trace.Trace).WorkflowNodesProlog),
	"ports":           prologReport((*trace.Trace).PortsProlog),
	"events":          prologReport((*trace.Trace).PortEventsProlog),
	"data-events":     prologReport((*trace.Trace).DataEventsProlog),
	"metadata-events": prologReport((*trace.Trace).MetadataEventsProlog),
	"steps":           prologReport((*trace.Trace).StepEventsProlog),
	"stepcounts":      reportStepCounts,
	"resources":       reportResources,
	"channels":        reportChannels,
	"table":           reportTable,
}

// ReportKinds returns the report kinds, sorted.
func ReportKinds() []string {
	kinds := make([]string, 0, len(reports))
	for k := range reports {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report <kind>",
		Short: "Report on the provenance trace of a run",
		Long: fmt.Sprintf(`Read the trace database of a finished run and render one view of it.

Kinds: %s

Prolog kinds print one fact per line. stepcounts and resources print YAML.
table prints a fixed-width dump of the table named by --table.

Examples:
  provflow report graph --run ./runs/multiply
  provflow report stepcounts --db ./runs/multiply/_metadata
  provflow report table --table Step --run ./runs/multiply
  provflow report channels --run ./runs/multiply --format json`, strings.Join(ReportKinds(), ", ")),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.RunDirectory, "run", "", "run directory containing _metadata")
	cmd.Flags().StringVar(&opts.MetadataDir, "db", "", "metadata directory containing the trace database")
	cmd.Flags().StringVar(&opts.Table, "table", "", fmt.Sprintf("table for the table report (%s)", strings.Join(trace.DumpNames(), ", ")))
	cmd.MarkFlagsMutuallyExclusive("run", "db")
	cmd.MarkFlagsOneRequired("run", "db")

	return cmd
}

func runReport(cmd *cobra.Command, kind string, opts *ReportOptions) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	fn, ok := reports[kind]
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown report %q: must be one of %v", kind, ReportKinds()))
	}

	dir := opts.MetadataDir
	if dir == "" {
		dir = filepath.Join(opts.RunDirectory, metadata.DirName)
	}
	out.VerboseLog("Opening trace in %s", dir)

	tr, err := trace.OpenExisting(dir, trace.WithLogger(opts.logger()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace", err)
	}
	defer tr.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	text, data, err := fn(ctx, tr, opts)
	if err != nil {
		if ErrorCode(err) != CodeCommand {
			out.Error(ErrorCode(err), err.Error(), nil)
			return WrapExitError(ExitFailure, "report failed", err)
		}
		return WrapExitError(ExitCommandError, fmt.Sprintf("report %s failed", kind), err)
	}
	return out.Report(runID(opts.RunDirectory), text, data)
}

// runID reads the run id recorded in the run control file, if any.
func runID(runDir string) string {
	if runDir == "" {
		return ""
	}
	md, err := metadata.Restore(runDir)
	if err != nil || md.Info == nil {
		return ""
	}
	return md.Info.RunID
}

func reportStepCounts(ctx context.Context, tr *trace.Trace, _ *ReportOptions) (string, any, error) {
	counts, err := tr.NodeStepCounts(ctx)
	if err != nil {
		return "", nil, err
	}
	text, err := tr.NodeStepCountsYAML(ctx)
	if err != nil {
		return "", nil, err
	}
	return text, counts, nil
}

func reportResources(ctx context.Context, tr *trace.Trace, _ *ReportOptions) (string, any, error) {
	resources, err := tr.Resources(ctx)
	if err != nil {
		return "", nil, err
	}
	text, err := tr.ResourcesYAML(ctx)
	if err != nil {
		return "", nil, err
	}
	return text, resources, nil
}

func reportChannels(ctx context.Context, tr *trace.Trace, _ *ReportOptions) (string, any, error) {
	top, err := tr.IdentifyTopNode(ctx)
	if err != nil {
		return "", nil, err
	}
	channels, err := tr.Channels(ctx, &top)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	for _, c := range channels {
		fmt.Fprintf(&b, "%s.%s -> %s.%s\n", c.SendingLocalNode, c.SendingPort, c.ReceivingLocalNode, c.ReceivingPort)
	}
	return b.String(), channels, nil
}

func reportTable(ctx context.Context, tr *trace.Trace, opts *ReportOptions) (string, any, error) {
	if opts.Table == "" {
		return "", nil, fmt.Errorf("--table is required for the table report")
	}
	text, err := tr.Dump(ctx, opts.Table)
	if err != nil {
		return "", nil, err
	}
	rows, err := tr.Rows(ctx, opts.Table, nil)
	if err != nil {
		return "", nil, err
	}
	return text, rows, nil
}

// factLines splits Prolog output into one fact per element.
func factLines(text string) []string {
	lines := []string{}
	for _, line := range strings.Split(text, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
