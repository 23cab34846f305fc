package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/provflow/internal/metadata"
	"github.com/roach88/provflow/internal/trace"
)

// Export names.
const (
	ExportGraph      = "graph"
	ExportEvents     = "events"
	ExportSteps      = "steps"
	ExportStepCounts = "stepcounts"
	ExportResources  = "resources"
	ExportProducts   = "products"
)

// DefaultExports are rendered when a scenario selects none.
var DefaultExports = []string{
	ExportGraph,
	ExportEvents,
	ExportSteps,
	ExportStepCounts,
	ExportResources,
	ExportProducts,
}

type exporter func(ctx context.Context, tr *trace.Trace, meta *metadata.Manager) (string, error)

var exporters = map[string]exporter{
	ExportGraph: func(ctx context.Context, tr *trace.Trace, _ *metadata.Manager) (string, error) {
		return tr.WorkflowGraphProlog(ctx)
	},
	ExportEvents: func(ctx context.Context, tr *trace.Trace, _ *metadata.Manager) (string, error) {
		return tr.PortEventsProlog(ctx)
	},
	ExportSteps: func(ctx context.Context, tr *trace.Trace, _ *metadata.Manager) (string, error) {
		return tr.StepEventsProlog(ctx)
	},
	ExportStepCounts: func(ctx context.Context, tr *trace.Trace, _ *metadata.Manager) (string, error) {
		return tr.NodeStepCountsYAML(ctx)
	},
	ExportResources: func(ctx context.Context, tr *trace.Trace, _ *metadata.Manager) (string, error) {
		return tr.ResourcesYAML(ctx)
	},
	ExportProducts: func(_ context.Context, _ *trace.Trace, meta *metadata.Manager) (string, error) {
		return meta.Products()
	},
}

// RunWithGolden executes a scenario and compares each export against a
// golden file named testdata/golden/{scenario.Name}_{export}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if an export doesn't match its golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares every export of result against its golden file.
// This is useful when you've already run a scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, export := range exportOrder(result) {
		g.Assert(t, name+"_"+export, []byte(result.Exports[export]))
	}
}

// exportOrder lists result's exports in DefaultExports order.
func exportOrder(result *Result) []string {
	var names []string
	for _, name := range DefaultExports {
		if _, ok := result.Exports[name]; ok {
			names = append(names, name)
		}
	}
	return names
}
