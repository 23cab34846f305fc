package trace

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/config"
	"github.com/roach88/provflow/internal/dataflow"
	"github.com/roach88/provflow/internal/graph"
)

var testTime = time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() time.Time { return testTime }

// createTestTrace opens a trace in a temporary metadata directory.
func createTestTrace(t *testing.T) *WritableTrace {
	t.Helper()
	w, err := Open(t.TempDir(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

// newTestContext builds a workflow context with a temporary run directory.
func newTestContext(t *testing.T, opts ...dataflow.ContextOption) *dataflow.WorkflowContext {
	t.Helper()
	opts = append([]dataflow.ContextOption{
		dataflow.WithConfig(&config.Config{RunDirectory: t.TempDir()}),
		dataflow.WithLogger(quietLogger()),
		dataflow.WithStdout(io.Discard),
		dataflow.WithClock(fixedClock),
	}, opts...)
	wc, err := dataflow.NewWorkflowContext(opts...)
	require.NoError(t, err)
	return wc
}

// productsBuffer collects products index entries.
type productsBuffer struct {
	mu      sync.Mutex
	entries []string
}

func (p *productsBuffer) WriteToProducts(entry string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return nil
}

func (p *productsBuffer) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.entries, "")
}

// multiplyFixture is a four-node workflow: a singleton and a sequence feed
// a multiplier whose products are rendered.
type multiplyFixture struct {
	trace     *WritableTrace
	recorder  *BasicRecorder
	products  *productsBuffer
	dataStore map[string]any

	top       *graph.Node
	singleton *graph.Node
	sequence  *graph.Node
	multiply  *graph.Node
	render    *graph.Node
}

func newMultiplyFixture(t *testing.T, opts ...Option) *multiplyFixture {
	t.Helper()
	f := &multiplyFixture{
		trace:     createTestTrace(t),
		products:  &productsBuffer{},
		dataStore: make(map[string]any),
	}
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithClock(fixedClock),
		WithProducts(f.products),
		WithDataStore(f.dataStore),
	}, opts...)
	f.recorder = NewBasicRecorder(f.trace, opts...)

	g := graph.New(newTestContext(t, dataflow.WithRecorder(f.recorder)))
	var err error
	f.top, err = g.AddWorkflow("OneShotInflowWorkflow", nil, nil)
	require.NoError(t, err)

	f.singleton, err = g.AddNode(f.top.ID(), graph.NodeSpec{Name: "CreateSingletonData", StepsOnce: true})
	require.NoError(t, err)
	_, err = f.singleton.AddOutflow("value", "/multiplier")
	require.NoError(t, err)

	f.sequence, err = g.AddNode(f.top.ID(), graph.NodeSpec{Name: "CreateSequenceData"})
	require.NoError(t, err)
	_, err = f.sequence.AddOutflow("v", "/multiplicand")
	require.NoError(t, err)

	f.multiply, err = g.AddNode(f.top.ID(), graph.NodeSpec{Name: "MultiplySequenceBySingleton"})
	require.NoError(t, err)
	_, err = f.multiply.AddInflow("a", "/multiplier", "", true)
	require.NoError(t, err)
	_, err = f.multiply.AddInflow("b", "/multiplicand", "", false)
	require.NoError(t, err)
	_, err = f.multiply.AddOutflow("c", "/product")
	require.NoError(t, err)

	f.render, err = g.AddNode(f.top.ID(), graph.NodeSpec{Name: "RenderProducts"})
	require.NoError(t, err)
	_, err = f.render.AddInflow("v", "/product", "", false)
	require.NoError(t, err)

	require.NoError(t, f.top.AutoWire())
	require.NoError(t, g.Configure())
	g.Initialize()
	return f
}

// run drives the workflow through one complete run: 3 × [1, 2].
func (f *multiplyFixture) run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	r := f.recorder

	require.NoError(t, r.RecordWorkflowGraph(ctx, f.top))
	require.NoError(t, r.RecordWorkflowRunStarted(ctx))

	_, err := r.RecordStepStarted(ctx, f.singleton)
	require.NoError(t, err)
	value := f.singleton.Outflow("value")
	require.NoError(t, value.CreateAndSendPacket(ctx, 3, nil, nil))
	multiplier := value.Peek()
	require.NoError(t, r.RecordStepCompleted(ctx, f.singleton))

	_, err = r.RecordStepStarted(ctx, f.sequence)
	require.NoError(t, err)
	v := f.sequence.Outflow("v")
	require.NoError(t, v.CreateAndSendPacket(ctx, 1, nil, nil))
	first := v.Peek()
	require.NoError(t, v.CreateAndSendPacket(ctx, 2, nil, nil))
	second := v.Peek()
	require.NoError(t, r.RecordStepCompleted(ctx, f.sequence))

	// Packets arrive before the step that consumes them opens.
	require.NoError(t, f.multiply.Inflow("a").SetInputPacket(ctx, multiplier))
	require.NoError(t, f.multiply.Inflow("b").SetInputPacket(ctx, first))
	_, err = r.RecordStepStarted(ctx, f.multiply)
	require.NoError(t, err)
	c := f.multiply.Outflow("c")
	require.NoError(t, c.CreateAndSendPacket(ctx, 3, nil, nil))
	p1 := c.Peek()
	require.NoError(t, r.RecordStepCompleted(ctx, f.multiply))

	require.NoError(t, f.multiply.Inflow("b").SetInputPacket(ctx, second))
	_, err = r.RecordStepStarted(ctx, f.multiply)
	require.NoError(t, err)
	require.NoError(t, c.CreateAndSendPacket(ctx, 6, nil, nil))
	p2 := c.Peek()
	require.NoError(t, r.RecordStepCompleted(ctx, f.multiply))

	require.NoError(t, f.render.Inflow("v").SetInputPacket(ctx, p1))
	require.NoError(t, f.render.Inflow("v").SetInputPacket(ctx, p2))
	require.NoError(t, f.render.Inflow("v").SetInputPacket(ctx, dataflow.EndOfStream))
	_, err = r.RecordStepStarted(ctx, f.render)
	require.NoError(t, err)
	require.NoError(t, r.RecordStepCompleted(ctx, f.render))

	require.NoError(t, r.RecordWorkflowRunCompleted(ctx))
}

// queryInt runs a single-value query against the trace.
func queryInt(t *testing.T, tr *Trace, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := tr.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return n
}
