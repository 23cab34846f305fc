package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/provflow/internal/config"
	"github.com/roach88/provflow/internal/dataflow"
	"github.com/roach88/provflow/internal/graph"
	"github.com/roach88/provflow/internal/metadata"
	"github.com/roach88/provflow/internal/testutil"
	"github.com/roach88/provflow/internal/trace"
)

// Options configures a scenario run.
type Options struct {
	// RunDirectory receives the trace database and metadata. Empty runs the
	// scenario entirely in memory.
	RunDirectory string

	// Logger receives structured logs. Defaults to a discarding logger.
	Logger *slog.Logger

	// Clock supplies timestamps. Defaults to a fresh DeterministicClock so
	// repeated runs produce identical traces.
	Clock func() time.Time

	// Stdout receives stdout and log protocol output. Defaults to io.Discard.
	Stdout io.Writer

	// Base is configuration the scenario's own config is layered over.
	Base *config.Config
}

// Option configures Options.
type Option func(*Options)

// WithRunDirectory writes the run to dir instead of memory.
func WithRunDirectory(dir string) Option {
	return func(o *Options) { o.RunDirectory = dir }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Clock = now }
}

// WithStdout redirects protocol output.
func WithStdout(w io.Writer) Option {
	return func(o *Options) { o.Stdout = w }
}

// WithBaseConfig layers each scenario's config over base. Scenario values
// win; property maps are merged.
func WithBaseConfig(base *config.Config) Option {
	return func(o *Options) { o.Base = base }
}

// Harness holds the state of one scenario run.
type Harness struct {
	graph    *graph.Graph
	top      *graph.Node
	recorder *trace.BasicRecorder
	meta     *metadata.Manager
	logger   *slog.Logger

	// sent holds every packet written to each outflow, in order.
	sent map[*dataflow.Outflow][]dataflow.Packet

	// delivered counts the packets each inflow has taken from each outflow.
	delivered map[delivery]int

	inputs  map[string]any
	outputs map[string]any
}

type delivery struct {
	inflow  *dataflow.Inflow
	outflow *dataflow.Outflow
}

// Run executes a scenario and returns its result.
//
// Each scenario runs against a fresh trace. With no run directory the trace
// and metadata stay in memory.
//
// Execution flow:
// 1. Open the metadata directory and trace
// 2. Build and configure the workflow graph
// 3. Store the graph in the trace
// 4. Execute the scripted events
// 5. Evaluate assertions and render exports
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	}
	if o.Clock == nil {
		o.Clock = testutil.NewDeterministicClock().Now
	}
	if o.Stdout == nil {
		o.Stdout = io.Discard
	}
	runID := scenario.RunID
	if runID == "" {
		runID = "scenario-" + scenario.Name
	}

	volatileTrace := scenario.Config.TraceVolatile || (o.Base != nil && o.Base.TraceVolatile)
	meta, w, err := openRun(o, volatileTrace)
	if err != nil {
		return nil, err
	}

	recorder := trace.NewBasicRecorder(w,
		trace.WithLogger(o.Logger),
		trace.WithClock(o.Clock),
		trace.WithProducts(meta),
	)
	h := &Harness{
		recorder:  recorder,
		meta:      meta,
		logger:    o.Logger.With("scenario", scenario.Name),
		sent:      make(map[*dataflow.Outflow][]dataflow.Packet),
		delivered: make(map[delivery]int),
		inputs:    make(map[string]any),
		outputs:   make(map[string]any),
	}
	result, runErr := h.run(ctx, scenario, o, runID)
	closeErr := errors.Join(recorder.Close(), meta.Close())
	if runErr != nil {
		return nil, runErr
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close run: %w", closeErr)
	}
	return result, nil
}

func openRun(o Options, volatileTrace bool) (*metadata.Manager, *trace.WritableTrace, error) {
	if o.RunDirectory == "" {
		w, err := trace.OpenVolatile(trace.WithLogger(o.Logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create in-memory trace: %w", err)
		}
		return metadata.NewVolatile(), w, nil
	}

	meta, err := metadata.New(o.RunDirectory)
	if err != nil {
		return nil, nil, err
	}
	var w *trace.WritableTrace
	if volatileTrace {
		w, err = trace.OpenVolatile(trace.WithLogger(o.Logger))
	} else {
		w, err = trace.Open(meta.Directory(), trace.WithLogger(o.Logger))
	}
	if err != nil {
		meta.Close()
		return nil, nil, fmt.Errorf("failed to open trace: %w", err)
	}
	return meta, w, nil
}

func (h *Harness) run(ctx context.Context, s *Scenario, o Options, runID string) (*Result, error) {
	cfg := s.Config
	if o.Base != nil {
		cfg = layerConfig(*o.Base, s.Config)
	}
	cfg.RunDirectory = o.RunDirectory
	wc, err := dataflow.NewWorkflowContext(
		dataflow.WithConfig(&cfg),
		dataflow.WithRecorder(h.recorder),
		dataflow.WithMetadata(h.meta),
		dataflow.WithLogger(o.Logger),
		dataflow.WithClock(o.Clock),
		dataflow.WithRunID(runID),
		dataflow.WithStdout(o.Stdout),
		dataflow.WithStderr(o.Stdout),
	)
	if err != nil {
		return nil, err
	}

	h.graph = graph.New(wc)
	h.top, err = h.graph.AddWorkflow(s.Workflow.Name, s.Workflow.Inputs, s.Workflow.Outputs)
	if err != nil {
		return nil, err
	}
	if err := h.buildWorkflow(h.top, &s.Workflow); err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	if err := h.graph.Configure(); err != nil {
		return nil, err
	}
	h.graph.Initialize()

	if err := h.meta.StoreRunInfo(metadata.RunInfo{
		RunID:     runID,
		Workflow:  h.top.Name(),
		StartedAt: o.Clock(),
	}); err != nil {
		return nil, err
	}
	if err := h.recorder.RecordWorkflowGraph(ctx, h.top); err != nil {
		return nil, fmt.Errorf("record workflow graph: %w", err)
	}

	for i := range s.Events {
		e := &s.Events[i]
		if err := h.execute(ctx, e); err != nil {
			return nil, fmt.Errorf("events[%d] %s: %w", i, e.Action, err)
		}
	}
	if len(h.inputs) > 0 {
		if err := h.meta.StoreInputs(h.inputs); err != nil {
			return nil, err
		}
	}
	if len(h.outputs) > 0 {
		if err := h.meta.StoreOutputs(h.outputs); err != nil {
			return nil, err
		}
	}
	h.logger.Debug("scenario events executed", "count", len(s.Events))

	result := NewResult(s.Name)
	result.RunID = runID
	result.RunDirectory = o.RunDirectory
	result.Events = len(s.Events)

	tr := h.recorder.Trace()
	for _, msg := range EvaluateAssertions(ctx, h, tr, s.Assertions) {
		result.AddError(msg)
	}

	names := s.Exports
	if len(names) == 0 {
		names = DefaultExports
	}
	for _, name := range names {
		text, err := exporters[name](ctx, tr, h.meta)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", name, err)
		}
		result.Exports[name] = text
	}
	return result, nil
}

// buildWorkflow adds the declared children, buffers and wiring to wf.
func (h *Harness) buildWorkflow(wf *graph.Node, decl *WorkflowDecl) error {
	for i := range decl.Nodes {
		nd := &decl.Nodes[i]
		kind := graph.KindActor
		if nd.Kind != "" {
			kind, _ = graph.ParseKind(nd.Kind)
		}
		spec := graph.NodeSpec{
			Name:      nd.Name,
			Kind:      kind,
			Actor:     nd.Actor,
			StepsOnce: nd.StepsOnce,
			URIPrefix: nd.URIPrefix,
		}
		if nd.Workflow != nil {
			spec.Inputs = nd.Workflow.Inputs
			spec.Outputs = nd.Workflow.Outputs
		}
		n, err := h.graph.AddNode(wf.ID(), spec)
		if err != nil {
			return err
		}
		for _, in := range nd.Inflows {
			if _, err := n.AddInflow(in.Label, in.Template, in.Binding, in.ReceiveOnce); err != nil {
				return err
			}
		}
		for _, out := range nd.Outflows {
			if _, err := n.AddOutflow(out.Label, out.Template); err != nil {
				return err
			}
		}
		if nd.Workflow != nil {
			if err := h.buildWorkflow(n, nd.Workflow); err != nil {
				return err
			}
		}
	}

	for _, b := range decl.Buffers {
		if _, err := h.graph.AddBuffer(wf.ID(), b.Node, b.Label, b.Template); err != nil {
			return err
		}
	}

	if decl.AutoWire {
		return wf.AutoWire()
	}
	for _, wd := range decl.Wiring {
		in, err := h.inflow(wf, wd.Inflow)
		if err != nil {
			return err
		}
		outs := make([]*dataflow.Outflow, 0, len(wd.Outflows))
		for _, ref := range wd.Outflows {
			out, err := h.outflow(wf, ref)
			if err != nil {
				return err
			}
			out.SetHasReceivers(true)
			outs = append(outs, out)
		}
		if err := wf.Connect(in, outs...); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, e *Event) error {
	switch e.Action {
	case ActionRunStart:
		return h.recorder.RecordWorkflowRunStarted(ctx)
	case ActionRunComplete:
		return h.recorder.RecordWorkflowRunCompleted(ctx)
	case ActionStepStart:
		n, err := h.node(e.Node)
		if err != nil {
			return err
		}
		_, err = h.recorder.RecordStepStarted(ctx, n)
		return err
	case ActionStepComplete:
		n, err := h.node(e.Node)
		if err != nil {
			return err
		}
		return h.recorder.RecordStepCompleted(ctx, n)
	case ActionSend:
		return h.send(ctx, e)
	case ActionReceive:
		return h.receive(ctx, e)
	case ActionInput:
		h.inputs[e.Label] = e.Value
		return h.recorder.RecordWorkflowInputEvent(ctx, e.Label, e.Value)
	case ActionOutput:
		h.outputs[e.Label] = e.Value
		return h.recorder.RecordWorkflowOutputEvent(ctx, e.Label, e.Value)
	}
	return fmt.Errorf("unknown action %q", e.Action)
}

func (h *Harness) send(ctx context.Context, e *Event) error {
	n, err := h.node(e.Node)
	if err != nil {
		return err
	}
	out := n.Outflow(e.Port)
	if out == nil {
		return fmt.Errorf("node %s has no outflow %q", n.QualifiedName(), e.Port)
	}
	before := out.EventCount()
	if err := out.CreateAndSendPacket(ctx, e.Value, e.Metadata, nil); err != nil {
		return err
	}
	if out.EventCount() > before {
		h.sent[out] = append(h.sent[out], out.Peek())
	}
	return nil
}

func (h *Harness) receive(ctx context.Context, e *Event) error {
	n, err := h.node(e.Node)
	if err != nil {
		return err
	}
	in := n.Inflow(e.Port)
	if in == nil {
		return fmt.Errorf("node %s has no inflow %q", n.QualifiedName(), e.Port)
	}
	if e.EOS {
		return in.SetInputPacket(ctx, dataflow.EndOfStream)
	}

	out, err := h.source(n, in, e.From)
	if err != nil {
		return err
	}
	key := delivery{inflow: in, outflow: out}
	next := h.delivered[key]
	if next >= len(h.sent[out]) {
		return fmt.Errorf("no unreceived packet on outflow %s of %s", out.Label(), nodeName(out.Node()))
	}
	h.delivered[key] = next + 1
	return in.SetInputPacket(ctx, h.sent[out][next])
}

// source picks the outflow a receive reads from: the named one, or the only
// outflow wired to in.
func (h *Harness) source(n *graph.Node, in *dataflow.Inflow, from string) (*dataflow.Outflow, error) {
	parentID, ok := n.Parent()
	if !ok {
		return nil, fmt.Errorf("node %s has no enclosing workflow", n.QualifiedName())
	}
	parent, err := h.graph.Node(parentID)
	if err != nil {
		return nil, err
	}
	if from != "" {
		return h.outflow(parent, from)
	}
	for _, wire := range parent.Wiring() {
		if wire.Inflow != in {
			continue
		}
		if len(wire.Outflows) != 1 {
			return nil, fmt.Errorf("inflow %s of %s has %d wired outflows; name one with from",
				in.Label(), n.QualifiedName(), len(wire.Outflows))
		}
		return wire.Outflows[0], nil
	}
	return nil, fmt.Errorf("inflow %s of %s is not wired; name an outflow with from", in.Label(), n.QualifiedName())
}

// node resolves a path relative to the top workflow. The top workflow's own
// name refers to the top node.
func (h *Harness) node(path string) (*graph.Node, error) {
	if path == h.top.Name() {
		return h.top, nil
	}
	return h.lookup(h.top, path)
}

func (h *Harness) lookup(wf *graph.Node, path string) (*graph.Node, error) {
	n := h.graph.Lookup(wf.QualifiedName() + "." + path)
	if n == nil {
		return nil, fmt.Errorf("no node %q in %s", path, wf.QualifiedName())
	}
	return n, nil
}

// port splits "<node path>.<label>" at the last dot.
func (h *Harness) port(wf *graph.Node, ref string) (*graph.Node, string, error) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return nil, "", fmt.Errorf("port reference %q must be <node>.<label>", ref)
	}
	n, err := h.lookup(wf, ref[:i])
	if err != nil {
		return nil, "", err
	}
	return n, ref[i+1:], nil
}

func (h *Harness) inflow(wf *graph.Node, ref string) (*dataflow.Inflow, error) {
	n, label, err := h.port(wf, ref)
	if err != nil {
		return nil, err
	}
	if in := n.Inflow(label); in != nil {
		return in, nil
	}
	return nil, fmt.Errorf("node %s has no inflow %q", n.QualifiedName(), label)
}

func (h *Harness) outflow(wf *graph.Node, ref string) (*dataflow.Outflow, error) {
	n, label, err := h.port(wf, ref)
	if err != nil {
		return nil, err
	}
	if out := n.Outflow(label); out != nil {
		return out, nil
	}
	return nil, fmt.Errorf("node %s has no outflow %q", n.QualifiedName(), label)
}

func nodeName(n dataflow.Node) string {
	if n == nil {
		return "<none>"
	}
	return n.QualifiedName()
}

// layerConfig returns base with every non-zero field of over applied.
func layerConfig(base, over config.Config) config.Config {
	out := base
	if over.BaseDirectory != "" {
		out.BaseDirectory = over.BaseDirectory
	}
	if over.WorkspaceDirectory != "" {
		out.WorkspaceDirectory = over.WorkspaceDirectory
	}
	if over.DefaultScheme != "" {
		out.DefaultScheme = over.DefaultScheme
	}
	if over.LogName != "" {
		out.LogName = over.LogName
	}
	if over.LogTeeStdout != nil {
		out.LogTeeStdout = over.LogTeeStdout
	}
	out.TraceVolatile = base.TraceVolatile || over.TraceVolatile
	out.ImportMap = mergeStrings(base.ImportMap, over.ImportMap)
	out.Properties = mergeStrings(base.Properties, over.Properties)
	out.SystemProperties = mergeStrings(base.SystemProperties, over.SystemProperties)
	return out
}

func mergeStrings(base, over map[string]string) map[string]string {
	if len(base) == 0 && len(over) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
