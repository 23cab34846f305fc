package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/dataflow"
	"github.com/roach88/provflow/internal/graph"
)

const multiplyNodesProlog = `rf_node(['OneShotInflowWorkflow']).
rf_node(['OneShotInflowWorkflow','CreateSequenceData']).
rf_node(['OneShotInflowWorkflow','CreateSingletonData']).
rf_node(['OneShotInflowWorkflow','MultiplySequenceBySingleton']).
rf_node(['OneShotInflowWorkflow','RenderProducts']).
`

const multiplyPortsProlog = `rf_port('OneShotInflowWorkflow.CreateSequenceData','v',out).
rf_port('OneShotInflowWorkflow.CreateSingletonData','value',out).
rf_port('OneShotInflowWorkflow.MultiplySequenceBySingleton','a',in).
rf_port('OneShotInflowWorkflow.MultiplySequenceBySingleton','b',in).
rf_port('OneShotInflowWorkflow.MultiplySequenceBySingleton','c',out).
rf_port('OneShotInflowWorkflow.RenderProducts','v',in).
`

const multiplyChannelsProlog = `rf_link('OneShotInflowWorkflow.CreateSequenceData','v',e1).
rf_link('OneShotInflowWorkflow.MultiplySequenceBySingleton','b',e1).
rf_link('OneShotInflowWorkflow.CreateSingletonData','value',e2).
rf_link('OneShotInflowWorkflow.MultiplySequenceBySingleton','a',e2).
rf_link('OneShotInflowWorkflow.MultiplySequenceBySingleton','c',e3).
rf_link('OneShotInflowWorkflow.RenderProducts','v',e3).
`

func TestTrace_WorkflowGraphProlog(t *testing.T) {
	f := newMultiplyFixture(t)
	ctx := t.Context()
	require.NoError(t, f.recorder.RecordWorkflowGraph(ctx, f.top))
	tr := f.recorder.Trace()

	nodes, err := tr.WorkflowNodesProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, multiplyNodesProlog, nodes)

	ports, err := tr.PortsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, multiplyPortsProlog, ports)

	channels, err := tr.ChannelsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, multiplyChannelsProlog, channels)

	graphProlog, err := tr.WorkflowGraphProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, multiplyNodesProlog+"\n"+multiplyPortsProlog+"\n"+multiplyChannelsProlog, graphProlog)
}

func TestTrace_EventExports(t *testing.T) {
	f := newMultiplyFixture(t)
	f.run(t)
	ctx := t.Context()
	tr := f.recorder.Trace()

	events, err := tr.DataEventsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, `rf_event(w,'OneShotInflowWorkflow.CreateSequenceData','1','v','/multiplicand/1').
rf_event(w,'OneShotInflowWorkflow.CreateSequenceData','1','v','/multiplicand/2').
rf_event(w,'OneShotInflowWorkflow.CreateSingletonData','1','value','/multiplier').
rf_event(r,'OneShotInflowWorkflow.MultiplySequenceBySingleton','1','a','/multiplier').
rf_event(r,'OneShotInflowWorkflow.MultiplySequenceBySingleton','1','b','/multiplicand/1').
rf_event(w,'OneShotInflowWorkflow.MultiplySequenceBySingleton','1','c','/product/1').
rf_event(r,'OneShotInflowWorkflow.MultiplySequenceBySingleton','2','b','/multiplicand/2').
rf_event(w,'OneShotInflowWorkflow.MultiplySequenceBySingleton','2','c','/product/2').
rf_event(r,'OneShotInflowWorkflow.RenderProducts','1','v','/product/1').
rf_event(r,'OneShotInflowWorkflow.RenderProducts','1','v','/product/2').
`, events)

	meta, err := tr.MetadataEventsProlog(ctx)
	require.NoError(t, err)
	assert.Empty(t, meta)

	portEvents, err := tr.PortEventsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, events, portEvents)

	steps, err := tr.StepEventsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, `rf_step('OneShotInflowWorkflow','1').
rf_step('OneShotInflowWorkflow.CreateSingletonData','1').
rf_step('OneShotInflowWorkflow.CreateSequenceData','1').
rf_step('OneShotInflowWorkflow.MultiplySequenceBySingleton','1').
rf_step('OneShotInflowWorkflow.MultiplySequenceBySingleton','2').
rf_step('OneShotInflowWorkflow.RenderProducts','1').
`, steps)
}

func TestTrace_MetadataEventsProlog(t *testing.T) {
	w := createTestTrace(t)
	r := NewBasicRecorder(w, WithLogger(quietLogger()), WithClock(fixedClock))
	ctx := t.Context()

	g := graph.New(newTestContext(t, dataflow.WithRecorder(r)))
	top, err := g.AddWorkflow("W", nil, nil)
	require.NoError(t, err)
	gen, err := g.AddNode(top.ID(), graph.NodeSpec{Name: "Gen"})
	require.NoError(t, err)
	out, err := gen.AddOutflow("out", "/item/{n}")
	require.NoError(t, err)
	use, err := g.AddNode(top.ID(), graph.NodeSpec{Name: "Use"})
	require.NoError(t, err)
	in, err := use.AddInflow("in", "/item/{n}", "", false)
	require.NoError(t, err)
	require.NoError(t, top.AutoWire())
	require.NoError(t, g.Configure())
	g.Initialize()

	require.NoError(t, r.RecordWorkflowGraph(ctx, top))
	require.NoError(t, r.RecordWorkflowRunStarted(ctx))
	_, err = r.RecordStepStarted(ctx, gen)
	require.NoError(t, err)
	require.NoError(t, out.CreateAndSendPacket(ctx, "a", map[string]any{"n": 1}, nil))
	require.NoError(t, r.RecordStepCompleted(ctx, gen))
	require.NoError(t, in.SetInputPacket(ctx, out.Peek()))
	_, err = r.RecordStepStarted(ctx, use)
	require.NoError(t, err)

	meta, err := w.MetadataEventsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rf_event(w,'W.Gen','1','out@n','1').\nrf_event(r,'W.Use','1','in@n','1').\n", meta)

	all, err := w.PortEventsProlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rf_event(w,'W.Gen','1','out','/item/1').\nrf_event(r,'W.Use','1','in','/item/1').\n"+meta, all)
}

func TestTrace_NodeStepCounts(t *testing.T) {
	f := newMultiplyFixture(t)
	f.run(t)
	tr := f.recorder.Trace()

	got, err := tr.NodeStepCountsYAML(t.Context())
	require.NoError(t, err)
	assert.Equal(t, `OneShotInflowWorkflow: 1
OneShotInflowWorkflow.CreateSequenceData: 1
OneShotInflowWorkflow.CreateSingletonData: 1
OneShotInflowWorkflow.MultiplySequenceBySingleton: 2
OneShotInflowWorkflow.RenderProducts: 1
`, got)

	counts, err := tr.NodeStepCounts(t.Context())
	require.NoError(t, err)
	require.Len(t, counts, 5)
	assert.Equal(t, NodeStepCount{Node: "OneShotInflowWorkflow.MultiplySequenceBySingleton", Steps: 2}, counts[3])
}

func TestTrace_Resources(t *testing.T) {
	f := newMultiplyFixture(t)
	f.run(t)

	got, err := f.recorder.Trace().ResourcesYAML(t.Context())
	require.NoError(t, err)
	assert.Equal(t, `/multiplicand/1: 1
/multiplicand/2: 2
/multiplier: 3
/product/1: 3
/product/2: 6
`, got)
}

func TestResourceEntry_Line(t *testing.T) {
	v := "first\nsecond"
	tests := []struct {
		name  string
		entry ResourceEntry
		want  string
	}{
		{"value", ResourceEntry{URI: "/a", Value: &v}, "/a: " + dataflow.SingleLine(v)},
		{"reference", ResourceEntry{URI: "file:/b", IsReference: true}, "file:/b"},
		{"null", ResourceEntry{URI: "/c"}, "/c: null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Line())
		})
	}
}

func TestTrace_NodesAndOutflows(t *testing.T) {
	f := newMultiplyFixture(t)
	ctx := t.Context()
	require.NoError(t, f.recorder.RecordWorkflowGraph(ctx, f.top))
	tr := f.recorder.Trace()

	tops, err := tr.Nodes(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tops, 1)
	assert.Equal(t, "OneShotInflowWorkflow", tops[0].Name)
	assert.True(t, tops[0].HasChildren)
	assert.Nil(t, tops[0].ParentID)

	children, err := tr.Nodes(ctx, &tops[0].ID)
	require.NoError(t, err)
	names := make([]string, len(children))
	for i, n := range children {
		names[i] = n.LocalName
	}
	assert.Equal(t, []string{"CreateSingletonData", "CreateSequenceData", "MultiplySequenceBySingleton", "RenderProducts"}, names)

	outflows, err := tr.Outflows(ctx, &tops[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []OutflowInfo{
		{NodeName: "OneShotInflowWorkflow.CreateSingletonData", LocalNodeName: "CreateSingletonData", PortName: "value", URITemplate: "/multiplier"},
		{NodeName: "OneShotInflowWorkflow.CreateSequenceData", LocalNodeName: "CreateSequenceData", PortName: "v", URITemplate: "/multiplicand"},
		{NodeName: "OneShotInflowWorkflow.MultiplySequenceBySingleton", LocalNodeName: "MultiplySequenceBySingleton", PortName: "c", URITemplate: "/product"},
	}, outflows)

	channels, err := tr.Channels(ctx, &tops[0].ID)
	require.NoError(t, err)
	require.Len(t, channels, 3)
	assert.Equal(t, "CreateSingletonData", channels[0].SendingLocalNode)
	assert.Equal(t, "a", channels[0].ReceivingPort)
	assert.Equal(t, "/product", channels[2].ReceivingTemplate)
}

func TestTrace_BufferedChannels(t *testing.T) {
	w := createTestTrace(t)
	ctx := t.Context()

	g := graph.New(newTestContext(t))
	top, err := g.AddWorkflow("W", nil, nil)
	require.NoError(t, err)
	src, err := g.AddNode(top.ID(), graph.NodeSpec{Name: "Source"})
	require.NoError(t, err)
	out, err := src.AddOutflow("o", "/x")
	require.NoError(t, err)
	sink, err := g.AddNode(top.ID(), graph.NodeSpec{Name: "Sink"})
	require.NoError(t, err)
	in, err := sink.AddInflow("x", "/x", "", false)
	require.NoError(t, err)
	buffer, err := g.AddBuffer(top.ID(), "Sink", "x", "/x")
	require.NoError(t, err)
	require.NoError(t, top.Connect(buffer.Inflow(graph.BufferInput), out))
	require.NoError(t, top.Connect(in, buffer.Outflow(graph.BufferOutput)))

	require.NoError(t, w.StoreWorkflowGraph(ctx, top, nil))
	topID, err := w.IdentifyTopNode(ctx)
	require.NoError(t, err)

	direct, err := w.DirectChannels(ctx, &topID)
	require.NoError(t, err)
	assert.Empty(t, direct)

	buffered, err := w.BufferedChannels(ctx, &topID)
	require.NoError(t, err)
	assert.Equal(t, []ChannelInfo{{
		SendingNode:        "W.Source",
		SendingLocalNode:   "Source",
		SendingPort:        "o",
		SendingTemplate:    "/x",
		ReceivingNode:      "W.Sink",
		ReceivingLocalNode: "Sink",
		ReceivingPort:      "x",
		ReceivingTemplate:  "/x",
	}}, buffered)

	all, err := w.Channels(ctx, &topID)
	require.NoError(t, err)
	assert.Equal(t, buffered, all)

	visible, err := w.Nodes(ctx, &topID)
	require.NoError(t, err)
	assert.Len(t, visible, 2, "buffers are hidden")
}

func TestTrace_DumpTable(t *testing.T) {
	w := createTestTrace(t)
	ctx := t.Context()
	_, err := w.InsertActor(ctx, "Short")
	require.NoError(t, err)
	_, err = w.InsertActor(ctx, "AVeryLongActorName")
	require.NoError(t, err)

	dump, err := w.DumpTable(ctx, "Actor", []string{"ActorID", "ActorName "}, "ORDER BY ActorID DESC")
	require.NoError(t, err)
	assert.Equal(t, "ActorID ActorName  \n"+
		"------- ---------- \n"+
		"2       AVeryLongA \n"+
		"1       Short      \n", dump)

	_, err = w.DumpTable(ctx, "Actor", nil, "")
	assert.Error(t, err)
	_, err = w.Dump(ctx, "NoSuchTable")
	assert.Error(t, err)
	assert.Contains(t, DumpNames(), "PublishedResource")
}

func TestTrace_RowCount(t *testing.T) {
	f := newMultiplyFixture(t)
	f.run(t)

	tests := []struct {
		table string
		want  int
	}{
		{"Node", 5},
		{"Port", 6},
		{"Channel", 3},
		{"Step", 6},
		{"Packet", 5},
		{"PortEvent", 10},
		{"PacketResource", 5},
		{"PacketMetadata", 0},
	}
	for _, tt := range tests {
		n, err := f.trace.RowCount(t.Context(), tt.table)
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, tt.table)
	}

	_, err := f.trace.RowCount(t.Context(), "Missing")
	assert.Error(t, err)
}

func TestTrace_Rows(t *testing.T) {
	f := newMultiplyFixture(t)
	f.run(t)

	rows, err := f.trace.Rows(t.Context(), "Node", map[string]any{"LocalNodeName": "MultiplySequenceBySingleton"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0]["NodeID"])
	assert.Equal(t, int64(2), rows[0]["StepCount"])
	assert.Equal(t, false, rows[0]["IsHidden"])

	all, err := f.trace.Rows(t.Context(), "Step", nil)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, int64(1), all[0]["StepID"])

	none, err := f.trace.Rows(t.Context(), "Node", map[string]any{"NodeName": "Missing"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.trace.Rows(t.Context(), "Node", map[string]any{"NoSuchColumn": 1})
	assert.Error(t, err)
}
