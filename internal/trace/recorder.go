package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provflow/internal/dataflow"
	"github.com/roach88/provflow/internal/graph"
)

// ProductsSink receives entries for the human-readable products index.
type ProductsSink interface {
	WriteToProducts(entry string) error
}

// WithProducts sets the sink for products index entries.
func WithProducts(p ProductsSink) Option {
	return func(o *options) { o.products = p }
}

// WithDataStore sets the map that receives the payload of every resource
// published by a visible node, keyed by URI path. The recorder writes the
// map under its own lock; read it only after the run completes.
func WithDataStore(m map[string]any) Option {
	return func(o *options) { o.dataStore = m }
}

// Recorder is the full trace recording surface: the transport events plus
// the step and run events reported by the scheduler.
type Recorder interface {
	dataflow.PacketRecorder

	// RecordWorkflowGraph persists the static structure of the top
	// workflow wf.
	RecordWorkflowGraph(ctx context.Context, wf *graph.Node) error

	// RecordStepStarted opens a new step of node and returns its step ID.
	RecordStepStarted(ctx context.Context, node dataflow.Node) (int64, error)

	// RecordStepCompleted closes the current step of node.
	RecordStepCompleted(ctx context.Context, node dataflow.Node) error

	// RecordWorkflowRunStarted opens a step of the top node.
	RecordWorkflowRunStarted(ctx context.Context) error

	// RecordWorkflowRunCompleted closes the current step of the top node.
	RecordWorkflowRunCompleted(ctx context.Context) error

	// RecordWorkflowInputEvent records value arriving on the top node's
	// input label.
	RecordWorkflowInputEvent(ctx context.Context, label string, value any) error

	// RecordWorkflowOutputEvent records value leaving on the top node's
	// output label.
	RecordWorkflowOutputEvent(ctx context.Context, label string, value any) error

	// Trace returns the read view of the recorded trace, or nil.
	Trace() *Trace

	Close() error
}

var (
	_ Recorder = (*BasicRecorder)(nil)
	_ Recorder = NoopRecorder{}
)

// BasicRecorder writes events to a WritableTrace. It tracks the current
// step of every node so events reported without a step can be attached to
// one.
type BasicRecorder struct {
	w         *WritableTrace
	logger    *slog.Logger
	now       func() time.Time
	products  ProductsSink
	dataStore map[string]any

	mu           sync.Mutex
	currentSteps map[int64]int64
	unsent       map[int64]struct{}
	topNodeID    int64
	hasTopNode   bool
}

// NewBasicRecorder creates a recorder writing to w.
func NewBasicRecorder(w *WritableTrace, opts ...Option) *BasicRecorder {
	o := newOptions(opts)
	return &BasicRecorder{
		w:            w,
		logger:       o.logger,
		now:          o.now,
		products:     o.products,
		dataStore:    o.dataStore,
		currentSteps: make(map[int64]int64),
		unsent:       make(map[int64]struct{}),
	}
}

// Trace returns the read view of the recorder's trace.
func (r *BasicRecorder) Trace() *Trace { return r.w.ReadOnly() }

// Writable returns the trace the recorder writes to.
func (r *BasicRecorder) Writable() *WritableTrace { return r.w }

// Close closes the underlying trace.
func (r *BasicRecorder) Close() error { return r.w.Close() }

// CurrentStep returns the open step of node, if any.
func (r *BasicRecorder) CurrentStep(ctx context.Context, node dataflow.Node) (int64, bool, error) {
	nodeID, err := r.w.NodeID(ctx, node)
	if err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.currentSteps[nodeID]
	return step, ok, nil
}

// RecordWorkflowGraph stores wf as the top workflow of the trace.
func (r *BasicRecorder) RecordWorkflowGraph(ctx context.Context, wf *graph.Node) error {
	if err := r.w.StoreWorkflowGraph(ctx, wf, nil); err != nil {
		return fmt.Errorf("record workflow graph: %w", err)
	}
	return nil
}

// RecordPacketCreated inserts the packet, assigns its identity, and
// records its resources and metadata. Metadata values that cannot be
// stored are logged and skipped.
func (r *BasicRecorder) RecordPacketCreated(ctx context.Context, packet dataflow.Packet, stepID *int64) error {
	if dataflow.IsEndOfStream(packet) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	packetID, err := r.w.InsertPacket(ctx, nil)
	if err != nil {
		return fmt.Errorf("record packet created: %w", err)
	}
	if err := packet.SetID(packetID); err != nil {
		return fmt.Errorf("record packet created: %w", err)
	}
	r.unsent[packetID] = struct{}{}

	for _, res := range packet.Resources() {
		if err := r.storeResource(ctx, packetID, res); err != nil {
			return fmt.Errorf("record packet created: %w", err)
		}
	}

	keys, values := packet.MetadataKeys(), packet.MetadataValues()
	for i, key := range keys {
		dataID, err := r.w.InsertData(ctx, values[i], false, nil)
		if err == nil {
			_, err = r.w.InsertPacketMetadata(ctx, packetID, key, dataID)
		}
		if err != nil {
			r.logger.Warn("skipped packet metadata", "packet_id", packetID, "key", key, "error", err)
		}
	}

	r.logger.Debug("packet created", "packet_id", packetID, "resources", len(packet.Resources()), "step_id", stepValue(stepID))
	return nil
}

func (r *BasicRecorder) storeResource(ctx context.Context, packetID int64, res *dataflow.PublishedResource) error {
	var value any
	if !res.ReferencesData() {
		value = looseValue(res.Data())
	}
	dataID, err := r.w.InsertData(ctx, value, res.ReferencesData(), nil)
	if err != nil {
		return err
	}
	resourceID, err := r.w.InsertResource(ctx, res.URI().String(), &dataID)
	if err != nil {
		return err
	}
	return r.w.InsertPacketResource(ctx, packetID, resourceID)
}

// RecordPacketSent records write event eventNumber of outflow. The event
// belongs to stepID, or to the node's current step when stepID is nil. The
// first write of a packet becomes its origin.
func (r *BasicRecorder) RecordPacketSent(ctx context.Context, outflow *dataflow.Outflow, packet dataflow.Packet, stepID *int64, eventNumber int64) error {
	if dataflow.IsEndOfStream(packet) {
		return nil
	}
	packetID, ok := packet.ID()
	if !ok {
		return dataflow.NewTraceConsistencyError("packet sent on %s has no trace identity", outflow.Label())
	}
	nodeID, err := r.w.NodeID(ctx, outflow.Node())
	if err != nil {
		return fmt.Errorf("record packet sent: %w", err)
	}
	portID, err := r.w.OutflowID(ctx, outflow)
	if err != nil {
		return fmt.Errorf("record packet sent: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stepID == nil {
		if current, ok := r.currentSteps[nodeID]; ok {
			stepID = int64Ptr(current)
		}
	}
	eventID, err := r.w.InsertPortEvent(ctx, PortEventRecord{
		PortID:   portID,
		PacketID: packetID,
		StepID:   stepID,
		Class:    EventWrite,
		Number:   eventNumber,
		Time:     r.now(),
	})
	if err != nil {
		return fmt.Errorf("record packet sent: %w", err)
	}
	if err := r.w.UpdatePortPacketCount(ctx, portID, eventNumber); err != nil {
		return fmt.Errorf("record packet sent: %w", err)
	}
	if _, ok := r.unsent[packetID]; ok {
		if err := r.w.UpdatePacketOrigin(ctx, packetID, eventID); err != nil {
			return fmt.Errorf("record packet sent: %w", err)
		}
		delete(r.unsent, packetID)
	}

	if !outflow.Node().Hidden() {
		for _, res := range packet.Resources() {
			r.publish(res)
		}
	}

	r.logger.Debug("packet sent",
		"node", outflow.Node().QualifiedName(),
		"port", outflow.Label(),
		"packet_id", packetID,
		"event", eventNumber)
	return nil
}

// publish adds res to the data store and the products index.
func (r *BasicRecorder) publish(res *dataflow.PublishedResource) {
	u := res.URI()
	path := u.Path()
	if r.dataStore != nil {
		r.dataStore[path] = res.Data()
	}
	if r.products == nil {
		return
	}

	var entry string
	switch {
	case u.Scheme() == "file":
		entry = fmt.Sprintf("%s: !file %s\n", path, path)
	case res.Data() != nil:
		b, err := yaml.Marshal(map[string]any{path: productValue(res.Data())})
		if err != nil {
			r.logger.Warn("skipped products entry", "uri", u.String(), "error", err)
			return
		}
		entry = string(b)
	default:
		return
	}
	if err := r.products.WriteToProducts(entry); err != nil {
		r.logger.Warn("skipped products entry", "uri", u.String(), "error", err)
	}
}

// productValue renders a payload as it appears in the products index.
func productValue(v any) any {
	switch x := v.(type) {
	case string, bool, int, int64, float64:
		return x
	case dataflow.FilePath:
		return string(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}

// RecordPacketReceived records read event eventNumber of inflow. The event
// has no step until the node's next step starts.
func (r *BasicRecorder) RecordPacketReceived(ctx context.Context, inflow *dataflow.Inflow, packet dataflow.Packet, eventNumber int64) error {
	if dataflow.IsEndOfStream(packet) {
		return nil
	}
	packetID, ok := packet.ID()
	if !ok {
		return dataflow.NewTraceConsistencyError("packet received on %s has no trace identity", inflow.Label())
	}
	portID, err := r.w.InflowID(ctx, inflow)
	if err != nil {
		return fmt.Errorf("record packet received: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.w.InsertPortEvent(ctx, PortEventRecord{
		PortID:   portID,
		PacketID: packetID,
		Class:    EventRead,
		Number:   eventNumber,
		Time:     r.now(),
	})
	if err != nil {
		return fmt.Errorf("record packet received: %w", err)
	}
	if err := r.w.UpdatePortPacketCount(ctx, portID, eventNumber); err != nil {
		return fmt.Errorf("record packet received: %w", err)
	}

	r.logger.Debug("packet received",
		"node", inflow.Node().QualifiedName(),
		"port", inflow.Label(),
		"packet_id", packetID,
		"event", eventNumber)
	return nil
}

// RecordStepStarted opens a step of node nested in its parent's current
// step and attaches the node's pending read events to it.
func (r *BasicRecorder) RecordStepStarted(ctx context.Context, node dataflow.Node) (int64, error) {
	nodeID, err := r.w.NodeID(ctx, node)
	if err != nil {
		return 0, fmt.Errorf("record step started: %w", err)
	}
	return r.startStep(ctx, nodeID, node.QualifiedName())
}

func (r *BasicRecorder) startStep(ctx context.Context, nodeID int64, name string) (int64, error) {
	parentID, hasParent, err := r.w.NodeParentID(ctx, nodeID)
	if err != nil {
		return 0, fmt.Errorf("record step started: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var parentStep *int64
	if hasParent {
		if s, ok := r.currentSteps[parentID]; ok {
			parentStep = int64Ptr(s)
		}
	}
	stepID, number, err := r.w.StartStep(ctx, nodeID, parentStep, r.now())
	if err != nil {
		return 0, fmt.Errorf("record step started: %w", err)
	}
	r.currentSteps[nodeID] = stepID

	r.logger.Debug("step started", "node", name, "step_id", stepID, "step", number)
	return stepID, nil
}

// RecordStepCompleted records the end time of node's current step.
func (r *BasicRecorder) RecordStepCompleted(ctx context.Context, node dataflow.Node) error {
	nodeID, err := r.w.NodeID(ctx, node)
	if err != nil {
		return fmt.Errorf("record step completed: %w", err)
	}
	return r.completeStep(ctx, nodeID, node.QualifiedName())
}

func (r *BasicRecorder) completeStep(ctx context.Context, nodeID int64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stepID, ok := r.currentSteps[nodeID]
	if !ok {
		return dataflow.NewTraceConsistencyError("node %s has no open step", name)
	}
	if err := r.w.UpdateStepEnd(ctx, stepID, r.now()); err != nil {
		return fmt.Errorf("record step completed: %w", err)
	}

	r.logger.Debug("step completed", "node", name, "step_id", stepID)
	return nil
}

// RecordWorkflowRunStarted opens a step of the top node.
func (r *BasicRecorder) RecordWorkflowRunStarted(ctx context.Context) error {
	topID, err := r.topNode(ctx)
	if err != nil {
		return fmt.Errorf("record run started: %w", err)
	}
	if _, err := r.startStep(ctx, topID, "top node"); err != nil {
		return err
	}
	return nil
}

// RecordWorkflowRunCompleted closes the current step of the top node.
func (r *BasicRecorder) RecordWorkflowRunCompleted(ctx context.Context) error {
	topID, err := r.topNode(ctx)
	if err != nil {
		return fmt.Errorf("record run completed: %w", err)
	}
	return r.completeStep(ctx, topID, "top node")
}

// RecordWorkflowInputEvent records value as a read event on the top node's
// inflow label.
func (r *BasicRecorder) RecordWorkflowInputEvent(ctx context.Context, label string, value any) error {
	if err := r.recordWorkflowEvent(ctx, label, value, EventRead); err != nil {
		return fmt.Errorf("record workflow input %s: %w", label, err)
	}
	return nil
}

// RecordWorkflowOutputEvent records value as a write event on the top
// node's outflow label.
func (r *BasicRecorder) RecordWorkflowOutputEvent(ctx context.Context, label string, value any) error {
	if err := r.recordWorkflowEvent(ctx, label, value, EventWrite); err != nil {
		return fmt.Errorf("record workflow output %s: %w", label, err)
	}
	return nil
}

func (r *BasicRecorder) recordWorkflowEvent(ctx context.Context, label string, value any, class EventClass) error {
	topID, err := r.topNode(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dataID, err := r.w.InsertData(ctx, looseValue(value), false, nil)
	if err != nil {
		return err
	}
	resourceID, err := r.w.InsertResource(ctx, "", &dataID)
	if err != nil {
		return err
	}
	packetID, err := r.w.InsertPacket(ctx, nil)
	if err != nil {
		return err
	}
	if err := r.w.InsertPacketResource(ctx, packetID, resourceID); err != nil {
		return err
	}

	var stepID *int64
	if s, ok := r.currentSteps[topID]; ok {
		stepID = int64Ptr(s)
	}
	count, err := r.w.StepCount(ctx, topID)
	if err != nil {
		return err
	}

	var portID int64
	if class == EventRead {
		portID, err = r.w.IdentifyInflow(ctx, topID, label)
	} else {
		portID, err = r.w.IdentifyOutflow(ctx, topID, label)
	}
	if err != nil {
		return err
	}

	eventID, err := r.w.InsertPortEvent(ctx, PortEventRecord{
		PortID:   portID,
		PacketID: packetID,
		StepID:   stepID,
		Class:    class,
		Number:   count,
		Time:     r.now(),
	})
	if err != nil {
		return err
	}
	if err := r.w.UpdatePortPacketCount(ctx, portID, count); err != nil {
		return err
	}
	if err := r.w.UpdatePacketOrigin(ctx, packetID, eventID); err != nil {
		return err
	}

	r.logger.Debug("workflow event", "port", label, "class", string(class), "packet_id", packetID)
	return nil
}

func (r *BasicRecorder) topNode(ctx context.Context) (int64, error) {
	r.mu.Lock()
	if r.hasTopNode {
		id := r.topNodeID
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := r.w.IdentifyTopNode(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.topNodeID, r.hasTopNode = id, true
	r.mu.Unlock()
	return id, nil
}

func stepValue(stepID *int64) any {
	if stepID == nil {
		return nil
	}
	return *stepID
}

// NoopRecorder discards every event. Packets it sees never receive an
// identity.
type NoopRecorder struct{}

func (NoopRecorder) RecordPacketCreated(context.Context, dataflow.Packet, *int64) error { return nil }

func (NoopRecorder) RecordPacketSent(context.Context, *dataflow.Outflow, dataflow.Packet, *int64, int64) error {
	return nil
}

func (NoopRecorder) RecordPacketReceived(context.Context, *dataflow.Inflow, dataflow.Packet, int64) error {
	return nil
}

func (NoopRecorder) RecordWorkflowGraph(context.Context, *graph.Node) error { return nil }

func (NoopRecorder) RecordStepStarted(context.Context, dataflow.Node) (int64, error) { return 0, nil }

func (NoopRecorder) RecordStepCompleted(context.Context, dataflow.Node) error { return nil }

func (NoopRecorder) RecordWorkflowRunStarted(context.Context) error { return nil }

func (NoopRecorder) RecordWorkflowRunCompleted(context.Context) error { return nil }

func (NoopRecorder) RecordWorkflowInputEvent(context.Context, string, any) error { return nil }

func (NoopRecorder) RecordWorkflowOutputEvent(context.Context, string, any) error { return nil }

func (NoopRecorder) Trace() *Trace { return nil }

func (NoopRecorder) Close() error { return nil }
