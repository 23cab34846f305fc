package dataflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

// Outflow is the sending port of a node: a single-slot mailbox that the
// node fills and the scheduler drains. Sending to a ready outflow
// overwrites the previous packet.
type Outflow struct {
	wc           *WorkflowContext
	node         Node
	label        string
	template     *uri.Template
	isDefaultURI bool
	protocol     Protocol

	mu            sync.Mutex
	packet        Packet
	ready         bool
	tokenCount    int64
	eventCount    int64
	usePathSuffix bool
	hasReceivers  bool
}

// NewOutflow creates an outflow. Call Elaborate and Configure before use.
func NewOutflow(wc *WorkflowContext, node Node, label string, tmpl *uri.Template, isDefaultURI bool, protocol Protocol) *Outflow {
	return &Outflow{
		wc:           wc,
		node:         node,
		label:        label,
		template:     tmpl,
		isDefaultURI: isDefaultURI,
		protocol:     protocol,
		hasReceivers: true,
	}
}

// Node returns the owning node.
func (o *Outflow) Node() Node { return o.node }

// Label returns the port label.
func (o *Outflow) Label() string { return o.label }

// Template returns the URI template.
func (o *Outflow) Template() *uri.Template { return o.template }

// Binding returns the template expression.
func (o *Outflow) Binding() string { return o.template.Expression() }

// DataflowBinding returns the reduced path used to match inflows.
func (o *Outflow) DataflowBinding() string { return o.template.ReducedPath() }

// Protocol returns the outflow's protocol.
func (o *Outflow) Protocol() Protocol { return o.protocol }

// IsDefaultURI reports whether the template was generated rather than declared.
func (o *Outflow) IsDefaultURI() bool { return o.isDefaultURI }

// String returns the label.
func (o *Outflow) String() string { return o.label }

// SetHasReceivers records whether any inflow is wired to the outflow.
func (o *Outflow) SetHasReceivers(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hasReceivers = v
}

// HasReceivers reports whether any inflow is wired to the outflow.
func (o *Outflow) HasReceivers() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasReceivers
}

// Elaborate validates the template against the protocol.
func (o *Outflow) Elaborate() error {
	return o.protocol.ValidateOutflowTemplate(o.node, o.label, o.template)
}

// Configure rejects a template without variables unless the node fires at
// most once or the protocol can disambiguate firings with a path suffix.
func (o *Outflow) Configure() error {
	if !o.stepsOnce() && o.template.VariableCount() == 0 && !o.protocol.SupportsSuffixes() {
		return NewConfigurationError("URI template for outflow %s must include at least one variable.", o.label).
			at(nodeName(o.node), o.label, o.template.Expression())
	}
	return nil
}

func (o *Outflow) stepsOnce() bool {
	return o.node != nil && o.node.StepsOnce()
}

func (o *Outflow) uriPrefix() string {
	if o.node == nil {
		return ""
	}
	return o.node.URIPrefix()
}

// Initialize empties the outflow for a new run and resets the token count.
func (o *Outflow) Initialize() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packet = nil
	o.ready = false
	o.usePathSuffix = o.template.VariableCount() == 0 && !o.stepsOnce()
	o.tokenCount = 0
}

// CreateAndSendPacket expands the template with metadata, has the protocol
// build a packet from value, and sends it. A protocol that builds no
// packet sends nothing.
func (o *Outflow) CreateAndSendPacket(ctx context.Context, value any, metadata map[string]any, stepID *int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	suffix := ""
	if o.usePathSuffix {
		o.tokenCount++
		suffix = "/" + strconv.FormatInt(o.tokenCount, 10)
	}
	u, values, err := o.template.Expand(metadata, o.uriPrefix(), suffix)
	if err != nil {
		return &Error{Kind: KindConfiguration, Message: "expand outflow URI", Node: nodeName(o.node), Label: o.label, URI: o.template.Expression(), Err: err}
	}

	packet, err := o.protocol.CreatePacket(ctx, value, u, o.template, values, stepID)
	if err != nil {
		return fmt.Errorf("outflow %s on %s: %w", o.label, nodeName(o.node), err)
	}
	if packet == nil {
		return nil
	}
	return o.sendLocked(ctx, packet, stepID)
}

// SendPacket stores packet in the mailbox and records the write event.
func (o *Outflow) SendPacket(ctx context.Context, packet Packet, stepID *int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sendLocked(ctx, packet, stepID)
}

func (o *Outflow) sendLocked(ctx context.Context, packet Packet, stepID *int64) error {
	o.packet = packet
	o.ready = true
	o.eventCount++
	if err := o.wc.Recorder().RecordPacketSent(ctx, o, packet, stepID, o.eventCount); err != nil {
		return fmt.Errorf("outflow %s on %s: %w", o.label, nodeName(o.node), err)
	}
	return nil
}

// IsReady reports whether a packet is waiting.
func (o *Outflow) IsReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready
}

// Get withdraws the waiting packet. Getting from an empty outflow is a
// scheduler error.
func (o *Outflow) Get() (Packet, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ready {
		return nil, NewSchedulerError("Request for packet on empty outflow '%s' on node %s", o.label, nodeName(o.node)).
			at(nodeName(o.node), o.label, "")
	}
	p := o.packet
	o.packet = nil
	o.ready = false
	return p, nil
}

// Peek returns the waiting packet without withdrawing it.
func (o *Outflow) Peek() Packet {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.packet
}

// Clear discards any waiting packet.
func (o *Outflow) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.packet = nil
	o.ready = false
}

// EventCount returns the number of packets sent.
func (o *Outflow) EventCount() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.eventCount
}

// TokenCount returns the number of path suffixes issued since Initialize.
func (o *Outflow) TokenCount() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tokenCount
}
