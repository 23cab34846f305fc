package dataflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

// Inflow is the receiving port of a node. The scheduler deposits packets
// into it; the node withdraws and clears them. All state transitions are
// serialized by the inflow's lock.
type Inflow struct {
	wc            *WorkflowContext
	node          Node
	label         string
	template      *uri.Template
	protocol      Protocol
	packetBinding string
	receiveOnce   bool

	mu          sync.Mutex
	inputPacket Packet
	eosReceived bool
	eventCount  int64
}

// NewInflow creates an inflow and validates its template against the
// protocol. An invalid template is a configuration error.
func NewInflow(wc *WorkflowContext, node Node, label string, tmpl *uri.Template, packetBinding string, protocol Protocol, receiveOnce bool) (*Inflow, error) {
	if err := protocol.ValidateInflowTemplate(tmpl, node); err != nil {
		return nil, err
	}
	return &Inflow{
		wc:            wc,
		node:          node,
		label:         label,
		template:      tmpl,
		protocol:      protocol,
		packetBinding: packetBinding,
		receiveOnce:   receiveOnce,
	}, nil
}

// Node returns the owning node.
func (in *Inflow) Node() Node { return in.node }

// Label returns the port label.
func (in *Inflow) Label() string { return in.label }

// Template returns the URI template the inflow subscribes to.
func (in *Inflow) Template() *uri.Template { return in.template }

// Binding returns the template expression.
func (in *Inflow) Binding() string { return in.template.Expression() }

// Path returns the template path.
func (in *Inflow) Path() string { return in.template.Path() }

// VariableNames returns the template variable names.
func (in *Inflow) VariableNames() []string { return in.template.VariableNames() }

// DataflowBinding returns the reduced path used to match outflows.
func (in *Inflow) DataflowBinding() string { return in.template.ReducedPath() }

// PacketBinding returns the packet binding expression.
func (in *Inflow) PacketBinding() string { return in.packetBinding }

// Protocol returns the inflow's protocol.
func (in *Inflow) Protocol() Protocol { return in.protocol }

// ReceiveOnce reports the receive-once policy flag. The scheduler reads it;
// the inflow does not enforce it.
func (in *Inflow) ReceiveOnce() bool { return in.receiveOnce }

// String returns the label.
func (in *Inflow) String() string { return in.label }

// Compare orders inflows by label, then node name.
func (in *Inflow) Compare(other *Inflow) int {
	return strings.Compare(in.label+nodeName(in.node), other.label+nodeName(other.node))
}

// Initialize empties the inflow for a new run. The event count is kept.
func (in *Inflow) Initialize() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.eosReceived = false
	in.inputPacket = nil
}

// SetEOSReceived marks the upstream stream as ended.
func (in *Inflow) SetEOSReceived() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.eventCount++
	in.eosReceived = true
}

// EOSReceived reports whether end of stream has been received.
func (in *Inflow) EOSReceived() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.eosReceived
}

// SetInputPacket deposits packet and records the read event.
func (in *Inflow) SetInputPacket(ctx context.Context, packet Packet) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.inputPacket = packet
	in.eventCount++
	if err := in.wc.Recorder().RecordPacketReceived(ctx, in, packet, in.eventCount); err != nil {
		return fmt.Errorf("inflow %s on %s: %w", in.label, nodeName(in.node), err)
	}
	return nil
}

// InputPacket returns the deposited packet, or nil.
func (in *Inflow) InputPacket() Packet {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.inputPacket
}

// Clear withdraws the deposited packet.
func (in *Inflow) Clear() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.inputPacket = nil
}

// HasInputPacket reports whether a packet is deposited.
func (in *Inflow) HasInputPacket() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.inputPacket != nil
}

// EventCount returns the number of receive events, end of stream included.
func (in *Inflow) EventCount() int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.eventCount
}
