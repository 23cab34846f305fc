package dataflow

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/provflow/internal/uri"
)

// DataProtocol carries values in memory. It is the default protocol.
type DataProtocol struct {
	baseProtocol
}

// NewDataProtocol creates a data protocol bound to wc.
func NewDataProtocol(wc *WorkflowContext) *DataProtocol {
	return &DataProtocol{baseProtocol{wc: wc, scheme: SchemeData, title: "Data"}}
}

// SupportsSuffixes reports true: repeated unparameterized firings are
// disambiguated by path suffix.
func (p *DataProtocol) SupportsSuffixes() bool { return true }

// CreatePacket wraps data in a single-resource packet.
func (p *DataProtocol) CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	return createDataPacket(ctx, &p.baseProtocol, p, data, u, tmpl, values, stepID)
}

// createDataPacket implements the data publishing rule for every protocol
// that behaves like data on the trace side. self is the protocol recorded
// on the packet.
func createDataPacket(ctx context.Context, base *baseProtocol, self Protocol, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	if _, ok := data.(FilePath); ok {
		return nil, NewCapabilityError("A file may not be published using the %s protocol.", base.scheme).at("", "", u.String())
	}
	key, names := templateBinding(tmpl)
	resource := NewPublishedResource(data, u, key, false)
	packet, err := NewSinglePacket(resource, self, names, values)
	if err != nil {
		return nil, fmt.Errorf("create %s packet: %w", base.scheme, err)
	}
	if err := base.recordPacketCreated(ctx, packet, stepID); err != nil {
		return nil, err
	}
	return packet, nil
}

// ControlProtocol carries synchronization tokens whose payload is never
// delivered to an actor.
type ControlProtocol struct {
	baseProtocol
}

// NewControlProtocol creates a control protocol bound to wc.
func NewControlProtocol(wc *WorkflowContext) *ControlProtocol {
	return &ControlProtocol{baseProtocol{wc: wc, scheme: SchemeControl, title: "Control"}}
}

// SupportsSuffixes reports true.
func (p *ControlProtocol) SupportsSuffixes() bool { return true }

// CreatePacket wraps data in a single-resource packet.
func (p *ControlProtocol) CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	return createDataPacket(ctx, &p.baseProtocol, p, data, u, tmpl, values, stepID)
}

// LoadResourcePayload always fails.
func (p *ControlProtocol) LoadResourcePayload(r *PublishedResource, _ ActorInput) (any, error) {
	return nil, NewCapabilityError("Payload may not be loaded for packets sent using a control protocol.").at("", "", r.URI().String())
}

// StreamProtocol prints each published value to an OS stream and otherwise
// behaves like the data protocol. It backs the stdout and stderr schemes.
type StreamProtocol struct {
	baseProtocol
	out func() io.Writer
}

// NewStdoutProtocol creates the stdout protocol bound to wc.
func NewStdoutProtocol(wc *WorkflowContext) *StreamProtocol {
	return &StreamProtocol{
		baseProtocol: baseProtocol{wc: wc, scheme: SchemeStdout, title: "Stdout"},
		out:          func() io.Writer { return wc.stdout },
	}
}

// NewStderrProtocol creates the stderr protocol bound to wc.
func NewStderrProtocol(wc *WorkflowContext) *StreamProtocol {
	return &StreamProtocol{
		baseProtocol: baseProtocol{wc: wc, scheme: SchemeStderr, title: "Stderr"},
		out:          func() io.Writer { return wc.stderr },
	}
}

// SupportsSuffixes reports true.
func (p *StreamProtocol) SupportsSuffixes() bool { return true }

// CreatePacket prints data and wraps it in a single-resource packet.
func (p *StreamProtocol) CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	if _, err := fmt.Fprintln(p.out(), uri.FormatValue(data)); err != nil {
		return nil, fmt.Errorf("write %s: %w", p.scheme, err)
	}
	return createDataPacket(ctx, &p.baseProtocol, p, data, u, tmpl, values, stepID)
}

// ValidateInflowTemplate always fails: standard streams are output only.
func (p *StreamProtocol) ValidateInflowTemplate(tmpl *uri.Template, node Node) error {
	return NewConfigurationError("%s protocol is not allowed on inflows.", p.title).at(nodeName(node), "", templateExpr(tmpl))
}
