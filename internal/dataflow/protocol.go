package dataflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/roach88/provflow/internal/uri"
)

// InputTypeFile is the actor input type that asks for a file handle rather
// than an in-memory value.
const InputTypeFile = "File"

// ActorInput describes how the receiving actor wants a payload delivered.
type ActorInput struct {
	// Type is the declared input type, e.g. "File", "String", or "".
	Type string

	// LocalPath is the file name to use inside StepDirectory. When empty
	// the name of the resource URI is used.
	LocalPath string

	// StepDirectory is the private scratch directory of the step that
	// will consume the payload.
	StepDirectory string
}

func (in ActorInput) wantsFile() bool {
	return strings.Contains(in.Type, InputTypeFile)
}

func (in ActorInput) localPathFor(fallback string) string {
	if in.LocalPath != "" {
		return in.LocalPath
	}
	return fallback
}

// Protocol governs how data is externalized when published on an outflow
// and internalized when loaded for an actor. Implementations are immutable
// and safe for concurrent use.
type Protocol interface {
	// Scheme returns the URI scheme the protocol is registered under.
	Scheme() string

	// CreatePacket turns data into a packet and records its creation.
	// A protocol may return a nil packet to publish nothing.
	CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error)

	// LoadResourcePayload returns the payload of r in the shape in asks for.
	LoadResourcePayload(r *PublishedResource, in ActorInput) (any, error)

	// ValidateInflowTemplate checks that tmpl is legal on an inflow of node.
	ValidateInflowTemplate(tmpl *uri.Template, node Node) error

	// ValidateOutflowTemplate checks that tmpl is legal on the labelled
	// outflow of node.
	ValidateOutflowTemplate(node Node, label string, tmpl *uri.Template) error

	// ExternallyResolvable reports whether resources can be named directly
	// by URI without an upstream outflow.
	ExternallyResolvable() bool

	// SupportsSuffixes reports whether repeated firings of an outflow with
	// no template variables may be disambiguated by a /N path suffix.
	SupportsSuffixes() bool

	// NewReader returns a reader for externally named resources.
	NewReader() (ProtocolReader, error)

	// ResourceSummaryLine renders r as a single line for text exports.
	ResourceSummaryLine(r *PublishedResource) string
}

// ProtocolReader resolves externally named resources. A reader that steps
// once yields its resource a single time and then returns nil until it is
// initialized again.
type ProtocolReader interface {
	Initialize() error
	StepsOnce() bool
	ExternalResource(path string) (any, error)
}

// baseProtocol supplies the default behavior shared by all protocols.
type baseProtocol struct {
	wc     *WorkflowContext
	scheme string
	title  string
}

func (p *baseProtocol) Scheme() string { return p.scheme }

func (p *baseProtocol) ExternallyResolvable() bool { return false }

func (p *baseProtocol) SupportsSuffixes() bool { return false }

func (p *baseProtocol) ValidateInflowTemplate(*uri.Template, Node) error { return nil }

func (p *baseProtocol) ValidateOutflowTemplate(Node, string, *uri.Template) error { return nil }

func (p *baseProtocol) NewReader() (ProtocolReader, error) {
	return nil, NewCapabilityError("%s protocol does not support resolution of external resources", p.title)
}

func (p *baseProtocol) ResourceSummaryLine(r *PublishedResource) string {
	return SummaryLine(r)
}

// LoadResourcePayload writes the payload to a file in the step directory
// when the actor wants a file, and otherwise returns it unchanged.
func (p *baseProtocol) LoadResourcePayload(r *PublishedResource, in ActorInput) (any, error) {
	if !in.wantsFile() {
		return r.Data(), nil
	}
	target := filepath.Join(in.StepDirectory, in.localPathFor(r.URI().Name()))
	if err := writeStringFile(target, uri.FormatValue(r.Data())); err != nil {
		return nil, fmt.Errorf("load %s payload: %w", p.scheme, err)
	}
	return FilePath(target), nil
}

func (p *baseProtocol) recordPacketCreated(ctx context.Context, packet Packet, stepID *int64) error {
	if err := p.wc.Recorder().RecordPacketCreated(ctx, packet, stepID); err != nil {
		return fmt.Errorf("record packet created: %w", err)
	}
	return nil
}

// templateBinding returns the binding key and variable names of tmpl.
func templateBinding(tmpl *uri.Template) (string, []string) {
	if tmpl == nil {
		return DefaultKey, nil
	}
	return tmpl.ReducedPath(), tmpl.VariableNames()
}

func templateExpr(tmpl *uri.Template) string {
	if tmpl == nil {
		return ""
	}
	return tmpl.Expression()
}

var lineBreaks = regexp.MustCompile(`(\r?\n)+`)

// SingleLine collapses s onto one line: surrounding whitespace is trimmed
// and every run of line breaks becomes a single space.
func SingleLine(s string) string {
	s = lineBreaks.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ReplaceAll(s, "\r", " ")
}

// SummaryLine renders "<uri>: <value>" with the value collapsed onto one
// line. A nil value renders as "null".
func SummaryLine(r *PublishedResource) string {
	if r.Data() == nil {
		return r.URI().String() + ": null"
	}
	return r.URI().String() + ": " + SingleLine(uri.FormatValue(r.Data()))
}

// uriSummaryLine renders just the URI of r.
func uriSummaryLine(r *PublishedResource) string {
	return r.URI().String()
}

func writeStringFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
