package dataflow

import (
	"context"
	"strings"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

const contextPropertyPrefix = "/property/"

// ContextProtocol exposes process-wide configuration to inflows: the
// import map, run and base directories, the metadata store, and named
// properties. Publishing is forbidden.
type ContextProtocol struct {
	baseProtocol
}

// NewContextProtocol creates a context protocol bound to wc.
func NewContextProtocol(wc *WorkflowContext) *ContextProtocol {
	return &ContextProtocol{baseProtocol{wc: wc, scheme: SchemeContext, title: "Context"}}
}

// ExternallyResolvable reports true.
func (p *ContextProtocol) ExternallyResolvable() bool { return true }

// CreatePacket always fails.
func (p *ContextProtocol) CreatePacket(_ context.Context, _ any, u uri.URI, _ *uri.Template, _ []any, _ *int64) (Packet, error) {
	return nil, NewCapabilityError("Not allowed to publish to the application context.").at("", "", u.String())
}

// ValidateInflowTemplate accepts the known context paths. Property paths
// must name a property that resolves.
func (p *ContextProtocol) ValidateInflowTemplate(tmpl *uri.Template, node Node) error {
	path := tmpl.ReducedPath()
	switch path {
	case "/", "/import-map", "/run", "/base", "/metadata":
		return nil
	}
	if strings.HasPrefix(path, contextPropertyPrefix) {
		if _, err := p.property(path); err != nil {
			return &Error{Kind: KindConfiguration, Message: "invalid context inflow", Node: nodeName(node), URI: tmpl.Expression(), Err: err}
		}
		return nil
	}
	return NewConfigurationError("unknown 'context' protocol path: %s", path).at(nodeName(node), "", tmpl.Expression())
}

func (p *ContextProtocol) property(path string) (string, error) {
	key := strings.TrimPrefix(path, contextPropertyPrefix)
	v, ok := p.wc.Property(key)
	if !ok {
		return "", NewResolutionError("Undefined context property '%s' in inflow path '%s'", key, path)
	}
	return v, nil
}

// ResourceSummaryLine renders only the URI.
func (p *ContextProtocol) ResourceSummaryLine(r *PublishedResource) string { return uriSummaryLine(r) }

// NewReader returns a one-shot reader of context values.
func (p *ContextProtocol) NewReader() (ProtocolReader, error) {
	return &contextReader{protocol: p}, nil
}

type contextReader struct {
	protocol *ContextProtocol

	mu   sync.Mutex
	read bool
}

func (r *contextReader) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = false
	return nil
}

func (r *contextReader) StepsOnce() bool { return true }

// ExternalResource resolves a context path. Paths are matched by prefix,
// most specific first; "/" yields the WorkflowContext itself.
func (r *contextReader) ExternalResource(path string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.read {
		return nil, nil
	}
	r.read = true

	wc := r.protocol.wc
	switch {
	case strings.HasPrefix(path, contextPropertyPrefix):
		return r.protocol.property(path)
	case strings.HasPrefix(path, "/import-map"):
		return wc.ImportMap(), nil
	case strings.HasPrefix(path, "/run"):
		return wc.RunDirectory(), nil
	case strings.HasPrefix(path, "/base"):
		return wc.BaseDirectory(), nil
	case strings.HasPrefix(path, "/metadata"):
		return wc.Metadata(), nil
	case strings.HasPrefix(path, "/"):
		return wc, nil
	}
	return nil, NewResolutionError("unknown 'context' protocol path: %s", path)
}
