package dataflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

// Scheme names of the built-in protocols.
const (
	SchemeData      = "data"
	SchemeFile      = "file"
	SchemeDirect    = "direct"
	SchemeContext   = "context"
	SchemeWorkspace = "workspace"
	SchemeLog       = "log"
	SchemeStdout    = "stdout"
	SchemeStderr    = "stderr"
	SchemeControl   = "control"
)

// Registry maps URI schemes to protocols. A URI without a scheme resolves
// to the default protocol.
type Registry struct {
	mu            sync.RWMutex
	protocols     map[string]Protocol
	defaultScheme string
}

// NewRegistry creates an empty registry whose default scheme is data.
func NewRegistry() *Registry {
	return &Registry{protocols: make(map[string]Protocol), defaultScheme: SchemeData}
}

// Register binds p to its scheme, replacing any earlier binding.
func (r *Registry) Register(p Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[p.Scheme()] = p
}

// SetDefault selects the protocol used for URIs without a scheme.
func (r *Registry) SetDefault(scheme string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.protocols[scheme]; !ok {
		return NewConfigurationError("default scheme %q is not registered", scheme)
	}
	r.defaultScheme = scheme
	return nil
}

// Lookup returns the protocol for scheme. The empty scheme selects the
// default protocol.
func (r *Registry) Lookup(scheme string) (Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scheme == "" {
		scheme = r.defaultScheme
	}
	p, ok := r.protocols[scheme]
	if !ok {
		return nil, NewConfigurationError("no protocol registered for scheme %q", scheme)
	}
	return p, nil
}

// ForTemplate returns the protocol named by the scheme of tmpl.
func (r *Registry) ForTemplate(tmpl *uri.Template) (Protocol, error) {
	p, err := r.Lookup(tmpl.Scheme())
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", tmpl, err)
	}
	return p, nil
}

// Default returns the default protocol.
func (r *Registry) Default() Protocol {
	p, _ := r.Lookup("")
	return p
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.protocols))
	for s := range r.protocols {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}
