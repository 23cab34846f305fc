package dataflow

import "github.com/roach88/provflow/internal/uri"

// DefaultKey is the binding key and URI given to resources published
// without an explicit location.
const DefaultKey = "/"

// FilePath marks a payload as a handle to a filesystem entry (file or
// directory) rather than inline data. File-like protocols copy or reference
// the entry; the Data protocol rejects it.
type FilePath string

// String returns the filesystem path.
func (f FilePath) String() string { return string(f) }

// PublishedResource is one (payload, URI, binding key) unit inside a packet.
// It is immutable after construction.
type PublishedResource struct {
	data           any
	uri            uri.URI
	key            string
	referencesData bool
}

// NewPublishedResource creates a resource. referencesData is true when data
// refers to externally persisted content and only the URI should be stored.
func NewPublishedResource(data any, u uri.URI, key string, referencesData bool) *PublishedResource {
	return &PublishedResource{data: data, uri: u, key: key, referencesData: referencesData}
}

// NewDataResource creates an inline resource at the default URI and key.
func NewDataResource(data any) *PublishedResource {
	return NewPublishedResource(data, uri.Parse(DefaultKey), DefaultKey, false)
}

// Data returns the payload, which may be nil.
func (r *PublishedResource) Data() any { return r.data }

// URI returns the concrete URI with template variables substituted.
func (r *PublishedResource) URI() uri.URI { return r.uri }

// Key returns the binding key used to look the resource up in a packet.
func (r *PublishedResource) Key() string { return r.key }

// ReferencesData reports whether the payload is a reference to externally
// persisted content.
func (r *PublishedResource) ReferencesData() bool { return r.referencesData }

// String renders the resource using the default summary rule.
func (r *PublishedResource) String() string {
	return SummaryLine(r)
}
