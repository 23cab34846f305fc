package dataflow

import (
	"fmt"
	"sync"
)

// Packet is an immutable token carrying one or more published resources and
// the URI-variable metadata that produced them. Its identity is assigned
// once, by the trace recorder, when the packet is created.
type Packet interface {
	// Protocol returns the protocol that created the packet.
	Protocol() Protocol

	// MetadataKeys returns a copy of the metadata variable names.
	MetadataKeys() []string

	// MetadataValues returns a copy of the metadata values, parallel to
	// MetadataKeys.
	MetadataValues() []any

	// Resource returns the resource bound to key, or nil.
	Resource(key string) *PublishedResource

	// Resources returns the resources in insertion order.
	Resources() []*PublishedResource

	// ID returns the packet identity and whether it has been assigned.
	ID() (int64, bool)

	// SetID assigns the packet identity. It fails if already assigned.
	SetID(id int64) error
}

type packetBase struct {
	protocol Protocol
	keys     []string
	values   []any

	mu    sync.Mutex
	id    int64
	hasID bool
}

func (p *packetBase) init(protocol Protocol, keys []string, values []any) error {
	if len(keys) != len(values) {
		return fmt.Errorf("packet metadata: %d keys but %d values", len(keys), len(values))
	}
	p.protocol = protocol
	p.keys = append([]string{}, keys...)
	p.values = append([]any{}, values...)
	return nil
}

func (p *packetBase) Protocol() Protocol { return p.protocol }

func (p *packetBase) MetadataKeys() []string { return append([]string{}, p.keys...) }

func (p *packetBase) MetadataValues() []any { return append([]any{}, p.values...) }

func (p *packetBase) ID() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.hasID
}

func (p *packetBase) SetID(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasID {
		return fmt.Errorf("packet id already assigned: %d", p.id)
	}
	p.id, p.hasID = id, true
	return nil
}

// SinglePacket carries exactly one resource.
type SinglePacket struct {
	packetBase
	resource *PublishedResource
}

// NewSinglePacket creates a packet holding resource. A nil resource is
// replaced by an inline nil payload at the default URI.
func NewSinglePacket(resource *PublishedResource, protocol Protocol, keys []string, values []any) (*SinglePacket, error) {
	if resource == nil {
		resource = NewDataResource(nil)
	}
	p := &SinglePacket{resource: resource}
	if err := p.init(protocol, keys, values); err != nil {
		return nil, err
	}
	return p, nil
}

// Resource returns the packet's only resource. The key is ignored: a
// single-resource packet has exactly one binding.
func (p *SinglePacket) Resource(string) *PublishedResource { return p.resource }

// Resources returns a one-element slice.
func (p *SinglePacket) Resources() []*PublishedResource {
	return []*PublishedResource{p.resource}
}

// MultiPacket carries resources keyed by binding key.
type MultiPacket struct {
	packetBase
	order []*PublishedResource
	index map[string]int
}

// NewMultiPacket creates a packet from resources. A later resource with the
// same key as an earlier one replaces it in place.
func NewMultiPacket(resources []*PublishedResource, protocol Protocol, keys []string, values []any) (*MultiPacket, error) {
	p := &MultiPacket{index: make(map[string]int, len(resources))}
	if err := p.init(protocol, keys, values); err != nil {
		return nil, err
	}
	for _, r := range resources {
		if r == nil {
			continue
		}
		if i, ok := p.index[r.Key()]; ok {
			p.order[i] = r
			continue
		}
		p.index[r.Key()] = len(p.order)
		p.order = append(p.order, r)
	}
	return p, nil
}

// Resource returns the resource bound to key, or nil if there is none.
func (p *MultiPacket) Resource(key string) *PublishedResource {
	if i, ok := p.index[key]; ok {
		return p.order[i]
	}
	return nil
}

// Resources returns a copy of the resources in insertion order.
func (p *MultiPacket) Resources() []*PublishedResource {
	return append([]*PublishedResource{}, p.order...)
}

// EndOfStream is the sentinel packet signalling that an outflow will send
// nothing more. It is never persisted as a data event.
var EndOfStream Packet = &SinglePacket{resource: NewDataResource(nil)}

// IsEndOfStream reports whether p is the end-of-stream sentinel.
func IsEndOfStream(p Packet) bool { return p == EndOfStream }
