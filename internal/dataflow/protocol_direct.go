package dataflow

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/roach88/provflow/internal/uri"
)

// DirectProtocol publishes files or directories that the actor already
// wrote in place. Nothing is copied on publish.
type DirectProtocol struct {
	baseProtocol
}

// NewDirectProtocol creates a direct protocol bound to wc.
func NewDirectProtocol(wc *WorkflowContext) *DirectProtocol {
	return &DirectProtocol{baseProtocol{wc: wc, scheme: SchemeDirect, title: "Direct"}}
}

// ExternallyResolvable reports true. The direct protocol still refuses a
// reader.
func (p *DirectProtocol) ExternallyResolvable() bool { return true }

// CreatePacket publishes data, which must be a FilePath. The resource URI
// is the template parent joined with the file name for files, or the
// parent itself for directories.
func (p *DirectProtocol) CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	file, ok := data.(FilePath)
	if !ok {
		return nil, NewCapabilityError("Only directly created files may be published using the direct protocol: %s", uri.FormatValue(data)).
			at("", "", u.String())
	}
	info, err := os.Stat(string(file))
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", u, err)
	}

	key, names := templateBinding(tmpl)
	parent := u.Path()
	if tmpl == nil || tmpl.VariableCount() == 0 {
		parent = strings.TrimSuffix(parent, u.Name())
	} else {
		parent += "/"
	}

	var packet Packet
	switch {
	case info.Mode().IsRegular():
		actual := uri.Parse(parent + info.Name())
		packet, err = NewSinglePacket(NewPublishedResource(data, actual, key, true), p, names, values)
	case info.IsDir():
		var resources []*PublishedResource
		if resources, err = directoryResources(nil, uri.Parse(parent), key, string(file)); err == nil {
			packet, err = NewMultiPacket(resources, p, names, values)
		}
	default:
		return nil, NewCapabilityError("Only normal files and directories may be published.").at("", "", u.String())
	}
	if err != nil {
		return nil, fmt.Errorf("create direct packet: %w", err)
	}

	if err := p.recordPacketCreated(ctx, packet, stepID); err != nil {
		return nil, err
	}
	return packet, nil
}

// LoadResourcePayload returns the published file itself for file inputs,
// its contents for other inputs, and the directory handle for directories.
func (p *DirectProtocol) LoadResourcePayload(r *PublishedResource, in ActorInput) (any, error) {
	file, ok := r.Data().(FilePath)
	if !ok {
		return nil, NewCapabilityError("Only normal files and directories may be subscribed to.").at("", "", r.URI().String())
	}
	info, err := os.Stat(string(file))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.URI(), err)
	}
	switch {
	case info.Mode().IsRegular():
		if in.Type == "" || in.Type == InputTypeFile {
			return file, nil
		}
		contents, err := os.ReadFile(string(file))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", r.URI(), err)
		}
		return string(contents), nil
	case info.IsDir():
		return file, nil
	default:
		return nil, NewCapabilityError("Only normal files and directories may be subscribed to.").at("", "", r.URI().String())
	}
}

// ResourceSummaryLine renders only the URI.
func (p *DirectProtocol) ResourceSummaryLine(r *PublishedResource) string { return uriSummaryLine(r) }
