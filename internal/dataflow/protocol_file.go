package dataflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

// FileProtocol publishes resources as files under the run directory and
// delivers them to actors as private copies in the step directory.
type FileProtocol struct {
	baseProtocol
}

// NewFileProtocol creates a file protocol bound to wc.
func NewFileProtocol(wc *WorkflowContext) *FileProtocol {
	return &FileProtocol{baseProtocol{wc: wc, scheme: SchemeFile, title: "File"}}
}

// ExternallyResolvable reports true.
func (p *FileProtocol) ExternallyResolvable() bool { return true }

// ValidateOutflowTemplate requires a run directory, and requires template
// variables unless the node fires at most once.
func (p *FileProtocol) ValidateOutflowTemplate(node Node, label string, tmpl *uri.Template) error {
	if p.wc.RunDirectory() == "" {
		return NewConfigurationError("Attempt to use the File protocol on an outflow without defining a run directory").
			at(nodeName(node), label, templateExpr(tmpl))
	}
	if tmpl.VariableCount() == 0 && (node == nil || !node.StepsOnce()) {
		return NewConfigurationError("No variables in outflow template with file scheme: %s on %s", tmpl, nodeName(node)).
			at(nodeName(node), label, templateExpr(tmpl))
	}
	return nil
}

// CreatePacket writes data under <run>/<uri path>. Files are copied,
// directories are mirrored with one resource per entry, and other values
// are written as text.
func (p *FileProtocol) CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	runDir, err := p.wc.requireRunDirectory("publishing with the File protocol")
	if err != nil {
		return nil, err
	}
	key, names := templateBinding(tmpl)
	target := filepath.Join(runDir, u.Path())

	var packet Packet
	if src, ok := data.(FilePath); ok {
		info, err := os.Stat(string(src))
		if err != nil {
			return nil, fmt.Errorf("publish %s: %w", u, err)
		}
		switch {
		case info.Mode().IsRegular():
			if err := copyFile(string(src), target); err != nil {
				return nil, fmt.Errorf("publish %s: %w", u, err)
			}
			packet, err = NewSinglePacket(NewPublishedResource(data, u, key, true), p, names, values)
		case info.IsDir():
			if !sameFile(string(src), target) {
				if err := copyTree(string(src), target); err != nil {
					return nil, fmt.Errorf("publish %s: %w", u, err)
				}
			}
			var resources []*PublishedResource
			resources, err = directoryResources(nil, u, key, string(src))
			if err == nil {
				packet, err = NewMultiPacket(resources, p, names, values)
			}
		default:
			return nil, NewCapabilityError("Only normal files and directories may be published to %s", u.Path()).at("", "", u.String())
		}
		if err != nil {
			return nil, fmt.Errorf("create file packet: %w", err)
		}
	} else {
		if data != nil {
			if err := writeStringFile(target, uri.FormatValue(data)); err != nil {
				return nil, fmt.Errorf("publish %s: %w", u, err)
			}
		}
		resources := []*PublishedResource{NewPublishedResource(data, u, key, true)}
		if packet, err = NewMultiPacket(resources, p, names, values); err != nil {
			return nil, fmt.Errorf("create file packet: %w", err)
		}
	}

	if err := p.recordPacketCreated(ctx, packet, stepID); err != nil {
		return nil, err
	}
	return packet, nil
}

// directoryResources appends a resource for dir and, recursively, one for
// every entry beneath it. URIs and binding keys extend by entry name.
func directoryResources(resources []*PublishedResource, base uri.URI, binding, dir string) ([]*PublishedResource, error) {
	resources = append(resources, NewPublishedResource(FilePath(dir), base, binding, true))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		itemURI := uri.Parse(joinSlash(base.String(), name))
		itemBinding := joinSlash(binding, name)
		itemPath := filepath.Join(dir, name)
		if entry.IsDir() {
			if resources, err = directoryResources(resources, itemURI, itemBinding, itemPath); err != nil {
				return nil, err
			}
			continue
		}
		resources = append(resources, NewPublishedResource(FilePath(itemPath), itemURI, itemBinding, true))
	}
	return resources, nil
}

func joinSlash(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}

// LoadResourcePayload reads <run>/<uri path>. A missing file yields nil.
// Files are copied into the step directory unless the actor asks for
// something other than a file, in which case the contents are returned.
// Directories are always copied.
func (p *FileProtocol) LoadResourcePayload(r *PublishedResource, in ActorInput) (any, error) {
	source := filepath.Join(p.wc.RunDirectory(), r.URI().Path())
	info, err := os.Stat(source)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.URI(), err)
	}

	local := filepath.Join(in.StepDirectory, in.localPathFor(r.URI().Name()))
	switch {
	case info.Mode().IsRegular():
		if in.Type == "" || in.Type == InputTypeFile {
			if err := copyFile(source, local); err != nil {
				return nil, fmt.Errorf("load %s: %w", r.URI(), err)
			}
			return FilePath(local), nil
		}
		contents, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", r.URI(), err)
		}
		return string(contents), nil
	case info.IsDir():
		if err := copyTree(source, local); err != nil {
			return nil, fmt.Errorf("load %s: %w", r.URI(), err)
		}
		return FilePath(local), nil
	default:
		return nil, NewCapabilityError("Only normal files and directories may be subscribed to.").at("", "", r.URI().String())
	}
}

// ResourceSummaryLine renders only the URI.
func (p *FileProtocol) ResourceSummaryLine(r *PublishedResource) string { return uriSummaryLine(r) }

// NewReader returns a one-shot reader of file contents.
func (p *FileProtocol) NewReader() (ProtocolReader, error) {
	return &fileReader{}, nil
}

// fileReader returns the contents of a named file once per initialization.
type fileReader struct {
	mu   sync.Mutex
	read bool
}

func (r *fileReader) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = false
	return nil
}

func (r *fileReader) StepsOnce() bool { return true }

func (r *fileReader) ExternalResource(path string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.read {
		return nil, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: KindResolution, Message: "read external file", URI: path, Err: err}
	}
	r.read = true
	return string(contents), nil
}
