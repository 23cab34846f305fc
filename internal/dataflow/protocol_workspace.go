package dataflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

// WorkspaceProtocol reads resources from the workspace directory, a
// read-only resource root separate from the run directory.
type WorkspaceProtocol struct {
	baseProtocol
}

// NewWorkspaceProtocol creates a workspace protocol bound to wc.
func NewWorkspaceProtocol(wc *WorkflowContext) *WorkspaceProtocol {
	return &WorkspaceProtocol{baseProtocol{wc: wc, scheme: SchemeWorkspace, title: "Workspace"}}
}

// ExternallyResolvable reports true.
func (p *WorkspaceProtocol) ExternallyResolvable() bool { return true }

// CreatePacket always fails.
func (p *WorkspaceProtocol) CreatePacket(_ context.Context, _ any, u uri.URI, _ *uri.Template, _ []any, _ *int64) (Packet, error) {
	return nil, NewCapabilityError("not allowed to publish to workspace directory").at("", "", u.String())
}

// ValidateOutflowTemplate always fails.
func (p *WorkspaceProtocol) ValidateOutflowTemplate(node Node, label string, tmpl *uri.Template) error {
	return NewConfigurationError("not allowed to publish to workspace directory").at(nodeName(node), label, templateExpr(tmpl))
}

// resolve maps a workspace path to a file.
func (p *WorkspaceProtocol) resolve(path string) string {
	return filepath.Join(p.wc.WorkspaceDirectory(), filepath.FromSlash(path))
}

// LoadResourcePayload copies the workspace file into the step directory for
// file inputs and returns its contents otherwise.
func (p *WorkspaceProtocol) LoadResourcePayload(r *PublishedResource, in ActorInput) (any, error) {
	source := p.resolve(r.URI().Path())
	if in.Type == "" || in.Type == InputTypeFile {
		local := filepath.Join(in.StepDirectory, in.localPathFor(r.URI().Path()))
		if err := copyFile(source, local); err != nil {
			return nil, &Error{Kind: KindResolution, Message: "load workspace resource", URI: r.URI().String(), Err: err}
		}
		return FilePath(local), nil
	}
	contents, err := os.ReadFile(source)
	if err != nil {
		return nil, &Error{Kind: KindResolution, Message: "load workspace resource", URI: r.URI().String(), Err: err}
	}
	return string(contents), nil
}

// NewReader returns a one-shot reader of workspace files.
func (p *WorkspaceProtocol) NewReader() (ProtocolReader, error) {
	return &workspaceReader{protocol: p}, nil
}

type workspaceReader struct {
	protocol *WorkspaceProtocol

	mu   sync.Mutex
	read bool
}

func (r *workspaceReader) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = false
	return nil
}

func (r *workspaceReader) StepsOnce() bool { return true }

func (r *workspaceReader) ExternalResource(path string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.read {
		return nil, nil
	}
	contents, err := os.ReadFile(r.protocol.resolve(path))
	if err != nil {
		return nil, &Error{Kind: KindResolution, Message: fmt.Sprintf("read workspace:%s", path), Err: err}
	}
	r.read = true
	return string(contents), nil
}
