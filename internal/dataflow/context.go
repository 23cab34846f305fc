package dataflow

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/provflow/internal/config"
)

// MetadataStore is the run metadata sink used by the log and context
// protocols.
type MetadataStore interface {
	// Directory returns the metadata directory of the run.
	Directory() string

	// WriteToLog appends message to the named log stream.
	WriteToLog(name, message string) error
}

// WorkflowContext carries the process-wide state that protocols and ports
// need: directories, properties, the trace recorder, and the protocol
// registry. It is built once per run and passed down explicitly.
type WorkflowContext struct {
	runID     string
	cfg       config.Config
	recorder  PacketRecorder
	metadata  MetadataStore
	registry  *Registry
	stdout    io.Writer
	stderr    io.Writer
	logger    *slog.Logger
	now       func() time.Time
	lookupEnv func(string) (string, bool)
}

// ContextOption configures a WorkflowContext.
type ContextOption func(*WorkflowContext)

// WithConfig sets the run configuration.
func WithConfig(cfg *config.Config) ContextOption {
	return func(wc *WorkflowContext) {
		if cfg != nil {
			wc.cfg = *cfg
		}
	}
}

// WithRecorder sets the recorder notified of packet events.
func WithRecorder(r PacketRecorder) ContextOption {
	return func(wc *WorkflowContext) { wc.recorder = r }
}

// WithMetadata sets the run metadata sink.
func WithMetadata(m MetadataStore) ContextOption {
	return func(wc *WorkflowContext) { wc.metadata = m }
}

// WithStdout redirects the stdout and log protocols.
func WithStdout(w io.Writer) ContextOption {
	return func(wc *WorkflowContext) { wc.stdout = w }
}

// WithStderr redirects the stderr protocol.
func WithStderr(w io.Writer) ContextOption {
	return func(wc *WorkflowContext) { wc.stderr = w }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ContextOption {
	return func(wc *WorkflowContext) { wc.logger = l }
}

// WithClock sets the time source for log timestamps.
func WithClock(now func() time.Time) ContextOption {
	return func(wc *WorkflowContext) { wc.now = now }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) ContextOption {
	return func(wc *WorkflowContext) { wc.runID = id }
}

// WithEnvironment replaces the environment lookup used as the last
// property tier.
func WithEnvironment(lookup func(string) (string, bool)) ContextOption {
	return func(wc *WorkflowContext) { wc.lookupEnv = lookup }
}

// NewWorkflowContext builds a context and its protocol registry. The
// configuration is validated; failures are configuration errors.
func NewWorkflowContext(opts ...ContextOption) (*WorkflowContext, error) {
	wc := &WorkflowContext{
		recorder:  nopRecorder{},
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		logger:    slog.Default(),
		now:       time.Now,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(wc)
	}
	if wc.recorder == nil {
		wc.recorder = nopRecorder{}
	}
	if wc.runID == "" {
		wc.runID = uuid.Must(uuid.NewV7()).String()
	}

	if err := wc.cfg.Validate(); err != nil {
		return nil, &Error{Kind: KindConfiguration, Message: "invalid workflow context", Err: err}
	}

	wc.registry = NewRegistry()
	for _, p := range wc.builtinProtocols() {
		wc.registry.Register(p)
	}
	if err := wc.registry.SetDefault(wc.cfg.EffectiveScheme()); err != nil {
		return nil, err
	}
	wc.logger = wc.logger.With("run_id", wc.runID)
	return wc, nil
}

func (wc *WorkflowContext) builtinProtocols() []Protocol {
	return []Protocol{
		NewDataProtocol(wc),
		NewControlProtocol(wc),
		NewStdoutProtocol(wc),
		NewStderrProtocol(wc),
		NewLogProtocol(wc, wc.cfg.EffectiveLogName(), wc.cfg.TeeLogToStdout()),
		NewFileProtocol(wc),
		NewDirectProtocol(wc),
		NewContextProtocol(wc),
		NewWorkspaceProtocol(wc),
	}
}

// RunID returns the identifier of the run.
func (wc *WorkflowContext) RunID() string { return wc.runID }

// RunDirectory returns the directory that receives published files.
func (wc *WorkflowContext) RunDirectory() string { return wc.cfg.RunDirectory }

// BaseDirectory returns the directory workflow-relative paths resolve against.
func (wc *WorkflowContext) BaseDirectory() string { return wc.cfg.BaseDirectory }

// WorkspaceDirectory returns the root of workspace resources.
func (wc *WorkflowContext) WorkspaceDirectory() string { return wc.cfg.WorkspaceDirectory }

// ImportMap returns a copy of the import map.
func (wc *WorkflowContext) ImportMap() map[string]string {
	m := make(map[string]string, len(wc.cfg.ImportMap))
	for k, v := range wc.cfg.ImportMap {
		m[k] = v
	}
	return m
}

// Property resolves key from context properties, then system properties,
// then the environment.
func (wc *WorkflowContext) Property(key string) (string, bool) {
	return wc.cfg.PropertyWithEnv(key, wc.lookupEnv)
}

// Recorder returns the packet recorder.
func (wc *WorkflowContext) Recorder() PacketRecorder { return wc.recorder }

// Metadata returns the metadata sink, or nil.
func (wc *WorkflowContext) Metadata() MetadataStore { return wc.metadata }

// Registry returns the protocol registry.
func (wc *WorkflowContext) Registry() *Registry { return wc.registry }

// Logger returns the structured logger.
func (wc *WorkflowContext) Logger() *slog.Logger { return wc.logger }

// Protocol returns the registered protocol for scheme.
func (wc *WorkflowContext) Protocol(scheme string) (Protocol, error) {
	return wc.registry.Lookup(scheme)
}

func (wc *WorkflowContext) requireRunDirectory(what string) (string, error) {
	if wc.cfg.RunDirectory == "" {
		return "", NewResolutionError("%s requires a run directory", what)
	}
	return wc.cfg.RunDirectory, nil
}

func (wc *WorkflowContext) String() string {
	return fmt.Sprintf("WorkflowContext(run=%s)", wc.runID)
}
