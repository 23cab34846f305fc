package dataflow

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/config"
)

type testNode struct {
	name      string
	stepsOnce bool
	prefix    string
}

func (n *testNode) QualifiedName() string { return n.name }
func (n *testNode) StepsOnce() bool       { return n.stepsOnce }
func (n *testNode) Hidden() bool          { return false }
func (n *testNode) URIPrefix() string     { return n.prefix }

type sentEvent struct {
	label       string
	eventNumber int64
	stepID      *int64
}

type receivedEvent struct {
	label       string
	eventNumber int64
	eos         bool
}

// captureRecorder assigns sequential packet ids and remembers port events.
type captureRecorder struct {
	mu       sync.Mutex
	nextID   int64
	created  []Packet
	sent     []sentEvent
	received []receivedEvent
}

func (r *captureRecorder) RecordPacketCreated(_ context.Context, p Packet, _ *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.created = append(r.created, p)
	return p.SetID(r.nextID)
}

func (r *captureRecorder) RecordPacketSent(_ context.Context, o *Outflow, _ Packet, stepID *int64, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{label: o.Label(), eventNumber: n, stepID: stepID})
	return nil
}

func (r *captureRecorder) RecordPacketReceived(_ context.Context, in *Inflow, p Packet, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, receivedEvent{label: in.Label(), eventNumber: n, eos: IsEndOfStream(p)})
	return nil
}

type memMetadata struct {
	mu   sync.Mutex
	dir  string
	logs map[string]string
}

func (m *memMetadata) Directory() string { return m.dir }

func (m *memMetadata) WriteToLog(name, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logs == nil {
		m.logs = make(map[string]string)
	}
	m.logs[name] += message
	return nil
}

type testEnv struct {
	wc       *WorkflowContext
	recorder *captureRecorder
	metadata *memMetadata
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
}

var fixedTime = time.Date(2026, 3, 1, 9, 30, 15, 250_000_000, time.UTC)

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		recorder: &captureRecorder{},
		metadata: &memMetadata{dir: t.TempDir()},
		stdout:   &bytes.Buffer{},
		stderr:   &bytes.Buffer{},
	}
	wc, err := NewWorkflowContext(
		WithConfig(&cfg),
		WithRecorder(env.recorder),
		WithMetadata(env.metadata),
		WithStdout(env.stdout),
		WithStderr(env.stderr),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedTime }),
		WithRunID("run-1"),
		WithEnvironment(func(string) (string, bool) { return "", false }),
	)
	require.NoError(t, err)
	env.wc = wc
	return env
}

func mustProtocol(t *testing.T, wc *WorkflowContext, scheme string) Protocol {
	t.Helper()
	p, err := wc.Protocol(scheme)
	require.NoError(t, err)
	return p
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		RunDirectory:       t.TempDir(),
		BaseDirectory:      t.TempDir(),
		WorkspaceDirectory: t.TempDir(),
		ImportMap:          map[string]string{"lib": "/opt/lib"},
		Properties:         map[string]string{"user": "alice"},
	}
}
