package dataflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/provflow/internal/uri"
)

// LogProtocol appends each published value to a named run log and
// otherwise behaves like the data protocol.
type LogProtocol struct {
	baseProtocol
	logName string
	tee     bool
	logger  *Logger
}

// NewLogProtocol creates a log protocol writing to the stream logName,
// copying messages to stdout when tee is set.
func NewLogProtocol(wc *WorkflowContext, logName string, tee bool) *LogProtocol {
	p := &LogProtocol{
		baseProtocol: baseProtocol{wc: wc, scheme: SchemeLog, title: "Log"},
		logName:      logName,
		tee:          tee,
	}
	p.logger = &Logger{protocol: p}
	return p
}

// LogName returns the name of the log stream.
func (p *LogProtocol) LogName() string { return p.logName }

// TeeToStdout reports whether messages are copied to stdout.
func (p *LogProtocol) TeeToStdout() bool { return p.tee }

// Logger returns the protocol's message logger.
func (p *LogProtocol) Logger() *Logger { return p.logger }

// SupportsSuffixes reports true.
func (p *LogProtocol) SupportsSuffixes() bool { return true }

// CreatePacket logs data and wraps it in a single-resource packet.
func (p *LogProtocol) CreatePacket(ctx context.Context, data any, u uri.URI, tmpl *uri.Template, values []any, stepID *int64) (Packet, error) {
	if _, ok := data.(FilePath); !ok {
		if err := p.logger.Add(uri.FormatValue(data)); err != nil {
			return nil, err
		}
	}
	return createDataPacket(ctx, &p.baseProtocol, p, data, u, tmpl, values, stepID)
}

// ValidateInflowTemplate always fails: logs are write only.
func (p *LogProtocol) ValidateInflowTemplate(tmpl *uri.Template, node Node) error {
	scheme := SchemeLog
	if tmpl != nil && tmpl.Scheme() != "" {
		scheme = tmpl.Scheme()
	}
	return NewConfigurationError("%s scheme may not be used on an inflow.", scheme).at(nodeName(node), "", templateExpr(tmpl))
}

// logTimestampLayout prefixes every log line.
const logTimestampLayout = "2006-01-02 15:04:05.000"

// Logger writes timestamped messages to the protocol's log stream and
// keeps the message bodies for later inspection.
type Logger struct {
	protocol *LogProtocol

	mu     sync.Mutex
	buffer strings.Builder
}

// Add writes "<timestamp> <message>\n" to the log stream, tees it to stdout
// if configured, and buffers the message body.
func (l *Logger) Add(message string) error {
	wc := l.protocol.wc
	line := wc.now().Format(logTimestampLayout) + " " + message + "\n"

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.protocol.tee {
		if _, err := fmt.Fprint(wc.stdout, line); err != nil {
			return fmt.Errorf("tee log message: %w", err)
		}
	}
	if m := wc.Metadata(); m != nil {
		if err := m.WriteToLog(l.protocol.logName, line); err != nil {
			return fmt.Errorf("write log %s: %w", l.protocol.logName, err)
		}
	}
	l.buffer.WriteString(message)
	l.buffer.WriteByte('\n')
	return nil
}

// Messages returns the buffered message bodies, one per line.
func (l *Logger) Messages() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buffer.String()
}

// Clear discards the buffered messages.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer.Reset()
}
