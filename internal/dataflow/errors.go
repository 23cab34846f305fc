package dataflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes dataflow and trace failures so callers can tell
// configuration mistakes from runtime faults without matching on messages.
type ErrorKind string

const (
	// KindConfiguration marks an illegal workflow definition, e.g. a URI
	// template that a protocol cannot accept. Raised before any run starts.
	KindConfiguration ErrorKind = "CONFIGURATION"

	// KindCapability marks a request the protocol cannot perform, such as
	// publishing to a read-only protocol.
	KindCapability ErrorKind = "PROTOCOL_CAPABILITY"

	// KindResolution marks a failure to resolve a named resource or property.
	KindResolution ErrorKind = "RESOLUTION"

	// KindTraceConsistency marks a violated trace invariant, e.g. a node
	// missing from the trace database. Never retried.
	KindTraceConsistency ErrorKind = "TRACE_CONSISTENCY"

	// KindScheduler marks a violation of the scheduler contract, e.g. a get
	// on an empty outflow.
	KindScheduler ErrorKind = "SCHEDULER_CONTRACT"
)

// Sentinels for errors.Is matching on kind alone.
var (
	ErrConfiguration    = &Error{Kind: KindConfiguration}
	ErrCapability       = &Error{Kind: KindCapability}
	ErrResolution       = &Error{Kind: KindResolution}
	ErrTraceConsistency = &Error{Kind: KindTraceConsistency}
	ErrScheduler        = &Error{Kind: KindScheduler}
)

// Error is a categorized failure with enough context to locate it in the
// workflow graph.
type Error struct {
	Kind    ErrorKind
	Message string

	// Node is the qualified name of the node involved, if known.
	Node string

	// Label is the inflow/outflow label involved, if known.
	Label string

	// URI is the URI or URI template involved, if known.
	URI string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	var ctx []string
	if e.Node != "" {
		ctx = append(ctx, "node="+e.Node)
	}
	if e.Label != "" {
		ctx = append(ctx, "label="+e.Label)
	}
	if e.URI != "" {
		ctx = append(ctx, "uri="+e.URI)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrResolution)
// succeeds for every resolution error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(format string, args ...any) *Error {
	return newError(KindConfiguration, format, args...)
}

// NewCapabilityError creates a protocol-capability error.
func NewCapabilityError(format string, args ...any) *Error {
	return newError(KindCapability, format, args...)
}

// NewResolutionError creates a resolution error.
func NewResolutionError(format string, args ...any) *Error {
	return newError(KindResolution, format, args...)
}

// NewTraceConsistencyError creates a trace-consistency error.
func NewTraceConsistencyError(format string, args ...any) *Error {
	return newError(KindTraceConsistency, format, args...)
}

// NewSchedulerError creates a scheduler-contract error.
func NewSchedulerError(format string, args ...any) *Error {
	return newError(KindScheduler, format, args...)
}

// at attaches graph location context to e and returns it.
func (e *Error) at(node, label, u string) *Error {
	e.Node, e.Label, e.URI = node, label, u
	return e
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return hasKind(err, KindConfiguration) }

// IsCapabilityError reports whether err is a protocol-capability error.
func IsCapabilityError(err error) bool { return hasKind(err, KindCapability) }

// IsResolutionError reports whether err is a resolution error.
func IsResolutionError(err error) bool { return hasKind(err, KindResolution) }

// IsTraceConsistencyError reports whether err is a trace-consistency error.
func IsTraceConsistencyError(err error) bool { return hasKind(err, KindTraceConsistency) }

// IsSchedulerError reports whether err is a scheduler-contract error.
func IsSchedulerError(err error) bool { return hasKind(err, KindScheduler) }

// hasKind walks the whole chain, so a configuration error wrapping a
// resolution error reports both kinds.
func hasKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
