package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provflow/internal/config"
	"github.com/roach88/provflow/internal/graph"
)

// Scenario declares a workflow graph and a scripted sequence of transport
// and step events. Running it drives the ports and recorder against a fresh
// trace and yields the trace exports.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names golden files.
	Name string `yaml:"name"`

	// Description explains what this scenario exercises.
	Description string `yaml:"description"`

	// RunID fixes the run identifier. Defaults to "scenario-<name>".
	RunID string `yaml:"run_id,omitempty"`

	// Config is the run configuration. The run directory is supplied by the
	// runner and must not be set here.
	Config config.Config `yaml:"config,omitempty"`

	// Workflow is the top-level workflow.
	Workflow WorkflowDecl `yaml:"workflow"`

	// Events are executed in order.
	Events []Event `yaml:"events"`

	// Assertions are evaluated against the trace after the last event.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// Exports selects which exports the result carries. Defaults to
	// DefaultExports.
	Exports []string `yaml:"exports,omitempty"`
}

// WorkflowDecl declares a workflow node and its children.
type WorkflowDecl struct {
	Name    string   `yaml:"name"`
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`

	Nodes   []NodeDecl   `yaml:"nodes"`
	Buffers []BufferDecl `yaml:"buffers,omitempty"`

	// AutoWire connects inflows to outflows by dataflow binding. When false,
	// Wiring lists the connections.
	AutoWire bool       `yaml:"autowire,omitempty"`
	Wiring   []WireDecl `yaml:"wiring,omitempty"`
}

// NodeDecl declares a child node.
type NodeDecl struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind,omitempty"`
	Actor     string `yaml:"actor,omitempty"`
	StepsOnce bool   `yaml:"steps_once,omitempty"`
	URIPrefix string `yaml:"uri_prefix,omitempty"`

	Inflows  []InflowDecl  `yaml:"inflows,omitempty"`
	Outflows []OutflowDecl `yaml:"outflows,omitempty"`

	// Workflow holds the children of a node whose kind is Workflow.
	Workflow *WorkflowDecl `yaml:"workflow,omitempty"`
}

// InflowDecl declares an inflow port.
type InflowDecl struct {
	Label       string `yaml:"label"`
	Template    string `yaml:"template"`
	Binding     string `yaml:"binding,omitempty"`
	ReceiveOnce bool   `yaml:"receive_once,omitempty"`
}

// OutflowDecl declares an outflow port. An empty template requests the
// default URI.
type OutflowDecl struct {
	Label    string `yaml:"label"`
	Template string `yaml:"template,omitempty"`
}

// BufferDecl inserts a hidden buffer node in front of an inflow.
type BufferDecl struct {
	Node     string `yaml:"node"`
	Label    string `yaml:"label"`
	Template string `yaml:"template"`
}

// WireDecl connects outflows to an inflow. Ports are written
// "<node>.<label>" relative to the enclosing workflow.
type WireDecl struct {
	Inflow   string   `yaml:"inflow"`
	Outflows []string `yaml:"outflows"`
}

// Event is one scripted action.
type Event struct {
	// Action is one of the Action constants.
	Action string `yaml:"action"`

	// Node is a node path relative to the top workflow, e.g. "Sub.Child".
	Node string `yaml:"node,omitempty"`

	// Port is the inflow or outflow label on Node.
	Port string `yaml:"port,omitempty"`

	// Label names a workflow input or output.
	Label string `yaml:"label,omitempty"`

	// Value is the payload of send, input and output events.
	Value any `yaml:"value,omitempty"`

	// Metadata supplies template variables for send events.
	Metadata map[string]any `yaml:"metadata,omitempty"`

	// From names the outflow ("<node>.<label>") a receive takes its next
	// packet from. It may be omitted when exactly one outflow is wired to
	// the inflow.
	From string `yaml:"from,omitempty"`

	// EOS delivers end-of-stream instead of a packet.
	EOS bool `yaml:"eos,omitempty"`
}

// Event actions.
const (
	ActionRunStart     = "run_start"
	ActionRunComplete  = "run_complete"
	ActionStepStart    = "step_start"
	ActionStepComplete = "step_complete"
	ActionSend         = "send"
	ActionReceive      = "receive"
	ActionInput        = "input"
	ActionOutput       = "output"
)

// Assertion checks the trace after the run.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// Table and Where select rows; used by row_count and row.
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Count is the expected row or step count.
	Count int `yaml:"count,omitempty"`

	// Expect holds expected column values of the single selected row.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Node is a node path for step_count.
	Node string `yaml:"node,omitempty"`

	// Export and Lines are used by export_contains and export_order.
	Export string   `yaml:"export,omitempty"`
	Lines  []string `yaml:"lines,omitempty"`
}

// Assertion types.
const (
	AssertRowCount       = "row_count"
	AssertRow            = "row"
	AssertStepCount      = "step_count"
	AssertExportContains = "export_contains"
	AssertExportOrder    = "export_order"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\ `) {
		return fmt.Errorf("name %q must not contain path separators or spaces", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config.RunDirectory != "" {
		return fmt.Errorf("config.run_directory is set by the runner")
	}
	if s.Workflow.Name == "" {
		return fmt.Errorf("workflow.name is required")
	}
	if err := validateWorkflow("workflow", &s.Workflow); err != nil {
		return err
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}

	for i, e := range s.Events {
		if err := validateEvent(i, &e); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	for _, name := range s.Exports {
		if _, ok := exporters[name]; !ok {
			return fmt.Errorf("unknown export %q", name)
		}
	}
	return nil
}

func validateWorkflow(where string, w *WorkflowDecl) error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%s: nodes list is required and must be non-empty", where)
	}
	if w.AutoWire && len(w.Wiring) > 0 {
		return fmt.Errorf("%s: autowire and wiring are mutually exclusive", where)
	}
	for i, n := range w.Nodes {
		at := fmt.Sprintf("%s.nodes[%d]", where, i)
		if n.Name == "" {
			return fmt.Errorf("%s: name is required", at)
		}
		kind := graph.KindActor
		if n.Kind != "" {
			k, ok := graph.ParseKind(n.Kind)
			if !ok {
				return fmt.Errorf("%s: unknown kind %q", at, n.Kind)
			}
			kind = k
		}
		if (kind == graph.KindWorkflow) != (n.Workflow != nil) {
			return fmt.Errorf("%s: workflow section is required exactly when kind is Workflow", at)
		}
		if n.Workflow != nil {
			if err := validateWorkflow(at+".workflow", n.Workflow); err != nil {
				return err
			}
		}
		for j, in := range n.Inflows {
			if in.Label == "" || in.Template == "" {
				return fmt.Errorf("%s.inflows[%d]: label and template are required", at, j)
			}
		}
		for j, out := range n.Outflows {
			if out.Label == "" {
				return fmt.Errorf("%s.outflows[%d]: label is required", at, j)
			}
		}
	}
	for i, b := range w.Buffers {
		if b.Node == "" || b.Label == "" || b.Template == "" {
			return fmt.Errorf("%s.buffers[%d]: node, label and template are required", where, i)
		}
	}
	for i, wd := range w.Wiring {
		if wd.Inflow == "" || len(wd.Outflows) == 0 {
			return fmt.Errorf("%s.wiring[%d]: inflow and outflows are required", where, i)
		}
	}
	return nil
}

func validateEvent(index int, e *Event) error {
	switch e.Action {
	case ActionRunStart, ActionRunComplete:
	case ActionStepStart, ActionStepComplete:
		if e.Node == "" {
			return fmt.Errorf("events[%d]: node is required for %s", index, e.Action)
		}
	case ActionSend:
		if e.Node == "" || e.Port == "" {
			return fmt.Errorf("events[%d]: node and port are required for send", index)
		}
		if e.EOS {
			return fmt.Errorf("events[%d]: eos is only valid for receive", index)
		}
	case ActionReceive:
		if e.Node == "" || e.Port == "" {
			return fmt.Errorf("events[%d]: node and port are required for receive", index)
		}
		if e.Value != nil {
			return fmt.Errorf("events[%d]: receive takes packets from outflows, not values", index)
		}
	case ActionInput, ActionOutput:
		if e.Label == "" {
			return fmt.Errorf("events[%d]: label is required for %s", index, e.Action)
		}
	case "":
		return fmt.Errorf("events[%d]: action is required", index)
	default:
		return fmt.Errorf("events[%d]: unknown action %q", index, e.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertRowCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertRow:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for row", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row", index)
		}
	case AssertStepCount:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for step_count", index)
		}
	case AssertExportContains, AssertExportOrder:
		if _, ok := exporters[a.Export]; !ok {
			return fmt.Errorf("assertions[%d]: unknown export %q", index, a.Export)
		}
		if len(a.Lines) == 0 {
			return fmt.Errorf("assertions[%d]: lines list is required for %s", index, a.Type)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
