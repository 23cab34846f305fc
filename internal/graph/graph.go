// Package graph holds workflow structure as an arena of node descriptors
// addressed by integer IDs. A Graph is built once at configuration time and
// is read-only afterward; building is not safe for concurrent use.
package graph

import (
	"fmt"
	"strings"

	"github.com/roach88/provflow/internal/dataflow"
	"github.com/roach88/provflow/internal/uri"
)

// Buffer port labels.
const (
	BufferInput  = "input"
	BufferOutput = "output"
)

// Graph owns every node of one or more workflows.
type Graph struct {
	wc    *dataflow.WorkflowContext
	nodes []*Node
	roots []NodeID
}

// New creates an empty graph whose ports bind protocols from wc.
func New(wc *dataflow.WorkflowContext) *Graph {
	return &Graph{wc: wc}
}

// Context returns the workflow context used for port protocols.
func (g *Graph) Context() *dataflow.WorkflowContext { return g.wc }

// NodeSpec describes a node to add.
type NodeSpec struct {
	Name string
	Kind Kind

	// Actor names the actor an ordinary node runs. It defaults to Name.
	Actor string

	StepsOnce bool
	URIPrefix string

	// Inputs and Outputs declare a workflow node's own input and output
	// names.
	Inputs  []string
	Outputs []string
}

// AddWorkflow adds a top-level workflow.
func (g *Graph) AddWorkflow(name string, inputs, outputs []string) (*Node, error) {
	if name == "" {
		name = "Workflow"
	}
	for _, id := range g.roots {
		if g.nodes[id].name == name {
			return nil, dataflow.NewConfigurationError("duplicate workflow %q", name)
		}
	}
	n := g.alloc(NodeSpec{Name: name, Kind: KindWorkflow, Inputs: inputs, Outputs: outputs}, NoParent, name)
	g.roots = append(g.roots, n.id)
	return n, nil
}

// AddNode adds a child of the workflow parent.
func (g *Graph) AddNode(parent NodeID, spec NodeSpec) (*Node, error) {
	p, err := g.Node(parent)
	if err != nil {
		return nil, err
	}
	if p.kind != KindWorkflow {
		return nil, dataflow.NewConfigurationError("node %s is not a workflow", p.qualifiedName)
	}
	if spec.Name == "" || strings.Contains(spec.Name, ".") {
		return nil, dataflow.NewConfigurationError("invalid node name %q in %s", spec.Name, p.qualifiedName)
	}
	for _, id := range p.children {
		if g.nodes[id].name == spec.Name {
			return nil, dataflow.NewConfigurationError("duplicate node %q in %s", spec.Name, p.qualifiedName)
		}
	}
	n := g.alloc(spec, parent, p.qualifiedName+"."+spec.Name)
	p.children = append(p.children, n.id)
	return n, nil
}

// AddBuffer adds a hidden buffer node in parent that queues packets for the
// inflow label of the child named bufferedNode. The buffer gets an inflow
// and an outflow on template.
func (g *Graph) AddBuffer(parent NodeID, bufferedNode, label, template string) (*Node, error) {
	n, err := g.AddNode(parent, NodeSpec{
		Name: "BufferNode-for-" + bufferedNode + "-" + label,
		Kind: KindBuffer,
	})
	if err != nil {
		return nil, err
	}
	if _, err := n.AddInflow(BufferInput, template, "", false); err != nil {
		return nil, err
	}
	if _, err := n.AddOutflow(BufferOutput, template); err != nil {
		return nil, err
	}
	return n, nil
}

func (g *Graph) alloc(spec NodeSpec, parent NodeID, qualified string) *Node {
	actor := spec.Actor
	switch {
	case spec.Kind.Structural():
		actor = spec.Kind.String()
	case actor == "":
		actor = spec.Name
	}
	n := &Node{
		graph:         g,
		id:            NodeID(len(g.nodes)),
		kind:          spec.Kind,
		name:          spec.Name,
		qualifiedName: qualified,
		parent:        parent,
		actor:         actor,
		stepsOnce:     spec.StepsOnce,
		hidden:        spec.Kind == KindBuffer,
		uriPrefix:     spec.URIPrefix,
		inputs:        append([]string{}, spec.Inputs...),
		outputs:       append([]string{}, spec.Outputs...),
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Node returns the node with id.
func (g *Graph) Node(id NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil, dataflow.NewConfigurationError("no node with id %d", id)
	}
	return g.nodes[id], nil
}

// Lookup returns the node with the qualified name, or nil.
func (g *Graph) Lookup(qualifiedName string) *Node {
	for _, n := range g.nodes {
		if n.qualifiedName == qualifiedName {
			return n
		}
	}
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Roots returns the top-level workflows.
func (g *Graph) Roots() []*Node {
	roots := make([]*Node, len(g.roots))
	for i, id := range g.roots {
		roots[i] = g.nodes[id]
	}
	return roots
}

// Walk visits n and its descendants depth first, parents before children.
// It stops at the first error fn returns.
func (g *Graph) Walk(n *Node, fn func(*Node) error) error {
	stack := []NodeID{n.id}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		cur := g.nodes[id]
		if err := fn(cur); err != nil {
			return err
		}
		for i := len(cur.children) - 1; i >= 0; i-- {
			stack = append(stack, cur.children[i])
		}
	}
	return nil
}

// AddInflow registers an inflow on n. The protocol is chosen by the
// template's scheme and validates the template immediately.
func (n *Node) AddInflow(label, template, packetBinding string, receiveOnce bool) (*dataflow.Inflow, error) {
	if n.Inflow(label) != nil {
		return nil, dataflow.NewConfigurationError("duplicate inflow %q on %s", label, n.qualifiedName)
	}
	tmpl, err := uri.ParseTemplate(template)
	if err != nil {
		return nil, &dataflow.Error{Kind: dataflow.KindConfiguration, Message: "invalid inflow template", Node: n.qualifiedName, Label: label, Err: err}
	}
	p, err := n.graph.wc.Registry().ForTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	if packetBinding == "" {
		packetBinding = template
	}
	in, err := dataflow.NewInflow(n.graph.wc, n, label, tmpl, packetBinding, p, receiveOnce)
	if err != nil {
		return nil, err
	}
	n.inflows = append(n.inflows, in)
	return in, nil
}

// AddOutflow registers an outflow on n. An empty template produces the
// default "/<qualified path>/<label>" template and marks the outflow as
// using a default URI.
func (n *Node) AddOutflow(label, template string) (*dataflow.Outflow, error) {
	if n.Outflow(label) != nil {
		return nil, dataflow.NewConfigurationError("duplicate outflow %q on %s", label, n.qualifiedName)
	}
	isDefault := template == ""
	if isDefault {
		template = "/" + strings.ReplaceAll(n.qualifiedName, ".", "/") + "/" + label
	}
	tmpl, err := uri.ParseTemplate(template)
	if err != nil {
		return nil, &dataflow.Error{Kind: dataflow.KindConfiguration, Message: "invalid outflow template", Node: n.qualifiedName, Label: label, Err: err}
	}
	p, err := n.graph.wc.Registry().ForTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	o := dataflow.NewOutflow(n.graph.wc, n, label, tmpl, isDefault, p)
	if err := o.Elaborate(); err != nil {
		return nil, err
	}
	n.outflows = append(n.outflows, o)
	return o, nil
}

// Connect wires outflows to inflow within the workflow n. Every port must
// belong to a child of n.
func (n *Node) Connect(inflow *dataflow.Inflow, outflows ...*dataflow.Outflow) error {
	if n.kind != KindWorkflow {
		return dataflow.NewConfigurationError("node %s is not a workflow", n.qualifiedName)
	}
	if !n.ownsPort(inflow.Node()) {
		return dataflow.NewConfigurationError("inflow %s on %s is not inside %s", inflow.Label(), inflow.Node().QualifiedName(), n.qualifiedName)
	}
	for _, o := range outflows {
		if !n.ownsPort(o.Node()) {
			return dataflow.NewConfigurationError("outflow %s on %s is not inside %s", o.Label(), o.Node().QualifiedName(), n.qualifiedName)
		}
	}
	for i := range n.wiring {
		if n.wiring[i].Inflow == inflow {
			n.wiring[i].Outflows = append(n.wiring[i].Outflows, outflows...)
			return nil
		}
	}
	n.wiring = append(n.wiring, Wire{Inflow: inflow, Outflows: append([]*dataflow.Outflow{}, outflows...)})
	return nil
}

func (n *Node) ownsPort(port dataflow.Node) bool {
	child, ok := port.(*Node)
	if !ok || child.graph != n.graph {
		return false
	}
	return child.parent == n.id
}

// AutoWire connects every child inflow of n to the child outflows whose
// dataflow binding equals its own, then flags outflows nobody receives.
// Inflows served by an externally resolvable protocol are left unwired
// when no outflow matches.
func (n *Node) AutoWire() error {
	if n.kind != KindWorkflow {
		return dataflow.NewConfigurationError("node %s is not a workflow", n.qualifiedName)
	}
	var outflows []*dataflow.Outflow
	for _, id := range n.children {
		outflows = append(outflows, n.graph.nodes[id].outflows...)
	}
	received := make(map[*dataflow.Outflow]bool)
	for _, id := range n.children {
		for _, in := range n.graph.nodes[id].inflows {
			var sources []*dataflow.Outflow
			for _, o := range outflows {
				if o.DataflowBinding() == in.DataflowBinding() && o.Node() != in.Node() {
					sources = append(sources, o)
				}
			}
			if len(sources) == 0 {
				if in.Protocol().ExternallyResolvable() {
					continue
				}
				return dataflow.NewConfigurationError("no outflow matches inflow %s on %s: %s",
					in.Label(), in.Node().QualifiedName(), in.Binding())
			}
			for _, o := range sources {
				received[o] = true
			}
			if err := n.Connect(in, sources...); err != nil {
				return err
			}
		}
	}
	for _, o := range outflows {
		o.SetHasReceivers(received[o])
	}
	return nil
}

// Configure checks every outflow in the graph.
func (g *Graph) Configure() error {
	for _, n := range g.nodes {
		for _, o := range n.outflows {
			if err := o.Configure(); err != nil {
				return fmt.Errorf("configure %s: %w", n.qualifiedName, err)
			}
		}
	}
	return nil
}

// Initialize resets every port for a new run.
func (g *Graph) Initialize() {
	for _, n := range g.nodes {
		for _, in := range n.inflows {
			in.Initialize()
		}
		for _, o := range n.outflows {
			o.Initialize()
		}
	}
}
