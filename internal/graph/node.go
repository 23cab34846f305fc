package graph

import (
	"github.com/roach88/provflow/internal/dataflow"
)

// NodeID indexes a node within its Graph.
type NodeID int

// NoParent is the parent of a top-level workflow.
const NoParent NodeID = -1

// Kind identifies what a node does, and with it the actor row the trace
// assigns it.
type Kind int

const (
	// KindActor runs an ordinary actor.
	KindActor Kind = iota

	// KindWorkflow contains child nodes. The top-level workflow and nested
	// sub-workflows both have this kind.
	KindWorkflow

	// KindInPortal forwards a sub-workflow's inputs to its children.
	KindInPortal

	// KindOutPortal forwards children's outputs to the sub-workflow's outputs.
	KindOutPortal

	// KindBuffer queues packets in front of one inflow. Buffers are hidden.
	KindBuffer

	// KindSource reads externally named resources.
	KindSource
)

var kindNames = map[Kind]string{
	KindActor:     "Actor",
	KindWorkflow:  "Workflow",
	KindInPortal:  "InPortal",
	KindOutPortal: "OutPortal",
	KindBuffer:    "Buffer",
	KindSource:    "Source",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Structural reports whether nodes of this kind share one actor per run.
func (k Kind) Structural() bool {
	switch k {
	case KindInPortal, KindOutPortal, KindBuffer, KindSource:
		return true
	}
	return false
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Wire connects one inflow to the outflows that feed it.
type Wire struct {
	Inflow   *dataflow.Inflow
	Outflows []*dataflow.Outflow
}

// Node is a workflow node descriptor. Nodes are created through their
// Graph and refer to relatives by NodeID.
type Node struct {
	graph         *Graph
	id            NodeID
	kind          Kind
	name          string
	qualifiedName string
	parent        NodeID
	actor         string
	stepsOnce     bool
	hidden        bool
	uriPrefix     string

	children []NodeID
	inflows  []*dataflow.Inflow
	outflows []*dataflow.Outflow

	// Workflow nodes only.
	inputs  []string
	outputs []string
	wiring  []Wire
}

// Graph returns the arena that owns the node.
func (n *Node) Graph() *Graph { return n.graph }

// ID returns the node's arena index.
func (n *Node) ID() NodeID { return n.id }

// Kind returns the node kind.
func (n *Node) Kind() Kind { return n.kind }

// Name returns the local node name.
func (n *Node) Name() string { return n.name }

// QualifiedName returns the dotted path from the top workflow.
func (n *Node) QualifiedName() string { return n.qualifiedName }

// Parent returns the enclosing workflow, if any.
func (n *Node) Parent() (NodeID, bool) { return n.parent, n.parent != NoParent }

// Actor returns the actor name. Workflows are their own actor.
func (n *Node) Actor() string { return n.actor }

// StepsOnce reports whether the node fires at most once per run.
func (n *Node) StepsOnce() bool { return n.stepsOnce }

// Hidden reports whether the node is excluded from user-facing exports.
func (n *Node) Hidden() bool { return n.hidden }

// URIPrefix returns the path prefix applied to the node's outflow URIs.
func (n *Node) URIPrefix() string { return n.uriPrefix }

// HasChildren reports whether the node is a workflow.
func (n *Node) HasChildren() bool { return n.kind == KindWorkflow }

// Children returns the IDs of the node's children in insertion order.
func (n *Node) Children() []NodeID { return append([]NodeID{}, n.children...) }

// Inflows returns the node's inflows in registration order.
func (n *Node) Inflows() []*dataflow.Inflow { return append([]*dataflow.Inflow{}, n.inflows...) }

// Outflows returns the node's outflows in registration order.
func (n *Node) Outflows() []*dataflow.Outflow { return append([]*dataflow.Outflow{}, n.outflows...) }

// Inflow returns the inflow labelled label, or nil.
func (n *Node) Inflow(label string) *dataflow.Inflow {
	for _, in := range n.inflows {
		if in.Label() == label {
			return in
		}
	}
	return nil
}

// Outflow returns the outflow labelled label, or nil.
func (n *Node) Outflow(label string) *dataflow.Outflow {
	for _, o := range n.outflows {
		if o.Label() == label {
			return o
		}
	}
	return nil
}

// Inputs returns the workflow's input names.
func (n *Node) Inputs() []string { return append([]string{}, n.inputs...) }

// Outputs returns the workflow's output names.
func (n *Node) Outputs() []string { return append([]string{}, n.outputs...) }

// Wiring returns the channels among the workflow's children.
func (n *Node) Wiring() []Wire {
	wires := make([]Wire, len(n.wiring))
	for i, w := range n.wiring {
		wires[i] = Wire{Inflow: w.Inflow, Outflows: append([]*dataflow.Outflow{}, w.Outflows...)}
	}
	return wires
}

func (n *Node) String() string { return n.qualifiedName }
