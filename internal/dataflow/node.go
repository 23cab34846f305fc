package dataflow

// Node is the view of a workflow node that ports and protocols need.
// The graph package supplies the concrete descriptors.
type Node interface {
	// QualifiedName returns the dotted path of the node from the top
	// workflow, e.g. "TopWF.SubWF.Render".
	QualifiedName() string

	// StepsOnce reports whether the node provably fires at most once.
	StepsOnce() bool

	// Hidden reports whether the node is a synthetic node (e.g. a buffer)
	// that is omitted from user-facing reports.
	Hidden() bool

	// URIPrefix returns the prefix joined in front of the node's expanded
	// outflow URIs.
	URIPrefix() string
}

func nodeName(n Node) string {
	if n == nil {
		return ""
	}
	return n.QualifiedName()
}
