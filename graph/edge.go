package graph

// WildcardLabel on a conditional edge matches whichever branch the
// predecessor took.
const WildcardLabel = "*"

// DefaultBranch is the branch assumed for a step whose output declares none.
const DefaultBranch = "default"

// ConditionalEdge is an outgoing edge gated by a branch label.
//
// The successor only runs when the predecessor's taken branch equals Label,
// or Label is the wildcard. An unconditional edge between the same pair of
// steps overrides the gate.
type ConditionalEdge struct {
	To    string
	Label string
}

// Matches reports whether the edge admits the given taken branch.
func (e ConditionalEdge) Matches(taken string) bool {
	return e.Label == taken || e.Label == WildcardLabel
}

// Node is one step of a built Graph together with its adjacency.
type Node struct {
	Step Step

	// Index is the step's position in the definition, used for deterministic
	// ordering of ready sets.
	Index int

	// Predecessors must all be settled before the step can run.
	Predecessors []string

	// Successors are unconditional outgoing edges.
	Successors []string

	// Conditional are branch-gated outgoing edges.
	Conditional []ConditionalEdge
}

// HasConditional reports whether the node gates any successor by branch.
func (n *Node) HasConditional() bool {
	return len(n.Conditional) > 0
}

// conditionalTo returns the conditional edges from n to the given step.
func (n *Node) conditionalTo(stepID string) []ConditionalEdge {
	var out []ConditionalEdge
	for _, e := range n.Conditional {
		if e.To == stepID {
			out = append(out, e)
		}
	}
	return out
}

// hasUnconditional reports whether n lists stepID as an unconditional successor.
func (n *Node) hasUnconditional(stepID string) bool {
	for _, s := range n.Successors {
		if s == stepID {
			return true
		}
	}
	return false
}
