package graph

import "fmt"

// Graph is the validated dependency graph of a workflow definition.
//
// Graphs are immutable once built and safe for concurrent reads.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// Build turns a definition into a dependency graph.
//
// Edges come from the definition's connections. When there are none, edges
// come from each step's depends_on list if any step declares one, and
// otherwise from list order (step i → step i+1) so linear workflows keep
// working.
//
// Build fails fast with a *ValidationError when a step id is missing or
// duplicated, an edge names an unknown step or the step itself, or the
// graph contains a cycle. No step may run against an invalid graph.
func Build(def *Definition) (*Graph, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, &ValidationError{Code: "EMPTY_DEFINITION", Message: "workflow has no steps defined"}
	}

	g := &Graph{
		nodes: make(map[string]*Node, len(def.Steps)),
		order: make([]string, 0, len(def.Steps)),
	}

	for i, step := range def.Steps {
		if step.ID == "" {
			return nil, &ValidationError{
				Code:    "MISSING_STEP_ID",
				Message: fmt.Sprintf("step at position %d has no id", i),
			}
		}
		if _, dup := g.nodes[step.ID]; dup {
			return nil, &ValidationError{
				Code:    "DUPLICATE_STEP",
				Message: "duplicate step id: " + step.ID,
				StepID:  step.ID,
			}
		}
		g.nodes[step.ID] = &Node{Step: step, Index: i}
		g.order = append(g.order, step.ID)
	}

	switch {
	case len(def.Connections) > 0:
		for _, c := range def.Connections {
			if err := g.connect(c.From, c.To, c.Condition); err != nil {
				return nil, err
			}
		}
	case usesDependsOn(def.Steps):
		for _, step := range def.Steps {
			for _, dep := range step.DependsOn {
				if err := g.connect(dep, step.ID, ""); err != nil {
					return nil, err
				}
			}
		}
	default:
		for i := 0; i+1 < len(g.order); i++ {
			if err := g.connect(g.order[i], g.order[i+1], ""); err != nil {
				return nil, err
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &ValidationError{
			Code:    "CYCLE_DETECTED",
			Message: "workflow graph contains a cycle",
			StepID:  cycle[0],
			Path:    cycle,
		}
	}

	return g, nil
}

func usesDependsOn(steps []Step) bool {
	for _, s := range steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

func (g *Graph) connect(from, to, label string) error {
	src, ok := g.nodes[from]
	if !ok {
		return &ValidationError{Code: "UNKNOWN_STEP", Message: "edge references unknown source step: " + from, StepID: from}
	}
	dst, ok := g.nodes[to]
	if !ok {
		return &ValidationError{Code: "UNKNOWN_STEP", Message: "edge references unknown target step: " + to, StepID: to}
	}
	if from == to {
		return &ValidationError{Code: "SELF_EDGE", Message: "step cannot depend on itself: " + from, StepID: from}
	}

	if label == "" {
		src.Successors = appendUnique(src.Successors, to)
	} else {
		src.Conditional = append(src.Conditional, ConditionalEdge{To: to, Label: label})
	}
	dst.Predecessors = appendUnique(dst.Predecessors, from)
	return nil
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// findCycle runs a depth-first search over all outgoing edges and returns the
// first cycle found as a closed path (first id repeated at the end), or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.outgoing(id) {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

func (g *Graph) outgoing(id string) []string {
	n := g.nodes[id]
	out := make([]string, 0, len(n.Successors)+len(n.Conditional))
	out = append(out, n.Successors...)
	for _, e := range n.Conditional {
		out = append(out, e.To)
	}
	return out
}

// Node returns the node for a step id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Order returns step ids in definition order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.order)
}

// EntrySteps returns the steps without predecessors, in definition order.
func (g *Graph) EntrySteps() []string {
	var out []string
	for _, id := range g.order {
		if len(g.nodes[id].Predecessors) == 0 {
			out = append(out, id)
		}
	}
	return out
}
