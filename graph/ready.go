package graph

// StepStatus is the settled outcome of a step within one run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Skip reasons recorded on skipped steps.
const (
	SkipBranchNotMet           = "branch_condition_not_met"
	SkipNoCompletedPredecessor = "no_completed_predecessor"
)

// skipDecision is a step moved to skipped by a ready-set computation.
type skipDecision struct {
	StepID string
	Reason string
	// Blocker is the predecessor whose taken branch excluded the step.
	Blocker string
}

// runState tracks the per-step progress of a single run. It is owned by the
// engine's driver goroutine and never shared with handlers.
type runState struct {
	graph    *Graph
	input    map[string]any
	status   map[string]StepStatus
	outputs  map[string]map[string]any
	branches map[string]string
}

func newRunState(g *Graph, input map[string]any) *runState {
	rs := &runState{
		graph:    g,
		input:    input,
		status:   make(map[string]StepStatus, g.Len()),
		outputs:  make(map[string]map[string]any, g.Len()),
		branches: make(map[string]string),
	}
	for _, id := range g.order {
		rs.status[id] = StepPending
	}
	return rs
}

// nextReady computes the next tick's ready set in definition order.
//
// A step is considered once every predecessor is settled (completed, skipped
// or failed). If none of its predecessors completed, it is skipped. If a
// completed predecessor took a branch that excludes it, it is skipped.
// Otherwise it is ready. Skips can settle further steps, so the scan repeats
// until no new skip is produced; calling nextReady again without recording
// new results yields the same ready set and no skips.
func (rs *runState) nextReady() ([]string, []skipDecision) {
	var skips []skipDecision
	for {
		var ready []string
		changed := false

		for _, id := range rs.graph.order {
			if rs.status[id] != StepPending {
				continue
			}
			node := rs.graph.nodes[id]

			settled, anyCompleted := true, false
			for _, p := range node.Predecessors {
				switch rs.status[p] {
				case StepCompleted:
					anyCompleted = true
				case StepPending:
					settled = false
				}
			}
			if !settled {
				continue
			}

			if len(node.Predecessors) > 0 && !anyCompleted {
				rs.status[id] = StepSkipped
				skips = append(skips, skipDecision{StepID: id, Reason: SkipNoCompletedPredecessor})
				changed = true
				continue
			}

			if blocker, ok := rs.eligible(node); !ok {
				rs.status[id] = StepSkipped
				skips = append(skips, skipDecision{StepID: id, Reason: SkipBranchNotMet, Blocker: blocker})
				changed = true
				continue
			}

			ready = append(ready, id)
		}

		if !changed {
			return ready, skips
		}
	}
}

// eligible applies branch gating from every completed predecessor. It returns
// the id of the first predecessor that excludes the step.
func (rs *runState) eligible(node *Node) (string, bool) {
	for _, p := range node.Predecessors {
		if rs.status[p] != StepCompleted {
			continue
		}
		pred := rs.graph.nodes[p]
		if !pred.HasConditional() {
			continue
		}
		edges := pred.conditionalTo(node.Step.ID)
		if len(edges) == 0 || pred.hasUnconditional(node.Step.ID) {
			continue
		}

		taken := rs.takenBranch(p)
		admitted := false
		for _, e := range edges {
			if e.Matches(taken) {
				admitted = true
				break
			}
		}
		if !admitted {
			return p, false
		}
	}
	return "", true
}

func (rs *runState) takenBranch(stepID string) string {
	if b, ok := rs.branches[stepID]; ok && b != "" {
		return b
	}
	return DefaultBranch
}

// inputFor derives a step's input from its predecessors. The result is a
// private copy.
func (rs *runState) inputFor(stepID string) map[string]any {
	node := rs.graph.nodes[stepID]
	switch len(node.Predecessors) {
	case 0:
		return copyMap(rs.input)
	case 1:
		return copyMap(rs.outputs[node.Predecessors[0]])
	default:
		in := make(map[string]any, len(node.Predecessors))
		for _, p := range node.Predecessors {
			if out, ok := rs.outputs[p]; ok {
				in[p] = copyMap(out)
			}
		}
		return in
	}
}

// record settles a step with its result. Only successful steps feed their
// output to successors.
func (rs *runState) record(run StepRun) {
	if run.Status == StepCompleted {
		rs.status[run.StepID] = StepCompleted
		rs.outputs[run.StepID] = run.Output
		if run.Branch != "" {
			rs.branches[run.StepID] = run.Branch
		}
		return
	}
	rs.status[run.StepID] = StepFailed
}

// pending returns the steps that were never settled, in definition order.
func (rs *runState) pending() []string {
	var out []string
	for _, id := range rs.graph.order {
		if rs.status[id] == StepPending {
			out = append(out, id)
		}
	}
	return out
}

// branchesTaken returns a copy of the recorded branches.
func (rs *runState) branchesTaken() map[string]string {
	out := make(map[string]string, len(rs.branches))
	for k, v := range rs.branches {
		out[k] = v
	}
	return out
}
