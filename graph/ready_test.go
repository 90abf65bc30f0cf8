package graph

import (
	"reflect"
	"testing"
)

func mustBuild(t *testing.T, def *Definition) *Graph {
	t.Helper()
	g, err := Build(def)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

func complete(rs *runState, id, branch string) {
	out := map[string]any{"from": id}
	if branch != "" {
		out["branch"] = branch
	}
	rs.record(StepRun{StepID: id, Status: StepCompleted, Output: out, Branch: branch})
}

func skippedIDs(skips []skipDecision) []string {
	var out []string
	for _, s := range skips {
		out = append(out, s.StepID)
	}
	return out
}

// abcd is the diamond used throughout: A branches to B (success) or C
// (error), D joins B and C unconditionally.
func abcd() *Definition {
	return &Definition{
		Steps: steps("A", "B", "C", "D"),
		Connections: []Connection{
			{From: "A", To: "B", Condition: "success"},
			{From: "A", To: "C", Condition: "error"},
			{From: "B", To: "D"},
			{From: "C", To: "D"},
		},
	}
}

func TestNextReady_DiamondScenario(t *testing.T) {
	rs := newRunState(mustBuild(t, abcd()), map[string]any{"seed": 1})

	ready, skips := rs.nextReady()
	if !reflect.DeepEqual(ready, []string{"A"}) || len(skips) != 0 {
		t.Fatalf("tick1 = %v skips %v", ready, skips)
	}
	complete(rs, "A", "success")

	ready, skips = rs.nextReady()
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Fatalf("tick2 = %v", ready)
	}
	if !reflect.DeepEqual(skippedIDs(skips), []string{"C"}) || skips[0].Reason != SkipBranchNotMet || skips[0].Blocker != "A" {
		t.Fatalf("tick2 skips = %+v", skips)
	}
	complete(rs, "B", "")

	ready, skips = rs.nextReady()
	if !reflect.DeepEqual(ready, []string{"D"}) || len(skips) != 0 {
		t.Fatalf("tick3 = %v skips %v", ready, skips)
	}
	complete(rs, "D", "")

	ready, skips = rs.nextReady()
	if len(ready) != 0 || len(skips) != 0 {
		t.Fatalf("loop should terminate, got %v %v", ready, skips)
	}
	// Idempotent termination.
	ready, skips = rs.nextReady()
	if len(ready) != 0 || len(skips) != 0 {
		t.Fatalf("second call after termination = %v %v", ready, skips)
	}
	if len(rs.pending()) != 0 {
		t.Errorf("nothing should stay pending, got %v", rs.pending())
	}
}

func TestNextReady_BranchRules(t *testing.T) {
	tests := []struct {
		name      string
		conns     []Connection
		branch    string
		wantReady []string
		wantSkip  []string
	}{
		{
			name:      "no branch uses default label",
			conns:     []Connection{{From: "A", To: "B", Condition: "default"}, {From: "A", To: "C", Condition: "other"}},
			branch:    "",
			wantReady: []string{"B"},
			wantSkip:  []string{"C"},
		},
		{
			name:      "wildcard admits any branch",
			conns:     []Connection{{From: "A", To: "B", Condition: "*"}, {From: "A", To: "C", Condition: "x"}},
			branch:    "y",
			wantReady: []string{"B"},
			wantSkip:  []string{"C"},
		},
		{
			name:      "unconditional edge overrides gate",
			conns:     []Connection{{From: "A", To: "B", Condition: "x"}, {From: "A", To: "B"}, {From: "A", To: "C", Condition: "z"}},
			branch:    "y",
			wantReady: []string{"B"},
			wantSkip:  []string{"C"},
		},
		{
			name:      "unconditional successor of branching step runs",
			conns:     []Connection{{From: "A", To: "B"}, {From: "A", To: "C", Condition: "x"}},
			branch:    "y",
			wantReady: []string{"B"},
			wantSkip:  []string{"C"},
		},
		{
			name:      "several labels to the same step",
			conns:     []Connection{{From: "A", To: "B", Condition: "x"}, {From: "A", To: "B", Condition: "y"}, {From: "A", To: "C", Condition: "z"}},
			branch:    "y",
			wantReady: []string{"B"},
			wantSkip:  []string{"C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := newRunState(mustBuild(t, &Definition{Steps: steps("A", "B", "C"), Connections: tt.conns}), nil)
			rs.nextReady()
			complete(rs, "A", tt.branch)

			ready, skips := rs.nextReady()
			if !reflect.DeepEqual(ready, tt.wantReady) {
				t.Errorf("ready = %v, want %v", ready, tt.wantReady)
			}
			if !reflect.DeepEqual(skippedIDs(skips), tt.wantSkip) {
				t.Errorf("skipped = %v, want %v", skippedIDs(skips), tt.wantSkip)
			}
		})
	}
}

func TestNextReady_SkipPropagates(t *testing.T) {
	// E only follows the skipped C; it is declared before C to exercise the
	// repeated scan.
	def := &Definition{
		Steps: steps("A", "E", "B", "C"),
		Connections: []Connection{
			{From: "A", To: "B", Condition: "ok"},
			{From: "A", To: "C", Condition: "bad"},
			{From: "C", To: "E"},
		},
	}
	rs := newRunState(mustBuild(t, def), nil)
	rs.nextReady()
	complete(rs, "A", "ok")

	ready, skips := rs.nextReady()
	if !reflect.DeepEqual(ready, []string{"B"}) {
		t.Errorf("ready = %v", ready)
	}
	if !reflect.DeepEqual(skippedIDs(skips), []string{"C", "E"}) {
		t.Fatalf("skipped = %+v", skips)
	}
	if skips[1].Reason != SkipNoCompletedPredecessor {
		t.Errorf("E reason = %s", skips[1].Reason)
	}
}

func TestNextReady_FailedPredecessor(t *testing.T) {
	def := &Definition{Steps: []Step{
		{ID: "a", Type: "noop"},
		{ID: "b", Type: "noop"},
		{ID: "only_a", Type: "noop", DependsOn: []string{"a"}},
		{ID: "join", Type: "noop", DependsOn: []string{"a", "b"}},
	}}
	rs := newRunState(mustBuild(t, def), nil)

	ready, _ := rs.nextReady()
	if !reflect.DeepEqual(ready, []string{"a", "b"}) {
		t.Fatalf("entry ready = %v", ready)
	}
	rs.record(StepRun{StepID: "a", Status: StepFailed})
	complete(rs, "b", "")

	ready, skips := rs.nextReady()
	if !reflect.DeepEqual(ready, []string{"join"}) {
		t.Errorf("join should run on b's output, ready = %v", ready)
	}
	if !reflect.DeepEqual(skippedIDs(skips), []string{"only_a"}) {
		t.Errorf("skipped = %v", skippedIDs(skips))
	}

	in := rs.inputFor("join")
	if _, ok := in["a"]; ok {
		t.Error("failed predecessor must not contribute input")
	}
	if _, ok := in["b"]; !ok {
		t.Error("completed predecessor output missing")
	}
}

func TestNextReady_PendingAfterAbort(t *testing.T) {
	rs := newRunState(mustBuild(t, &Definition{Steps: steps("a", "b", "c")}), nil)
	rs.nextReady()
	rs.record(StepRun{StepID: "a", Status: StepFailed})
	// An abort stops before the next computation.
	if got := rs.pending(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("pending = %v", got)
	}
}

func TestInputFor(t *testing.T) {
	def := &Definition{Steps: []Step{
		{ID: "a", Type: "noop"},
		{ID: "b", Type: "noop", DependsOn: []string{"a"}},
		{ID: "c", Type: "noop"},
		{ID: "d", Type: "noop", DependsOn: []string{"b", "c"}},
	}}
	initial := map[string]any{"nested": map[string]any{"k": "v"}}
	rs := newRunState(mustBuild(t, def), initial)

	in := rs.inputFor("a")
	in["nested"].(map[string]any)["k"] = "changed"
	if initial["nested"].(map[string]any)["k"] != "v" {
		t.Error("entry input must be a private copy")
	}

	complete(rs, "a", "")
	if got := rs.inputFor("b"); got["from"] != "a" {
		t.Errorf("single predecessor input = %v", got)
	}

	complete(rs, "b", "")
	complete(rs, "c", "")
	got := rs.inputFor("d")
	if len(got) != 2 || got["b"].(map[string]any)["from"] != "b" || got["c"].(map[string]any)["from"] != "c" {
		t.Errorf("multi predecessor input = %v", got)
	}
}
