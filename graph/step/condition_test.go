package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/graph"
)

func testDoc(t *testing.T) *document {
	t.Helper()
	doc, err := newDocument(map[string]any{
		"status": "active",
		"amount": 250,
		"tags":   []any{"vip", "eu"},
		"user":   map[string]any{"name": "Ada", "email": ""},
		"items":  []any{},
		"flag":   true,
	}, map[string]any{"threshold": 100})
	require.NoError(t, err)
	return doc
}

func TestEvaluate(t *testing.T) {
	doc := testDoc(t)

	tests := []struct {
		name string
		cond any
		want bool
	}{
		{"nil", nil, true},
		{"literal bool", false, false},
		{"literal string", "true", true},
		{"literal string false", "False", false},
		{"path truthy", "flag", true},
		{"path missing", "nope", false},
		{"eq default operator", map[string]any{"path": "status", "value": "active"}, true},
		{"eq number", map[string]any{"path": "amount", "operator": "eq", "value": int64(250)}, true},
		{"ne", map[string]any{"path": "status", "operator": "ne", "value": "closed"}, true},
		{"gt", map[string]any{"path": "amount", "operator": "gt", "value": 200}, true},
		{"gte equal", map[string]any{"path": "amount", "operator": "gte", "value": 250.0}, true},
		{"lt", map[string]any{"path": "amount", "operator": "lt", "value": 10}, false},
		{"lte string", map[string]any{"path": "status", "operator": "lte", "value": "b"}, true},
		{"gt type mismatch", map[string]any{"path": "status", "operator": "gt", "value": 3}, false},
		{"gt against variable", map[string]any{"path": "amount", "operator": "gt", "value": "{{$vars.threshold}}"}, true},
		{"exists", map[string]any{"path": "user.name", "operator": "exists"}, true},
		{"not_exists", map[string]any{"path": "user.phone", "operator": "not_exists"}, true},
		{"contains string", map[string]any{"path": "user.name", "operator": "contains", "value": "Ad"}, true},
		{"contains array", map[string]any{"path": "tags", "operator": "contains", "value": "vip"}, true},
		{"contains object key", map[string]any{"path": "user", "operator": "contains", "value": "email"}, true},
		{"empty string", map[string]any{"path": "user.email", "operator": "empty"}, true},
		{"empty array", map[string]any{"path": "items", "operator": "empty"}, true},
		{"empty missing", map[string]any{"path": "nothing", "operator": "empty"}, true},
		{"not_empty", map[string]any{"path": "tags", "operator": "not_empty"}, true},
		{"all", map[string]any{"all": []any{"flag", map[string]any{"path": "amount", "operator": "gt", "value": 300}}}, false},
		{"any", map[string]any{"any": []any{false, map[string]any{"path": "tags.#", "value": 2}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluate(doc, tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	doc := testDoc(t)

	for name, cond := range map[string]any{
		"unknown operator": map[string]any{"path": "amount", "operator": "between"},
		"missing path":     map[string]any{"operator": "eq", "value": 1},
		"bad combinator":   map[string]any{"all": "flag"},
		"bad order value":  map[string]any{"path": "amount", "operator": "gt", "value": []any{1}},
		"unsupported type": 42,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := evaluate(doc, cond)
			assert.Error(t, err)
		})
	}
}

func TestConditionStep(t *testing.T) {
	cond := map[string]any{"path": "score", "operator": "gte", "value": 0.5}

	res, err := conditionStep(context.Background(), graph.StepContext{}, map[string]any{"score": 0.9},
		map[string]any{"condition": cond})
	require.NoError(t, err)
	assert.Equal(t, BranchTrue, res.Branch)
	assert.Equal(t, true, res.Output["condition_result"])
	assert.Equal(t, cond, res.Output["condition_evaluated"])

	res, err = conditionStep(context.Background(), graph.StepContext{}, map[string]any{"score": 0.1},
		map[string]any{"condition": cond})
	require.NoError(t, err)
	assert.Equal(t, BranchFalse, res.Branch)

	res, err = conditionStep(context.Background(), graph.StepContext{}, nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, BranchTrue, res.Branch, "a missing condition defaults to true")
}

func TestBranchStep(t *testing.T) {
	config := map[string]any{
		"rules": []any{
			map[string]any{"branch": "ignored"},
			map[string]any{"condition": map[string]any{"path": "tier", "value": "gold"}, "branch": "vip"},
			map[string]any{"condition": map[string]any{"path": "total", "operator": "gt", "value": 1000}, "branch": "large"},
		},
		"default": "regular",
	}

	tests := []struct {
		input map[string]any
		want  string
		rule  int
	}{
		{map[string]any{"tier": "gold", "total": 5000}, "vip", 1},
		{map[string]any{"tier": "silver", "total": 5000}, "large", 2},
		{map[string]any{"tier": "silver", "total": 10}, "regular", -1},
	}
	for _, tt := range tests {
		res, err := branchStep(context.Background(), graph.StepContext{}, tt.input, config)
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.Branch)
		assert.Equal(t, tt.rule, res.Output["matched_rule"])
		assert.Equal(t, 3, res.Output["rules_evaluated"])
		assert.Equal(t, tt.input, res.Output["input"])
	}
}

func TestBranchStep_DefaultLabel(t *testing.T) {
	res, err := branchStep(context.Background(), graph.StepContext{}, nil, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, graph.DefaultBranch, res.Branch)
}

func TestBranchStep_RuleError(t *testing.T) {
	_, err := branchStep(context.Background(), graph.StepContext{}, nil, map[string]any{
		"rules": []any{map[string]any{"condition": map[string]any{"path": "x", "operator": "??"}, "branch": "a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 0")
}

func TestRender(t *testing.T) {
	doc := testDoc(t)
	assert.Equal(t, "Hello Ada, 250 due (limit 100)", doc.render("Hello {{user.name}}, {{ amount }} due (limit {{$vars.threshold}})"))
	assert.Equal(t, `tags=["vip","eu"] missing=`, doc.render("tags={{tags}} missing={{nope}}"))
}
