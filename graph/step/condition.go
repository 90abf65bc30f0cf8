package step

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dshills/stepflow/graph"
)

// Branch labels produced by the condition step.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Comparison operators understood by conditions.
const (
	OpEq        = "eq"
	OpNe        = "ne"
	OpGt        = "gt"
	OpGte       = "gte"
	OpLt        = "lt"
	OpLte       = "lte"
	OpExists    = "exists"
	OpNotExists = "not_exists"
	OpContains  = "contains"
	OpEmpty     = "empty"
	OpNotEmpty  = "not_empty"
)

// evaluate decides a condition against doc.
//
// A condition is one of:
//   - a bool, or the strings "true" / "false"
//   - any other string: a path, true when its value is truthy
//   - {"path", "operator", "value"}: a comparison (operator defaults to eq)
//   - {"all": [...]} or {"any": [...]}: a combination of conditions
//
// A nil condition is true.
func evaluate(doc *document, cond any) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case bool:
		return c, nil
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(c)); err == nil {
			return b, nil
		}
		return truthy(doc.get(c)), nil
	case map[string]any:
		if all, ok := c["all"]; ok {
			return combine(doc, all, true)
		}
		if anyOf, ok := c["any"]; ok {
			return combine(doc, anyOf, false)
		}
		return compare(doc, c)
	default:
		return false, fmt.Errorf("unsupported condition of type %T", cond)
	}
}

func combine(doc *document, list any, all bool) (bool, error) {
	items, ok := list.([]any)
	if !ok {
		return false, fmt.Errorf("condition combinator expects a list, got %T", list)
	}
	for _, item := range items {
		ok, err := evaluate(doc, item)
		if err != nil {
			return false, err
		}
		if all && !ok {
			return false, nil
		}
		if !all && ok {
			return true, nil
		}
	}
	return all, nil
}

func compare(doc *document, c map[string]any) (bool, error) {
	path, ok := c["path"].(string)
	if !ok {
		return false, fmt.Errorf("condition requires a path")
	}
	op := strings.ToLower(graph.ConfigString(c, "operator", OpEq))
	actual := doc.get(path)
	expected := normalize(doc.renderValue(c["value"]))

	switch op {
	case OpExists:
		return actual.Exists(), nil
	case OpNotExists:
		return !actual.Exists(), nil
	case OpEmpty:
		return isEmpty(actual), nil
	case OpNotEmpty:
		return !isEmpty(actual), nil
	case OpEq:
		return equal(actual, expected), nil
	case OpNe:
		return !equal(actual, expected), nil
	case OpContains:
		return contains(actual, expected), nil
	case OpGt, OpGte, OpLt, OpLte:
		return order(op, actual, expected)
	default:
		return false, fmt.Errorf("unknown condition operator: %s", op)
	}
}

func equal(actual gjson.Result, expected any) bool {
	if !actual.Exists() {
		return expected == nil
	}
	return reflect.DeepEqual(actual.Value(), expected)
}

func contains(actual gjson.Result, expected any) bool {
	switch {
	case actual.Type == gjson.String:
		s, ok := expected.(string)
		return ok && strings.Contains(actual.Str, s)
	case actual.IsArray():
		for _, item := range actual.Array() {
			if equal(item, expected) {
				return true
			}
		}
	case actual.IsObject():
		key, ok := expected.(string)
		return ok && actual.Get(gjson.Escape(key)).Exists()
	}
	return false
}

func order(op string, actual gjson.Result, expected any) (bool, error) {
	var cmp int
	switch e := expected.(type) {
	case float64:
		if actual.Type != gjson.Number {
			return false, nil
		}
		switch a := actual.Num; {
		case a < e:
			cmp = -1
		case a > e:
			cmp = 1
		}
	case string:
		if actual.Type != gjson.String {
			return false, nil
		}
		cmp = strings.Compare(actual.Str, e)
	default:
		return false, fmt.Errorf("operator %s needs a number or string value, got %T", op, expected)
	}

	switch op {
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	case OpLt:
		return cmp < 0, nil
	default:
		return cmp <= 0, nil
	}
}

func isEmpty(r gjson.Result) bool {
	switch {
	case !r.Exists(), r.Type == gjson.Null:
		return true
	case r.Type == gjson.String:
		return r.Str == ""
	case r.IsArray():
		return len(r.Array()) == 0
	case r.IsObject():
		return len(r.Map()) == 0
	}
	return false
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return r.Num != 0
	case gjson.String:
		return r.Str != "" && r.Str != "false"
	case gjson.JSON:
		return !isEmpty(r)
	}
	return false
}

// conditionStep evaluates config "condition" and branches true or false.
func conditionStep(_ context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}

	cond, ok := config["condition"]
	if !ok {
		cond = true
	}
	result, err := evaluate(doc, cond)
	if err != nil {
		return graph.StepResult{}, err
	}

	branch := BranchFalse
	if result {
		branch = BranchTrue
	}
	return graph.StepResult{
		Output: map[string]any{
			"condition_result":    result,
			"condition_evaluated": cond,
		},
		Branch: branch,
	}, nil
}

// branchStep picks the branch of the first rule whose condition holds.
//
//	{"rules": [{"condition": {...}, "branch": "vip"}], "default": "regular"}
//
// Rules without a condition or a branch are ignored. With no match the
// branch is config "default", itself defaulting to "default".
func branchStep(_ context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}

	rules := graph.ConfigList(config, "rules")
	selected := graph.ConfigString(config, "default", graph.DefaultBranch)
	matched := -1

	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cond, hasCond := rule["condition"]
		branch := graph.ConfigString(rule, "branch", "")
		if !hasCond || cond == nil || branch == "" {
			continue
		}
		ok, err := evaluate(doc, cond)
		if err != nil {
			return graph.StepResult{}, fmt.Errorf("rule %d: %w", i, err)
		}
		if ok {
			selected = branch
			matched = i
			break
		}
	}

	return graph.StepResult{
		Output: map[string]any{
			"rules_evaluated": len(rules),
			"matched_rule":    matched,
			"input":           input,
		},
		Branch: selected,
	}, nil
}
