package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/sjson"

	"github.com/dshills/stepflow/graph"
)

// Branch labels produced by the transform step.
const (
	BranchData   = "data"
	BranchNoData = "no_data"
)

// transformStep reshapes its input with declarative rules:
//
//	{
//	  "pick":     ["customer.id", "items"],
//	  "mappings": {"total": "order.amount", "currency": "$vars.currency"},
//	  "defaults": {"priority": "normal"},
//	  "set":      {"source": "crm", "label": "order {{order.id}}"},
//	  "remove":   ["customer.internal_notes"]
//	}
//
// With neither pick nor mappings the whole input is the starting point;
// otherwise the result holds only what they select. Then defaults fill
// missing paths, set overwrites (strings are rendered as templates) and
// remove deletes. Source paths that do not exist are ignored.
func transformStep(_ context.Context, sc graph.StepContext, input, config map[string]any) (graph.StepResult, error) {
	doc, err := newDocument(input, sc.Variables)
	if err != nil {
		return graph.StepResult{}, err
	}

	pick := stringItems(graph.ConfigList(config, "pick"))
	mappings := graph.ConfigMap(config, "mappings")
	var applied []string

	out := []byte("{}")
	if pick == nil && mappings == nil {
		out = append([]byte(nil), doc.input...)
	}

	if pick != nil {
		applied = append(applied, "pick")
		for _, path := range pick {
			if out, err = copyPath(out, path, doc, path); err != nil {
				return graph.StepResult{}, err
			}
		}
	}

	if mappings != nil {
		applied = append(applied, "mappings")
		for _, target := range sortedKeys(mappings) {
			source, ok := mappings[target].(string)
			if !ok {
				return graph.StepResult{}, fmt.Errorf("mapping %s: source must be a path string", target)
			}
			if out, err = copyPath(out, target, doc, source); err != nil {
				return graph.StepResult{}, err
			}
		}
	}

	if defaults := graph.ConfigMap(config, "defaults"); defaults != nil {
		applied = append(applied, "defaults")
		current := &document{input: out}
		for _, target := range sortedKeys(defaults) {
			if current.get(target).Exists() {
				continue
			}
			if out, err = sjson.SetBytes(out, target, defaults[target]); err != nil {
				return graph.StepResult{}, fmt.Errorf("default %s: %w", target, err)
			}
		}
	}

	if set := graph.ConfigMap(config, "set"); set != nil {
		applied = append(applied, "set")
		for _, target := range sortedKeys(set) {
			if out, err = sjson.SetBytes(out, target, doc.renderValue(set[target])); err != nil {
				return graph.StepResult{}, fmt.Errorf("set %s: %w", target, err)
			}
		}
	}

	if remove := stringItems(graph.ConfigList(config, "remove")); remove != nil {
		applied = append(applied, "remove")
		for _, path := range remove {
			if out, err = sjson.DeleteBytes(out, path); err != nil {
				return graph.StepResult{}, fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}

	var data map[string]any
	if err := json.Unmarshal(out, &data); err != nil {
		return graph.StepResult{}, fmt.Errorf("decode transformed data: %w", err)
	}

	description := any(applied)
	if name, ok := config["transformation"].(string); ok {
		description = name
	} else if applied == nil {
		description = "none"
	}

	branch := BranchNoData
	if len(data) > 0 {
		branch = BranchData
	}
	return graph.StepResult{
		Output: map[string]any{
			"transformed_data":       data,
			"transformation_applied": description,
		},
		Branch: branch,
	}, nil
}

func copyPath(out []byte, target string, doc *document, source string) ([]byte, error) {
	r := doc.get(source)
	if !r.Exists() {
		return out, nil
	}
	updated, err := sjson.SetRawBytes(out, target, []byte(r.Raw))
	if err != nil {
		return out, fmt.Errorf("copy %s to %s: %w", source, target, err)
	}
	return updated, nil
}

func stringItems(list []any) []string {
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
