package graph

import "testing"

func TestCopyMap(t *testing.T) {
	original := map[string]any{
		"scalar": 1,
		"nested": map[string]any{"k": "v"},
		"list":   []any{map[string]any{"x": 1}, "s"},
		"names":  []string{"a", "b"},
		"rows":   []map[string]any{{"id": 1}},
	}
	c := copyMap(original)

	c["nested"].(map[string]any)["k"] = "changed"
	c["list"].([]any)[0].(map[string]any)["x"] = 2
	c["names"].([]string)[0] = "z"
	c["rows"].([]map[string]any)[0]["id"] = 9

	if original["nested"].(map[string]any)["k"] != "v" {
		t.Error("nested map shared")
	}
	if original["list"].([]any)[0].(map[string]any)["x"] != 1 {
		t.Error("map inside list shared")
	}
	if original["names"].([]string)[0] != "a" {
		t.Error("string slice shared")
	}
	if original["rows"].([]map[string]any)[0]["id"] != 1 {
		t.Error("slice of maps shared")
	}

	if copyMap(nil) != nil {
		t.Error("nil should copy to nil")
	}
}
