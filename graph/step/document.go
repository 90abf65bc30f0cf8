package step

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// varsPrefix selects the workflow variables instead of the step input.
const varsPrefix = "$vars."

// document is the read side of a step: its input and the workflow
// variables, encoded once so that gjson paths can be evaluated against them.
//
// Paths use gjson syntax ("user.name", "items.#", "items.0.id"). A path
// starting with "$vars." reads the workflow variables.
type document struct {
	input []byte
	vars  []byte
}

func newDocument(input, vars map[string]any) (*document, error) {
	in, err := encodeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("encode step input: %w", err)
	}
	v, err := encodeJSON(vars)
	if err != nil {
		return nil, fmt.Errorf("encode workflow variables: %w", err)
	}
	return &document{input: in, vars: v}, nil
}

func encodeJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (d *document) get(path string) gjson.Result {
	path = strings.TrimSpace(path)
	if rest, ok := strings.CutPrefix(path, varsPrefix); ok {
		return gjson.GetBytes(d.vars, rest)
	}
	if path == "" || path == "@this" {
		return gjson.ParseBytes(d.input)
	}
	return gjson.GetBytes(d.input, path)
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// render replaces {{path}} placeholders. Strings are inserted as-is, other
// values as JSON, missing paths as the empty string.
func (d *document) render(text string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		r := d.get(path)
		switch {
		case !r.Exists():
			return ""
		case r.Type == gjson.String:
			return r.Str
		default:
			return r.Raw
		}
	})
}

// renderValue applies render to every string inside v. A string that is a
// single placeholder is replaced by the value itself, keeping its JSON type.
func (d *document) renderValue(v any) any {
	switch t := v.(type) {
	case string:
		if loc := placeholder.FindStringSubmatchIndex(t); loc != nil && loc[0] == 0 && loc[1] == len(t) {
			r := d.get(t[loc[2]:loc[3]])
			if !r.Exists() {
				return nil
			}
			return r.Value()
		}
		return d.render(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = d.renderValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = d.renderValue(val)
		}
		return out
	default:
		return v
	}
}

// normalize round-trips v through JSON so that values from a config
// (int64, int) compare equal to values read with gjson (float64).
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
