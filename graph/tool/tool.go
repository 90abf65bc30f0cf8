// Package tool provides the side-effecting primitives behind the built-in
// step types: HTTP requests and local commands.
//
// Tools know nothing about workflows. A step handler reads its config,
// calls a Tool and turns the result into a step output and branch. Any Tool
// can also be exposed directly as a step type through step.Options.Tools.
package tool

import "context"

// Tool is a named operation taking and returning JSON-like maps.
//
// Implementations must honor ctx cancellation and report only failures to
// perform the operation as errors. A remote 500 or a non-zero exit code is a
// result, not an error.
type Tool interface {
	Name() string
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

func stringMap(v any) map[string]string {
	out := map[string]string{}
	switch m := v.(type) {
	case map[string]any:
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, val := range m {
			out[k] = val
		}
	}
	return out
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return append([]string(nil), l...)
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
