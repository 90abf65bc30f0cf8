package graph

// copyMap returns a deep copy of a JSON-shaped map.
//
// Steps in the same tick run concurrently on inputs derived from shared
// predecessor outputs, so every handler receives its own copy. Only the
// shapes produced by JSON/YAML decoding and by handlers are walked
// (map[string]any, []any, []string, []map[string]any); other values are
// shared as-is and must be treated as immutable.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = copyMap(item)
		}
		return out
	default:
		return v
	}
}
