package emit

// maxSummaryString is the longest string value kept verbatim in a summary.
const maxSummaryString = 100

// SummarizeOutput returns a compact view of a step output for live viewers.
//
// The branch key is kept verbatim. Nested maps become {type: object, size},
// lists become {type: array, length}, and strings longer than 100 bytes are
// cut with a "... (truncated)" suffix. Other values pass through.
func SummarizeOutput(output map[string]any) map[string]any {
	if output == nil {
		return nil
	}
	summary := make(map[string]any, len(output))
	for k, v := range output {
		if k == "branch" {
			summary[k] = v
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			summary[k] = map[string]any{"type": "object", "size": len(t)}
		case []any:
			summary[k] = map[string]any{"type": "array", "length": len(t)}
		case string:
			if len(t) > maxSummaryString {
				summary[k] = t[:maxSummaryString] + "... (truncated)"
			} else {
				summary[k] = t
			}
		default:
			summary[k] = v
		}
	}
	return summary
}
