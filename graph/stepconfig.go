package graph

import (
	"strconv"
	"time"
)

// Step config maps come from JSON (float64, int64) or YAML (int) decoding, so
// the accessors below accept every numeric representation.

// ConfigString returns cfg[key] as a string or def when absent.
func ConfigString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}

// ConfigBool returns cfg[key] as a bool. The strings "true" and "false" are
// accepted as well.
func ConfigBool(cfg map[string]any, key string, def bool) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ConfigFloat returns cfg[key] as a float64.
func ConfigFloat(cfg map[string]any, key string, def float64) float64 {
	if f, ok := ToFloat(cfg[key]); ok {
		return f
	}
	return def
}

// ConfigInt returns cfg[key] as an int.
func ConfigInt(cfg map[string]any, key string, def int) int {
	if f, ok := ToFloat(cfg[key]); ok {
		return int(f)
	}
	return def
}

// ConfigSeconds reads a duration expressed in seconds (number) or as a Go
// duration string ("1m30s").
func ConfigSeconds(cfg map[string]any, key string) time.Duration {
	switch v := cfg[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	default:
		if f, ok := ToFloat(v); ok {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

// ConfigMap returns cfg[key] as a nested map.
func ConfigMap(cfg map[string]any, key string) map[string]any {
	if m, ok := cfg[key].(map[string]any); ok {
		return m
	}
	return nil
}

// ConfigList returns cfg[key] as a list.
func ConfigList(cfg map[string]any, key string) []any {
	if l, ok := cfg[key].([]any); ok {
		return l
	}
	return nil
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
