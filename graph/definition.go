package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the persisted shape of a workflow: an ordered list of steps,
// the connections between them and free-form variables.
//
// The definition is treated as immutable input to a single execution. The
// engine parses a fresh copy from the stored bytes for every run, so edits
// made to a workflow never leak into executions already in flight.
type Definition struct {
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Connections []Connection   `json:"connections,omitempty" yaml:"connections,omitempty"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Step is a single unit of work, dispatched by its Type tag.
type Step struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// DependsOn lists predecessor ids. It is only consulted when the
	// definition has no connections (legacy ordering mode).
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Critical may be set on the step itself or as config.critical.
	Critical bool `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// DisplayName returns the step name, falling back to its id.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// IsCritical reports whether a failure of this step aborts the run.
func (s Step) IsCritical() bool {
	return s.Critical || ConfigBool(s.Config, "critical", false)
}

// Connection is a directed edge. An empty Condition makes it unconditional.
type Connection struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ParseDefinition decodes a JSON workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Code: "EMPTY_DEFINITION", Message: "definition is empty"}
	}

	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&def); err != nil {
		return nil, &ValidationError{Code: "MALFORMED_DEFINITION", Message: err.Error()}
	}
	normalizeNumbers(&def)
	return &def, nil
}

// LoadDefinitionFile reads a definition from disk. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, &ValidationError{Code: "MALFORMED_DEFINITION", Message: err.Error()}
		}
		return &def, nil
	default:
		return ParseDefinition(data)
	}
}

// Marshal encodes the definition as JSON for storage.
func (d *Definition) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// normalizeNumbers converts json.Number values produced by UseNumber into
// int64 when integral and float64 otherwise, so handlers see plain Go numbers.
func normalizeNumbers(def *Definition) {
	for i := range def.Steps {
		if def.Steps[i].Config != nil {
			def.Steps[i].Config = normalizeValue(def.Steps[i].Config).(map[string]any)
		}
	}
	if def.Variables != nil {
		def.Variables = normalizeValue(def.Variables).(map[string]any)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeValue(val)
		}
		return t
	default:
		return v
	}
}
