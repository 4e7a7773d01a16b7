// Package runconfig reads and validates the config.yaml shipped in a code bundle.
package runconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TNLegend/SMIA/internal/domain"
)

// FileName is the bundle-relative config document name.
const FileName = "config.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("runconfig: invalid config")

// Document is a parsed run configuration. Unknown keys pass through untouched.
type Document struct {
	fields map[string]any
}

// Load reads a config document from disk.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document.
func Parse(data []byte) (Document, error) {
	fields := map[string]any{}
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return Document{fields: fields}, nil
}

// Merge overlays request-level overrides on top of the document.
func (d Document) Merge(overrides domain.Value) (Document, error) {
	merged := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		merged[k] = v
	}
	if overrides.IsNull() {
		return Document{fields: merged}, nil
	}
	fields, ok := overrides.AsMap()
	if !ok {
		return Document{}, fmt.Errorf("%w: overrides must be an object, got %s", ErrInvalid, overrides.Kind())
	}
	for k, v := range fields {
		merged[k] = plain(v.ToAny())
	}
	return Document{fields: merged}, nil
}

// Validate checks the keys the training contract depends on.
func (d Document) Validate() error {
	target, ok := d.fields["target"].(string)
	if !ok || strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalid)
	}
	for _, key := range []string{"hidden", "lr", "epochs"} {
		raw, present := d.fields[key]
		if !present {
			continue
		}
		n, ok := number(raw)
		if !ok {
			return fmt.Errorf("%w: %s must be numeric", ErrInvalid, key)
		}
		if n <= 0 {
			return fmt.Errorf("%w: %s must be greater than zero", ErrInvalid, key)
		}
	}
	if task := d.Task(); task != "classification" && task != "regression" {
		return fmt.Errorf("%w: unknown task %q", ErrInvalid, task)
	}
	return nil
}

// Target returns the label column.
func (d Document) Target() string {
	target, _ := d.fields["target"].(string)
	return target
}

// Task returns the ML task, defaulting to classification.
func (d Document) Task() string {
	if task, ok := d.fields["task"].(string); ok && strings.TrimSpace(task) != "" {
		return strings.ToLower(strings.TrimSpace(task))
	}
	return "classification"
}

// ModelName returns the optional model_name key.
func (d Document) ModelName() string {
	name, _ := d.fields["model_name"].(string)
	return name
}

// ExpectedArtifact returns the result file name the bundle declares, if any.
func (d Document) ExpectedArtifact() string {
	name, _ := d.fields["expected_artifact"].(string)
	return strings.TrimSpace(name)
}

// Value converts the document into a metrics-style value for persistence.
func (d Document) Value() (domain.Value, error) {
	return domain.FromAny(jsonSafe(d.fields))
}

// Marshal encodes the document as YAML.
func (d Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d.fields)
}

// Save writes the document to path.
func (d Document) Save(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func number(raw any) (float64, bool) {
	switch n := raw.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// plain turns json.Number leaves into int64 or float64 so YAML encodes them unquoted.
func plain(raw any) any {
	switch t := raw.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plain(item)
		}
		return out
	default:
		return raw
	}
}

// jsonSafe coerces decoded YAML leaves into types FromAny accepts.
func jsonSafe(raw any) any {
	switch t := raw.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonSafe(item)
		}
		return out
	case int, int64, float64, bool, string, nil:
		return t
	default:
		return fmt.Sprint(t)
	}
}
