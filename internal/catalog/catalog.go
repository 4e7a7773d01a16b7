// Package catalog lists the result file names a run may produce.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TNLegend/SMIA/internal/domain"
)

// CurrentVersion is the catalog schema understood by this build.
const CurrentVersion = 1

// Catalog is the versioned list of recognized result names per run kind.
type Catalog struct {
	Version    int      `yaml:"version"`
	Training   []string `yaml:"training"`
	Evaluation []string `yaml:"evaluation"`
	Plots      []string `yaml:"plots"`
}

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		Version:    CurrentVersion,
		Training:   []string{"model.pt", "model.joblib", "model.onnx"},
		Evaluation: []string{"metrics.json"},
		Plots:      []string{"*.png"},
	}
}

// Load reads a catalog file. An empty path returns the default.
func Load(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	if c.Version != CurrentVersion {
		return Catalog{}, fmt.Errorf("unsupported catalog version %d", c.Version)
	}
	if len(c.Training) == 0 || len(c.Evaluation) == 0 {
		return Catalog{}, fmt.Errorf("catalog must list training and evaluation results")
	}
	for _, name := range append(append([]string{}, c.Training...), c.Evaluation...) {
		if name != filepath.Base(name) || name == "." || name == ".." {
			return Catalog{}, fmt.Errorf("catalog entry %q must be a bare file name", name)
		}
	}
	for _, pattern := range c.Plots {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return Catalog{}, fmt.Errorf("catalog plot pattern %q: %w", pattern, err)
		}
	}
	return c, nil
}

// Results returns the recognized result names for a run kind, in priority order.
func (c Catalog) Results(kind domain.RunKind) []string {
	switch kind {
	case domain.RunKindTraining:
		return c.Training
	case domain.RunKindEvaluation:
		return c.Evaluation
	default:
		return nil
	}
}

// FormatOf derives the format tag from a file name's extension.
func FormatOf(name string) string {
	return strings.TrimPrefix(filepath.Ext(name), ".")
}
