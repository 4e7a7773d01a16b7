package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/TNLegend/SMIA/internal/catalog"
	"github.com/TNLegend/SMIA/internal/domain"
)

// ErrResultMissing indicates a run exited cleanly without writing a recognized result.
var ErrResultMissing = errors.New("result file missing")

// File is one result located in a run's output directory.
type File struct {
	Name      string
	Path      string
	Format    string
	SizeBytes int64
}

// Resolution is what a finished run left behind.
type Resolution struct {
	// Result is the primary result: the model file for training, metrics.json for evaluation.
	Result File
	// Plots are auxiliary images matched by the catalog's plot patterns.
	Plots []File
}

// Resolver locates result files using the configured catalog.
type Resolver struct {
	catalog catalog.Catalog
}

// NewResolver returns a resolver over the given catalog.
func NewResolver(c catalog.Catalog) Resolver {
	return Resolver{catalog: c}
}

// Resolve looks for the run's result in outputDir. An explicit expected file
// name is tried first, then the catalog names in priority order.
func (r Resolver) Resolve(kind domain.RunKind, outputDir, expected string) (Resolution, error) {
	candidates := make([]string, 0, len(r.catalog.Results(kind))+1)
	if name := strings.TrimSpace(expected); name != "" {
		if name != filepath.Base(name) {
			return Resolution{}, fmt.Errorf("expected artifact %q must be a bare file name", expected)
		}
		candidates = append(candidates, name)
	}
	candidates = append(candidates, r.catalog.Results(kind)...)

	var res Resolution
	found := false
	for _, name := range candidates {
		file, ok := stat(outputDir, name)
		if ok {
			res.Result = file
			found = true
			break
		}
	}
	if !found {
		return Resolution{}, fmt.Errorf("%w: none of %s in %s", ErrResultMissing, strings.Join(candidates, ", "), outputDir)
	}
	res.Plots = r.plots(outputDir)
	return res, nil
}

func (r Resolver) plots(outputDir string) []File {
	seen := make(map[string]struct{})
	var out []File
	for _, pattern := range r.catalog.Plots {
		matches, err := filepath.Glob(filepath.Join(outputDir, pattern))
		if err != nil {
			continue
		}
		sort.Strings(matches)
		for _, match := range matches {
			name := filepath.Base(match)
			if _, dup := seen[name]; dup {
				continue
			}
			if file, ok := stat(outputDir, name); ok {
				seen[name] = struct{}{}
				out = append(out, file)
			}
		}
	}
	return out
}

func stat(dir, name string) (File, bool) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return File{}, false
	}
	return File{Name: name, Path: path, Format: catalog.FormatOf(name), SizeBytes: info.Size()}, true
}
