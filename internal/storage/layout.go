package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const runsDir = "runs"

// ErrOutsideRoot indicates a path escapes the directory it must stay under.
var ErrOutsideRoot = errors.New("storage: path outside permitted directory")

// Layout owns the per-project directory tree under a common root.
type Layout struct {
	root string
}

// New ensures the storage root exists and is accessible.
func New(root string) (*Layout, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Layout{root: abs}, nil
}

// Root returns the absolute storage root.
func (l *Layout) Root() string {
	return l.root
}

// ProjectDir is the directory holding a project's code bundle and run workspaces.
func (l *Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.root, "models", "project_"+projectID)
}

// RunDir is the workspace owned by a single run.
func (l *Layout) RunDir(projectID, runID string) string {
	return filepath.Join(l.ProjectDir(projectID), runsDir, runID)
}

// RunCodeDir holds the run's staged copy of the bundle. It is mounted read-only.
func (l *Layout) RunCodeDir(projectID, runID string) string {
	return filepath.Join(l.RunDir(projectID, runID), "code")
}

// RunOutputDir is the only directory the run's sandbox may write to.
func (l *Layout) RunOutputDir(projectID, runID string) string {
	return filepath.Join(l.RunDir(projectID, runID), "output")
}

// Workspace is the pair of host directories staged for one run.
type Workspace struct {
	CodeDir   string
	OutputDir string
}

// PrepareRun recreates the run's workspace: the project bundle is copied into
// the code directory and the output directory starts empty.
func (l *Layout) PrepareRun(projectID, runID string) (Workspace, error) {
	if err := validID("project", projectID); err != nil {
		return Workspace{}, err
	}
	if err := validID("run", runID); err != nil {
		return Workspace{}, err
	}
	if err := os.RemoveAll(l.RunDir(projectID, runID)); err != nil {
		return Workspace{}, fmt.Errorf("cleanup run workspace: %w", err)
	}
	ws := Workspace{CodeDir: l.RunCodeDir(projectID, runID), OutputDir: l.RunOutputDir(projectID, runID)}
	if err := os.MkdirAll(ws.OutputDir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create output dir: %w", err)
	}
	if err := copyTree(l.ProjectDir(projectID), ws.CodeDir); err != nil {
		return Workspace{}, fmt.Errorf("stage code bundle: %w", err)
	}
	return ws, nil
}

// RemoveRun deletes a run's workspace.
func (l *Layout) RemoveRun(projectID, runID string) error {
	if err := validID("project", projectID); err != nil {
		return err
	}
	if err := validID("run", runID); err != nil {
		return err
	}
	dir := l.RunDir(projectID, runID)
	if err := Contains(l.ProjectDir(projectID), dir); err != nil {
		return fmt.Errorf("refusing to remove %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove run workspace: %w", err)
	}
	return nil
}

// CopyFile copies a regular file, replacing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// copyTree copies the bundle's directories and regular files. Run workspaces
// and the legacy shared output directory are skipped, as are symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() && (rel == runsDir || rel == "output") {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return CopyFile(path, target)
		default:
			return nil
		}
	})
}

func validID(kind, id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid %s identifier %q", kind, id)
	}
	return nil
}

// Contains reports an error unless target resolves to base or a descendant of it.
// Symlinks are resolved on both sides when they exist.
func Contains(base, target string) error {
	resolvedBase, err := resolve(base)
	if err != nil {
		return err
	}
	resolvedTarget, err := resolve(target)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(resolvedBase, resolvedTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return ErrOutsideRoot
	}
	return nil
}

// Remove deletes a file that must live inside the storage root.
func (l *Layout) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := Contains(l.root, path); err != nil {
		return fmt.Errorf("refusing to remove %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	evaluated, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return filepath.Clean(abs), nil
		}
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return evaluated, nil
}
