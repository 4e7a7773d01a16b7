package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	root := t.TempDir()
	layout, err := New(root)
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	want := filepath.Join(layout.Root(), "models", "project_42", "runs", "r1", "output")
	if got := layout.RunOutputDir("42", "r1"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := layout.RunCodeDir("42", "r1"); got != filepath.Join(layout.RunDir("42", "r1"), "code") {
		t.Fatalf("unexpected code dir %s", got)
	}
}

func TestPrepareRunStagesBundle(t *testing.T) {
	layout, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	bundle := layout.ProjectDir("1")
	writeTestFile(t, filepath.Join(bundle, "train.py"), "print('train')")
	writeTestFile(t, filepath.Join(bundle, "lib", "net.py"), "class Net: pass")
	writeTestFile(t, filepath.Join(bundle, "output", "model.pt"), "legacy")
	writeTestFile(t, filepath.Join(layout.RunOutputDir("1", "older"), "model.pt"), "other run")

	ws, err := layout.PrepareRun("1", "r1")
	if err != nil {
		t.Fatalf("prepare run: %v", err)
	}
	if ws.OutputDir != layout.RunOutputDir("1", "r1") || ws.CodeDir != layout.RunCodeDir("1", "r1") {
		t.Fatalf("unexpected workspace %+v", ws)
	}
	for _, name := range []string{"train.py", filepath.Join("lib", "net.py")} {
		if _, err := os.Stat(filepath.Join(ws.CodeDir, name)); err != nil {
			t.Fatalf("expected %s staged: %v", name, err)
		}
	}
	for _, name := range []string{"output", "runs"} {
		if _, err := os.Stat(filepath.Join(ws.CodeDir, name)); !os.IsNotExist(err) {
			t.Fatalf("expected %s not to be staged, got %v", name, err)
		}
	}
	entries, err := os.ReadDir(ws.OutputDir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty output dir, got %d entries (%v)", len(entries), err)
	}

	writeTestFile(t, filepath.Join(ws.OutputDir, "model.pt"), "w")
	if _, err := layout.PrepareRun("1", "r1"); err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.OutputDir, "model.pt")); !os.IsNotExist(err) {
		t.Fatalf("expected re-prepared output dir to start empty, got %v", err)
	}

	if _, err := layout.PrepareRun("1", "../2"); err == nil {
		t.Fatalf("expected path-like run id to be rejected")
	}
}

func TestRemoveRun(t *testing.T) {
	layout, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	writeTestFile(t, filepath.Join(layout.RunOutputDir("1", "r1"), "model.pt"), "w")
	writeTestFile(t, filepath.Join(layout.RunOutputDir("1", "r2"), "model.pt"), "w")

	if err := layout.RemoveRun("1", "r1"); err != nil {
		t.Fatalf("remove run: %v", err)
	}
	if _, err := os.Stat(layout.RunDir("1", "r1")); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.RunOutputDir("1", "r2"), "model.pt")); err != nil {
		t.Fatalf("expected other run untouched: %v", err)
	}
	if err := layout.RemoveRun("1", "missing"); err != nil {
		t.Fatalf("expected missing workspace to be a no-op, got %v", err)
	}
	if err := layout.RemoveRun("1", ".."); err == nil {
		t.Fatalf("expected parent reference to be rejected")
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestContainsRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "models", "project_1")
	if err := os.MkdirAll(filepath.Join(base, "output"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	inside := filepath.Join(base, "output", "model.pt")
	if err := os.WriteFile(inside, []byte("w"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sibling := filepath.Join(root, "models", "project_10", "output", "model.pt")

	cases := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"inside", inside, false},
		{"base itself", base, false},
		{"dotdot", filepath.Join(base, "..", "project_2", "model.pt"), true},
		{"prefix sibling", sibling, true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Contains(base, tc.target)
			if tc.wantErr && !errors.Is(err, ErrOutsideRoot) {
				t.Fatalf("expected ErrOutsideRoot, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestContainsFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "project_1")
	outside := filepath.Join(root, "secret.txt")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(outside, []byte("s"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	link := filepath.Join(base, "model.pt")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := Contains(base, link); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected symlink escape to be rejected, got %v", err)
	}
}

func TestRemoveRefusesOutsideRoot(t *testing.T) {
	layout, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	victim := filepath.Join(t.TempDir(), "keep.txt")
	if err := os.WriteFile(victim, []byte("k"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := layout.Remove(victim); err == nil {
		t.Fatalf("expected removal outside root to fail")
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("expected file to survive: %v", err)
	}
}
