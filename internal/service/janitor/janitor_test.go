package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TNLegend/SMIA/internal/docker"
	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/storage"
	"github.com/TNLegend/SMIA/pkg/config"
)

func TestJanitorDeletesExpiredRunsAndFiles(t *testing.T) {
	now := time.Now()
	layout, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	oldModel := writeArtifact(t, layout, "1", "old", "model.pt")
	oldCode := filepath.Join(layout.RunCodeDir("1", "old"), "config.yaml")
	if err := os.MkdirAll(filepath.Dir(oldCode), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(oldCode, []byte("target: y\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	failedModel := writeArtifact(t, layout, "1", "old-2", "partial.pt")
	freshModel := writeArtifact(t, layout, "1", "fresh", "model.pt")

	oldFinished := now.Add(-9 * 24 * time.Hour)
	freshFinished := now.Add(-time.Hour)
	repo := &testRepo{
		runs: map[string]domain.Run{
			"old":     {ID: "old", ProjectID: "1", Status: domain.RunStatusSucceeded, FinishedAt: &oldFinished},
			"old-2":   {ID: "old-2", ProjectID: "1", Status: domain.RunStatusFailed, FinishedAt: &oldFinished},
			"fresh":   {ID: "fresh", ProjectID: "1", Status: domain.RunStatusSucceeded, FinishedAt: &freshFinished},
			"running": {ID: "running", ProjectID: "1", Status: domain.RunStatusRunning},
		},
		artifacts: map[string][]domain.Artifact{
			"old":   {{ID: "a1", RunID: "old", Path: oldModel}},
			"fresh": {{ID: "a3", RunID: "fresh", Path: freshModel}},
		},
	}
	pruner := &testPruner{report: docker.PruneReport{Removed: 2}}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	j := New(repo, repo, layout, pruner, logger, config.APIConfig{RetentionDays: 7, JanitorInterval: time.Hour, PruneContainers: true})
	if j == nil {
		t.Fatalf("expected janitor to be created")
	}
	j.now = func() time.Time { return now }

	j.runIteration(context.Background())

	if _, ok := repo.runs["old"]; ok {
		t.Fatalf("expected expired run to be deleted")
	}
	if _, ok := repo.runs["old-2"]; ok {
		t.Fatalf("expected second expired run to be deleted")
	}
	for _, id := range []string{"fresh", "running"} {
		if _, ok := repo.runs[id]; !ok {
			t.Fatalf("expected %s to be kept", id)
		}
	}
	for _, path := range []string{oldModel, failedModel, layout.RunDir("1", "old"), layout.RunDir("1", "old-2")} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, got %v", path, err)
		}
	}
	if _, err := os.Stat(freshModel); err != nil {
		t.Fatalf("expected fresh artifact kept, got %v", err)
	}
	if _, err := os.Stat(layout.ProjectDir("1")); err != nil {
		t.Fatalf("expected project bundle dir kept, got %v", err)
	}
	if pruner.calls != 1 {
		t.Fatalf("expected one prune call, got %d", pruner.calls)
	}
}

func TestJanitorKeepsRunWhenArtifactsUnavailable(t *testing.T) {
	now := time.Now()
	layout, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	finished := now.Add(-30 * 24 * time.Hour)
	repo := &testRepo{
		runs:        map[string]domain.Run{"old": {ID: "old", ProjectID: "1", FinishedAt: &finished}},
		artifactErr: errors.New("db unavailable"),
	}
	pruner := &testPruner{err: errors.New("daemon down")}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

	j := New(repo, repo, layout, pruner, logger, config.APIConfig{RetentionDays: 7, PruneContainers: true})
	j.now = func() time.Time { return now }
	j.runIteration(context.Background())

	if _, ok := repo.runs["old"]; !ok {
		t.Fatalf("expected run to be kept when its artifacts cannot be listed")
	}
	if pruner.calls != 1 {
		t.Fatalf("expected prune to be attempted, got %d calls", pruner.calls)
	}
}

func TestJanitorDisabled(t *testing.T) {
	layout, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	repo := &testRepo{}
	if j := New(repo, repo, layout, nil, nil, config.APIConfig{RetentionDays: 0}); j != nil {
		t.Fatalf("expected nil janitor when retention is disabled")
	}
	j := New(repo, repo, layout, &testPruner{}, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})), config.APIConfig{RetentionDays: 1})
	if j.pruner != nil {
		t.Fatalf("expected pruning to be off unless enabled")
	}
	if j.interval != defaultInterval {
		t.Fatalf("expected default interval, got %s", j.interval)
	}
}

func writeArtifact(t *testing.T, layout *storage.Layout, projectID, runID, name string) string {
	t.Helper()
	dir := layout.RunOutputDir(projectID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

type testRepo struct {
	mu          sync.Mutex
	runs        map[string]domain.Run
	artifacts   map[string][]domain.Artifact
	artifactErr error
}

func (r *testRepo) CreateRun(ctx context.Context, run *domain.Run) error { return nil }

func (r *testRepo) MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error {
	return nil
}

func (r *testRepo) CompleteRun(ctx context.Context, completion domain.RunCompletion) error {
	return nil
}

func (r *testRepo) GetRun(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	return nil, repository.ErrNotFound
}

func (r *testRepo) ListRuns(ctx context.Context, projectID string, kind domain.RunKind) ([]domain.Run, error) {
	return nil, nil
}

func (r *testRepo) CountRunsByProject(ctx context.Context, projectID string) (int, error) {
	return 0, nil
}

func (r *testRepo) ListRunsByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error) {
	return nil, nil
}

func (r *testRepo) ListRunsFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Run
	for _, run := range r.runs {
		if run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (r *testRepo) DeleteRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.runs, runID)
	return nil
}

func (r *testRepo) GetArtifact(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error) {
	return nil, repository.ErrNotFound
}

func (r *testRepo) ListArtifactsByProject(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	return nil, nil
}

func (r *testRepo) ListArtifactsByRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	if r.artifactErr != nil {
		return nil, r.artifactErr
	}
	return r.artifacts[runID], nil
}

func (r *testRepo) LatestArtifactForRun(ctx context.Context, runID string) (*domain.Artifact, error) {
	return nil, repository.ErrNotFound
}

type testPruner struct {
	calls  int
	report docker.PruneReport
	err    error
}

func (p *testPruner) PruneSandboxes(ctx context.Context, olderThan time.Duration) (docker.PruneReport, error) {
	p.calls++
	return p.report, p.err
}
