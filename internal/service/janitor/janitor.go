package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/TNLegend/SMIA/internal/docker"
	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/storage"
	"github.com/TNLegend/SMIA/pkg/config"
)

const (
	defaultInterval = 24 * time.Hour
	sweepTimeout    = 5 * time.Minute
	batchSize       = 100
)

// Pruner removes stopped sandbox containers. *docker.Client satisfies it.
type Pruner interface {
	PruneSandboxes(ctx context.Context, olderThan time.Duration) (docker.PruneReport, error)
}

// Janitor deletes expired runs with their workspaces and sweeps leftover containers.
type Janitor struct {
	runs      repository.RunRepository
	artifacts repository.ArtifactRepository
	layout    *storage.Layout
	pruner    Pruner
	logger    *slog.Logger

	interval  time.Duration
	retention time.Duration

	now func() time.Time
}

// New constructs a janitor. It returns nil when retention is disabled.
func New(runs repository.RunRepository, artifacts repository.ArtifactRepository, layout *storage.Layout, pruner Pruner, logger *slog.Logger, cfg config.APIConfig) *Janitor {
	if runs == nil || artifacts == nil || layout == nil || cfg.RetentionDays <= 0 {
		return nil
	}
	interval := cfg.JanitorInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	if !cfg.PruneContainers {
		pruner = nil
	}
	j := &Janitor{
		runs:      runs,
		artifacts: artifacts,
		layout:    layout,
		pruner:    pruner,
		logger:    logger,
		interval:  interval,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
	if j.logger != nil {
		j.logger = j.logger.With("component", "janitor")
	}
	return j
}

// Run sweeps once immediately and then on every tick until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started", "interval", j.interval, "retention", j.retention)
	j.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			j.runIteration(ctx)
		}
	}
}

func (j *Janitor) runIteration(parent context.Context) {
	if j == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(parent, sweepTimeout)
	defer cancel()

	deleted := j.expireRuns(opCtx, j.now().Add(-j.retention))
	if deleted > 0 {
		j.logger.Info("expired runs deleted", "count", deleted)
	}

	if j.pruner == nil {
		return
	}
	report, err := j.pruner.PruneSandboxes(opCtx, time.Hour)
	if err != nil {
		j.logger.Warn("failed to prune sandbox containers", "error", err)
		return
	}
	if report.Removed > 0 {
		j.logger.Info("sandbox containers pruned", "count", report.Removed, "reclaimed_bytes", report.SpaceReclaimed)
	}
}

func (j *Janitor) expireRuns(ctx context.Context, cutoff time.Time) int {
	deleted := 0
	for {
		runs, err := j.runs.ListRunsFinishedBefore(ctx, cutoff, batchSize)
		if err != nil {
			j.logger.Warn("failed to list expired runs", "error", err)
			return deleted
		}
		progressed := false
		for _, run := range runs {
			if j.expireRun(ctx, run) {
				deleted++
				progressed = true
			}
		}
		if len(runs) < batchSize || !progressed {
			return deleted
		}
	}
}

func (j *Janitor) expireRun(ctx context.Context, run domain.Run) bool {
	logger := j.logger.With("run_id", run.ID, "project_id", run.ProjectID)
	found, err := j.artifacts.ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		logger.Warn("failed to list run artifacts", "error", err)
		return false
	}
	for _, artifact := range found {
		if err := j.layout.Remove(artifact.Path); err != nil {
			logger.Warn("failed to remove artifact file", "artifact_id", artifact.ID, "error", err)
		}
	}
	if err := j.layout.RemoveRun(run.ProjectID, run.ID); err != nil {
		logger.Warn("failed to remove run workspace", "error", err)
	}
	if err := j.runs.DeleteRun(ctx, run.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("failed to delete expired run", "error", err)
		return false
	}
	logger.Debug("expired run deleted", "artifacts", len(found))
	return true
}
