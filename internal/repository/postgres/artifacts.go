package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
)

const artifactColumns = `id, project_id, run_id, path, format, size_bytes, metrics, created_at`

func scanArtifact(row rowScanner) (*domain.Artifact, error) {
	var (
		a       domain.Artifact
		metrics []byte
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.RunID, &a.Path, &a.Format, &a.SizeBytes, &metrics, &a.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Metrics, err = jsonToValue(metrics); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) queryArtifacts(ctx context.Context, query string, args ...any) ([]domain.Artifact, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := make([]domain.Artifact, 0)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

// GetArtifact fetches an artifact scoped to its project.
func (r *Repository) GetArtifact(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1 AND project_id = $2`
	a, err := scanArtifact(r.pool.QueryRow(ctx, query, artifactID, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListArtifactsByProject returns the artifacts of a project, newest first.
func (r *Repository) ListArtifactsByProject(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id = $1 ORDER BY created_at DESC`
	return r.queryArtifacts(ctx, query, projectID)
}

// ListArtifactsByRun returns the artifacts recorded for one run.
func (r *Repository) ListArtifactsByRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = $1 ORDER BY created_at DESC`
	return r.queryArtifacts(ctx, query, runID)
}

// LatestArtifactForRun returns the most recent artifact of a run.
func (r *Repository) LatestArtifactForRun(ctx context.Context, runID string) (*domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`
	a, err := scanArtifact(r.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}
