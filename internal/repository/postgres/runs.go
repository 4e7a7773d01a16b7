package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
)

const runColumns = `id, project_id, kind, status, COALESCE(dataset_id, ''), COALESCE(data_config_id, ''),
	COALESCE(model_run_id, ''), config, logs, metrics, reason, created_at, started_at, finished_at`

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run     domain.Run
		config  []byte
		metrics []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&run.Kind,
		&run.Status,
		&run.DatasetID,
		&run.DataConfigID,
		&run.ModelRunID,
		&config,
		&run.Logs,
		&metrics,
		&run.Reason,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if run.Config, err = jsonToValue(config); err != nil {
		return nil, err
	}
	if run.Metrics, err = jsonToValue(metrics); err != nil {
		return nil, err
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	defer rows.Close()
	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CreateRun inserts a pending run record.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	if run == nil {
		return fmt.Errorf("run required")
	}
	config, err := valueToJSON(run.Config)
	if err != nil {
		return err
	}
	const query = `INSERT INTO runs (id, project_id, kind, status, dataset_id, data_config_id, model_run_id, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.ProjectID,
		run.Kind,
		run.Status,
		emptyToNil(run.DatasetID),
		emptyToNil(run.DataConfigID),
		emptyToNil(run.ModelRunID),
		config,
		run.CreatedAt.UTC(),
	)
	return mapWriteError(err)
}

// MarkRunRunning moves a pending run to running and stamps its start time.
func (r *Repository) MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error {
	const query = `UPDATE runs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, runID, startedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.transitionMiss(ctx, runID)
	}
	return nil
}

// CompleteRun writes the terminal record and its artifacts in one transaction.
func (r *Repository) CompleteRun(ctx context.Context, completion domain.RunCompletion) error {
	if !completion.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", repository.ErrInvalidArgument, completion.Status)
	}
	metrics, err := valueToJSON(completion.Metrics)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin completion: %w", err)
	}
	defer tx.Rollback(ctx)

	const update = `UPDATE runs
		SET status = $2, logs = $3, metrics = $4, reason = $5, finished_at = $6
		WHERE id = $1 AND (status = 'running' OR (status = 'pending' AND $2::text = 'failed'))`
	tag, err := tx.Exec(ctx, update,
		completion.RunID,
		string(completion.Status),
		completion.Logs,
		metrics,
		completion.Reason,
		completion.FinishedAt.UTC(),
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionMiss(ctx, completion.RunID)
	}

	const insert = `INSERT INTO artifacts (id, project_id, run_id, path, format, size_bytes, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, artifact := range completion.Artifacts {
		artifactMetrics, err := valueToJSON(artifact.Metrics)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insert,
			artifact.ID,
			artifact.ProjectID,
			completion.RunID,
			artifact.Path,
			artifact.Format,
			artifact.SizeBytes,
			artifactMetrics,
			artifact.CreatedAt.UTC(),
		); err != nil {
			return mapWriteError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

func (r *Repository) transitionMiss(ctx context.Context, runID string) error {
	const query = `SELECT status FROM runs WHERE id = $1`
	var status string
	if err := r.pool.QueryRow(ctx, query, runID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: run %s is %s", repository.ErrInvalidTransition, runID, status)
}

// GetRun fetches a run scoped to its project.
func (r *Repository) GetRun(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 AND project_id = $2`
	run, err := scanRun(r.pool.QueryRow(ctx, query, runID, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns the runs of a project, newest first. An empty kind lists both kinds.
func (r *Repository) ListRuns(ctx context.Context, projectID string, kind domain.RunKind) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE project_id = $1 AND ($2::text IS NULL OR kind = $2)
		ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, projectID, emptyToNil(string(kind)))
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// CountRunsByProject counts every run record of a project regardless of kind or status.
func (r *Repository) CountRunsByProject(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(1) FROM runs WHERE project_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListRunsByStatus returns all runs currently in one of the given states.
func (r *Repository) ListRunsByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE status = ANY($1) ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, values)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// ListRunsFinishedBefore returns terminal runs whose finish time precedes cutoff.
func (r *Repository) ListRunsFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE finished_at IS NOT NULL AND finished_at < $1
		ORDER BY finished_at LIMIT $2`
	rows, err := r.pool.Query(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectRuns(rows)
}

// DeleteRun removes a run; its artifacts are removed by cascade.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	const query = `DELETE FROM runs WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
