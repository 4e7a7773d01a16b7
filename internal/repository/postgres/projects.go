package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
)

// GetProject fetches a project by identifier.
func (r *Repository) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, summary, created_at FROM projects WHERE id = $1`
	var (
		p       domain.Project
		summary []byte
	)
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&p.ID, &p.Name, &summary, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var err error
	if p.Summary, err = jsonToValue(summary); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProjectSummary replaces the aggregate written after a successful evaluation.
func (r *Repository) UpdateProjectSummary(ctx context.Context, projectID string, summary domain.Value) error {
	payload, err := valueToJSON(summary)
	if err != nil {
		return err
	}
	const query = `UPDATE projects SET summary = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, payload)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDataset fetches a dataset owned by the project.
func (r *Repository) GetDataset(ctx context.Context, projectID, datasetID string) (*domain.Dataset, error) {
	const query = `SELECT id, project_id, kind, path, columns, created_at
		FROM datasets WHERE id = $1 AND project_id = $2`
	var d domain.Dataset
	if err := r.pool.QueryRow(ctx, query, datasetID, projectID).Scan(&d.ID, &d.ProjectID, &d.Kind, &d.Path, &d.Columns, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetDataConfig fetches a data configuration owned by the project.
func (r *Repository) GetDataConfig(ctx context.Context, projectID, configID string) (*domain.DataConfig, error) {
	const query = `SELECT id, project_id, train_dataset_id, test_dataset_id, features, target, sensitive_attrs, created_at
		FROM data_configs WHERE id = $1 AND project_id = $2`
	var c domain.DataConfig
	if err := r.pool.QueryRow(ctx, query, configID, projectID).Scan(
		&c.ID, &c.ProjectID, &c.TrainDatasetID, &c.TestDatasetID, &c.Features, &c.Target, &c.SensitiveAttrs, &c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
