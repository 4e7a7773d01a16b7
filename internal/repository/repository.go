package repository

import (
	"context"
	"time"

	"github.com/TNLegend/SMIA/internal/domain"
)

// RunRepository persists run records and their lifecycle transitions.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	MarkRunRunning(ctx context.Context, runID string, startedAt time.Time) error
	CompleteRun(ctx context.Context, completion domain.RunCompletion) error
	GetRun(ctx context.Context, projectID, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, projectID string, kind domain.RunKind) ([]domain.Run, error)
	CountRunsByProject(ctx context.Context, projectID string) (int, error)
	ListRunsByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]domain.Run, error)
	ListRunsFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error)
	DeleteRun(ctx context.Context, runID string) error
}

// ArtifactRepository reads artifacts written alongside terminal run records.
type ArtifactRepository interface {
	GetArtifact(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error)
	ListArtifactsByProject(ctx context.Context, projectID string) ([]domain.Artifact, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]domain.Artifact, error)
	LatestArtifactForRun(ctx context.Context, runID string) (*domain.Artifact, error)
}

// DatasetRepository resolves project-scoped data references.
type DatasetRepository interface {
	GetDataset(ctx context.Context, projectID, datasetID string) (*domain.Dataset, error)
	GetDataConfig(ctx context.Context, projectID, configID string) (*domain.DataConfig, error)
}

// ProjectRepository reads projects and stores the post-evaluation summary.
type ProjectRepository interface {
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	UpdateProjectSummary(ctx context.Context, projectID string, summary domain.Value) error
}
