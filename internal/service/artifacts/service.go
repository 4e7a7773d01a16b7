package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/storage"
)

// ErrForbidden indicates an artifact path resolves outside its project's directory.
var ErrForbidden = errors.New("artifact outside project storage")

// Service serves artifact metadata and file contents.
type Service struct {
	artifacts repository.ArtifactRepository
	layout    *storage.Layout
	logger    *slog.Logger
}

// NewService constructs the artifact service.
func NewService(artifacts repository.ArtifactRepository, layout *storage.Layout, logger *slog.Logger) Service {
	return Service{artifacts: artifacts, layout: layout, logger: logger.With("component", "artifacts")}
}

// List returns the artifacts of a project.
func (s Service) List(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	return s.artifacts.ListArtifactsByProject(ctx, projectID)
}

// Open returns the artifact file for reading. The caller closes it.
func (s Service) Open(ctx context.Context, projectID, artifactID string) (*os.File, *domain.Artifact, error) {
	artifact, err := s.artifacts.GetArtifact(ctx, projectID, artifactID)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Contains(s.layout.ProjectDir(projectID), artifact.Path); err != nil {
		s.logger.Warn("artifact path rejected", "project_id", projectID, "artifact_id", artifactID, "path", artifact.Path)
		return nil, nil, fmt.Errorf("%w: %s", ErrForbidden, artifactID)
	}
	f, err := os.Open(artifact.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("artifact file %s: %w", artifactID, repository.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("artifact %s is not a regular file: %w", artifactID, repository.ErrNotFound)
	}
	return f, artifact, nil
}
