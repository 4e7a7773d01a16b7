package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/sandbox"
	"github.com/TNLegend/SMIA/internal/service/artifacts"
	"github.com/TNLegend/SMIA/internal/service/quota"
	"github.com/TNLegend/SMIA/internal/storage"
)

var (
	// ErrInvalidReference indicates a submission names a record that does not
	// exist in the project or is not usable for the requested run.
	ErrInvalidReference = errors.New("invalid run reference")
	// ErrInvalidRequest indicates a malformed submission.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrRunFinished indicates a live stream was requested for a run that already ended.
	ErrRunFinished = errors.New("run finished")
	// ErrRunPending indicates the run exists but its worker has not started streaming.
	ErrRunPending = errors.New("run not started")
)

// Executor runs sandbox invocations. *sandbox.Executor satisfies it.
type Executor interface {
	Run(ctx context.Context, inv sandbox.Invocation, timeout time.Duration, sink func(string)) sandbox.Result
}

// Events receives run status changes. *ws.Hub satisfies it.
type Events interface {
	PublishRun(run domain.Run, at time.Time)
}

// Config holds the sandbox parameters shared by every run.
type Config struct {
	Image             string
	Limits            sandbox.Limits
	TrainingTimeout   time.Duration
	EvaluationTimeout time.Duration
}

// Dependencies groups the collaborators of the run service.
type Dependencies struct {
	Runs      repository.RunRepository
	Artifacts repository.ArtifactRepository
	Datasets  repository.DatasetRepository
	Projects  repository.ProjectRepository
	Quota     quota.Guard
	Executor  Executor
	Broker    *broker.Registry
	Layout    *storage.Layout
	Resolver  artifacts.Resolver
	Events    Events
	Metrics   *Metrics
}

// TrainingRequest submits a training run.
type TrainingRequest struct {
	ProjectID string
	DatasetID string
	// Config overrides keys of the bundle's config.yaml. Null or an object.
	Config domain.Value
}

// EvaluationRequest submits an evaluation of a succeeded training run.
type EvaluationRequest struct {
	ProjectID    string
	ModelRunID   string
	DataConfigID string
}

// Service is the lifecycle controller for training and evaluation runs.
type Service struct {
	runs      repository.RunRepository
	artifacts repository.ArtifactRepository
	datasets  repository.DatasetRepository
	projects  repository.ProjectRepository
	quota     quota.Guard
	executor  Executor
	broker    *broker.Registry
	layout    *storage.Layout
	resolver  artifacts.Resolver
	events    Events
	metrics   *Metrics
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
	wg    sync.WaitGroup
}

// New returns a run service.
func New(deps Dependencies, cfg Config, logger *slog.Logger) *Service {
	if cfg.TrainingTimeout <= 0 {
		cfg.TrainingTimeout = 60 * time.Minute
	}
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 30 * time.Minute
	}
	if deps.Broker == nil {
		deps.Broker = broker.NewRegistry()
	}
	return &Service{
		runs:      deps.Runs,
		artifacts: deps.Artifacts,
		datasets:  deps.Datasets,
		projects:  deps.Projects,
		quota:     deps.Quota,
		executor:  deps.Executor,
		broker:    deps.Broker,
		layout:    deps.Layout,
		resolver:  deps.Resolver,
		events:    deps.Events,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With("component", "runs"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SubmitTraining admits a training run and starts it in the background.
func (s *Service) SubmitTraining(ctx context.Context, req TrainingRequest) (*domain.Run, error) {
	if strings.TrimSpace(req.DatasetID) == "" {
		s.metrics.reject("invalid_request")
		return nil, fmt.Errorf("%w: dataset_id is required", ErrInvalidRequest)
	}
	if !req.Config.IsNull() {
		if _, ok := req.Config.AsMap(); !ok {
			s.metrics.reject("invalid_request")
			return nil, fmt.Errorf("%w: config must be an object", ErrInvalidRequest)
		}
	}
	if err := s.requireProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	if _, err := s.datasets.GetDataset(ctx, req.ProjectID, req.DatasetID); err != nil {
		return nil, s.referenceError(err, "dataset %s", req.DatasetID)
	}
	run := &domain.Run{
		ID:        s.newID(),
		ProjectID: req.ProjectID,
		Kind:      domain.RunKindTraining,
		DatasetID: req.DatasetID,
		Config:    req.Config,
	}
	return s.admit(ctx, run)
}

// SubmitEvaluation admits an evaluation run and starts it in the background.
func (s *Service) SubmitEvaluation(ctx context.Context, req EvaluationRequest) (*domain.Run, error) {
	if strings.TrimSpace(req.ModelRunID) == "" || strings.TrimSpace(req.DataConfigID) == "" {
		s.metrics.reject("invalid_request")
		return nil, fmt.Errorf("%w: model_run_id and data_config_id are required", ErrInvalidRequest)
	}
	if err := s.requireProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}
	model, err := s.runs.GetRun(ctx, req.ProjectID, req.ModelRunID)
	if err != nil {
		return nil, s.referenceError(err, "model run %s", req.ModelRunID)
	}
	if model.Kind != domain.RunKindTraining || model.Status != domain.RunStatusSucceeded {
		s.metrics.reject("invalid_reference")
		return nil, fmt.Errorf("%w: model run %s is a %s run in status %s", ErrInvalidReference, model.ID, model.Kind, model.Status)
	}
	dataCfg, err := s.datasets.GetDataConfig(ctx, req.ProjectID, req.DataConfigID)
	if err != nil {
		return nil, s.referenceError(err, "data config %s", req.DataConfigID)
	}
	run := &domain.Run{
		ID:           s.newID(),
		ProjectID:    req.ProjectID,
		Kind:         domain.RunKindEvaluation,
		DatasetID:    dataCfg.TestDatasetID,
		DataConfigID: dataCfg.ID,
		ModelRunID:   model.ID,
	}
	return s.admit(ctx, run)
}

func (s *Service) requireProject(ctx context.Context, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		s.metrics.reject("invalid_request")
		return fmt.Errorf("%w: project id required", ErrInvalidRequest)
	}
	if _, err := s.projects.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.reject("unknown_project")
		}
		return err
	}
	return nil
}

func (s *Service) referenceError(err error, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.reject("invalid_reference")
		return fmt.Errorf("%w: %s not found in project", ErrInvalidReference, fmt.Sprintf(format, args...))
	}
	return err
}

// admit checks the quota, creates the pending record and schedules the worker.
func (s *Service) admit(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	if err := s.quota.Admit(ctx, run.ProjectID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			s.metrics.reject("quota")
			s.logger.Info("run rejected", "project_id", run.ProjectID, "kind", run.Kind, "reason", err.Error())
		}
		return nil, err
	}
	run.Status = domain.RunStatusPending
	run.CreatedAt = s.now().UTC()
	if err := s.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			s.metrics.reject("invalid_reference")
			return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		return nil, err
	}
	s.metrics.submit(run.Kind)
	s.publish(*run)
	s.logger.Info("run submitted", "run_id", run.ID, "project_id", run.ProjectID, "kind", run.Kind)

	snapshot := *run
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(snapshot)
	}()
	return run, nil
}

// Wait blocks until every background run started by this service has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Get returns a persisted run.
func (s *Service) Get(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	return s.runs.GetRun(ctx, projectID, runID)
}

// List returns the runs of a project. An empty kind lists both kinds.
func (s *Service) List(ctx context.Context, projectID string, kind domain.RunKind) ([]domain.Run, error) {
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}
	return s.runs.ListRuns(ctx, projectID, kind)
}

// Stream attaches to a run's live output. It returns broker.ErrNotFound for
// an unknown run and ErrRunFinished (with the persisted record) once the run ended.
func (s *Service) Stream(ctx context.Context, projectID, runID string) (*broker.Subscription, *domain.Run, error) {
	run, err := s.runs.GetRun(ctx, projectID, runID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, broker.ErrNotFound
		}
		return nil, nil, err
	}
	ch, ok := s.broker.Lookup(runID)
	if ok {
		return ch.Subscribe(), run, nil
	}
	if !run.Status.Terminal() {
		// The channel may have been torn down between the two reads.
		if latest, err := s.runs.GetRun(ctx, projectID, runID); err == nil {
			run = latest
		}
	}
	switch run.Status {
	case domain.RunStatusSucceeded, domain.RunStatusFailed:
		return nil, run, ErrRunFinished
	case domain.RunStatusPending:
		return nil, run, ErrRunPending
	default:
		// Running under a process that holds no channel for it here.
		return nil, run, broker.ErrNotFound
	}
}

func (s *Service) publish(run domain.Run) {
	if s.events == nil {
		return
	}
	s.events.PublishRun(run, s.now())
}
