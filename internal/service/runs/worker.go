package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/runconfig"
	"github.com/TNLegend/SMIA/internal/sandbox"
	"github.com/TNLegend/SMIA/internal/service/artifacts"
	"github.com/TNLegend/SMIA/internal/storage"
)

const (
	persistAttempts = 3
	// referenceStats is the training data snapshot evaluation scripts use as
	// the drift baseline. It sits next to the staged code.
	referenceStats = "ref_stats.csv"
	dataConfigFile = "config_data.json"
)

var persistBackoff = 500 * time.Millisecond

// setupError is a failure detected before the sandbox is launched.
type setupError struct {
	msg string
}

func (e *setupError) Error() string { return e.msg }

func setupErrorf(format string, args ...any) error {
	return &setupError{msg: fmt.Sprintf(format, args...)}
}

// runLog accumulates a run's output and mirrors it to the live channel.
type runLog struct {
	mu      sync.Mutex
	lines   []string
	channel *broker.Channel
}

func (l *runLog) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	if l.channel != nil {
		l.channel.Publish(line)
	}
}

func (l *runLog) addf(format string, args ...any) {
	l.add(fmt.Sprintf(format, args...))
}

func (l *runLog) text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// plan is everything setup resolved for one sandbox launch.
type plan struct {
	spec     sandbox.Spec
	timeout  time.Duration
	expected string
	// trainRun is the evaluated training run, used for the project summary.
	trainRun *domain.Run
	dataCfg  *domain.DataConfig
}

// outcome is the terminal state the worker settled on.
type outcome struct {
	status    domain.RunStatus
	reason    string
	metrics   domain.Value
	artifacts []domain.Artifact
}

func failed(reason string) outcome {
	return outcome{status: domain.RunStatusFailed, reason: reason}
}

// execute drives one run from pending to a terminal state. Once the run is
// marked running every failure ends as a failed run record.
func (s *Service) execute(run domain.Run) {
	ctx := context.Background()
	logger := s.logger.With("run_id", run.ID, "project_id", run.ProjectID, "kind", run.Kind)
	log := &runLog{}

	started, err := s.markRunning(ctx, run, logger)
	if err != nil {
		return
	}
	run.Status = domain.RunStatusRunning
	run.StartedAt = &started
	s.metrics.start(run.Kind)
	s.publish(run)

	ch, err := s.broker.Register(run.ID)
	if err != nil {
		logger.Warn("live channel unavailable", "error", err)
	} else {
		log.channel = ch
	}

	result := failed("internal error")
	var p plan
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("run worker panicked", "panic", rec, "stack", string(debug.Stack()))
			log.addf("[error] internal error: %v", rec)
			result = failed("internal error")
		}
		s.finalize(ctx, run, log, result, started)
		if result.status == domain.RunStatusSucceeded && run.Kind == domain.RunKindEvaluation {
			s.propagate(ctx, run, p, result.metrics)
		}
	}()

	log.addf("Run %s (%s) started at %s", run.ID, run.Kind, started.Format(time.RFC3339))
	p, err = s.prepare(ctx, run, log)
	if err != nil {
		var setupErr *setupError
		if errors.As(err, &setupErr) {
			log.addf("[setup] %s", setupErr.msg)
			result = failed("setup: " + setupErr.msg)
		} else {
			logger.Error("run setup failed", "error", err)
			log.addf("[setup] %v", err)
			result = failed("setup error")
		}
		return
	}

	inv, err := sandbox.Build(p.spec, s.cfg.Limits)
	if err != nil {
		log.addf("[setup] %v", err)
		result = failed("setup: " + err.Error())
		return
	}
	log.addf("Sandbox CMD: docker %s", strings.Join(inv.Args(), " "))

	res := s.executor.Run(ctx, inv, p.timeout, log.add)
	switch res.Outcome {
	case sandbox.OutcomeTimedOut:
		log.addf("[timeout] run exceeded %s and was killed", p.timeout)
		result = failed("timeout")
		return
	case sandbox.OutcomeLaunchError:
		log.addf("[error] sandbox launch failed: %v", res.Err)
		result = failed("launch error")
		return
	}
	log.addf("Docker exited with code %d", res.ExitCode)
	if res.ExitCode != 0 {
		result = failed(fmt.Sprintf("exit code %d", res.ExitCode))
		return
	}

	result = s.collect(run, p, log)
}

// markRunning records the pending to running transition, retrying store
// errors. A run it cannot start stays pending until reconciliation fails it.
func (s *Service) markRunning(ctx context.Context, run domain.Run, logger *slog.Logger) (time.Time, error) {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		started := s.now().UTC()
		err = s.runs.MarkRunRunning(ctx, run.ID, started)
		if err == nil {
			return started, nil
		}
		if errors.Is(err, repository.ErrInvalidTransition) && attempt > 1 {
			// An earlier attempt may have been applied before its reply was lost.
			if current, getErr := s.runs.GetRun(ctx, run.ProjectID, run.ID); getErr == nil &&
				current.Status == domain.RunStatusRunning && current.StartedAt != nil {
				return current.StartedAt.UTC(), nil
			}
		}
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			logger.Error("mark run running failed", "error", err)
			return time.Time{}, err
		}
		logger.Warn("mark run running failed", "attempt", attempt, "error", err)
		if attempt < persistAttempts {
			time.Sleep(persistBackoff * time.Duration(attempt))
		}
	}
	logger.Error("run left pending", "error", err)
	return time.Time{}, err
}

// collect turns the files a clean exit left behind into the terminal outcome.
func (s *Service) collect(run domain.Run, p plan, log *runLog) outcome {
	resolution, err := s.resolver.Resolve(run.Kind, p.spec.OutputDir, p.expected)
	if err != nil {
		if errors.Is(err, artifacts.ErrResultMissing) {
			log.addf("[error] %v", err)
			return failed("result file missing")
		}
		log.addf("[error] resolve results: %v", err)
		return failed("result error")
	}

	now := s.now().UTC()
	toArtifact := func(f artifacts.File, metrics domain.Value) domain.Artifact {
		return domain.Artifact{
			ID:        s.newID(),
			ProjectID: run.ProjectID,
			RunID:     run.ID,
			Path:      f.Path,
			Format:    f.Format,
			SizeBytes: f.SizeBytes,
			Metrics:   metrics,
			CreatedAt: now,
		}
	}

	switch run.Kind {
	case domain.RunKindTraining:
		log.addf("Model artifact %s (%d bytes)", resolution.Result.Name, resolution.Result.SizeBytes)
		return outcome{
			status:    domain.RunStatusSucceeded,
			artifacts: []domain.Artifact{toArtifact(resolution.Result, domain.Null())},
		}
	default:
		data, err := os.ReadFile(resolution.Result.Path)
		if err != nil {
			log.addf("[error] read %s: %v", resolution.Result.Name, err)
			return failed("result error")
		}
		metrics, err := domain.ParseValue(data)
		if err != nil {
			log.addf("[error] %s is not valid JSON: %v", resolution.Result.Name, err)
			return failed("invalid metrics document")
		}
		if _, ok := metrics.AsMap(); !ok {
			log.addf("[error] %s must hold a JSON object, got %s", resolution.Result.Name, metrics.Kind())
			return failed("invalid metrics document")
		}
		found := []domain.Artifact{toArtifact(resolution.Result, metrics)}
		for _, plot := range resolution.Plots {
			found = append(found, toArtifact(plot, domain.Null()))
		}
		log.add("Evaluation finished, metrics collected.")
		return outcome{status: domain.RunStatusSucceeded, metrics: metrics, artifacts: found}
	}
}

// finalize writes the single terminal transition and tears down the live channel.
func (s *Service) finalize(ctx context.Context, run domain.Run, log *runLog, result outcome, started time.Time) {
	logger := s.logger.With("run_id", run.ID, "project_id", run.ProjectID, "kind", run.Kind)
	finished := s.now().UTC()
	if finished.Before(started) {
		finished = started
	}
	completion := domain.RunCompletion{
		RunID:      run.ID,
		Status:     result.status,
		Logs:       log.text(),
		Metrics:    result.metrics,
		Reason:     result.reason,
		FinishedAt: finished,
		Artifacts:  result.artifacts,
	}

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = s.runs.CompleteRun(ctx, completion); err == nil {
			break
		}
		logger.Warn("persist terminal run failed", "attempt", attempt, "error", err)
		if attempt < persistAttempts {
			time.Sleep(persistBackoff * time.Duration(attempt))
		}
	}
	s.broker.Deregister(run.ID)
	if err != nil {
		logger.Error("run left without terminal record", "status", result.status, "error", err)
		return
	}

	if run.Status == domain.RunStatusRunning {
		s.metrics.finish(run.Kind, result.status, finished.Sub(started))
	}
	run.Status = result.status
	run.Reason = result.reason
	run.FinishedAt = &finished
	s.publish(run)
	logger.Info("run finished", "status", result.status, "reason", result.reason, "artifacts", len(result.artifacts))
}

// prepare runs the setup checks and resolves the sandbox inputs.
func (s *Service) prepare(ctx context.Context, run domain.Run, log *runLog) (plan, error) {
	switch run.Kind {
	case domain.RunKindTraining:
		return s.prepareTraining(ctx, run, log)
	case domain.RunKindEvaluation:
		return s.prepareEvaluation(ctx, run, log)
	default:
		return plan{}, setupErrorf("unknown run kind %q", run.Kind)
	}
}

func (s *Service) prepareTraining(ctx context.Context, run domain.Run, log *runLog) (plan, error) {
	bundle := s.layout.ProjectDir(run.ProjectID)
	if err := requireFiles(bundle, sandbox.TrainingEntry, "requirements.txt", runconfig.FileName); err != nil {
		return plan{}, err
	}
	dataset, err := s.datasets.GetDataset(ctx, run.ProjectID, run.DatasetID)
	if err != nil {
		return plan{}, setupErrorf("dataset %s unavailable: %v", run.DatasetID, err)
	}
	if err := requireReadable(dataset.Path); err != nil {
		return plan{}, err
	}
	doc, err := mergeConfig(filepath.Join(bundle, runconfig.FileName), run.Config)
	if err != nil {
		return plan{}, err
	}

	ws, err := s.layout.PrepareRun(run.ProjectID, run.ID)
	if err != nil {
		return plan{}, setupErrorf("%v", err)
	}
	if err := doc.Save(filepath.Join(ws.CodeDir, runconfig.FileName)); err != nil {
		return plan{}, setupErrorf("%v", err)
	}
	log.addf("Config written (target=%s, task=%s)", doc.Target(), doc.Task())
	s.snapshotReference(dataset.Path, ws.CodeDir, log)
	if err := requireWritable(ws.OutputDir); err != nil {
		return plan{}, err
	}

	return plan{
		spec: sandbox.Spec{
			RunID:     run.ID,
			ProjectID: run.ProjectID,
			Kind:      run.Kind,
			Image:     s.cfg.Image,
			CodeDir:   ws.CodeDir,
			DataFile:  dataset.Path,
			OutputDir: ws.OutputDir,
		},
		timeout:  s.cfg.TrainingTimeout,
		expected: doc.ExpectedArtifact(),
	}, nil
}

func (s *Service) prepareEvaluation(ctx context.Context, run domain.Run, log *runLog) (plan, error) {
	model, err := s.artifacts.LatestArtifactForRun(ctx, run.ModelRunID)
	if err != nil {
		return plan{}, setupErrorf("Artifact missing for model run %s", run.ModelRunID)
	}
	if _, err := os.Stat(model.Path); err != nil {
		return plan{}, setupErrorf("Artifact missing: %s", model.Path)
	}
	modelDir := filepath.Dir(model.Path)
	if err := storage.Contains(s.layout.ProjectDir(run.ProjectID), modelDir); err != nil {
		return plan{}, setupErrorf("model artifact %s lies outside the project directory", model.ID)
	}
	bundle := s.layout.ProjectDir(run.ProjectID)
	if err := requireFiles(bundle, sandbox.EvaluationEntry, "requirements.txt", runconfig.FileName); err != nil {
		return plan{}, err
	}

	dataCfg, err := s.datasets.GetDataConfig(ctx, run.ProjectID, run.DataConfigID)
	if err != nil {
		return plan{}, setupErrorf("data config %s unavailable: %v", run.DataConfigID, err)
	}
	dataset, err := s.datasets.GetDataset(ctx, run.ProjectID, dataCfg.TestDatasetID)
	if err != nil {
		return plan{}, setupErrorf("test dataset %s unavailable: %v", dataCfg.TestDatasetID, err)
	}
	if err := requireReadable(dataset.Path); err != nil {
		return plan{}, err
	}

	ws, err := s.layout.PrepareRun(run.ProjectID, run.ID)
	if err != nil {
		return plan{}, setupErrorf("%v", err)
	}
	// The model run's merged config and drift baseline replace the bundle defaults.
	trainCode := s.layout.RunCodeDir(run.ProjectID, run.ModelRunID)
	if err := carryOver(trainCode, ws.CodeDir, runconfig.FileName); err != nil {
		return plan{}, setupErrorf("stage %s: %v", runconfig.FileName, err)
	}
	if err := carryOver(trainCode, ws.CodeDir, referenceStats); err != nil {
		log.addf("[warning] %s unavailable, drift is skipped: %v", referenceStats, err)
	}
	if err := writeDataConfig(ws.CodeDir, dataCfg); err != nil {
		return plan{}, err
	}
	log.add("Config data dumped to " + dataConfigFile)
	if err := requireWritable(ws.OutputDir); err != nil {
		return plan{}, err
	}

	trainRun, err := s.runs.GetRun(ctx, run.ProjectID, run.ModelRunID)
	if err != nil {
		trainRun = nil
	}
	return plan{
		spec: sandbox.Spec{
			RunID:     run.ID,
			ProjectID: run.ProjectID,
			Kind:      run.Kind,
			Image:     s.cfg.Image,
			CodeDir:   ws.CodeDir,
			DataFile:  dataset.Path,
			OutputDir: ws.OutputDir,
			ModelDir:  modelDir,
			ModelFile: filepath.Base(model.Path),
		},
		timeout:  s.cfg.EvaluationTimeout,
		trainRun: trainRun,
		dataCfg:  dataCfg,
	}, nil
}

// mergeConfig applies the request overrides to the bundle's config.yaml and
// validates the result. The bundle file itself is never modified.
func mergeConfig(path string, overrides domain.Value) (runconfig.Document, error) {
	doc, err := runconfig.Load(path)
	if err != nil {
		return runconfig.Document{}, setupErrorf("%v", err)
	}
	doc, err = doc.Merge(overrides)
	if err != nil {
		return runconfig.Document{}, setupErrorf("%v", err)
	}
	if err := doc.Validate(); err != nil {
		return runconfig.Document{}, setupErrorf("%v", err)
	}
	return doc, nil
}

// snapshotReference copies the training data next to the staged code. A
// failed snapshot is logged and the run goes on without it.
func (s *Service) snapshotReference(dataPath, codeDir string, log *runLog) {
	if err := storage.CopyFile(dataPath, filepath.Join(codeDir, referenceStats)); err != nil {
		s.logger.Warn("reference snapshot failed", "error", err)
		log.addf("[warning] %s snapshot failed: %v", referenceStats, err)
		return
	}
	log.addf("Snapshot %s created", referenceStats)
}

// carryOver copies name from a training run's staged code when it exists.
func carryOver(fromDir, toDir, name string) error {
	src := filepath.Join(fromDir, name)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) && name == runconfig.FileName {
			return nil
		}
		return err
	}
	return storage.CopyFile(src, filepath.Join(toDir, name))
}

func writeDataConfig(codeDir string, cfg *domain.DataConfig) error {
	payload := struct {
		Features       []string `json:"features"`
		SensitiveAttrs []string `json:"sensitive_attrs"`
	}{Features: cfg.Features, SensitiveAttrs: cfg.SensitiveAttrs}
	if payload.Features == nil {
		payload.Features = []string{}
	}
	if payload.SensitiveAttrs == nil {
		payload.SensitiveAttrs = []string{}
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(codeDir, dataConfigFile), data, 0o644); err != nil {
		return setupErrorf("write %s: %v", dataConfigFile, err)
	}
	return nil
}

func requireFiles(dir string, names ...string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return setupErrorf("code bundle directory %s not found", dir)
	}
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			return setupErrorf("code bundle is missing %s", name)
		}
	}
	return nil
}

func requireReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return setupErrorf("data file not found: %s", path)
		}
		return setupErrorf("data file not readable: %s: %v", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return setupErrorf("data file is not a regular file: %s", path)
	}
	return nil
}

func requireWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return setupErrorf("output directory not writable: %s: %v", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}
