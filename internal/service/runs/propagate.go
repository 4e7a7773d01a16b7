package runs

import (
	"context"
	"math"

	"github.com/TNLegend/SMIA/internal/domain"
)

const defaultFramework = "PyTorch"

// propagate copies headline evaluation metrics onto the project summary.
// Failures are logged and never change the run's status.
func (s *Service) propagate(ctx context.Context, run domain.Run, p plan, metrics domain.Value) {
	logger := s.logger.With("run_id", run.ID, "project_id", run.ProjectID)
	summary := projectSummary(metrics, p.dataCfg, p.trainRun)
	if err := s.projects.UpdateProjectSummary(ctx, run.ProjectID, summary); err != nil {
		logger.Warn("project summary update failed", "error", err)
		return
	}
	logger.Debug("project summary updated")
}

// projectSummary builds the project-level view of an evaluation.
func projectSummary(metrics domain.Value, dataCfg *domain.DataConfig, trainRun *domain.Run) domain.Value {
	task := domain.String("unknown")
	if v, ok := metrics.Get("task"); ok {
		if _, isString := v.AsString(); isString {
			task = v
		}
	}
	model := domain.Null()
	if v, ok := metrics.Get("model_name"); ok {
		model = v
	}
	framework := domain.String(defaultFramework)
	if v, ok := metrics.Get("framework"); ok {
		if _, isString := v.AsString(); isString {
			framework = v
		}
	}

	featuresCount := 0
	if dataCfg != nil {
		featuresCount = len(dataCfg.Features)
	}
	trainingTime := 0.0
	if trainRun != nil && trainRun.StartedAt != nil && trainRun.FinishedAt != nil {
		trainingTime = trainRun.FinishedAt.Sub(*trainRun.StartedAt).Seconds()
	}

	return domain.Map(map[string]domain.Value{
		"type":           task,
		"model":          model,
		"framework":      framework,
		"dataset_size":   domain.Int(int64(numberField(metrics, "dataset_size"))),
		"features_count": domain.Int(int64(featuresCount)),
		"accuracy":       floatValue(numberField(metrics, "accuracy")),
		"r2":             floatValue(numberField(metrics, "r2")),
		"training_time":  floatValue(trainingTime),
	})
}

func numberField(metrics domain.Value, key string) float64 {
	v, ok := metrics.Get(key)
	if !ok {
		return 0
	}
	f, ok := v.Float64()
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func floatValue(f float64) domain.Value {
	v, err := domain.FromAny(f)
	if err != nil {
		return domain.Int(0)
	}
	return v
}
