package runs

import (
	"context"
	"errors"
	"fmt"

	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
)

const interruptedLine = "[interrupted] supervisor restarted before completion"

// Reconcile fails every run a previous process left pending or running.
// Live channels do not survive a restart, so nothing can finish those runs.
// It must run before the service accepts submissions.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	stale, err := s.runs.ListRunsByStatus(ctx, domain.RunStatusPending, domain.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}
	reconciled := 0
	for _, run := range stale {
		finished := s.now().UTC()
		if run.StartedAt != nil && finished.Before(*run.StartedAt) {
			finished = *run.StartedAt
		}
		logs := interruptedLine
		if run.Logs != "" {
			logs = run.Logs + "\n" + interruptedLine
		}
		err := s.runs.CompleteRun(ctx, domain.RunCompletion{
			RunID:      run.ID,
			Status:     domain.RunStatusFailed,
			Logs:       logs,
			Reason:     "interrupted",
			FinishedAt: finished,
		})
		if err != nil {
			if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return reconciled, fmt.Errorf("fail run %s: %w", run.ID, err)
		}
		reconciled++
		run.Status = domain.RunStatusFailed
		run.Reason = "interrupted"
		s.publish(run)
		s.logger.Warn("interrupted run failed", "run_id", run.ID, "project_id", run.ProjectID, "kind", run.Kind)
	}
	return reconciled, nil
}
