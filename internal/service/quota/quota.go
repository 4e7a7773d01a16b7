package quota

import (
	"context"
	"errors"
	"fmt"
)

// DefaultLimit is the per-project run ceiling used when none is configured.
const DefaultLimit = 10

// ErrQuotaExceeded indicates the project already holds its maximum number of runs.
var ErrQuotaExceeded = errors.New("run quota exceeded")

// Counter reports how many run records a project holds.
type Counter interface {
	CountRunsByProject(ctx context.Context, projectID string) (int, error)
}

// Guard admits new runs while a project stays under its ceiling.
type Guard struct {
	runs  Counter
	limit int
}

// New returns a guard enforcing limit runs per project.
func New(runs Counter, limit int) Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return Guard{runs: runs, limit: limit}
}

// Limit returns the configured ceiling.
func (g Guard) Limit() int {
	return g.limit
}

// Admit returns ErrQuotaExceeded when the project is at or over its ceiling.
// It never writes.
func (g Guard) Admit(ctx context.Context, projectID string) error {
	count, err := g.runs.CountRunsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("count runs: %w", err)
	}
	if count >= g.limit {
		return fmt.Errorf("%w: project %s has %d of %d runs", ErrQuotaExceeded, projectID, count, g.limit)
	}
	return nil
}
