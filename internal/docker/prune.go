package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/filters"

	"github.com/TNLegend/SMIA/internal/sandbox"
)

// PruneReport summarises a sandbox container sweep.
type PruneReport struct {
	Removed        int
	SpaceReclaimed uint64
}

// PruneSandboxes removes stopped sandbox containers older than the given age.
// Only containers labelled as runs are touched.
func (c *Client) PruneSandboxes(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	if c == nil || c.inner == nil {
		return PruneReport{}, fmt.Errorf("docker client not initialized")
	}
	args := filters.NewArgs(filters.Arg("label", sandbox.LabelRun))
	if olderThan > 0 {
		args.Add("until", olderThan.String())
	}
	report, err := c.inner.ContainersPrune(ctx, args)
	if err != nil {
		return PruneReport{}, fmt.Errorf("prune containers: %w", err)
	}
	return PruneReport{Removed: len(report.ContainersDeleted), SpaceReclaimed: report.SpaceReclaimed}, nil
}
