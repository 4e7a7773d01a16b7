package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/TNLegend/SMIA/pkg/api/client"
)

var pendingPoll = time.Second

func (a *cli) newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs [run_id]",
		Short: "Follow the live output of a run",
		Long: `Streams a running job's output until it finishes. Finished runs are printed
from their stored logs instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := a.project()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			return followRun(cmd, client, projectID, args[0])
		},
	}
}

// followRun prints live lines until the run ends and reports a failed run as
// an error. A run that already finished, or finished between submit and
// connect, is printed from its stored record.
func followRun(cmd *cobra.Command, client *apiclient.Client, projectID, runID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var (
		status string
		err    error
		apiErr apiclient.APIError
	)
	for {
		status, err = client.StreamLogs(ctx, projectID, runID, func(line string) {
			fmt.Fprintln(out, line)
		})
		if !errors.As(err, &apiErr) || apiErr.Message != "run not started" {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pendingPoll):
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return nil
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound && apiErr.Message == "run finished",
		errors.Is(err, apiclient.ErrStreamEnded):
		run, getErr := client.GetRun(context.WithoutCancel(ctx), projectID, runID)
		if getErr != nil {
			return getErr
		}
		fmt.Fprint(out, run.Logs)
		status = run.Status
	default:
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Run %s %s\n", runID, status)
	if status == "failed" {
		return errRunFailed
	}
	return nil
}
