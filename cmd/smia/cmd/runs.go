package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/TNLegend/SMIA/pkg/api/client"
)

func (a *cli) newRunsCommand() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect a project's runs",
	}

	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := a.project()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			items, err := client.ListRuns(cmd.Context(), projectID, kind)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), items)
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "only list training or evaluation runs")

	var showLogs bool
	get := &cobra.Command{
		Use:   "get [run_id]",
		Short: "Show one run with its configuration and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := a.project()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			run, err := client.GetRun(cmd.Context(), projectID, args[0])
			if err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), run, showLogs)
			return nil
		},
	}
	get.Flags().BoolVar(&showLogs, "logs", false, "include the stored output")

	runs.AddCommand(list, get)
	return runs
}

func printRuns(w io.Writer, items []apiclient.Run) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No runs found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tCREATED\tDURATION")
	for _, run := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.Kind, run.Status, run.CreatedAt.Format(time.RFC3339), runDuration(run))
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, run apiclient.Run, withLogs bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Kind:\t%s\n", run.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", run.Status)
	if run.Reason != "" {
		fmt.Fprintf(tw, "Reason:\t%s\n", run.Reason)
	}
	if run.DatasetID != "" {
		fmt.Fprintf(tw, "Dataset:\t%s\n", run.DatasetID)
	}
	if run.ModelRunID != "" {
		fmt.Fprintf(tw, "Model run:\t%s\n", run.ModelRunID)
		fmt.Fprintf(tw, "Data config:\t%s\n", run.DataConfigID)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Duration:\t%s\n", runDuration(run))
	fmt.Fprintf(tw, "Config:\t%s\n", compactJSON(run.Config))
	fmt.Fprintf(tw, "Metrics:\t%s\n", compactJSON(run.Metrics))
	_ = tw.Flush()
	if withLogs && run.Logs != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, run.Logs)
	}
}

func runDuration(run apiclient.Run) string {
	if run.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if run.FinishedAt != nil {
		end = *run.FinishedAt
	}
	return end.Sub(*run.StartedAt).Round(time.Second).String()
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "-"
	}
	return string(raw)
}
