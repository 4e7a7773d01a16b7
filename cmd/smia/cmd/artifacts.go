package cmd

import (
	"fmt"
	"os"
	"path"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func (a *cli) newArtifactsCommand() *cobra.Command {
	artifacts := &cobra.Command{
		Use:   "artifacts",
		Short: "List and download run artifacts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List a project's artifacts",
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
			items, err := client.ListArtifacts(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "No artifacts found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRUN\tFORMAT\tSIZE\tPATH")
			for _, item := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.RunID, item.Format, units.HumanSize(float64(item.SizeBytes)), item.Path)
			}
			return tw.Flush()
		},
	}

	var output string
	download := &cobra.Command{
		Use:     "download [artifact_id]",
		Short:   "Download an artifact to a local file",
		Example: `  smia artifacts download -p 7 3f9a -o model.pt`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := a.project()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			dst := output
			if dst == "" {
				dst = path.Base(args[0])
			}
			f, err := os.Create(dst)
			if err != nil {
				return fmt.Errorf("create %s: %w", dst, err)
			}
			n, err := client.DownloadArtifact(cmd.Context(), projectID, args[0], f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(dst)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", dst, units.HumanSize(float64(n)))
			return nil
		},
	}
	download.Flags().StringVarP(&output, "output", "o", "", "destination file (default: artifact ID)")

	artifacts.AddCommand(list, download)
	return artifacts
}
