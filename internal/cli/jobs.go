package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newJobsCmd(a *app) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "jobs --user USER",
		Short: "List a user's jobs as the worker reports them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.client.ListUserJobs(cmd.Context(), user)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tKIND\tSTATUS\tPROGRESS")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Status, j.Progress)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "Strift user ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}
