package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kiranshivaraju/strift/pkg/models"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		kind string
		user string
	)
	cmd := &cobra.Command{
		Use:   "watch JOB_ID --kind KIND",
		Short: "Follow a submitted job until it finishes",
		Long: `Poll a job until it completes or fails, printing every state change.
Watching a job that gave up polling or was interrupted starts polling again.

Examples:
  strift watch 7f3c... --kind train
  strift watch 91ab... --kind vton --user u_123`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := models.ParseJobKind(strings.ToLower(kind))
			if err != nil {
				return err
			}
			handle := models.JobHandle{ID: args[0], Kind: k, UserID: user, CreatedAt: time.Now().UTC()}
			return a.watch(cmd.Context(), cmd.OutOrStdout(), handle)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "job kind: train, infer or vton (required)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "Strift user ID the job belongs to")
	cmd.MarkFlagRequired("kind")
	return cmd
}

// watch follows handle until it reaches a terminal state or ctx ends. A failed
// job is returned as an error so the process exits non-zero.
func (a *app) watch(ctx context.Context, out io.Writer, handle models.JobHandle) error {
	t, err := a.registry.TrackOrAttach(ctx, handle)
	if err != nil {
		return err
	}

	updates := make(chan models.JobState, 8)
	unsubscribe := t.Subscribe(func(st models.JobState) {
		select {
		case updates <- st:
		case <-ctx.Done():
		}
	})
	defer unsubscribe()

	st := t.CurrentState()
	printState(out, st)
	for !st.Terminal() {
		select {
		case next := <-updates:
			if next.Equal(st) {
				continue
			}
			st = next
			printState(out, st)
		case <-ctx.Done():
			fmt.Fprintf(out, "Stopped watching. Resume with: strift watch %s --kind %s\n", handle.ID, handle.Kind)
			return ctx.Err()
		}
	}

	if st.Failure != nil {
		return fmt.Errorf("job %s failed: %w", handle.ID, st.Failure)
	}
	return nil
}

func printState(out io.Writer, st models.JobState) {
	ts := st.UpdatedAt.Local().Format("15:04:05")
	switch {
	case st.Status == models.JobStatusComplete && st.Result != nil && st.Result.OutputURL != "":
		fmt.Fprintf(out, "%s  complete  %s\n", ts, st.Result.OutputURL)
	case st.Status == models.JobStatusComplete && st.Result != nil:
		fmt.Fprintf(out, "%s  complete  %d image(s)\n", ts, len(st.Result.Images))
		for _, u := range st.Result.Images {
			fmt.Fprintf(out, "          %s\n", u)
		}
	case st.Failure != nil:
		fmt.Fprintf(out, "%s  failed    %s\n", ts, st.Failure.Error())
	case st.Progress != "":
		fmt.Fprintf(out, "%s  %-8s  %s\n", ts, st.Status, st.Progress)
	default:
		fmt.Fprintf(out, "%s  %s\n", ts, st.Status)
	}
}
