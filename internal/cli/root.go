// Package cli provides the strift command-line client. It talks to the worker
// directly and follows jobs with an in-process registry.
package cli

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/strift/internal/config"
	"github.com/kiranshivaraju/strift/internal/registry"
	"github.com/kiranshivaraju/strift/internal/upload"
	"github.com/kiranshivaraju/strift/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// app is what every command shares once the root command has loaded config.
type app struct {
	verbose bool

	cfg       *config.ClientConfig
	client    worker.Client
	submitter *upload.Submitter
	registry  *registry.Registry
	closeLog  func() error
}

// NewRootCmd builds the strift command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "strift",
		Short: "Submit and follow Strift generation jobs",
		Long: `strift submits training, inference and try-on jobs to the Strift worker
and follows them until they finish.

The worker is configured with WORKER_BASE_URL (and WORKER_API_KEY if the
worker requires one). Polling is tuned with POLL_INTERVAL, POLL_MAX_BACKOFF,
POLL_TIMEOUT and POLL_MAX_FAILURES.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log polling activity to stderr")

	root.AddCommand(newTrainCmd(a))
	root.AddCommand(newInferCmd(a))
	root.AddCommand(newVTONCmd(a))
	root.AddCommand(newWatchCmd(a))
	root.AddCommand(newJobsCmd(a))
	return root
}

// Execute runs the command tree with ctx, which cancels watches on interrupt.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Level = slog.LevelDebug
	}

	logger, closeLog := config.SetupLogger(cmd.ErrOrStderr(), cfg.Log, true)
	slog.SetDefault(logger)

	client := worker.NewHTTPClient(worker.Options{
		BaseURL:       cfg.Worker.BaseURL,
		APIKey:        cfg.Worker.APIKey,
		UploadTimeout: cfg.Worker.UploadTimeout,
	})

	a.cfg = cfg
	a.client = client
	a.submitter = upload.NewSubmitter(client)
	a.registry = registry.New(client, registry.WithTrackerConfig(cfg.Polling.TrackerConfig()))
	a.closeLog = closeLog
	return nil
}
