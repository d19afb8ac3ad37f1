package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the job control API",
		Long: `Starts the HTTP API on server.port. Jobs are started with
POST /v1/jobs and controlled under /v1/jobs/{job_id}. SIGINT or SIGTERM stops
active jobs, flushes progress sinks and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return rt.app.Serve(ctx)
		},
	}
}
