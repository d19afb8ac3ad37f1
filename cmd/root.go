// Package cmd defines the CLI of the listing crawler: a long-running control
// API (serve) and a one-shot crawl of a single catalog (crawl).
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/app"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/logging"
)

// runtimeKeyType is the key for storing the runtime in the command context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what the root command hands to its subcommands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	app    *app.App
}

// newApp is the application factory. Tests replace it to control the
// Prometheus registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.Build(ctx, cfg, app.Options{Logger: logger})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "listing-crawler",
		Short: "Bulk crawler for item listings behind a catalog page.",
		Long: `listing-crawler discovers every item link a catalog page reveals,
skips items already stored, and extracts the rest one at a time at a polite
pace. Jobs can be paused, resumed, stopped and retried through the HTTP API.`,
		SilenceUsage: true,

		// Builds the application once config is known and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewWithLevel(cfg.Logging.Development, logLevel)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{
				cfg:    cfg,
				logger: logger,
				app:    a,
			}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("application services not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
