package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/orchestrator"
)

type crawlOptions struct {
	catalogURL string
	maxItems   int
	retries    int
}

// crawlSummary is printed to stdout when the crawl ends.
type crawlSummary struct {
	JobID            string                   `json:"job_id"`
	CatalogURL       string                   `json:"catalog_url"`
	State            crawler.JobState         `json:"state"`
	Passes           int                      `json:"passes"`
	DiscoveryOutcome crawler.DiscoveryOutcome `json:"discovery_outcome"`
	Discovered       int                      `json:"discovered"`
	Skipped          int                      `json:"skipped"`
	Deferred         int                      `json:"deferred"`
	Processed        int                      `json:"processed"`
	Succeeded        int                      `json:"succeeded"`
	Failed           int                      `json:"failed"`
	FailureQueue     []crawler.CandidateRef   `json:"failure_queue"`
	Elapsed          string                   `json:"elapsed"`
}

// newCrawlCmd creates the 'crawl' subcommand, which runs one job in the
// foreground and prints its summary.
func newCrawlCmd() *cobra.Command {
	var opts crawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one catalog and exits",
		Long: `Runs a single job against --catalog using the configured revealer,
extractor and store. SIGINT stops the job after the current item; the partial
summary is still printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			jobCfg := rt.cfg.JobDefaults()
			jobCfg.CatalogURL = opts.catalogURL
			if cmd.Flags().Changed("max-items") {
				jobCfg.MaxItems = opts.maxItems
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runErr := runCrawl(ctx, rt.app.Manager(), jobCfg, opts.retries, cmd.OutOrStdout(), rt.logger)

			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := rt.app.Close(closeCtx); err != nil {
				rt.logger.Warn("shutdown incomplete", zap.Error(err))
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&opts.catalogURL, "catalog", "", "catalog page URL")
	cmd.Flags().IntVar(&opts.maxItems, "max-items", 0, "cap on items extracted this run; 0 means no cap")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "retry passes over failed items after the first pass")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}

// jobRunner is the part of orchestrator.Manager the crawl command drives.
type jobRunner interface {
	Start(ctx context.Context, cfg crawler.JobConfig) (crawler.JobRunSnapshot, error)
	Get(jobID string) (crawler.JobRunSnapshot, error)
	Stop(jobID string) error
	Retry(jobID string) error
	Wait(ctx context.Context, jobID string) error
}

var _ jobRunner = (*orchestrator.Manager)(nil)

func runCrawl(
	ctx context.Context,
	jobs jobRunner,
	cfg crawler.JobConfig,
	retries int,
	out io.Writer,
	logger *zap.Logger,
) error {
	started := time.Now()
	snap, err := jobs.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	jobID := snap.JobID

	// Cancellation only stops the job; waiting continues until the loop exits.
	waitCtx := context.WithoutCancel(ctx)
	stopOnCancel := context.AfterFunc(ctx, func() {
		logger.Info("interrupt received, stopping job", zap.String("job_id", jobID))
		if err := jobs.Stop(jobID); err != nil {
			logger.Warn("stop job", zap.Error(err))
		}
	})
	defer stopOnCancel()

	if err := jobs.Wait(waitCtx, jobID); err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}
	for pass := 0; pass < retries && ctx.Err() == nil; pass++ {
		current, err := jobs.Get(jobID)
		if err != nil {
			return err
		}
		if current.State != crawler.StateCompleted || len(current.FailureQueue) == 0 {
			break
		}
		logger.Info("retrying failed items",
			zap.String("job_id", jobID),
			zap.Int("failed", len(current.FailureQueue)),
			zap.Int("pass", current.Pass+1),
		)
		if err := jobs.Retry(jobID); err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		if err := jobs.Wait(waitCtx, jobID); err != nil {
			return fmt.Errorf("wait for retry: %w", err)
		}
	}

	final, err := jobs.Get(jobID)
	if err != nil {
		return err
	}
	return writeSummary(out, final, time.Since(started))
}

func writeSummary(out io.Writer, snap crawler.JobRunSnapshot, elapsed time.Duration) error {
	failures := snap.FailureQueue
	if failures == nil {
		failures = []crawler.CandidateRef{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(crawlSummary{
		JobID:            snap.JobID,
		CatalogURL:       snap.CatalogURL,
		State:            snap.State,
		Passes:           snap.Pass + 1,
		DiscoveryOutcome: snap.DiscoveryOutcome,
		Discovered:       snap.DiscoveredCount,
		Skipped:          snap.SkippedCount,
		Deferred:         snap.DeferredCount,
		Processed:        snap.ProcessedCount,
		Succeeded:        snap.SucceededCount,
		Failed:           snap.FailedCount,
		FailureQueue:     failures,
		Elapsed:          elapsed.Round(time.Millisecond).String(),
	})
}
