// Package discovery accumulates candidate references from a Revealer until the
// visible set stops growing or a round cap is hit.
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Result is the outcome of one discovery run.
type Result struct {
	// Refs holds every distinct ref seen, in first-seen order.
	Refs []crawler.CandidateRef
	// Rounds counts completed Advance+settle cycles.
	Rounds int
	// Snapshots counts Snapshot calls.
	Snapshots int
	Outcome   crawler.DiscoveryOutcome
}

// Observer is notified after every snapshot with the current round and the
// number of refs seen so far.
type Observer func(round, seen int)

// Engine runs the snapshot/advance loop. It holds no per-run state and may be
// shared between jobs.
type Engine struct {
	logger *zap.Logger
}

// New constructs an Engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger.Named("discovery")}
}

// Discover drives rev until the accumulated set has been confirmed by
// cfg.DiscoveryStabilityThreshold consecutive snapshots or until
// cfg.MaxDiscoveryRounds advances have been made. Snapshot and Advance errors
// are logged and treated as "nothing new". If ctx is canceled the partial set
// is returned together with the context error and outcome DiscoveryStopped.
func (e *Engine) Discover(
	ctx context.Context,
	rev crawler.Revealer,
	cfg crawler.JobConfig,
	observe Observer,
) (Result, error) {
	threshold := cfg.DiscoveryStabilityThreshold
	if threshold < 1 {
		threshold = 1
	}
	seen := make(map[crawler.CandidateRef]struct{})
	res := Result{Refs: []crawler.CandidateRef{}}
	streak := 0

	for {
		if err := ctx.Err(); err != nil {
			return e.interrupted(res, err)
		}
		snap, err := rev.Snapshot(ctx)
		res.Snapshots++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.interrupted(res, ctxErr)
			}
			e.logger.Warn("revealer snapshot failed", zap.Int("round", res.Rounds), zap.Error(err))
			snap = nil
		}

		grew := false
		for _, ref := range snap {
			if ref == "" {
				continue
			}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			res.Refs = append(res.Refs, ref)
			grew = true
		}
		if grew || res.Snapshots == 1 {
			streak = 1
		} else {
			streak++
		}
		if observe != nil {
			observe(res.Rounds, len(res.Refs))
		}
		e.logger.Debug("discovery snapshot",
			zap.Int("round", res.Rounds),
			zap.Int("snapshot_size", len(snap)),
			zap.Int("seen", len(res.Refs)),
			zap.Int("stable_streak", streak),
		)

		if streak >= threshold {
			res.Outcome = crawler.DiscoveryConverged
			return res, nil
		}
		if res.Rounds >= cfg.MaxDiscoveryRounds {
			res.Outcome = crawler.DiscoveryRoundCap
			e.logger.Info("discovery hit round cap",
				zap.Int("rounds", res.Rounds),
				zap.Int("seen", len(res.Refs)),
			)
			return res, nil
		}

		if err := rev.Advance(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.interrupted(res, ctxErr)
			}
			e.logger.Warn("revealer advance failed", zap.Int("round", res.Rounds), zap.Error(err))
		}
		if err := system.Sleep(ctx, cfg.SettleDelay); err != nil {
			return e.interrupted(res, err)
		}
		res.Rounds++
	}
}

func (e *Engine) interrupted(res Result, err error) (Result, error) {
	res.Outcome = crawler.DiscoveryStopped
	e.logger.Info("discovery interrupted", zap.Int("seen", len(res.Refs)), zap.Error(err))
	return res, fmt.Errorf("discovery interrupted: %w", err)
}
