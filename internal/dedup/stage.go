// Package dedup partitions discovered references into items that still need
// processing and items the Store already knows.
package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Partition is the result of deduplicating one discovery set.
type Partition struct {
	// NewItems are the candidates to process, in discovery order.
	NewItems []crawler.Candidate
	// Skipped counts identities the Store already holds.
	Skipped int
	// Discovered counts distinct resolvable identities.
	Discovered int
	// Unresolved counts refs the resolver could not map.
	Unresolved int
	// Duplicates counts refs collapsed onto an identity seen earlier in the set.
	Duplicates int
	// LookupErrors counts Exists failures that were treated as new.
	LookupErrors int
}

// Stage resolves identities and consults the Store.
type Stage struct {
	resolver crawler.IdentityResolver
	store    crawler.Store
	logger   *zap.Logger
}

// New constructs a Stage.
func New(resolver crawler.IdentityResolver, store crawler.Store, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{resolver: resolver, store: store, logger: logger.Named("dedup")}
}

// Partition splits refs into new and already-known items. Refs that share an
// identity collapse into one candidate that keeps the position of the first
// sighting and the ref of the last. Store lookup errors fail open: the item is
// treated as new. Only context cancellation aborts the partition.
func (s *Stage) Partition(ctx context.Context, refs []crawler.CandidateRef) (Partition, error) {
	out := Partition{NewItems: []crawler.Candidate{}}

	ordered := make([]crawler.Candidate, 0, len(refs))
	index := make(map[crawler.Identity]int, len(refs))
	for _, ref := range refs {
		id, ok := s.resolver.Resolve(ref)
		if !ok {
			out.Unresolved++
			s.logger.Info("dropping unresolvable ref", zap.String("ref", string(ref)))
			continue
		}
		if pos, seen := index[id]; seen {
			out.Duplicates++
			ordered[pos].Ref = ref
			continue
		}
		index[id] = len(ordered)
		ordered = append(ordered, crawler.Candidate{Ref: ref, Identity: id})
	}
	out.Discovered = len(ordered)

	for _, cand := range ordered {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("dedup interrupted: %w", err)
		}
		exists, err := s.store.Exists(ctx, cand.Identity)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, fmt.Errorf("dedup interrupted: %w", ctxErr)
			}
			out.LookupErrors++
			s.logger.Warn("store lookup failed, treating as new",
				zap.String("ref", string(cand.Ref)),
				zap.String("source", cand.Identity.Source),
				zap.String("external_id", cand.Identity.ExternalID),
				zap.Error(err),
			)
			out.NewItems = append(out.NewItems, cand)
			continue
		}
		if exists {
			out.Skipped++
			continue
		}
		out.NewItems = append(out.NewItems, cand)
	}
	return out, nil
}
