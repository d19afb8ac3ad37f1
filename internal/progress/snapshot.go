package progress

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Validate performs coarse validation on a snapshot before it is queued.
func Validate(snap crawler.JobRunSnapshot) error {
	if snap.JobID == "" {
		return errors.New("job id is required")
	}
	if snap.At.IsZero() {
		return errors.New("snapshot timestamp is required")
	}
	if snap.State == "" {
		return errors.New("state is required")
	}
	if snap.ProcessedCount != snap.SucceededCount+snap.FailedCount {
		return fmt.Errorf("processed %d != succeeded %d + failed %d",
			snap.ProcessedCount, snap.SucceededCount, snap.FailedCount)
	}
	return nil
}

// IsTerminal reports whether a snapshot closes a pass.
func IsTerminal(snap crawler.JobRunSnapshot) bool {
	return snap.Event == crawler.EventJobCompleted || snap.Event == crawler.EventJobStopped
}

// LatestByJob collapses a batch to the newest snapshot per job, preserving the
// order in which jobs first appear.
func LatestByJob(batch []crawler.JobRunSnapshot) []crawler.JobRunSnapshot {
	index := make(map[string]int, len(batch))
	out := make([]crawler.JobRunSnapshot, 0, len(batch))
	for _, snap := range batch {
		if i, ok := index[snap.JobID]; ok {
			out[i] = snap
			continue
		}
		index[snap.JobID] = len(out)
		out = append(out, snap)
	}
	return out
}
