package orchestrator

import (
	"fmt"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func isAllowedTransition(from, to crawler.JobState) bool {
	switch from {
	case crawler.StateIdle:
		return to == crawler.StateDiscovering
	case crawler.StateDiscovering:
		return to == crawler.StateProcessing || to == crawler.StateCompleted || to == crawler.StateStopped
	case crawler.StateProcessing:
		return to == crawler.StatePaused || to == crawler.StateCompleted || to == crawler.StateStopped
	case crawler.StatePaused:
		// A pause that lands after the last item still lets the pass complete.
		return to == crawler.StateProcessing || to == crawler.StateCompleted || to == crawler.StateStopped
	case crawler.StateCompleted:
		return to == crawler.StateDiscovering || to == crawler.StateProcessing
	case crawler.StateStopped:
		return to == crawler.StateDiscovering
	default:
		return false
	}
}

// transitionLocked moves the orchestrator to the given state. Callers hold o.mu.
func (o *Orchestrator) transitionLocked(to crawler.JobState) error {
	from := o.state
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidState, from, to)
	}
	o.state = to
	return nil
}
