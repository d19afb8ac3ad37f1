package progress

import (
	"context"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Sink consumes batches of snapshots in emission order. Implementations must
// honor ctx deadlines; the Hub calls each sink from a single goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.JobRunSnapshot) error
	Close(ctx context.Context) error
}
