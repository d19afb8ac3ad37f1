package crawler

import (
	"context"
	"io"
	"time"
)

// Revealer exposes the candidate references currently visible on a catalog
// and can be asked to reveal more (scroll, next page).
type Revealer interface {
	// Snapshot returns the refs visible right now, in page order.
	Snapshot(ctx context.Context) ([]CandidateRef, error)
	// Advance requests more content. It may no-op when the source is exhausted.
	Advance(ctx context.Context) error
}

// Extractor turns one candidate reference into a Record.
type Extractor interface {
	ExtractItem(ctx context.Context, ref CandidateRef) (Record, error)
}

// Store persists records keyed by Identity.
type Store interface {
	Exists(ctx context.Context, id Identity) (bool, error)
	Upsert(ctx context.Context, rec Record) error
}

// ProgressSink receives snapshots after every state-affecting event.
// Implementations must not block the caller beyond a short bound: OnSnapshot
// runs while the producer holds its state lock, so any wait (such as the hub
// waiting for buffer space on a terminal snapshot) delays control calls by the
// same amount. Snapshots share record storage with the producer and must be
// treated as read-only.
type ProgressSink interface {
	OnSnapshot(snap JobRunSnapshot)
}

// IdentityResolver maps a reference to the key used for deduplication.
type IdentityResolver interface {
	Resolve(ref CandidateRef) (Identity, bool)
}

// BlobStore persists raw artifacts such as fetched item pages.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher emits notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock provides time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
