package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// suffixResolver uses the text after the last "/" as the external id and
// rejects refs containing "bad".
type suffixResolver struct{}

func (suffixResolver) Resolve(ref crawler.CandidateRef) (crawler.Identity, bool) {
	s := string(ref)
	if strings.Contains(s, "bad") {
		return crawler.Identity{}, false
	}
	idx := strings.LastIndex(s, "/")
	return crawler.Identity{Source: "test", ExternalID: s[idx+1:]}, true
}

type fakeStore struct {
	mu      sync.Mutex
	known   map[string]bool
	failFor map[string]bool
	lookups []string
}

func (f *fakeStore) Exists(_ context.Context, id crawler.Identity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, id.ExternalID)
	if f.failFor[id.ExternalID] {
		return false, errors.New("connection reset")
	}
	return f.known[id.ExternalID], nil
}

func (f *fakeStore) Upsert(context.Context, crawler.Record) error {
	return nil
}

func TestPartitionSplitsKnownAndNew(t *testing.T) {
	t.Parallel()

	store := &fakeStore{known: map[string]bool{"2": true}}
	stage := New(suffixResolver{}, store, zap.NewNop())

	part, err := stage.Partition(context.Background(), []crawler.CandidateRef{"u/1", "u/2", "u/3"})
	require.NoError(t, err)
	require.Equal(t, []crawler.Candidate{
		{Ref: "u/1", Identity: crawler.Identity{Source: "test", ExternalID: "1"}},
		{Ref: "u/3", Identity: crawler.Identity{Source: "test", ExternalID: "3"}},
	}, part.NewItems)
	require.Equal(t, 1, part.Skipped)
	require.Equal(t, 3, part.Discovered)
	require.Equal(t, part.Discovered, part.Skipped+len(part.NewItems))
}

func TestPartitionFailsOpen(t *testing.T) {
	t.Parallel()

	store := &fakeStore{failFor: map[string]bool{"x": true}}
	stage := New(suffixResolver{}, store, nil)

	part, err := stage.Partition(context.Background(), []crawler.CandidateRef{"u/x"})
	require.NoError(t, err)
	require.Len(t, part.NewItems, 1)
	require.Equal(t, crawler.CandidateRef("u/x"), part.NewItems[0].Ref)
	require.Equal(t, 0, part.Skipped)
	require.Equal(t, 1, part.LookupErrors)
}

func TestPartitionDropsUnresolved(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	stage := New(suffixResolver{}, store, nil)

	part, err := stage.Partition(context.Background(), []crawler.CandidateRef{"u/bad", "u/1"})
	require.NoError(t, err)
	require.Len(t, part.NewItems, 1)
	require.Equal(t, 1, part.Unresolved)
	require.Equal(t, 1, part.Discovered)
	require.Equal(t, []string{"1"}, store.lookups)
}

func TestPartitionCollapsesSharedIdentity(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	stage := New(suffixResolver{}, store, nil)

	part, err := stage.Partition(context.Background(), []crawler.CandidateRef{
		"first/1", "other/2", "second/1",
	})
	require.NoError(t, err)
	require.Equal(t, []crawler.Candidate{
		{Ref: "second/1", Identity: crawler.Identity{Source: "test", ExternalID: "1"}},
		{Ref: "other/2", Identity: crawler.Identity{Source: "test", ExternalID: "2"}},
	}, part.NewItems)
	require.Equal(t, 1, part.Duplicates)
	require.Equal(t, 2, part.Discovered)
	require.Equal(t, []string{"1", "2"}, store.lookups)
}

func TestPartitionIsIdempotent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{known: map[string]bool{"3": true}, failFor: map[string]bool{"4": true}}
	stage := New(suffixResolver{}, store, nil)
	input := []crawler.CandidateRef{"u/1", "u/bad", "u/3", "u/4", "v/1"}

	first, err := stage.Partition(context.Background(), input)
	require.NoError(t, err)
	second, err := stage.Partition(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPartitionHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(suffixResolver{}, &fakeStore{}, nil).Partition(ctx, []crawler.CandidateRef{"u/1"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPartitionEmptyInput(t *testing.T) {
	t.Parallel()

	part, err := New(suffixResolver{}, &fakeStore{}, nil).Partition(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, part.NewItems)
	require.Zero(t, part.Discovered)
}
