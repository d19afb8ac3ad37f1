package paged

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// catalogServer serves three pages of two items each, linked by rel=next.
func catalogServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		pageNum := r.URL.Query().Get("page")
		if pageNum == "" {
			pageNum = "1"
		}
		var next string
		switch pageNum {
		case "1":
			next = `<a rel="next" href="/catalog?page=2">next</a>`
		case "2":
			next = `<a rel="next" href="/catalog?page=3">next</a>`
		case "3":
			// loops back, which must end pagination
			next = `<a rel="next" href="/catalog">next</a>`
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html><body>
<a class="item" href="/item/%[1]s-a#reviews">A</a>
<a class="item" href="/item/%[1]s-b">B</a>
<a class="item" href="/item/1-a">dup</a>
<a class="item" href="mailto:sales@shop.example">mail</a>
%[2]s
</body></html>`, pageNum, next)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newFactory(t *testing.T, cfg Config) *Factory {
	t.Helper()
	if cfg.ItemSelector == "" {
		cfg.ItemSelector = "a.item"
	}
	f, err := NewFactory(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestRevealerFollowsNextLinks(t *testing.T) {
	t.Parallel()

	srv, hits := catalogServer(t)
	f := newFactory(t, Config{})
	ctx := context.Background()

	rev, err := f.Open(ctx, srv.URL+"/catalog")
	require.NoError(t, err)

	refs, err := rev.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []crawler.CandidateRef{
		crawler.CandidateRef(srv.URL + "/item/1-a"),
		crawler.CandidateRef(srv.URL + "/item/1-b"),
	}, refs)

	require.NoError(t, rev.Advance(ctx))
	require.NoError(t, rev.Advance(ctx))
	refs, err = rev.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 6)
	require.Equal(t, crawler.CandidateRef(srv.URL+"/item/3-b"), refs[5])

	// page 3 links back to page 1, so further advances are no-ops
	require.NoError(t, rev.Advance(ctx))
	require.NoError(t, rev.Advance(ctx))
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, 3, rev.(*Revealer).Pages())
}

func TestRevealerHonorsMaxPages(t *testing.T) {
	t.Parallel()

	srv, hits := catalogServer(t)
	f := newFactory(t, Config{MaxPages: 2})
	ctx := context.Background()

	rev, err := f.Open(ctx, srv.URL+"/catalog")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, rev.Advance(ctx))
	}
	refs, err := rev.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	require.Equal(t, int32(2), hits.Load())
}

func TestFactoryReopensSameCatalog(t *testing.T) {
	t.Parallel()

	srv, _ := catalogServer(t)
	f := newFactory(t, Config{})
	for i := 0; i < 2; i++ {
		rev, err := f.Open(context.Background(), srv.URL+"/catalog")
		require.NoError(t, err)
		refs, err := rev.Snapshot(context.Background())
		require.NoError(t, err)
		require.Len(t, refs, 2)
	}
}

func TestOpenFailsOnHTTPError(t *testing.T) {
	t.Parallel()

	srv, _ := catalogServer(t)
	f := newFactory(t, Config{})
	_, err := f.Open(context.Background(), srv.URL+"/broken")
	require.Error(t, err)

	_, err = f.Open(context.Background(), "not a url")
	require.Error(t, err)
}

func TestOpenHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	srv, _ := catalogServer(t)
	f := newFactory(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Open(ctx, srv.URL+"/catalog")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewFactoryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(Config{MaxPages: -1}, nil, nil)
	require.Error(t, err)

	f, err := NewFactory(Config{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "a[href]", f.cfg.ItemSelector)
	require.Equal(t, `a[rel="next"]`, f.cfg.NextSelector)
}

func TestSameHost(t *testing.T) {
	t.Parallel()

	require.True(t, sameHost("https://shop.example/a", "https://SHOP.example/b"))
	require.False(t, sameHost("https://shop.example/a", "https://ads.example/b"))
}
