package collyextractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-crawler/internal/storage/memory"
)

const itemPage = `<html><head>
<meta property="og:image" content="https://cdn.example/42.jpg">
</head><body>
<h1 class="title">  Oak   Desk </h1>
<span class="price">$120</span>
<span class="price">$99</span>
</body></html>`

func itemServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/item/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/gone") {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, itemPage)
	})
	mux.HandleFunc("/slow/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type idResolver struct{}

func (idResolver) Resolve(ref crawler.CandidateRef) (crawler.Identity, bool) {
	s := string(ref)
	idx := strings.LastIndex(s, "/")
	if !strings.Contains(s, "/item/") || idx < 0 {
		return crawler.Identity{}, false
	}
	return crawler.Identity{Source: "shop", ExternalID: s[idx+1:]}, true
}

type recordingWaiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *recordingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return w.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingBlob struct{}

func (failingBlob) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func testFields() map[string]string {
	return map[string]string{
		"title": "h1.title",
		"price": ".price",
		"image": `meta[property="og:image"]@content`,
	}
}

func TestExtractItemReadsFieldsAndArchives(t *testing.T) {
	t.Parallel()

	srv := itemServer(t)
	blob := memory.NewBlobStore()
	waiter := &recordingWaiter{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ext, err := New(Config{Fields: testFields(), Required: []string{"title"}, ArchivePrefix: "pages"}, nil, Dependencies{
		Resolver: idResolver{},
		Blob:     blob,
		Limiter:  waiter,
		Clock:    fixedClock{t: now},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	ref := crawler.CandidateRef(srv.URL + "/item/42")
	rec, err := ext.ExtractItem(context.Background(), ref)
	require.NoError(t, err)

	require.Equal(t, crawler.Identity{Source: "shop", ExternalID: "42"}, rec.Identity)
	require.Equal(t, string(ref), rec.URL)
	require.Equal(t, map[string]string{
		"title": "Oak Desk",
		"price": "$120",
		"image": "https://cdn.example/42.jpg",
	}, rec.Fields)
	require.Equal(t, now, rec.ExtractedAt)
	require.Equal(t, "memory://pages/shop/42.html", rec.RawURI)

	body, contentType, ok := blob.Object("pages/shop/42.html")
	require.True(t, ok)
	require.Contains(t, string(body), "Oak")
	require.True(t, strings.HasPrefix(contentType, "text/html"))
	require.Equal(t, []string{string(ref)}, waiter.urls)
}

func TestExtractItemArchivesByHashWithoutIdentity(t *testing.T) {
	t.Parallel()

	srv := itemServer(t)
	blob := memory.NewBlobStore()
	hasher := sha256.New()
	ext, err := New(Config{Fields: testFields()}, nil, Dependencies{Blob: blob, Hasher: hasher})
	require.NoError(t, err)

	ref := crawler.CandidateRef(srv.URL + "/item/7")
	rec, err := ext.ExtractItem(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, rec.Identity.IsZero())

	digest, err := hasher.Hash([]byte(ref))
	require.NoError(t, err)
	want := fmt.Sprintf("raw/127.0.0.1/%s.html", digest)
	require.Equal(t, "memory://"+want, rec.RawURI)
}

func TestExtractItemFailures(t *testing.T) {
	t.Parallel()

	srv := itemServer(t)

	ext, err := New(Config{Fields: map[string]string{"sku": ".sku"}, Required: []string{"sku"}}, nil, Dependencies{})
	require.NoError(t, err)
	_, err = ext.ExtractItem(context.Background(), crawler.CandidateRef(srv.URL+"/item/1"))
	require.ErrorContains(t, err, `required field "sku" missing`)

	_, err = ext.ExtractItem(context.Background(), crawler.CandidateRef(srv.URL+"/item/gone"))
	require.ErrorContains(t, err, "410")

	archiving, err := New(Config{Fields: testFields()}, nil, Dependencies{Resolver: idResolver{}, Blob: failingBlob{}})
	require.NoError(t, err)
	_, err = archiving.ExtractItem(context.Background(), crawler.CandidateRef(srv.URL+"/item/1"))
	require.ErrorContains(t, err, "bucket unavailable")

	limited, err := New(Config{}, nil, Dependencies{Limiter: &recordingWaiter{err: errors.New("limiter closed")}})
	require.NoError(t, err)
	_, err = limited.ExtractItem(context.Background(), crawler.CandidateRef(srv.URL+"/item/1"))
	require.ErrorContains(t, err, "limiter closed")
}

func TestExtractItemHonorsContext(t *testing.T) {
	t.Parallel()

	srv := itemServer(t)
	ext, err := New(Config{Timeout: 5 * time.Second}, nil, Dependencies{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = ext.ExtractItem(ctx, crawler.CandidateRef(srv.URL+"/slow/1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Fields: map[string]string{"title": "  "}}, nil, Dependencies{})
	require.Error(t, err)

	_, err = New(Config{Fields: map[string]string{"title": "h1"}, Required: []string{"price"}}, nil, Dependencies{})
	require.ErrorContains(t, err, "price")

	_, err = New(Config{}, nil, Dependencies{Blob: memory.NewBlobStore()})
	require.Error(t, err)
}

func TestParseFieldsAttributes(t *testing.T) {
	t.Parallel()

	specs, err := parseFields(map[string]string{
		"b": "img.main @ src",
		"a": "h1",
	})
	require.NoError(t, err)
	require.Equal(t, []fieldSpec{
		{name: "a", selector: "h1"},
		{name: "b", selector: "img.main", attr: "src"},
	}, specs)
}

func TestSafeSegment(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a_b", safeSegment("a/b"))
	require.Equal(t, "__etc", safeSegment("../etc"))
	require.Equal(t, "_", safeSegment(""))
}
