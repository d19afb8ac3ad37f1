package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestBlobStore(t *testing.T, handler http.Handler, cfg Config) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		assert.Equal(t, "raw/shop/42.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>listing</html>")
		assert.Contains(t, string(body), "text/html")
		fmt.Fprintln(w, `{"name": "raw/shop/42.html", "bucket": "archive"}`)
	})
	store := newTestBlobStore(t, handler, Config{Bucket: "archive", Prefix: "/raw/"})

	uri, err := store.PutObject(context.Background(), "shop/42.html", "text/html",
		strings.NewReader("<html>listing</html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/raw/shop/42.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestBlobStore(t, handler, Config{Bucket: "archive"})

	_, err := store.PutObject(context.Background(), "shop/42.html", "text/html", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "archive"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	assert.Error(t, err)

	store, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "text/html", strings.NewReader("x"))
	assert.Error(t, err)
}
