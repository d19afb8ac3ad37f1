package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

func setupTestStore(t *testing.T) *RecordStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "db", "listings.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordStore_UpsertAndExists(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := crawler.Identity{Source: "shop.example", ExternalID: "42"}

	ok, err := s.Exists(ctx, id)
	if err != nil || ok {
		t.Fatalf("Exists() before insert = %v, %v", ok, err)
	}

	extracted := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := crawler.Record{
		Identity:    id,
		URL:         "https://shop.example/p/42",
		Fields:      map[string]string{"title": "Bike", "price": "120"},
		RawURI:      "file:///tmp/raw/42.html",
		ExtractedAt: extracted,
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	ok, err = s.Exists(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Exists() after insert = %v, %v", ok, err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Fields["price"] != "120" || !got.ExtractedAt.Equal(extracted) || got.RawURI != rec.RawURI {
		t.Errorf("Get() = %+v", got)
	}
}

func TestRecordStore_UpsertReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	id := crawler.Identity{Source: "shop.example", ExternalID: "7"}

	first := crawler.Record{Identity: id, URL: "u", Fields: map[string]string{"price": "1"}, RawURI: "raw-1"}
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	second := crawler.Record{Identity: id, URL: "u", Fields: map[string]string{"price": "2"}}
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Fields["price"] != "2" {
		t.Errorf("price = %q, want 2", got.Fields["price"])
	}
	if got.RawURI != "raw-1" {
		t.Errorf("raw uri = %q, want previous archive kept", got.RawURI)
	}
	n, err := s.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v", n, err)
	}
}

func TestRecordStore_Errors(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, crawler.Record{}); err == nil {
		t.Error("expected error for missing identity")
	}
	_, err := s.Get(ctx, crawler.Identity{Source: "x", ExternalID: "y"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Get() missing error = %v", err)
	}
	if _, err := New(""); err == nil {
		t.Error("expected error for empty path")
	}
}
