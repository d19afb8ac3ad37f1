// Package sqlite provides an embedded, single-file record store for runs that
// do not have a Postgres instance available.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
    source       TEXT NOT NULL,
    external_id  TEXT NOT NULL,
    url          TEXT NOT NULL,
    fields       TEXT NOT NULL DEFAULT '{}',
    raw_uri      TEXT,
    extracted_at TEXT NOT NULL,
    first_seen   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (source, external_id)
);
`

// RecordStore implements crawler.Store on a SQLite database file.
type RecordStore struct {
	db *sql.DB
}

// New opens (or creates) the database at path and initializes the schema.
func New(path string) (*RecordStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Exists reports whether a record for id is stored.
func (s *RecordStore) Exists(ctx context.Context, id crawler.Identity) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM listings WHERE source = ? AND external_id = ?`,
		id.Source, id.ExternalID,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lookup %s: %w", id, err)
	default:
		return true, nil
	}
}

// Upsert inserts rec or replaces the stored fields of an existing record.
func (s *RecordStore) Upsert(ctx context.Context, rec crawler.Record) error {
	if rec.Identity.IsZero() {
		return errors.New("record identity is required")
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	var rawURI sql.NullString
	if rec.RawURI != "" {
		rawURI = sql.NullString{String: rec.RawURI, Valid: true}
	}
	now := formatTime(time.Now())
	_, err = s.db.ExecContext(ctx, `
INSERT INTO listings (source, external_id, url, fields, raw_uri, extracted_at, first_seen, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source, external_id) DO UPDATE SET
    url = excluded.url,
    fields = excluded.fields,
    raw_uri = COALESCE(excluded.raw_uri, listings.raw_uri),
    extracted_at = excluded.extracted_at,
    updated_at = excluded.updated_at`,
		rec.Identity.Source, rec.Identity.ExternalID, rec.URL, string(fieldsJSON), rawURI,
		formatTime(rec.ExtractedAt), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Identity, err)
	}
	return nil
}

// Get loads the record stored for id.
func (s *RecordStore) Get(ctx context.Context, id crawler.Identity) (crawler.Record, error) {
	var (
		rec         crawler.Record
		fieldsJSON  string
		rawURI      sql.NullString
		extractedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, fields, raw_uri, extracted_at FROM listings WHERE source = ? AND external_id = ?`,
		id.Source, id.ExternalID,
	).Scan(&rec.URL, &fieldsJSON, &rawURI, &extractedAt)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("get %s: %w", id, err)
	}
	rec.Identity = id
	rec.RawURI = rawURI.String
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return crawler.Record{}, fmt.Errorf("decode fields for %s: %w", id, err)
	}
	if rec.ExtractedAt, err = time.Parse(time.RFC3339Nano, extractedAt); err != nil {
		return crawler.Record{}, fmt.Errorf("parse extracted_at for %s: %w", id, err)
	}
	return rec, nil
}

// Count returns the number of stored records.
func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count listings: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
