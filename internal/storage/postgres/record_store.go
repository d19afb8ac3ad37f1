package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const defaultRecordsTable = "listings"

// RecordStore keeps extracted records in Postgres keyed by (source, external_id).
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore constructs a store from an existing pool.
func NewRecordStore(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, defaultRecordsTable)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: name}, nil
}

// Migrate creates the records table if it is missing.
func (s *RecordStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	url          TEXT NOT NULL,
	fields       JSONB NOT NULL DEFAULT '{}'::jsonb,
	raw_uri      TEXT,
	extracted_at TIMESTAMPTZ NOT NULL,
	first_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, external_id)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Exists reports whether a record for id is stored.
func (s *RecordStore) Exists(ctx context.Context, id crawler.Identity) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE source = $1 AND external_id = $2)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, id.Source, id.ExternalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return exists, nil
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
	var rawURI *string
	if rec.RawURI != "" {
		rawURI = &rec.RawURI
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source, external_id, url, fields, raw_uri, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source, external_id) DO UPDATE SET
	url = EXCLUDED.url,
	fields = EXCLUDED.fields,
	raw_uri = COALESCE(EXCLUDED.raw_uri, %s.raw_uri),
	extracted_at = EXCLUDED.extracted_at,
	updated_at = now()`, s.table, s.table)

	args := []any{
		rec.Identity.Source,
		rec.Identity.ExternalID,
		rec.URL,
		fieldsJSON,
		rawURI,
		rec.ExtractedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Identity, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
