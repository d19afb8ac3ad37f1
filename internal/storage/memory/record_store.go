package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// RecordStore keeps extracted records keyed by identity.
type RecordStore struct {
	mu      sync.RWMutex
	records map[crawler.Identity]crawler.Record
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[crawler.Identity]crawler.Record)}
}

// Exists reports whether a record with id has been stored.
func (s *RecordStore) Exists(_ context.Context, id crawler.Identity) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

// Upsert stores rec, replacing any previous record with the same identity.
func (s *RecordStore) Upsert(_ context.Context, rec crawler.Record) error {
	if rec.Identity.IsZero() {
		return errors.New("record identity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Identity] = rec.Clone()
	return nil
}

// Get returns a copy of the record stored for id.
func (s *RecordStore) Get(id crawler.Identity) (crawler.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return crawler.Record{}, false
	}
	return rec.Clone(), true
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
