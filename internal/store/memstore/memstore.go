// Package memstore provides an in-memory store implementation for testing.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Store is an in-memory store for testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]store.Record
	saves   int
	removes int
	err     error
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]store.Record),
	}
}

// Save stores a copy of rec.
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.records[rec.Key] = clone(rec)
	return nil
}

// LoadAll returns copies of every record, ordered by CreatedAt.
func (s *Store) LoadAll(ctx context.Context) ([]store.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, 0, s.err
	}
	out := make([]store.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, 0, nil
}

// Remove deletes the record for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.removes++
	delete(s.records, key)
	return nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}

// Get returns the record for key (for test assertions).
func (s *Store) Get(key string) (store.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return clone(rec), ok
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ops returns the number of successful Save and Remove calls.
func (s *Store) Ops() (saves, removes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves, s.removes
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func clone(rec store.Record) store.Record {
	rec.Value = slices.Clone(rec.Value)
	rec.Tags = slices.Clone(rec.Tags)
	return rec
}
