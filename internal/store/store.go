// Package store defines the persistence backend interface for cache entries.
//
// A Store is a write-behind mirror of the in-memory cache: the cache forwards
// every insert and removal, and reloads all records at startup. A Store never
// serves reads on the hot path.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt is returned by Decode for records that cannot be parsed.
var ErrCorrupt = errors.New("store: corrupt record")

// Record is the persisted form of a cache entry.
type Record struct {
	Key       string        `cbor:"1,keyasint"`
	Value     []byte        `cbor:"2,keyasint"`
	CreatedAt time.Time     `cbor:"3,keyasint"`
	TTL       time.Duration `cbor:"4,keyasint,omitempty"`
	Tags      []string      `cbor:"5,keyasint,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return r.TTL > 0 && now.Sub(r.CreatedAt) > r.TTL
}

// ExpiresAt returns the instant the record expires, or the zero time if it
// has no TTL.
func (r Record) ExpiresAt() time.Time {
	if r.TTL <= 0 {
		return time.Time{}
	}
	return r.CreatedAt.Add(r.TTL)
}

// Store defines the interface for persistence backends.
// Implementations handle key naming and storage details internally.
type Store interface {
	// Save writes rec, replacing any record with the same key.
	Save(ctx context.Context, rec Record) error

	// LoadAll returns every record held by the store. Records that cannot
	// be decoded are skipped; the count of skipped records is returned.
	LoadAll(ctx context.Context) (records []Record, corrupt int, err error)

	// Remove deletes the record for key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
