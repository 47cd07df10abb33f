// Package journal defines durable storage for pending sync queue items.
//
// A Journal holds the queue's pending items so they survive a restart. The
// queue writes an item on enqueue, rewrites it whenever its retry count or
// position changes, and removes it once it succeeds or is dead-lettered.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt is returned by Decode for items that cannot be parsed.
var ErrCorrupt = errors.New("journal: corrupt item")

// ErrLocked is returned when another process holds the journal.
var ErrLocked = errors.New("journal: locked by another process")

// Item is the persisted form of a queued operation.
type Item struct {
	ID         string            `cbor:"1,keyasint"`
	Seq        uint64            `cbor:"2,keyasint"`
	Method     string            `cbor:"3,keyasint"`
	Target     string            `cbor:"4,keyasint"`
	Payload    []byte            `cbor:"5,keyasint,omitempty"`
	Headers    map[string]string `cbor:"6,keyasint,omitempty"`
	EnqueuedAt time.Time         `cbor:"7,keyasint"`
	RetryCount int               `cbor:"8,keyasint"`
	MaxRetries int               `cbor:"9,keyasint"`
}

// Journal defines the interface for queue persistence backends.
type Journal interface {
	// Append writes item, replacing any item with the same ID.
	Append(ctx context.Context, item Item) error

	// Remove deletes the item with the given ID. Removing a missing item is
	// not an error.
	Remove(ctx context.Context, id string) error

	// LoadAll returns every item ordered by Seq. Items that cannot be
	// decoded are skipped and counted.
	LoadAll(ctx context.Context) (items []Item, corrupt int, err error)

	// Close releases any resources held by the journal.
	Close() error
}
