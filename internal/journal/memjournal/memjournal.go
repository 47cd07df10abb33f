// Package memjournal provides an in-memory journal for tests and for queues
// that do not need to survive a restart.
package memjournal

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/discochess/tiercache/internal/journal"
)

// Compile-time check that Journal implements journal.Journal.
var _ journal.Journal = (*Journal)(nil)

// Journal is an in-memory journal.
type Journal struct {
	mu    sync.Mutex
	items map[string]journal.Item
	err   error
}

// New creates an empty in-memory journal.
func New() *Journal {
	return &Journal{items: make(map[string]journal.Item)}
}

// Append stores a copy of item.
func (j *Journal) Append(ctx context.Context, item journal.Item) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.items[item.ID] = clone(item)
	return nil
}

// Remove deletes the item with the given ID.
func (j *Journal) Remove(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	delete(j.items, id)
	return nil
}

// LoadAll returns copies of every item ordered by Seq.
func (j *Journal) LoadAll(ctx context.Context) ([]journal.Item, int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil, 0, j.err
	}
	out := make([]journal.Item, 0, len(j.items))
	for _, item := range j.items {
		out = append(out, clone(item))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, 0, nil
}

// Close is a no-op.
func (j *Journal) Close() error {
	return nil
}

// Len returns the number of journaled items.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.items)
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (j *Journal) FailWith(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
}

func clone(item journal.Item) journal.Item {
	item.Payload = slices.Clone(item.Payload)
	item.Headers = maps.Clone(item.Headers)
	return item
}
