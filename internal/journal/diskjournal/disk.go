// Package diskjournal implements a directory-backed journal.
//
// Each item is a CBOR file named by its ID. The directory is guarded by an
// advisory lock file so two processes never replay the same queue.
package diskjournal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/discochess/tiercache/internal/journal"
)

// Compile-time check that Journal implements journal.Journal.
var _ journal.Journal = (*Journal)(nil)

const (
	lockName  = ".lock"
	itemExt   = ".cbor"
	tmpPrefix = ".tmp-"
)

// Journal is a directory-backed journal.
type Journal struct {
	dir  string
	lock *flock.Flock
}

// Open creates dir if needed and takes its lock. It fails with
// journal.ErrLocked if another process holds the lock.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking journal: %w", err)
	}
	if !locked {
		return nil, journal.ErrLocked
	}

	return &Journal{dir: dir, lock: lock}, nil
}

// Append atomically writes item, replacing any previous version.
func (j *Journal) Append(ctx context.Context, item journal.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validID(item.ID); err != nil {
		return err
	}

	data, err := journal.Encode(item)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(j.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing item: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing item: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing item: %w", err)
	}
	if err := os.Rename(tmpName, j.itemPath(item.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming item: %w", err)
	}
	return nil
}

// Remove deletes the item file for id.
func (j *Journal) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(j.itemPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing item: %w", err)
	}
	return nil
}

// LoadAll decodes every item file, ordered by Seq.
func (j *Journal) LoadAll(ctx context.Context) ([]journal.Item, int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("reading journal directory: %w", err)
	}

	var (
		items   []journal.Item
		corrupt int
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, itemExt) || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			return nil, 0, fmt.Errorf("reading item: %w", err)
		}
		item, err := journal.Decode(data)
		if err != nil {
			corrupt++
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(a, b int) bool { return items[a].Seq < items[b].Seq })
	return items, corrupt, nil
}

// Close releases the directory lock.
func (j *Journal) Close() error {
	return j.lock.Unlock()
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

func (j *Journal) itemPath(id string) string {
	return filepath.Join(j.dir, id+itemExt)
}

// validID rejects IDs that would escape the journal directory.
func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("journal: invalid item id %q", id)
	}
	return nil
}
