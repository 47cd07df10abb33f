// Package diskstore implements a disk-based filesystem storage backend.
//
// Each record lives in its own file under <root>/entries, named by the
// xxhash of its key. Files are written to a temporary name and renamed into
// place so a crash never leaves a half-written record behind.
package diskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

const entriesDir = "entries"

// Store is a disk-based filesystem storage backend.
type Store struct {
	root  string
	codec codec.Codec
}

// New creates a new disk store rooted at the given directory.
// The directory must exist; the entries subdirectory is created on demand.
// The codec handles compression/decompression.
func New(root string, c codec.Codec) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if err := os.MkdirAll(filepath.Join(root, entriesDir), 0755); err != nil {
		return nil, fmt.Errorf("creating entries directory: %w", err)
	}

	return &Store{
		root:  root,
		codec: c,
	}, nil
}

// Save encodes rec and atomically replaces its file.
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := store.Encode(s.codec, rec)
	if err != nil {
		return err
	}

	path := s.entryPath(rec.Key)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming record: %w", err)
	}
	return nil
}

// LoadAll decodes every record file, skipping and counting corrupt ones.
// Records are returned ordered by CreatedAt.
func (s *Store) LoadAll(ctx context.Context) ([]store.Record, int, error) {
	var (
		records []store.Record
		corrupt int
	)
	err := s.Walk(ctx, func(path string, rec store.Record, err error) error {
		if err != nil {
			corrupt++
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, corrupt, nil
}

// WalkFunc is called for every record file. err is non-nil (wrapping
// store.ErrCorrupt or an I/O error) when the file could not be decoded.
// Returning an error stops the walk.
type WalkFunc func(path string, rec store.Record, err error) error

// Walk visits every record file in name order.
func (s *Store) Walk(ctx context.Context, fn WalkFunc) error {
	dir := filepath.Join(s.root, entriesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading entries directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".tmp-") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // removed concurrently
			}
			if err := fn(path, store.Record{}, fmt.Errorf("reading record: %w", err)); err != nil {
				return err
			}
			continue
		}

		rec, err := store.Decode(s.codec, data)
		if err := fn(path, rec, err); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes the record file for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	return nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// entryPath returns the filesystem path for a key.
func (s *Store) entryPath(key string) string {
	return filepath.Join(s.root, entriesDir, s.entryName(key))
}

// entryName returns the file name for a key.
func (s *Store) entryName(key string) string {
	name := strconv.FormatUint(xxhash.Sum64String(key), 16)
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}
