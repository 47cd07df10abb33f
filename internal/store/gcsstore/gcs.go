// Package gcsstore implements a Google Cloud Storage backend.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// loadConcurrency bounds the number of parallel object reads in LoadAll.
const loadConcurrency = 16

// Store is a Google Cloud Storage backend.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	codec  codec.Codec
}

// New creates a new GCS store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &Store{
		client: client,
		bucket: client.Bucket(bucketName),
		codec:  c,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
	}
}

// Save encodes rec and uploads it, replacing any previous object.
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := store.Encode(s.codec, rec)
	if err != nil {
		return err
	}

	w := s.bucket.Object(s.entryKey(rec.Key)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing record: %w", err)
	}
	return nil
}

// LoadAll lists every object under the entries prefix and decodes them in
// parallel. Objects that fail to decode are counted as corrupt.
func (s *Store) LoadAll(ctx context.Context) ([]store.Record, int, error) {
	var names []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.entriesPrefix()})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("listing records: %w", err)
		}
		names = append(names, attrs.Name)
	}

	var (
		mu      sync.Mutex
		records []store.Record
		corrupt int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, name := range names {
		g.Go(func() error {
			rec, err := s.read(gctx, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				records = append(records, rec)
			case errors.Is(err, store.ErrCorrupt):
				corrupt++
			case errors.Is(err, storage.ErrObjectNotExist):
				// removed between list and read
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, corrupt, nil
}

// read fetches and decodes a single object.
func (s *Store) read(ctx context.Context, name string) (store.Record, error) {
	reader, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return store.Record{}, fmt.Errorf("creating reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return store.Record{}, fmt.Errorf("reading record: %w", err)
	}
	return store.Decode(s.codec, data)
}

// Remove deletes the object for key. A missing object is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.bucket.Object(s.entryKey(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) entriesPrefix() string {
	return s.prefix + "entries/"
}

// entryKey returns the full object name for a cache key.
func (s *Store) entryKey(key string) string {
	return s.entriesPrefix() + s.entryName(key)
}

// entryName returns the object name for a cache key.
func (s *Store) entryName(key string) string {
	name := strconv.FormatUint(xxhash.Sum64String(key), 16)
	if ext := s.codec.Extension(); ext != "" {
		name += "." + ext
	}
	return name
}
