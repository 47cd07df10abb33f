// Package redisstore implements a Redis storage backend.
//
// Records are stored as plain string values under prefix+key. Records with a
// TTL are written with a matching Redis expiry so the server drops them on
// its own schedule.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

const (
	defaultPrefix = "tiercache:entry:"
	scanBatch     = 100
)

// Store is a Redis storage backend.
type Store struct {
	client *redis.Client
	prefix string
	codec  codec.Codec
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default "tiercache:entry:".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithNow overrides the time source used to compute remaining TTLs.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Redis store backed by client. The caller owns the client;
// Close does not close it.
func New(client *redis.Client, c codec.Codec, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		codec:  c,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes rec. Records whose TTL has already elapsed are deleted instead.
func (s *Store) Save(ctx context.Context, rec store.Record) error {
	var expiration time.Duration
	if rec.TTL > 0 {
		expiration = rec.ExpiresAt().Sub(s.now())
		if expiration <= 0 {
			return s.Remove(ctx, rec.Key)
		}
	}

	data, err := store.Encode(s.codec, rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+rec.Key, data, expiration).Err(); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// LoadAll scans every key under the prefix and decodes the values.
func (s *Store) LoadAll(ctx context.Context) ([]store.Record, int, error) {
	var (
		records []store.Record
		corrupt int
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("scanning records: %w", err)
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, 0, fmt.Errorf("reading records: %w", err)
			}
			for _, v := range values {
				str, ok := v.(string)
				if !ok {
					continue // expired between SCAN and MGET
				}
				rec, err := store.Decode(s.codec, []byte(str))
				if err != nil {
					corrupt++
					continue
				}
				records = append(records, rec)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, corrupt, nil
}

// Remove deletes the record for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close() error {
	return nil
}
