// Package s3store implements an AWS S3 storage backend.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/store"
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// loadConcurrency bounds the number of parallel GetObject calls in LoadAll.
const loadConcurrency = 16

// Store is an AWS S3 storage backend.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	codec  codec.Codec
}

// New creates a new S3 store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	s := &Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucketName,
		codec:  c,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store) error

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) error {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
		return nil
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(s *Store) error {
		cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
		if err != nil {
			return fmt.Errorf("loading AWS config with region: %w", err)
		}
		s.client = s3.NewFromConfig(cfg)
		return nil
	}
}

// WithEndpoint sets a custom endpoint (for S3-compatible services like MinIO).
func WithEndpoint(endpoint string) Option {
	return func(s *Store) error {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return fmt.Errorf("loading AWS config for endpoint: %w", err)
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
		return nil
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

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.entryKey(rec.Key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// LoadAll lists every object under the entries prefix and decodes them in
// parallel. Objects that fail to decode are counted as corrupt.
func (s *Store) LoadAll(ctx context.Context) ([]store.Record, int, error) {
	var objectKeys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.entriesPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("listing records: %w", err)
		}
		for _, obj := range page.Contents {
			objectKeys = append(objectKeys, aws.ToString(obj.Key))
		}
	}

	var (
		mu      sync.Mutex
		records []store.Record
		corrupt int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, key := range objectKeys {
		g.Go(func() error {
			rec, err := s.read(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				records = append(records, rec)
			case errors.Is(err, store.ErrCorrupt):
				corrupt++
			case isNoSuchKey(err):
				// removed between list and get
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
func (s *Store) read(ctx context.Context, objectKey string) (store.Record, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return store.Record{}, fmt.Errorf("reading record: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return store.Record{}, fmt.Errorf("reading record body: %w", err)
	}
	return store.Decode(s.codec, data)
}

// Remove deletes the object for key. S3 deletes are idempotent.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.entryKey(key)),
	})
	if err != nil {
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	// S3 client doesn't need explicit closing.
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func (s *Store) entriesPrefix() string {
	return s.prefix + "entries/"
}

// entryKey returns the full object key for a cache key.
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
