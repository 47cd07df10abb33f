// Package config loads the tiercache CLI configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/discochess/tiercache/internal/codec"
	"github.com/discochess/tiercache/internal/codec/gzipcodec"
	"github.com/discochess/tiercache/internal/codec/noopcodec"
	"github.com/discochess/tiercache/internal/codec/zstdcodec"
)

// Config is the on-disk configuration.
type Config struct {
	DataDir string      `yaml:"data_dir"`
	Codec   string      `yaml:"codec"`
	Cache   CacheConfig `yaml:"cache"`
	Queue   QueueConfig `yaml:"queue"`
}

// CacheConfig configures the cache.
type CacheConfig struct {
	MaxSize       int64         `yaml:"max_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueueConfig configures the sync queue and its replay.
type QueueConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Rate       float64       `yaml:"rate"`
	Burst      int           `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir: ".",
		Codec:   "zstd",
		Cache: CacheConfig{
			MaxSize:       64 << 20,
			SweepInterval: time.Minute,
		},
		Queue: QueueConfig{
			MaxRetries: 3,
			Timeout:    30 * time.Second,
			Burst:      1,
		},
	}
}

// Load reads path over the defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	switch c.Codec {
	case "zstd", "gzip", "none":
	default:
		return fmt.Errorf("unknown codec %q (want zstd, gzip or none)", c.Codec)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache.sweep_interval must not be negative")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.Rate < 0 {
		return fmt.Errorf("queue.rate must not be negative")
	}
	return nil
}

// StoreDir returns the directory holding persisted cache entries.
func (c Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// JournalDir returns the directory holding the sync queue journal.
func (c Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

// NewCodec returns the codec named by Codec.
func (c Config) NewCodec() (codec.Codec, error) {
	switch c.Codec {
	case "zstd":
		return zstdcodec.New(), nil
	case "gzip":
		return gzipcodec.New(), nil
	case "none":
		return noopcodec.New(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", c.Codec)
	}
}
