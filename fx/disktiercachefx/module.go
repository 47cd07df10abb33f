// Package disktiercachefx provides an fx module for a disk-backed cache and
// offline sync queue.
package disktiercachefx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/codec/zstdcodec"
	"github.com/discochess/tiercache/internal/journal/diskjournal"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/stats/logger"
	promstats "github.com/discochess/tiercache/internal/stats/prometheus"
	"github.com/discochess/tiercache/internal/store/diskstore"
)

// Config holds configuration for the disk-backed cache.
type Config struct {
	// DataDir holds the entry store and the queue journal.
	DataDir string

	// MaxSize is the cache byte budget.
	// Default is 64 MiB.
	MaxSize int64

	// MaxRetries is the number of replay attempts per queued operation.
	// Default is 3.
	MaxRetries int

	// Registerer, if set, receives the cache and queue metrics.
	// Otherwise metrics are logged at debug level.
	Registerer prometheus.Registerer
}

// Module provides a disk-backed cache, a dispatcher over it, and a sync
// queue that replays through the provided tiercache.Executor.
// Requires a Config and a *zap.Logger; the queue also requires a
// tiercache.Executor and is only built when requested.
var Module = fx.Module("disktiercache",
	fx.Provide(
		newStatsCollector,
		newCache,
		newQueue,
	),
)

func newStatsCollector(cfg Config, log *zap.Logger) stats.Collector {
	if cfg.Registerer != nil {
		return promstats.New(cfg.Registerer)
	}
	return logger.New(log.Named("tiercache.stats"))
}

// Params holds dependencies for creating the cache.
type Params struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Lifecycle fx.Lifecycle
}

// Result holds the provided cache and dispatcher.
type Result struct {
	fx.Out

	Cache      *tiercache.Cache
	Dispatcher *tiercache.Dispatcher
}

func newCache(p Params) (Result, error) {
	dir := filepath.Join(p.Config.DataDir, "store")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("creating store directory: %w", err)
	}
	st, err := diskstore.New(dir, zstdcodec.New())
	if err != nil {
		return Result{}, err
	}

	opts := []tiercache.Option{
		tiercache.WithStore(st),
		tiercache.WithStats(p.Collector),
		tiercache.WithLogger(p.Logger.Named("tiercache")),
	}
	if p.Config.MaxSize > 0 {
		opts = append(opts, tiercache.WithMaxSize(p.Config.MaxSize))
	}
	cache, err := tiercache.New(opts...)
	if err != nil {
		return Result{}, err
	}
	d := tiercache.NewDispatcher(cache)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			d.Close()
			return cache.Close()
		},
	})

	return Result{Cache: cache, Dispatcher: d}, nil
}

// QueueParams holds dependencies for creating the sync queue.
type QueueParams struct {
	fx.In

	Config    Config
	Logger    *zap.Logger
	Collector stats.Collector
	Executor  tiercache.Executor
	Lifecycle fx.Lifecycle
}

func newQueue(p QueueParams) (*tiercache.SyncQueue, error) {
	j, err := diskjournal.Open(filepath.Join(p.Config.DataDir, "journal"))
	if err != nil {
		return nil, err
	}

	maxRetries := p.Config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	q, err := tiercache.NewSyncQueue(p.Executor,
		tiercache.WithJournal(j),
		tiercache.WithMaxRetries(maxRetries),
		tiercache.WithQueueStats(p.Collector),
		tiercache.WithQueueLogger(p.Logger.Named("tiercache.queue")),
	)
	if err != nil {
		j.Close()
		return nil, err
	}

	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				q.Run(ctx)
			}()
			// Replay whatever survived the last shutdown.
			q.ConnectivityRestored()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return q.Close()
		},
	})

	return q, nil
}
