// Package memorytiercachefx provides an fx module for an in-memory cache.
// Useful for testing.
package memorytiercachefx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/stats/logger"
	"github.com/discochess/tiercache/internal/store/memstore"
)

// Module provides an in-memory cache and dispatcher for testing.
// Requires a *zap.Logger to be provided.
var Module = fx.Module("memorytiercache",
	fx.Provide(
		newStatsCollector,
		newMemStore,
		newCache,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("tiercache.stats"))
}

func newMemStore() *memstore.Store {
	return memstore.New()
}

// Params holds dependencies for creating the cache.
type Params struct {
	fx.In

	Logger    *zap.Logger
	Collector stats.Collector
	Store     *memstore.Store
	Lifecycle fx.Lifecycle
}

// Result holds the provided cache, dispatcher and store.
type Result struct {
	fx.Out

	Cache      *tiercache.Cache
	Dispatcher *tiercache.Dispatcher
	Store      *memstore.Store // Exposed for test setup
}

func newCache(p Params) (Result, error) {
	cache, err := tiercache.New(
		tiercache.WithStore(p.Store),
		tiercache.WithStats(p.Collector),
		tiercache.WithLogger(p.Logger.Named("tiercache")),
	)
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

	return Result{
		Cache:      cache,
		Dispatcher: d,
		Store:      p.Store,
	}, nil
}
