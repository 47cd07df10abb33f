// Package stats provides a unified interface for exporting cache and queue
// metrics to an external sink.
package stats

// Metric names used throughout the library.
const (
	// Cache metrics.
	MetricCacheHits        = "tiercache_cache_hits_total"
	MetricCacheMisses      = "tiercache_cache_misses_total"
	MetricCacheSets        = "tiercache_cache_sets_total"
	MetricCacheDeletes     = "tiercache_cache_deletes_total"
	MetricCacheEvictions   = "tiercache_cache_evictions_total"
	MetricCacheExpirations = "tiercache_cache_expirations_total"
	MetricCacheRejected    = "tiercache_cache_rejected_total"
	MetricCacheSizeBytes   = "tiercache_cache_size_bytes"
	MetricCacheEntries     = "tiercache_cache_entries"

	// Persistence metrics.
	MetricPersistErrors  = "tiercache_persist_errors_total"
	MetricPersistDropped = "tiercache_persist_dropped_total"
	MetricLoadCorrupt    = "tiercache_load_corrupt_total"

	// Dispatcher metrics.
	MetricResolveFlights   = "tiercache_resolve_flights_total"
	MetricResolveShared    = "tiercache_resolve_shared_total"
	MetricResolveFallbacks = "tiercache_resolve_fallbacks_total"
	MetricResolveFailures  = "tiercache_resolve_failures_total"
	MetricResolveSeconds   = "tiercache_resolve_seconds"

	// Sync queue metrics.
	MetricQueueEnqueued     = "tiercache_queue_enqueued_total"
	MetricQueueSucceeded    = "tiercache_queue_succeeded_total"
	MetricQueueRetried      = "tiercache_queue_retried_total"
	MetricQueueDeadLettered = "tiercache_queue_dead_lettered_total"
	MetricQueueDepth        = "tiercache_queue_depth"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
