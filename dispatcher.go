package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/stats"
)

const instrumentationName = "github.com/discochess/tiercache"

// Strategy selects how Resolve satisfies a read.
type Strategy int

const (
	// CacheFirst returns a cached value if present, otherwise resolves,
	// caches and returns the fresh value.
	CacheFirst Strategy = iota

	// NetworkFirst resolves first and caches the result. If the resolver
	// fails, any cached value is returned, even an expired one.
	NetworkFirst

	// StaleWhileRevalidate returns a cached value immediately and refreshes
	// it in the background. On a miss it behaves like NetworkFirst.
	StaleWhileRevalidate

	// NetworkOnly always resolves and never reads or writes the cache.
	NetworkOnly
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	case NetworkOnly:
		return "network-only"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy returns the strategy named by s.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("tiercache: unknown strategy %q", s)
}

// Resolver produces a fresh value for a key.
type Resolver func(ctx context.Context) ([]byte, error)

// ResolverError wraps a resolver failure with the key being resolved.
type ResolverError struct {
	Key string
	Err error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("tiercache: resolving %q: %v", e.Key, e.Err)
}

func (e *ResolverError) Unwrap() error {
	return e.Err
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	// Flights counts resolver calls started for cached strategies.
	Flights int64
	// Shared counts callers that joined a call another caller started.
	Shared int64
	// Refreshes counts background revalidations started.
	Refreshes int64
	// Fallbacks counts reads served from cache after a resolver failure.
	Fallbacks int64
	// Failures counts resolver errors.
	Failures int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTracerProvider sets the provider for resolve spans.
// If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(instrumentationName)
	}
}

// WithDispatcherLogger sets the logger. Defaults to the cache's logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// Dispatcher resolves reads through a Cache according to a Strategy and
// collapses concurrent resolver calls for the same key into one.
// A Dispatcher is safe for concurrent use by multiple goroutines.
type Dispatcher struct {
	cache   *Cache
	flights flightGroup
	tracer  trace.Tracer
	logger  *zap.Logger
	stats   stats.Collector

	bgCtx    context.Context
	bgCancel context.CancelFunc

	flightsStarted atomic.Int64
	shared         atomic.Int64
	refreshes      atomic.Int64
	fallbacks      atomic.Int64
	failures       atomic.Int64
}

// NewDispatcher creates a Dispatcher over cache.
func NewDispatcher(cache *Cache, opts ...DispatcherOption) *Dispatcher {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cache:    cache,
		tracer:   otel.Tracer(instrumentationName),
		logger:   cache.logger,
		stats:    cache.stats,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns the value for key using strategy. On success the value
// is cached with opts, except under NetworkOnly.
//
// Resolver failures are reported as *ResolverError. When no cached fallback
// exists the error also matches ErrUnavailable. If ctx ends first, Resolve
// returns ctx.Err() while any shared resolver call continues for the
// remaining callers.
func (d *Dispatcher) Resolve(ctx context.Context, key string, strategy Strategy, resolve Resolver, opts SetOptions) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	ctx, span := d.tracer.Start(ctx, "tiercache.resolve",
		trace.WithAttributes(
			attribute.String("tiercache.key", key),
			attribute.String("tiercache.strategy", strategy.String()),
		),
	)
	defer span.End()

	val, outcome, err := d.resolve(ctx, key, strategy, resolve, opts)
	span.SetAttributes(attribute.String("tiercache.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return val, err
}

func (d *Dispatcher) resolve(ctx context.Context, key string, strategy Strategy, resolve Resolver, opts SetOptions) ([]byte, string, error) {
	switch strategy {
	case NetworkOnly:
		val, err := d.call(ctx, key, resolve)
		if err != nil {
			return nil, "error", unavailable(err)
		}
		return val, "fetched", nil

	case CacheFirst:
		if val, ok := d.cache.Get(key); ok {
			return val, "hit", nil
		}
		val, shared, err := d.fetch(ctx, key, resolve, opts)
		if err != nil {
			return nil, "error", unavailable(err)
		}
		return val, fetchedOutcome(shared), nil

	case StaleWhileRevalidate:
		if val, ok := d.cache.Get(key); ok {
			d.revalidate(key, resolve, opts)
			return val, "hit", nil
		}
		return d.networkFirst(ctx, key, resolve, opts)

	case NetworkFirst:
		return d.networkFirst(ctx, key, resolve, opts)

	default:
		return nil, "error", fmt.Errorf("tiercache: unknown strategy %d", int(strategy))
	}
}

func (d *Dispatcher) networkFirst(ctx context.Context, key string, resolve Resolver, opts SetOptions) ([]byte, string, error) {
	val, shared, err := d.fetch(ctx, key, resolve, opts)
	if err == nil {
		return val, fetchedOutcome(shared), nil
	}

	var re *ResolverError
	if !errors.As(err, &re) {
		return nil, "error", err
	}
	if e, ok := d.cache.peekStale(key); ok {
		d.fallbacks.Add(1)
		d.stats.IncCounter(stats.MetricResolveFallbacks, 1)
		d.logger.Warn("serving cached value after resolver failure",
			zap.String("key", key),
			zap.Bool("expired", e.Expired(d.cache.clock.Now())),
			zap.Error(re.Err),
		)
		return e.Value, "fallback", nil
	}
	return nil, "error", unavailable(err)
}

// fetch joins or starts the shared resolver call for key.
func (d *Dispatcher) fetch(ctx context.Context, key string, resolve Resolver, opts SetOptions) ([]byte, bool, error) {
	val, shared, err := d.flights.do(ctx, key, d.flightFunc(key, resolve, opts))
	if shared {
		d.shared.Add(1)
		d.stats.IncCounter(stats.MetricResolveShared, 1)
	}
	return val, shared, err
}

// revalidate refreshes key in the background unless a call is already
// running for it.
func (d *Dispatcher) revalidate(key string, resolve Resolver, opts SetOptions) {
	fn := d.flightFunc(key, resolve, opts)
	started := d.flights.background(d.bgCtx, key, func(ctx context.Context) ([]byte, error) {
		val, err := fn(ctx)
		if err != nil {
			d.logger.Warn("background revalidation failed", zap.String("key", key), zap.Error(err))
		}
		return val, err
	})
	if started {
		d.refreshes.Add(1)
	}
}

// flightFunc returns the shared call body: resolve, then cache on success.
func (d *Dispatcher) flightFunc(key string, resolve Resolver, opts SetOptions) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		d.flightsStarted.Add(1)
		d.stats.IncCounter(stats.MetricResolveFlights, 1)

		val, err := d.call(ctx, key, resolve)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			// Every waiter has left; nobody will see this value.
			return val, nil
		}
		if err := d.cache.Set(key, val, opts); err != nil {
			d.logger.Warn("caching resolved value failed, serving uncached",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return val, nil
	}
}

// call runs resolve, timing it and converting failures and panics into
// *ResolverError.
func (d *Dispatcher) call(ctx context.Context, key string, resolve Resolver) (val []byte, err error) {
	start := d.cache.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolver panic: %v", r)
		}
		d.stats.ObserveHistogram(stats.MetricResolveSeconds, d.cache.clock.Since(start).Seconds())
		if err != nil {
			d.failures.Add(1)
			d.stats.IncCounter(stats.MetricResolveFailures, 1)
			val, err = nil, &ResolverError{Key: key, Err: err}
		}
	}()
	return resolve(ctx)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Flights:   d.flightsStarted.Load(),
		Shared:    d.shared.Load(),
		Refreshes: d.refreshes.Load(),
		Fallbacks: d.fallbacks.Load(),
		Failures:  d.failures.Load(),
	}
}

// Close cancels background revalidations and waits for every resolver call
// to return. It does not close the cache.
func (d *Dispatcher) Close() error {
	d.bgCancel()
	d.flights.wait()
	return nil
}

// unavailable marks a resolver failure as unservable. Context errors pass
// through untouched.
func unavailable(err error) error {
	var re *ResolverError
	if !errors.As(err, &re) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func fetchedOutcome(shared bool) string {
	if shared {
		return "shared"
	}
	return "fetched"
}
