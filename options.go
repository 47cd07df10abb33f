package tiercache

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/store"
	"github.com/discochess/tiercache/internal/store/nopstore"
)

// EvictionPolicy selects the order in which entries are evicted.
type EvictionPolicy int

const (
	// WriteOrder evicts the least recently written entry first. Reads do
	// not affect the order. This is approximate LRU via write-time ordering.
	WriteOrder EvictionPolicy = iota

	// AccessOrder evicts the least recently read or written entry first.
	// Reads reorder entries and therefore take the exclusive lock.
	AccessOrder
)

// String returns the policy name.
func (p EvictionPolicy) String() string {
	switch p {
	case WriteOrder:
		return "write-order"
	case AccessOrder:
		return "access-order"
	default:
		return "unknown"
	}
}

// Option configures a Cache.
type Option interface {
	apply(*options)
}

// options holds the cache configuration.
type options struct {
	maxSize       int64
	store         store.Store
	stats         stats.Collector
	logger        *zap.Logger
	clock         clockwork.Clock
	sweepInterval time.Duration
	policy        EvictionPolicy
	writeBuffer   int
	storeTimeout  time.Duration
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		maxSize:       64 << 20, // 64 MiB
		store:         nopstore.New(),
		stats:         stats.NewNoop(),
		logger:        zap.NewNop(),
		clock:         clockwork.NewRealClock(),
		sweepInterval: time.Minute,
		policy:        WriteOrder,
		writeBuffer:   1024,
		storeTimeout:  5 * time.Second,
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithMaxSize sets the byte budget for cached values.
// Default is 64 MiB.
func WithMaxSize(n int64) Option {
	return optionFunc(func(o *options) {
		o.maxSize = n
	})
}

// WithStore sets the persistence backend.
// If not set, persistence is disabled.
func WithStore(s store.Store) Option {
	return optionFunc(func(o *options) {
		o.store = s
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithClock sets the time source. Tests pass a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option {
	return optionFunc(func(o *options) {
		o.clock = c
	})
}

// WithSweepInterval sets how often expired entries are swept.
// Default is one minute. Zero disables the background sweeper.
func WithSweepInterval(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.sweepInterval = d
	})
}

// WithEvictionPolicy sets the eviction order. Default is WriteOrder.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return optionFunc(func(o *options) {
		o.policy = p
	})
}

// WithWriteBuffer sets how many keys may wait for persistence before new
// saves are dropped. Removals and newer writes to a key already waiting are
// always accepted. Default is 1024.
func WithWriteBuffer(n int) Option {
	return optionFunc(func(o *options) {
		o.writeBuffer = n
	})
}

// WithStoreTimeout bounds each persistence call. Default is 5 seconds.
func WithStoreTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.storeTimeout = d
	})
}
