// Package tiercache provides a size-bounded, tag-aware cache with
// strategy-driven reads and an offline mutation queue.
//
// A Cache holds byte values with optional TTLs and tags. A Dispatcher
// resolves reads through the cache using a per-call Strategy, collapsing
// concurrent fetches for the same key into one. A SyncQueue holds mutating
// operations while the origin is unreachable and replays them with bounded
// retry once it is back.
//
// Example usage:
//
//	cache, err := tiercache.New(
//	    tiercache.WithMaxSize(32 << 20),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cache.Close()
//
//	d := tiercache.NewDispatcher(cache)
//	profile, err := d.Resolve(ctx, "user:42:profile", tiercache.StaleWhileRevalidate,
//	    func(ctx context.Context) ([]byte, error) { return api.Profile(ctx, 42) },
//	    tiercache.SetOptions{TTL: time.Minute, Tags: []string{"user:42"}},
//	)
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/store"
	"github.com/discochess/tiercache/internal/store/nopstore"
	"github.com/discochess/tiercache/internal/tagindex"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrEntryTooLarge indicates a single value exceeds the cache's byte budget.
	ErrEntryTooLarge = errors.New("tiercache: entry too large")

	// ErrInvalidKey indicates an empty key.
	ErrInvalidKey = errors.New("tiercache: invalid key")

	// ErrClosed indicates the cache or queue has been closed.
	ErrClosed = errors.New("tiercache: closed")

	// ErrUnavailable indicates a read could not be satisfied by the resolver
	// or any cached fallback.
	ErrUnavailable = errors.New("tiercache: value unavailable")

	// ErrQueueTerminal indicates a queued operation was dead-lettered.
	ErrQueueTerminal = errors.New("tiercache: queue item terminal")
)

// Cache is a byte-budgeted keyed store with TTL expiry and tag invalidation.
// A Cache is safe for concurrent use by multiple goroutines.
type Cache struct {
	// mu guards entries, tags and size together so the tag index never
	// disagrees with the entries it points at.
	mu      sync.RWMutex
	entries *simplelru.LRU[string, *Entry]
	tags    *tagindex.Index
	size    int64

	maxSize int64
	policy  EvictionPolicy
	clock   clockwork.Clock
	stats   stats.Collector
	logger  *zap.Logger
	store   store.Store
	writer  *writeBack // nil when persistence is disabled

	counters counters
	closed   atomic.Bool
	stop     chan struct{}
	sweeping sync.WaitGroup
}

// tally counts entries removed by one operation.
type tally struct {
	deleted int
	expired int
	evicted int
}

// New creates a new Cache with the given options.
// If a store is configured, its records are loaded before New returns.
func New(opts ...Option) (*Cache, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	if cfg.maxSize <= 0 {
		return nil, fmt.Errorf("tiercache: max size must be positive, got %d", cfg.maxSize)
	}
	if cfg.store == nil {
		cfg.store = nopstore.New()
	}

	entries, err := simplelru.NewLRU[string, *Entry](math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("creating entry map: %w", err)
	}

	c := &Cache{
		entries: entries,
		tags:    tagindex.New(),
		maxSize: cfg.maxSize,
		policy:  cfg.policy,
		clock:   cfg.clock,
		stats:   cfg.stats,
		logger:  cfg.logger,
		store:   cfg.store,
		stop:    make(chan struct{}),
	}

	if _, ok := cfg.store.(nopstore.Store); !ok {
		c.writer = newWriteBack(cfg.store, cfg.writeBuffer, cfg.storeTimeout, c.stats, c.logger, func() {
			c.counters.droppedWrites.Add(1)
		})
		if err := c.load(context.Background()); err != nil {
			c.writer.close()
			return nil, err
		}
	}

	if cfg.sweepInterval > 0 {
		c.sweeping.Add(1)
		go c.sweepLoop(cfg.sweepInterval)
	}

	c.logger.Debug("cache initialized",
		zap.Int64("maxSize", c.maxSize),
		zap.Stringer("evictionPolicy", c.policy),
		zap.Int("entries", c.entries.Len()),
		zap.Bool("persistent", c.writer != nil),
	)

	return c, nil
}

// load populates the cache from the store. Records are inserted oldest
// first so the eviction order survives a restart.
func (c *Cache) load(ctx context.Context) error {
	records, corrupt, err := c.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}
	if corrupt > 0 {
		c.stats.IncCounter(stats.MetricLoadCorrupt, int64(corrupt))
		c.logger.Warn("dropped corrupt persisted entries", zap.Int("count", corrupt))
	}

	now := c.clock.Now()
	var t tally
	loaded := 0

	c.mu.Lock()
	for _, rec := range records {
		size := int64(len(rec.Value))
		if rec.Expired(now) || size > c.maxSize {
			c.writer.remove(rec.Key)
			continue
		}
		if old, ok := c.entries.Peek(rec.Key); ok {
			c.removeLocked(old)
		}
		c.makeRoomLocked(now, size, &t)
		c.insertLocked(&Entry{
			Key:       rec.Key,
			Value:     rec.Value,
			CreatedAt: rec.CreatedAt,
			TTL:       rec.TTL,
			Size:      size,
			Tags:      normalizeTags(rec.Tags),
		})
		loaded++
	}
	c.mu.Unlock()

	c.record(t)
	c.logger.Info("loaded persisted entries",
		zap.Int("loaded", loaded),
		zap.Int("skipped", len(records)-loaded),
		zap.Int("evicted", t.evicted),
	)
	return nil
}

// Get returns the value for key. An expired entry is purged and reported
// as a miss. The returned slice is shared and must not be modified.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c.closed.Load() {
		return nil, false
	}
	now := c.clock.Now()

	var (
		e  *Entry
		ok bool
	)
	if c.policy == AccessOrder {
		// Get reorders the map, so access-order reads need the write lock.
		c.mu.Lock()
		e, ok = c.entries.Get(key)
		c.mu.Unlock()
	} else {
		c.mu.RLock()
		e, ok = c.entries.Peek(key)
		c.mu.RUnlock()
	}

	if ok && !e.Expired(now) {
		c.counters.hits.Add(1)
		c.stats.IncCounter(stats.MetricCacheHits, 1)
		return e.Value, true
	}
	if ok {
		c.expire(key, e)
	}
	c.counters.misses.Add(1)
	c.stats.IncCounter(stats.MetricCacheMisses, 1)
	return nil, false
}

// expire purges seen if it is still the current entry for key.
func (c *Cache) expire(key string, seen *Entry) {
	var t tally
	c.mu.Lock()
	if cur, ok := c.entries.Peek(key); ok && cur == seen {
		c.removeLocked(cur)
		c.persistRemove(key)
		t.expired++
	}
	c.mu.Unlock()
	c.record(t)
}

// Set stores value under key, replacing any existing entry. Entries are
// evicted oldest first until the new value fits. It fails with
// ErrEntryTooLarge only when the value alone exceeds the byte budget.
func (c *Cache) Set(key string, value []byte, opts SetOptions) error {
	if key == "" {
		return ErrInvalidKey
	}
	if c.closed.Load() {
		return ErrClosed
	}

	size := int64(len(value))
	if size > c.maxSize {
		c.stats.IncCounter(stats.MetricCacheRejected, 1)
		return fmt.Errorf("%w: key %q is %d bytes, budget is %d", ErrEntryTooLarge, key, size, c.maxSize)
	}

	now := c.clock.Now()
	e := &Entry{
		Key:       key,
		Value:     slices.Clone(value),
		CreatedAt: now,
		TTL:       opts.TTL,
		Size:      size,
		Tags:      normalizeTags(opts.Tags),
	}

	var t tally
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if old, ok := c.entries.Peek(key); ok {
		c.removeLocked(old)
	}
	c.makeRoomLocked(now, size, &t)
	c.insertLocked(e)
	if c.writer != nil {
		c.writer.save(e.toRecord())
	}
	c.mu.Unlock()

	c.counters.sets.Add(1)
	c.stats.IncCounter(stats.MetricCacheSets, 1)
	c.record(t)
	return nil
}

// Delete removes key and reports whether a live entry was removed.
func (c *Cache) Delete(key string) bool {
	var t tally
	c.mu.Lock()
	e, ok := c.entries.Peek(key)
	if ok {
		c.removeLocked(e)
		c.persistRemove(key)
		if e.Expired(c.clock.Now()) {
			t.expired++
			ok = false
		} else {
			t.deleted++
		}
	}
	c.mu.Unlock()

	c.record(t)
	return ok
}

// InvalidateTag removes every entry tagged with tag and returns how many
// were removed. Concurrent readers observe either all or none of them.
func (c *Cache) InvalidateTag(tag string) int {
	var t tally
	c.mu.Lock()
	for _, key := range c.tags.KeysFor(tag) {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		c.removeLocked(e)
		c.persistRemove(key)
		t.deleted++
	}
	c.mu.Unlock()

	if t.deleted > 0 {
		c.logger.Debug("invalidated tag", zap.String("tag", tag), zap.Int("count", t.deleted))
	}
	c.record(t)
	return t.deleted
}

// Exists reports whether key holds a live entry. Unlike Get it never purges
// and does not count as a hit or miss.
func (c *Cache) Exists(key string) bool {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries.Peek(key)
	return ok && !e.Expired(now)
}

// Clear removes every entry. Counters other than occupancy are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	for _, key := range c.entries.Keys() {
		c.persistRemove(key)
	}
	c.entries.Purge()
	c.tags.Clear()
	c.size = 0
	c.syncOccupancyLocked()
	c.mu.Unlock()

	c.record(tally{})
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	var t tally
	c.mu.Lock()
	c.purgeExpiredLocked(now, &t)
	c.mu.Unlock()
	c.record(t)
	return t.expired
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Metrics {
	return c.counters.snapshot(c.maxSize)
}

// ResetStats zeroes the event counters.
func (c *Cache) ResetStats() {
	c.counters.reset()
}

// Len returns the number of stored entries, including expired entries that
// have not been purged yet.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len()
}

// Size returns the total byte size of stored values.
func (c *Cache) Size() int64 {
	return c.counters.size.Load()
}

// MaxSize returns the byte budget.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Keys returns the keys of live entries in eviction order, next victim first.
func (c *Cache) Keys() []string {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := c.entries.Keys()
	out := keys[:0]
	for _, k := range keys {
		if e, ok := c.entries.Peek(k); ok && !e.Expired(now) {
			out = append(out, k)
		}
	}
	return out
}

// Entry returns a copy of the live entry for key without affecting
// counters or eviction order.
func (c *Cache) Entry(key string) (Entry, bool) {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries.Peek(key)
	if !ok || e.Expired(now) {
		return Entry{}, false
	}
	return e.clone(), true
}

// KeysForTag returns the sorted keys of live entries tagged with tag.
func (c *Cache) KeysForTag(tag string) []string {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, k := range c.tags.KeysFor(tag) {
		if e, ok := c.entries.Peek(k); ok && !e.Expired(now) {
			out = append(out, k)
		}
	}
	return out
}

// Close stops the sweeper, flushes pending persistence writes and closes
// the store. After Close, Set returns ErrClosed and Get always misses.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	close(c.stop)
	c.sweeping.Wait()

	// Wait out any mutation still holding the lock; later ones observe
	// closed and skip the writer.
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()

	if writer != nil {
		writer.close()
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// peekStale returns a copy of the entry for key even if it has expired.
// It neither purges nor counts.
func (c *Cache) peekStale(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// makeRoomLocked frees space for incoming bytes: expired entries go first,
// then live entries from the oldest end until the new entry fits.
func (c *Cache) makeRoomLocked(now time.Time, incoming int64, t *tally) {
	if c.size+incoming <= c.maxSize {
		return
	}
	c.purgeExpiredLocked(now, t)
	for c.size+incoming > c.maxSize {
		key, e, ok := c.entries.GetOldest()
		if !ok {
			break
		}
		c.removeLocked(e)
		c.persistRemove(key)
		t.evicted++
	}
	if t.evicted > 0 {
		c.logger.Debug("evicted entries",
			zap.Int("count", t.evicted),
			zap.Int64("size", c.size),
			zap.Int64("incoming", incoming),
		)
	}
}

func (c *Cache) purgeExpiredLocked(now time.Time, t *tally) {
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && e.Expired(now) {
			c.removeLocked(e)
			c.persistRemove(key)
			t.expired++
		}
	}
}

func (c *Cache) insertLocked(e *Entry) {
	c.entries.Add(e.Key, e)
	c.tags.AddAll(e.Key, e.Tags)
	c.size += e.Size
	c.syncOccupancyLocked()
}

// removeLocked drops e from the map and the tag index. It does not touch
// the store; callers that want the removal persisted call persistRemove.
func (c *Cache) removeLocked(e *Entry) {
	c.entries.Remove(e.Key)
	c.tags.RemoveAll(e.Key, e.Tags)
	c.size -= e.Size
	c.syncOccupancyLocked()
}

func (c *Cache) syncOccupancyLocked() {
	c.counters.size.Store(c.size)
	c.counters.entries.Store(int64(c.entries.Len()))
}

func (c *Cache) persistRemove(key string) {
	if c.writer != nil && !c.closed.Load() {
		c.writer.remove(key)
	}
}

// record folds t into the counters and mirrors it to the collector.
// It runs after the lock is released.
func (c *Cache) record(t tally) {
	if t.deleted > 0 {
		c.counters.deletes.Add(int64(t.deleted))
		c.stats.IncCounter(stats.MetricCacheDeletes, int64(t.deleted))
	}
	if t.expired > 0 {
		c.counters.expirations.Add(int64(t.expired))
		c.stats.IncCounter(stats.MetricCacheExpirations, int64(t.expired))
	}
	if t.evicted > 0 {
		c.counters.evictions.Add(int64(t.evicted))
		c.stats.IncCounter(stats.MetricCacheEvictions, int64(t.evicted))
	}
	c.stats.SetGauge(stats.MetricCacheSizeBytes, c.counters.size.Load())
	c.stats.SetGauge(stats.MetricCacheEntries, c.counters.entries.Load())
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.sweeping.Done()

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired entries", zap.Int("count", n))
			}
		}
	}
}

// toRecord converts e to its persisted form.
func (e *Entry) toRecord() store.Record {
	return store.Record{
		Key:       e.Key,
		Value:     e.Value,
		CreatedAt: e.CreatedAt,
		TTL:       e.TTL,
		Tags:      e.Tags,
	}
}
