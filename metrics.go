package tiercache

import "sync/atomic"

// Metrics is a point-in-time snapshot of cache counters.
type Metrics struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Deletes     int64
	Evictions   int64
	Expirations int64

	// Entries and Size describe current occupancy.
	Entries int64
	Size    int64
	MaxSize int64

	// DroppedWrites counts persistence writes discarded because the
	// write-back queue was full.
	DroppedWrites int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// counters holds the live values behind Metrics. Reading them never takes
// the cache lock.
type counters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	deletes       atomic.Int64
	evictions     atomic.Int64
	expirations   atomic.Int64
	entries       atomic.Int64
	size          atomic.Int64
	droppedWrites atomic.Int64
}

func (c *counters) snapshot(maxSize int64) Metrics {
	return Metrics{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Deletes:       c.deletes.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
		Entries:       c.entries.Load(),
		Size:          c.size.Load(),
		MaxSize:       maxSize,
		DroppedWrites: c.droppedWrites.Load(),
	}
}

// reset zeroes the event counters. Occupancy is left alone.
func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.droppedWrites.Store(0)
}
