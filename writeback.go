package tiercache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/tiercache/internal/stats"
	"github.com/discochess/tiercache/internal/store"
)

// writeOp is one pending persistence call.
type writeOp struct {
	remove bool
	key    string
	rec    store.Record
}

// writeBack forwards cache mutations to a store from a single goroutine so
// the store never runs inside the cache's critical section.
//
// Pending operations are coalesced per key: a newer operation replaces the
// one still waiting for the same key, so the store always ends up with the
// latest state of every key it was told about. Keys are flushed in the
// order they first became pending.
type writeBack struct {
	store   store.Store
	timeout time.Duration
	stats   stats.Collector
	logger  *zap.Logger
	dropped func()
	limit   int

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]writeOp
	order   []string
	closed  bool
	wg      sync.WaitGroup
}

func newWriteBack(s store.Store, buffer int, timeout time.Duration, sc stats.Collector, logger *zap.Logger, dropped func()) *writeBack {
	if buffer < 1 {
		buffer = 1
	}
	w := &writeBack{
		store:   s,
		timeout: timeout,
		stats:   sc,
		logger:  logger,
		dropped: dropped,
		limit:   buffer,
		pending: make(map[string]writeOp),
	}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.worker()
	return w
}

// save queues rec. It never blocks. When the queue already holds limit
// keys and none of them is rec's, the write is dropped.
func (w *writeBack) save(rec store.Record) {
	w.enqueue(writeOp{key: rec.Key, rec: rec})
}

// remove queues a removal of key. Removals are never dropped: losing one
// would bring the key back on the next load.
func (w *writeBack) remove(key string) {
	w.enqueue(writeOp{remove: true, key: key})
}

func (w *writeBack) enqueue(op writeOp) {
	w.mu.Lock()
	if _, ok := w.pending[op.key]; ok {
		w.pending[op.key] = op
		w.mu.Unlock()
		return
	}
	if !op.remove && len(w.pending) >= w.limit {
		w.mu.Unlock()
		w.dropped()
		w.stats.IncCounter(stats.MetricPersistDropped, 1)
		w.logger.Warn("persistence queue full, dropping write", zap.String("key", op.key))
		return
	}
	w.pending[op.key] = op
	w.order = append(w.order, op.key)
	w.mu.Unlock()
	w.cond.Signal()
}

// next blocks until an operation is pending and pops the oldest key. It
// returns false once the queue is closed and empty.
func (w *writeBack) next() (writeOp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.order) == 0 {
		if w.closed {
			return writeOp{}, false
		}
		w.cond.Wait()
	}
	key := w.order[0]
	w.order[0] = ""
	w.order = w.order[1:]
	op := w.pending[key]
	delete(w.pending, key)
	return op, true
}

func (w *writeBack) worker() {
	defer w.wg.Done()

	for {
		op, ok := w.next()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		var err error
		if op.remove {
			err = w.store.Remove(ctx, op.key)
		} else {
			err = w.store.Save(ctx, op.rec)
		}
		cancel()
		if err != nil {
			w.stats.IncCounter(stats.MetricPersistErrors, 1)
			w.logger.Warn("persisting entry failed",
				zap.String("key", op.key),
				zap.Bool("remove", op.remove),
				zap.Error(err),
			)
		}
	}
}

// close stops accepting writes and waits for queued ones to finish.
// The caller must guarantee no concurrent save or remove.
func (w *writeBack) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	w.wg.Wait()
}
