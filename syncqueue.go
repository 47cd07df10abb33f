package tiercache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/discochess/tiercache/internal/journal"
	"github.com/discochess/tiercache/internal/journal/memjournal"
	"github.com/discochess/tiercache/internal/stats"
)

// Operation is a mutating request to replay against the origin.
type Operation struct {
	Method  string
	Target  string
	Payload []byte
	Headers map[string]string
}

func (op Operation) clone() Operation {
	op.Payload = slices.Clone(op.Payload)
	op.Headers = maps.Clone(op.Headers)
	return op
}

// Executor performs operations against the origin. Errors wrapped with
// Terminal are definitive rejections; all others are retried.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op Operation) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// TerminalError marks an operation failure that retrying cannot fix.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return "terminal: " + e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Terminal wraps err as a definitive rejection. Terminal(nil) is nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err was wrapped with Terminal.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Item is a queued operation.
type Item struct {
	ID         string
	Operation  Operation
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int

	seq uint64
}

func (it *Item) clone() Item {
	out := *it
	out.Operation = it.Operation.clone()
	return out
}

// DeadLetter is an item that will not be retried again.
type DeadLetter struct {
	Item Item
	// Err matches ErrQueueTerminal and the last execution error.
	Err error
	At  time.Time
}

// DrainResult reports the outcome of one drain pass.
type DrainResult struct {
	Succeeded    int
	Retried      int
	DeadLettered int
	// Skipped counts items left untouched because ctx ended before or
	// while they ran. They keep their retry count.
	Skipped int
	Failed  []DeadLetter
}

// QueueOption configures a SyncQueue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	journal          journal.Journal
	maxRetries       int
	isTerminal       func(error) bool
	onDeadLetter     func(DeadLetter)
	logger           *zap.Logger
	stats            stats.Collector
	clock            clockwork.Clock
	tracerProvider   trace.TracerProvider
	drainInterval    time.Duration
	maxDrainInterval time.Duration
	limit            rate.Limit
	burst            int
	breakerFailures  uint32
	breakerTimeout   time.Duration
}

func defaultQueueOptions() queueOptions {
	return queueOptions{
		maxRetries:       3,
		isTerminal:       IsTerminal,
		logger:           zap.NewNop(),
		stats:            stats.NewNoop(),
		clock:            clockwork.NewRealClock(),
		drainInterval:    30 * time.Second,
		maxDrainInterval: 10 * time.Minute,
		limit:            rate.Inf,
		burst:            1,
		breakerFailures:  3,
		breakerTimeout:   30 * time.Second,
	}
}

// WithJournal sets the durable item store. Default is in-memory.
func WithJournal(j journal.Journal) QueueOption {
	return func(o *queueOptions) {
		o.journal = j
	}
}

// WithMaxRetries sets the attempts an item gets before it is dead-lettered.
// Default is 3.
func WithMaxRetries(n int) QueueOption {
	return func(o *queueOptions) {
		o.maxRetries = n
	}
}

// WithTerminalPredicate sets the classifier for definitive rejections.
// Default is IsTerminal.
func WithTerminalPredicate(fn func(error) bool) QueueOption {
	return func(o *queueOptions) {
		o.isTerminal = fn
	}
}

// OnDeadLetter sets a callback invoked exactly once per dead-lettered item,
// from the goroutine running Drain.
func OnDeadLetter(fn func(DeadLetter)) QueueOption {
	return func(o *queueOptions) {
		o.onDeadLetter = fn
	}
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *zap.Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = l
	}
}

// WithQueueStats sets the stats collector.
func WithQueueStats(c stats.Collector) QueueOption {
	return func(o *queueOptions) {
		o.stats = c
	}
}

// WithQueueClock sets the time source used for timestamps and the drain
// timer.
func WithQueueClock(c clockwork.Clock) QueueOption {
	return func(o *queueOptions) {
		o.clock = c
	}
}

// WithQueueTracerProvider sets the provider for drain spans.
func WithQueueTracerProvider(tp trace.TracerProvider) QueueOption {
	return func(o *queueOptions) {
		o.tracerProvider = tp
	}
}

// WithDrainInterval sets the periodic drain interval used by Run and the
// ceiling it backs off to while passes keep failing.
// Defaults are 30 seconds and 10 minutes.
func WithDrainInterval(interval, max time.Duration) QueueOption {
	return func(o *queueOptions) {
		o.drainInterval = interval
		o.maxDrainInterval = max
	}
}

// WithReplayRate paces drain executions. Default is unlimited.
func WithReplayRate(limit rate.Limit, burst int) QueueOption {
	return func(o *queueOptions) {
		o.limit = limit
		o.burst = burst
	}
}

// WithBreaker sets how many consecutive Submit failures mark the origin
// offline and how long Submit then queues without trying before it tries
// the origin again. Drain passes are not subject to the breaker.
// Defaults are 3 failures and 30 seconds.
func WithBreaker(failures uint32, timeout time.Duration) QueueOption {
	return func(o *queueOptions) {
		o.breakerFailures = failures
		o.breakerTimeout = timeout
	}
}

// SyncQueue holds mutating operations while the origin is unreachable and
// replays them in order with bounded retry.
// A SyncQueue is safe for concurrent use by multiple goroutines.
type SyncQueue struct {
	exec         Executor
	journal      journal.Journal
	maxRetries   int
	isTerminal   func(error) bool
	onDeadLetter func(DeadLetter)
	logger       *zap.Logger
	stats        stats.Collector
	clock        clockwork.Clock
	tracer       trace.Tracer
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[struct{}]
	interval     time.Duration
	maxInterval  time.Duration

	// mu guards items, dead and seq. Operations never execute under it.
	mu    sync.Mutex
	items []*Item
	dead  []DeadLetter
	seq   uint64

	// drainMu serializes drain passes.
	drainMu sync.Mutex

	wake   chan struct{}
	closed atomic.Bool
}

// NewSyncQueue creates a queue that replays through exec. Items already in
// the journal are restored in their original order.
func NewSyncQueue(exec Executor, opts ...QueueOption) (*SyncQueue, error) {
	cfg := defaultQueueOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	if exec == nil {
		return nil, errors.New("tiercache: sync queue needs an executor")
	}
	if cfg.maxRetries < 1 {
		return nil, fmt.Errorf("tiercache: max retries must be at least 1, got %d", cfg.maxRetries)
	}
	if cfg.journal == nil {
		cfg.journal = memjournal.New()
	}
	if cfg.isTerminal == nil {
		cfg.isTerminal = IsTerminal
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = otel.GetTracerProvider()
	}

	q := &SyncQueue{
		exec:         exec,
		journal:      cfg.journal,
		maxRetries:   cfg.maxRetries,
		isTerminal:   cfg.isTerminal,
		onDeadLetter: cfg.onDeadLetter,
		logger:       cfg.logger,
		stats:        cfg.stats,
		clock:        cfg.clock,
		tracer:       cfg.tracerProvider.Tracer(instrumentationName),
		interval:     cfg.drainInterval,
		maxInterval:  cfg.maxDrainInterval,
		wake:         make(chan struct{}, 1),
	}
	if cfg.limit != rate.Inf {
		q.limiter = rate.NewLimiter(cfg.limit, cfg.burst)
	}

	failures := cfg.breakerFailures
	q.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "tiercache-origin",
		MaxRequests: 1,
		Timeout:     cfg.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A definitive rejection still proves the origin is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || q.isTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			q.logger.Info("origin connectivity changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if to == gobreaker.StateClosed {
				q.ConnectivityRestored()
			}
		},
	})

	if err := q.restore(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SyncQueue) restore(ctx context.Context) error {
	saved, corrupt, err := q.journal.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading journal: %w", err)
	}
	if corrupt > 0 {
		q.logger.Warn("dropped corrupt journal items", zap.Int("count", corrupt))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ji := range saved {
		item := fromJournal(ji)
		if item.MaxRetries < 1 {
			item.MaxRetries = q.maxRetries
		}
		q.items = append(q.items, item)
		q.seq = max(q.seq, item.seq)
	}
	q.stats.SetGauge(stats.MetricQueueDepth, int64(len(q.items)))
	if len(saved) > 0 {
		q.logger.Info("restored queued operations", zap.Int("count", len(saved)))
	}
	return nil
}

// Enqueue appends op and returns its item ID. The item is journaled before
// Enqueue returns.
func (q *SyncQueue) Enqueue(ctx context.Context, op Operation) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	if op.Target == "" {
		return "", errors.New("tiercache: operation target is required")
	}

	item := &Item{
		ID:         uuid.NewString(),
		Operation:  op.clone(),
		EnqueuedAt: q.clock.Now(),
		MaxRetries: q.maxRetries,
	}

	q.mu.Lock()
	q.seq++
	item.seq = q.seq
	if err := q.journal.Append(ctx, toJournal(item)); err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("journaling operation: %w", err)
	}
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.stats.IncCounter(stats.MetricQueueEnqueued, 1)
	q.stats.SetGauge(stats.MetricQueueDepth, int64(depth))
	q.logger.Debug("operation queued",
		zap.String("id", item.ID),
		zap.String("method", op.Method),
		zap.String("target", op.Target),
	)
	return item.ID, nil
}

// Submit executes op now if the origin looks reachable, or queues it.
// It returns the item ID when op was queued and "" when it ran. Terminal
// rejections are returned unqueued. While items are pending, op is queued
// behind them so operations are never reordered.
func (q *SyncQueue) Submit(ctx context.Context, op Operation) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	if q.Len() > 0 {
		return q.Enqueue(ctx, op)
	}

	err := q.execute(ctx, op)
	switch {
	case err == nil:
		return "", nil
	case q.isTerminal(err):
		return "", err
	case ctx.Err() != nil:
		return "", ctx.Err()
	}

	q.logger.Debug("origin unreachable, queueing operation",
		zap.String("target", op.Target),
		zap.Error(err),
	)
	return q.Enqueue(ctx, op)
}

// ConnectivityRestored asks Run to drain now.
func (q *SyncQueue) ConnectivityRestored() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains on every connectivity signal and on a periodic timer until
// ctx ends. The timer backs off exponentially while passes leave items
// behind and resets after a clean pass.
func (q *SyncQueue) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.interval
	b.MaxInterval = q.maxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Clock = q.clock
	b.Reset()

	timer := q.clock.NewTimer(q.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-timer.Chan():
		}

		res, err := q.Drain(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		next := q.interval
		if err != nil || res.Retried > 0 || res.Skipped > 0 {
			next = b.NextBackOff()
		} else {
			b.Reset()
		}
		timer.Stop()
		timer.Reset(next)
	}
}

// Drain processes the items pending when it starts, oldest first. Items
// queued during the pass wait for the next one. A failed item is retried
// at the back of the queue until it has used MaxRetries attempts; a
// terminal failure dead-letters it at once. Concurrent calls run one
// after another.
//
// Every item of the pass is attempted even when earlier ones fail, so a
// persistently failing item never holds back the rest. Drain stops early,
// leaving the rest pending and untouched, only when ctx ends; the returned
// error is non-nil only in that case.
func (q *SyncQueue) Drain(ctx context.Context) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	ctx, span := q.tracer.Start(ctx, "tiercache.drain")
	defer span.End()

	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()

	var res DrainResult
	var stopErr error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			stopErr = err
			res.Skipped = n - i
			break
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				stopErr = err
				res.Skipped = n - i
				break
			}
		}

		// Earlier items of this pass have left the front, so the head is
		// always the next item to process.
		q.mu.Lock()
		item := q.items[0]
		q.mu.Unlock()

		err := q.exec.Execute(ctx, item.Operation)
		if err != nil && ctx.Err() != nil {
			// The caller gave up; the failure says nothing about the item.
			stopErr = ctx.Err()
			res.Skipped = n - i
			break
		}
		q.settle(ctx, item, err, &res)
	}

	q.mu.Lock()
	depth := len(q.items)
	q.mu.Unlock()
	q.stats.SetGauge(stats.MetricQueueDepth, int64(depth))

	span.SetAttributes(
		attribute.Int("tiercache.succeeded", res.Succeeded),
		attribute.Int("tiercache.retried", res.Retried),
		attribute.Int("tiercache.dead_lettered", res.DeadLettered),
		attribute.Int("tiercache.skipped", res.Skipped),
	)
	if n > 0 {
		q.logger.Info("drain pass finished",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("retried", res.Retried),
			zap.Int("deadLettered", res.DeadLettered),
			zap.Int("skipped", res.Skipped),
			zap.Int("pending", depth),
		)
	}
	return res, stopErr
}

// settle applies the outcome of executing the head item.
func (q *SyncQueue) settle(ctx context.Context, item *Item, err error, res *DrainResult) {
	if err == nil {
		q.mu.Lock()
		q.items = q.items[1:]
		q.mu.Unlock()
		q.forget(ctx, item.ID)
		res.Succeeded++
		q.stats.IncCounter(stats.MetricQueueSucceeded, 1)
		return
	}

	terminal := q.isTerminal(err)
	if !terminal {
		item.RetryCount++
	}
	if terminal || item.RetryCount >= item.MaxRetries {
		dl := DeadLetter{
			Item: item.clone(),
			Err:  fmt.Errorf("%w: %w", ErrQueueTerminal, err),
			At:   q.clock.Now(),
		}
		q.mu.Lock()
		q.items = q.items[1:]
		q.dead = append(q.dead, dl)
		q.mu.Unlock()
		q.forget(ctx, item.ID)

		res.DeadLettered++
		res.Failed = append(res.Failed, dl)
		q.stats.IncCounter(stats.MetricQueueDeadLettered, 1)
		q.logger.Warn("operation dead-lettered",
			zap.String("id", item.ID),
			zap.String("target", item.Operation.Target),
			zap.Int("attempts", item.RetryCount),
			zap.Bool("terminal", terminal),
			zap.Error(err),
		)
		if q.onDeadLetter != nil {
			q.onDeadLetter(dl)
		}
		return
	}

	q.mu.Lock()
	q.seq++
	item.seq = q.seq
	q.items = append(q.items[1:], item)
	q.mu.Unlock()
	if jerr := q.journal.Append(ctx, toJournal(item)); jerr != nil {
		q.logger.Warn("journaling retry failed", zap.String("id", item.ID), zap.Error(jerr))
	}

	res.Retried++
	q.stats.IncCounter(stats.MetricQueueRetried, 1)
	q.logger.Debug("operation will be retried",
		zap.String("id", item.ID),
		zap.Int("retryCount", item.RetryCount),
		zap.Error(err),
	)
}

// execute runs op through the breaker. Only Submit uses it: drain passes
// must give every item its attempt whatever the breaker state.
func (q *SyncQueue) execute(ctx context.Context, op Operation) error {
	_, err := q.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, q.exec.Execute(ctx, op)
	})
	return err
}

func (q *SyncQueue) forget(ctx context.Context, id string) {
	if err := q.journal.Remove(context.WithoutCancel(ctx), id); err != nil {
		q.logger.Warn("removing journaled item failed", zap.String("id", id), zap.Error(err))
	}
}

// Len returns the number of pending items.
func (q *SyncQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns copies of the pending items in processing order.
func (q *SyncQueue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// DeadLetters returns the dead-lettered items retained since the last purge.
func (q *SyncQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead)
}

// PurgeDeadLetters discards retained dead letters and returns how many
// there were.
func (q *SyncQueue) PurgeDeadLetters() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.dead)
	q.dead = nil
	return n
}

// Online reports whether Submit currently considers the origin reachable.
func (q *SyncQueue) Online() bool {
	return q.breaker.State() != gobreaker.StateOpen
}

// Close rejects further operations and closes the journal. Pending items
// stay journaled for the next process.
func (q *SyncQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if err := q.journal.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}

func toJournal(it *Item) journal.Item {
	return journal.Item{
		ID:         it.ID,
		Seq:        it.seq,
		Method:     it.Operation.Method,
		Target:     it.Operation.Target,
		Payload:    it.Operation.Payload,
		Headers:    it.Operation.Headers,
		EnqueuedAt: it.EnqueuedAt,
		RetryCount: it.RetryCount,
		MaxRetries: it.MaxRetries,
	}
}

func fromJournal(ji journal.Item) *Item {
	return &Item{
		ID: ji.ID,
		Operation: Operation{
			Method:  ji.Method,
			Target:  ji.Target,
			Payload: ji.Payload,
			Headers: ji.Headers,
		},
		EnqueuedAt: ji.EnqueuedAt,
		RetryCount: ji.RetryCount,
		MaxRetries: ji.MaxRetries,
		seq:        ji.Seq,
	}
}
