package tiercache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/time/rate"

	"github.com/discochess/tiercache/internal/journal/diskjournal"
	"github.com/discochess/tiercache/internal/journal/memjournal"
)

var errOffline = errors.New("connection refused")

// fakeOrigin records executed targets and fails those listed in fail.
type fakeOrigin struct {
	mu       sync.Mutex
	executed []string
	fail     map[string]error
	// failOnce targets fail on their first attempt only.
	failOnce map[string]bool
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{fail: map[string]error{}, failOnce: map[string]bool{}}
}

func (o *fakeOrigin) Execute(ctx context.Context, op Operation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executed = append(o.executed, op.Target)
	if o.failOnce[op.Target] {
		delete(o.failOnce, op.Target)
		return errOffline
	}
	return o.fail[op.Target]
}

func (o *fakeOrigin) calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.executed)
}

func newTestQueue(t *testing.T, exec Executor, opts ...QueueOption) *SyncQueue {
	t.Helper()
	base := []QueueOption{WithQueueClock(clockwork.NewFakeClockAt(epoch))}
	q, err := NewSyncQueue(exec, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSyncQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueueAll(t *testing.T, q *SyncQueue, targets ...string) []string {
	t.Helper()
	ids := make([]string, len(targets))
	for i, target := range targets {
		id, err := q.Enqueue(context.Background(), Operation{Method: "POST", Target: target})
		if err != nil {
			t.Fatalf("Enqueue(%q) error = %v", target, err)
		}
		ids[i] = id
	}
	return ids
}

func pendingTargets(q *SyncQueue) []string {
	var out []string
	for _, it := range q.Pending() {
		out = append(out, it.Operation.Target)
	}
	return out
}

func TestNewSyncQueue_Validation(t *testing.T) {
	if _, err := NewSyncQueue(nil); err == nil {
		t.Error("NewSyncQueue(nil) should return error")
	}
	if _, err := NewSyncQueue(newFakeOrigin(), WithMaxRetries(0)); err == nil {
		t.Error("NewSyncQueue() with zero retries should return error")
	}
}

func TestSyncQueue_DurabilityUnderFailure(t *testing.T) {
	origin := newFakeOrigin()
	origin.fail["/2"] = errOffline

	var dead []DeadLetter
	q := newTestQueue(t, origin,
		WithMaxRetries(3),
		OnDeadLetter(func(dl DeadLetter) { dead = append(dead, dl) }),
	)
	ids := enqueueAll(t, q, "/1", "/2", "/3")
	ctx := context.Background()

	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res.Succeeded != 2 || res.Retried != 1 {
		t.Errorf("first Drain() = %+v, want 2 succeeded, 1 retried", res)
	}

	for pass := 2; pass <= 3; pass++ {
		res, err = q.Drain(ctx)
		if err != nil {
			t.Fatalf("Drain() pass %d error = %v", pass, err)
		}
	}
	if res.DeadLettered != 1 || len(res.Failed) != 1 {
		t.Fatalf("final Drain() = %+v, want one dead letter", res)
	}

	if len(dead) != 1 {
		t.Fatalf("dead-letter callback fired %d times, want 1", len(dead))
	}
	dl := dead[0]
	if dl.Item.ID != ids[1] || dl.Item.RetryCount != 3 {
		t.Errorf("dead letter = %+v, want item 2 after 3 attempts", dl.Item)
	}
	if !errors.Is(dl.Err, ErrQueueTerminal) || !errors.Is(dl.Err, errOffline) {
		t.Errorf("dead letter error = %v, want ErrQueueTerminal wrapping the last failure", dl.Err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}

	// Further drains do nothing and never re-fire the callback.
	q.Drain(ctx)
	if len(dead) != 1 {
		t.Errorf("dead-letter callback fired again")
	}
	if got := origin.calls(); !slices.Equal(got, []string{"/1", "/2", "/3", "/2", "/2"}) {
		t.Errorf("executed = %v", got)
	}
}

func TestSyncQueue_TerminalDeadLettersImmediately(t *testing.T) {
	origin := newFakeOrigin()
	origin.fail["/bad"] = Terminal(errors.New("422 unprocessable"))
	q := newTestQueue(t, origin)
	enqueueAll(t, q, "/bad", "/good")

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res.DeadLettered != 1 || res.Succeeded != 1 || res.Retried != 0 {
		t.Errorf("Drain() = %+v", res)
	}
	dls := q.DeadLetters()
	if len(dls) != 1 || dls[0].Item.RetryCount != 0 {
		t.Fatalf("DeadLetters() = %+v", dls)
	}
	if !IsTerminal(dls[0].Err) {
		t.Errorf("dead letter error %v should be terminal", dls[0].Err)
	}

	if n := q.PurgeDeadLetters(); n != 1 {
		t.Errorf("PurgeDeadLetters() = %d, want 1", n)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("DeadLetters() not empty after purge")
	}
}

func TestSyncQueue_TerminalPredicate(t *testing.T) {
	errConflict := errors.New("409 conflict")
	origin := newFakeOrigin()
	origin.fail["/x"] = errConflict

	q := newTestQueue(t, origin, WithTerminalPredicate(func(err error) bool {
		return errors.Is(err, errConflict)
	}))
	enqueueAll(t, q, "/x")

	res, _ := q.Drain(context.Background())
	if res.DeadLettered != 1 {
		t.Errorf("Drain() = %+v, want custom terminal error dead-lettered", res)
	}
}

func TestSyncQueue_RetryMovesToBack(t *testing.T) {
	origin := newFakeOrigin()
	origin.failOnce["/a"] = true
	q := newTestQueue(t, origin)
	enqueueAll(t, q, "/a", "/b", "/c")

	res, _ := q.Drain(context.Background())
	if res.Succeeded != 2 || res.Retried != 1 {
		t.Errorf("Drain() = %+v", res)
	}
	if got := pendingTargets(q); !slices.Equal(got, []string{"/a"}) {
		t.Errorf("Pending() = %v, want [/a]", got)
	}
	if got := q.Pending()[0].RetryCount; got != 1 {
		t.Errorf("RetryCount = %d, want 1", got)
	}

	q.Drain(context.Background())
	if got := origin.calls(); !slices.Equal(got, []string{"/a", "/b", "/c", "/a"}) {
		t.Errorf("executed = %v", got)
	}
}

func TestSyncQueue_EnqueueDuringDrainWaits(t *testing.T) {
	var q *SyncQueue
	var executed []string
	exec := ExecutorFunc(func(ctx context.Context, op Operation) error {
		executed = append(executed, op.Target)
		if op.Target == "/first" {
			if _, err := q.Enqueue(ctx, Operation{Target: "/late"}); err != nil {
				t.Errorf("Enqueue() during drain error = %v", err)
			}
		}
		return nil
	})
	q = newTestQueue(t, exec)
	enqueueAll(t, q, "/first", "/second")

	res, _ := q.Drain(context.Background())
	if res.Succeeded != 2 {
		t.Errorf("Drain() = %+v, want 2 succeeded", res)
	}
	if got := pendingTargets(q); !slices.Equal(got, []string{"/late"}) {
		t.Errorf("Pending() = %v, want [/late]", got)
	}
	if !slices.Equal(executed, []string{"/first", "/second"}) {
		t.Errorf("executed = %v", executed)
	}
}

func TestSyncQueue_JournalReloadPreservesOrder(t *testing.T) {
	j := memjournal.New()
	origin := newFakeOrigin()
	origin.failOnce["/a"] = true

	q1, err := NewSyncQueue(origin, WithJournal(j))
	if err != nil {
		t.Fatalf("NewSyncQueue() error = %v", err)
	}
	enqueueAll(t, q1, "/a", "/b", "/c")
	q1.Close()
	if j.Len() != 3 {
		t.Fatalf("journal holds %d items, want 3", j.Len())
	}

	q2, err := NewSyncQueue(origin, WithJournal(j))
	if err != nil {
		t.Fatalf("NewSyncQueue() reload error = %v", err)
	}
	defer q2.Close()
	if got := pendingTargets(q2); !slices.Equal(got, []string{"/a", "/b", "/c"}) {
		t.Fatalf("Pending() after reload = %v", got)
	}

	// /a is retried behind the others, and the journal follows.
	q2.Drain(context.Background())
	if j.Len() != 1 {
		t.Errorf("journal holds %d items after drain, want 1", j.Len())
	}

	q3, err := NewSyncQueue(origin, WithJournal(j))
	if err != nil {
		t.Fatalf("NewSyncQueue() second reload error = %v", err)
	}
	defer q3.Close()
	items := q3.Pending()
	if len(items) != 1 || items[0].Operation.Target != "/a" || items[0].RetryCount != 1 {
		t.Errorf("Pending() = %+v, want /a with one retry", items)
	}
}

func TestSyncQueue_DiskJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := diskjournal.Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	origin := newFakeOrigin()
	q, err := NewSyncQueue(origin, WithJournal(j))
	if err != nil {
		t.Fatalf("NewSyncQueue() error = %v", err)
	}
	op := Operation{
		Method:  "PUT",
		Target:  "/users/1",
		Payload: []byte(`{"name":"ada"}`),
		Headers: map[string]string{"Content-Type": "application/json"},
	}
	if _, err := q.Enqueue(context.Background(), op); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, err = diskjournal.Open(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	q, err = NewSyncQueue(origin, WithJournal(j))
	if err != nil {
		t.Fatalf("NewSyncQueue() reload error = %v", err)
	}
	defer q.Close()

	items := q.Pending()
	if len(items) != 1 {
		t.Fatalf("Pending() = %d items, want 1", len(items))
	}
	got := items[0].Operation
	if got.Method != "PUT" || string(got.Payload) != `{"name":"ada"}` || got.Headers["Content-Type"] != "application/json" {
		t.Errorf("reloaded operation = %+v", got)
	}
}

func TestSyncQueue_EnqueueJournalFailure(t *testing.T) {
	j := memjournal.New()
	q := newTestQueue(t, newFakeOrigin(), WithJournal(j))
	j.FailWith(errors.New("disk full"))

	if _, err := q.Enqueue(context.Background(), Operation{Target: "/x"}); err == nil {
		t.Error("Enqueue() should fail when the journal cannot persist")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestSyncQueue_EnqueueValidation(t *testing.T) {
	q := newTestQueue(t, newFakeOrigin())
	if _, err := q.Enqueue(context.Background(), Operation{Method: "POST"}); err == nil {
		t.Error("Enqueue() without target should fail")
	}
}

func TestSyncQueue_Submit(t *testing.T) {
	origin := newFakeOrigin()
	origin.fail["/reject"] = Terminal(errors.New("400 bad request"))
	origin.fail["/down"] = errOffline
	q := newTestQueue(t, origin, WithBreaker(5, time.Hour))
	ctx := context.Background()

	id, err := q.Submit(ctx, Operation{Target: "/ok"})
	if err != nil || id != "" {
		t.Errorf("Submit(/ok) = %q, %v, want executed immediately", id, err)
	}

	id, err = q.Submit(ctx, Operation{Target: "/reject"})
	if !IsTerminal(err) || id != "" {
		t.Errorf("Submit(/reject) = %q, %v, want terminal error", id, err)
	}
	if q.Len() != 0 {
		t.Errorf("terminal rejection was queued")
	}

	id, err = q.Submit(ctx, Operation{Target: "/down"})
	if err != nil || id == "" {
		t.Errorf("Submit(/down) = %q, %v, want queued", id, err)
	}

	// With an item pending, new operations queue behind it unexecuted.
	before := len(origin.calls())
	id, err = q.Submit(ctx, Operation{Target: "/ok"})
	if err != nil || id == "" {
		t.Errorf("Submit() behind pending = %q, %v, want queued", id, err)
	}
	if len(origin.calls()) != before {
		t.Error("Submit() executed ahead of pending items")
	}
	if got := pendingTargets(q); !slices.Equal(got, []string{"/down", "/ok"}) {
		t.Errorf("Pending() = %v", got)
	}
}

func TestSyncQueue_SubmitBreaker(t *testing.T) {
	origin := newFakeOrigin()
	origin.fail["/down"] = errOffline
	q := newTestQueue(t, origin, WithBreaker(1, time.Hour))
	ctx := context.Background()

	if id, err := q.Submit(ctx, Operation{Target: "/down"}); err != nil || id == "" {
		t.Fatalf("Submit(/down) = %q, %v, want queued", id, err)
	}
	if q.Online() {
		t.Error("Online() = true after Submit tripped the breaker")
	}

	// Drain passes ignore the breaker, so a recovered origin is used at once.
	delete(origin.fail, "/down")
	res, err := q.Drain(ctx)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("Drain() = %+v, %v, want 1 succeeded", res, err)
	}

	// Submit still trusts the open breaker and queues without contacting
	// the origin.
	before := len(origin.calls())
	if id, err := q.Submit(ctx, Operation{Target: "/d"}); err != nil || id == "" {
		t.Errorf("Submit() while offline = %q, %v, want queued", id, err)
	}
	if got := len(origin.calls()); got != before {
		t.Errorf("origin calls = %d, want %d", got, before)
	}
}

func TestSyncQueue_DeadLettersAfterMaxRetries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
	}{
		{name: "below breaker threshold", maxRetries: 2},
		{name: "above breaker threshold", maxRetries: 5},
		{name: "far above breaker threshold", maxRetries: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origin := newFakeOrigin()
			origin.fail["/2"] = errOffline
			q := newTestQueue(t, origin, WithMaxRetries(tt.maxRetries))
			enqueueAll(t, q, "/1", "/2", "/3")

			for pass := 1; pass <= tt.maxRetries; pass++ {
				if _, err := q.Drain(context.Background()); err != nil {
					t.Fatalf("Drain() pass %d error = %v", pass, err)
				}
			}

			dead := q.DeadLetters()
			if len(dead) != 1 {
				t.Fatalf("DeadLetters() = %d entries, want 1", len(dead))
			}
			if dead[0].Item.Operation.Target != "/2" || dead[0].Item.RetryCount != tt.maxRetries {
				t.Errorf("DeadLetters()[0] = %s with %d retries, want /2 with %d",
					dead[0].Item.Operation.Target, dead[0].Item.RetryCount, tt.maxRetries)
			}
			if q.Len() != 0 {
				t.Errorf("Len() = %d, want 0", q.Len())
			}
			if got := len(origin.calls()); got != 2+tt.maxRetries {
				t.Errorf("origin calls = %d, want %d", got, 2+tt.maxRetries)
			}
		})
	}
}

func TestSyncQueue_FailuresDoNotEndPass(t *testing.T) {
	origin := newFakeOrigin()
	for _, target := range []string{"/a", "/b", "/c"} {
		origin.fail[target] = errOffline
	}
	q := newTestQueue(t, origin)
	enqueueAll(t, q, "/a", "/b", "/c", "/d")

	res, err := q.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if res.Succeeded != 1 || res.Retried != 3 || res.Skipped != 0 {
		t.Errorf("Drain() = %+v, want 1 succeeded and 3 retried", res)
	}
	if got := origin.calls(); !slices.Equal(got, []string{"/a", "/b", "/c", "/d"}) {
		t.Errorf("executed = %v, want every item attempted", got)
	}
	if got := pendingTargets(q); !slices.Equal(got, []string{"/a", "/b", "/c"}) {
		t.Errorf("Pending() = %v, want [/a /b /c]", got)
	}
}

func TestSyncQueue_CancelDuringExecute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var executed []string
	exec := ExecutorFunc(func(ctx context.Context, op Operation) error {
		executed = append(executed, op.Target)
		cancel()
		<-ctx.Done()
		return fmt.Errorf("request aborted: %w", ctx.Err())
	})
	q := newTestQueue(t, exec, WithMaxRetries(1))
	enqueueAll(t, q, "/a", "/b")

	res, err := q.Drain(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Drain() error = %v, want %v", err, context.Canceled)
	}
	if res.Skipped != 2 || res.Retried != 0 || res.DeadLettered != 0 {
		t.Errorf("Drain() = %+v, want 2 skipped", res)
	}
	if !slices.Equal(executed, []string{"/a"}) {
		t.Errorf("executed = %v, want [/a]", executed)
	}
	if n := len(q.DeadLetters()); n != 0 {
		t.Errorf("DeadLetters() = %d entries, want 0", n)
	}
	items := q.Pending()
	if len(items) != 2 || items[0].Operation.Target != "/a" || items[0].RetryCount != 0 {
		t.Errorf("Pending() = %+v, want /a first with no retries used", items)
	}
}

func TestSyncQueue_RunDrainsOnConnectivity(t *testing.T) {
	origin := newFakeOrigin()
	clock := clockwork.NewFakeClockAt(epoch)
	q, err := NewSyncQueue(origin, WithQueueClock(clock), WithDrainInterval(time.Hour, time.Hour))
	if err != nil {
		t.Fatalf("NewSyncQueue() error = %v", err)
	}
	defer q.Close()
	enqueueAll(t, q, "/a", "/b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	q.ConnectivityRestored()
	waitForEmpty(t, q)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if got := origin.calls(); !slices.Equal(got, []string{"/a", "/b"}) {
		t.Errorf("executed = %v", got)
	}
}

func TestSyncQueue_RunDrainsOnTimer(t *testing.T) {
	origin := newFakeOrigin()
	clock := clockwork.NewFakeClockAt(epoch)
	q, err := NewSyncQueue(origin, WithQueueClock(clock), WithDrainInterval(30*time.Second, time.Minute))
	if err != nil {
		t.Fatalf("NewSyncQueue() error = %v", err)
	}
	defer q.Close()
	enqueueAll(t, q, "/a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("Run() never armed its timer: %v", err)
	}
	clock.Advance(30 * time.Second)
	waitForEmpty(t, q)
}

func waitForEmpty(t *testing.T, q *SyncQueue) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue still holds %v", pendingTargets(q))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSyncQueue_ReplayRate(t *testing.T) {
	origin := newFakeOrigin()
	q := newTestQueue(t, origin, WithReplayRate(rate.Every(time.Hour), 1))
	enqueueAll(t, q, "/a", "/b")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := q.Drain(ctx)
	if err == nil {
		t.Error("Drain() should stop when pacing exceeds the deadline")
	}
	if res.Succeeded != 1 || res.Skipped != 1 {
		t.Errorf("Drain() = %+v, want 1 succeeded and 1 skipped", res)
	}
	if got := pendingTargets(q); !slices.Equal(got, []string{"/b"}) {
		t.Errorf("Pending() = %v, want [/b]", got)
	}
}

func TestSyncQueue_ConcurrentDrainsSerialize(t *testing.T) {
	origin := newFakeOrigin()
	q := newTestQueue(t, origin)
	var targets []string
	for i := range 20 {
		targets = append(targets, fmt.Sprintf("/%d", i))
	}
	enqueueAll(t, q, targets...)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Drain(context.Background())
		}()
	}
	wg.Wait()

	if got := origin.calls(); !slices.Equal(got, targets) {
		t.Errorf("executed = %v, want each item once in order", got)
	}
}

func TestSyncQueue_Closed(t *testing.T) {
	q, err := NewSyncQueue(newFakeOrigin())
	if err != nil {
		t.Fatalf("NewSyncQueue() error = %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := q.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() error = %v, want ErrClosed", err)
	}
	if _, err := q.Enqueue(context.Background(), Operation{Target: "/x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
	if _, err := q.Submit(context.Background(), Operation{Target: "/x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

func TestSyncQueue_DrainSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	q := newTestQueue(t, newFakeOrigin(), WithQueueTracerProvider(tp))
	enqueueAll(t, q, "/a")

	q.Drain(context.Background())

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "tiercache.drain" {
		t.Fatalf("spans = %v, want one tiercache.drain", spans)
	}
}

func TestTerminal(t *testing.T) {
	base := errors.New("gone")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", base, false},
		{"terminal", Terminal(base), true},
		{"wrapped terminal", fmt.Errorf("replay: %w", Terminal(base)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.err); got != tt.want {
				t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) should be nil")
	}
	if !errors.Is(Terminal(base), base) {
		t.Error("Terminal() should unwrap to the original error")
	}
}
