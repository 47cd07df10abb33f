package tiercache

import (
	"context"
	"sync"
)

// flight is one resolver call shared by every caller of a key.
type flight struct {
	done chan struct{}
	val  []byte
	err  error

	// waiters, pinned and abandoned are guarded by flightGroup.mu.
	waiters   int
	pinned    bool
	abandoned bool
	cancel    context.CancelFunc
}

// flightGroup runs at most one call per key at a time.
//
// Calls run on a context detached from their callers. A caller that stops
// waiting only detaches itself; the call is cancelled once its last waiter
// has gone, unless it is pinned. Pinned calls are background refreshes that
// run to completion regardless of waiters.
//
// A cancelled call stays registered until fn returns. Callers arriving in
// the meantime wait for it to finish and then start a fresh call, so a
// resolver that ignores cancellation never runs twice at once for a key.
type flightGroup struct {
	mu      sync.Mutex
	flights map[string]*flight
	wg      sync.WaitGroup
}

// do attaches to the call for key, starting fn if none is running, and waits
// for its outcome or for ctx to end. shared reports whether another caller
// started the call.
func (g *flightGroup) do(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) (val []byte, shared bool, err error) {
	var f *flight
	for {
		g.mu.Lock()
		f, shared = g.flights[key]
		if !shared || !f.abandoned {
			break
		}
		g.mu.Unlock()
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	if !shared {
		f = g.startLocked(context.WithoutCancel(ctx), key, false, fn)
	}
	f.waiters++
	g.mu.Unlock()

	select {
	case <-f.done:
		return f.val, shared, f.err
	case <-ctx.Done():
		g.leave(key, f)
		return nil, shared, ctx.Err()
	}
}

// background starts a pinned call for key on parent unless a call is
// already running. It reports whether a call was started.
func (g *flightGroup) background(parent context.Context, key string, fn func(context.Context) ([]byte, error)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.flights[key]; ok {
		return false
	}
	g.startLocked(parent, key, true, fn)
	return true
}

func (g *flightGroup) startLocked(parent context.Context, key string, pinned bool, fn func(context.Context) ([]byte, error)) *flight {
	ctx, cancel := context.WithCancel(parent)
	f := &flight{
		done:   make(chan struct{}),
		pinned: pinned,
		cancel: cancel,
	}
	if g.flights == nil {
		g.flights = make(map[string]*flight)
	}
	g.flights[key] = f

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()

		val, err := fn(ctx)

		g.mu.Lock()
		if g.flights[key] == f {
			delete(g.flights, key)
		}
		f.val, f.err = val, err
		close(f.done)
		g.mu.Unlock()
	}()
	return f
}

// leave detaches one waiter from f. An unpinned call left with no waiters
// is cancelled and marked abandoned; it is forgotten once fn returns.
func (g *flightGroup) leave(key string, f *flight) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters > 0 || f.pinned {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	f.abandoned = true
	f.cancel()
}

// inFlight reports whether a call for key is running.
func (g *flightGroup) inFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flights[key]
	return ok
}

// wait blocks until every started call has returned.
func (g *flightGroup) wait() {
	g.wg.Wait()
}
