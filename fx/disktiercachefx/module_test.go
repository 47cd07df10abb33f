package disktiercachefx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/discochess/tiercache"
)

type recordingExecutor struct {
	mu      sync.Mutex
	targets []string
}

func (e *recordingExecutor) Execute(_ context.Context, op tiercache.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = append(e.targets, op.Target)
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.targets)
}

func TestModule_CachePersistsAcrossRestart(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), MaxSize: 1 << 20}

	var cache *tiercache.Cache
	app := fxtest.New(t,
		fx.Supply(cfg, zap.NewNop()),
		Module,
		fx.Populate(&cache),
	)
	app.RequireStart()
	if err := cache.Set("k", []byte("v"), tiercache.SetOptions{Tags: []string{"t"}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	app.RequireStop()

	app = fxtest.New(t,
		fx.Supply(cfg, zap.NewNop()),
		Module,
		fx.Populate(&cache),
	)
	app.RequireStart()
	defer app.RequireStop()

	if got, ok := cache.Get("k"); !ok || string(got) != "v" {
		t.Errorf("Get() after restart = %q, %v", got, ok)
	}
}

func TestModule_QueueReplaysOnStart(t *testing.T) {
	cfg := Config{DataDir: t.TempDir(), Registerer: prometheus.NewRegistry()}
	exec := &recordingExecutor{}

	var q *tiercache.SyncQueue
	app := fxtest.New(t,
		fx.Supply(cfg, zap.NewNop()),
		fx.Provide(func() tiercache.Executor { return exec }),
		Module,
		fx.Populate(&q),
	)
	// Enqueue before start so the startup replay picks it up.
	if _, err := q.Enqueue(context.Background(), tiercache.Operation{Method: "POST", Target: "/events"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	app.RequireStart()
	defer app.RequireStop()

	deadline := time.Now().Add(5 * time.Second)
	for exec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("queued operation was not replayed after start")
		}
		time.Sleep(time.Millisecond)
	}
}
