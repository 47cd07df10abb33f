package prometheus

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/discochess/tiercache/internal/stats"
)

// gather returns the metric family named name, or nil.
func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestNew_DefaultRegistry(t *testing.T) {
	c := New(nil)
	if c.registry == nil {
		t.Error("registry should not be nil")
	}
	if len(c.buckets) == 0 {
		t.Error("buckets should default to prometheus.DefBuckets")
	}
}

func TestNew_CustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	if c.registry != reg {
		t.Error("registry should be the custom registry")
	}
}

func TestCollector_IncCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.IncCounter(stats.MetricCacheHits, 5)
	c.IncCounter(stats.MetricCacheHits, 3)

	f := gather(t, reg, stats.MetricCacheHits)
	if f == nil {
		t.Fatalf("%s not found in registry", stats.MetricCacheHits)
	}
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 8 {
		t.Errorf("counter value = %v, want 8", got)
	}
}

func TestCollector_SetGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetGauge(stats.MetricCacheSizeBytes, 42)
	c.SetGauge(stats.MetricCacheSizeBytes, 40)

	f := gather(t, reg, stats.MetricCacheSizeBytes)
	if f == nil {
		t.Fatalf("%s not found in registry", stats.MetricCacheSizeBytes)
	}
	if got := f.GetMetric()[0].GetGauge().GetValue(); got != 40 {
		t.Errorf("gauge value = %v, want 40", got)
	}
}

func TestCollector_ObserveHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, WithBuckets([]float64{0.01, 0.1, 1}))

	c.ObserveHistogram(stats.MetricResolveSeconds, 0.005)
	c.ObserveHistogram(stats.MetricResolveSeconds, 0.05)
	c.ObserveHistogram(stats.MetricResolveSeconds, 2)

	f := gather(t, reg, stats.MetricResolveSeconds)
	if f == nil {
		t.Fatalf("%s not found in registry", stats.MetricResolveSeconds)
	}
	h := f.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Errorf("histogram count = %v, want 3", h.GetSampleCount())
	}
	if len(h.GetBucket()) != 3 {
		t.Errorf("bucket count = %d, want 3", len(h.GetBucket()))
	}
}

func TestCollector_ConstLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, WithConstLabels(prometheus.Labels{"cache": "sessions"}))

	c.IncCounter(stats.MetricCacheMisses, 1)

	f := gather(t, reg, stats.MetricCacheMisses)
	if f == nil {
		t.Fatalf("%s not found in registry", stats.MetricCacheMisses)
	}
	labels := f.GetMetric()[0].GetLabel()
	if len(labels) != 1 || labels[0].GetName() != "cache" || labels[0].GetValue() != "sessions" {
		t.Errorf("labels = %v, want cache=sessions", labels)
	}
}

func TestCollector_ReuseMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	for i := 0; i < 3; i++ {
		c.IncCounter(stats.MetricCacheSets, 1)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	count := 0
	for _, f := range families {
		if f.GetName() == stats.MetricCacheSets {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected 1 metric named %s, got %d", stats.MetricCacheSets, count)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncCounter("concurrent_counter", 1)
				c.SetGauge("concurrent_gauge", int64(j))
				c.ObserveHistogram("concurrent_histogram", float64(j))
			}
		}()
	}
	wg.Wait()

	counter := gather(t, reg, "concurrent_counter")
	if counter == nil {
		t.Fatal("concurrent_counter not found")
	}
	if got := counter.GetMetric()[0].GetCounter().GetValue(); got != 1000 {
		t.Errorf("counter value = %v, want 1000", got)
	}
	if gather(t, reg, "concurrent_gauge") == nil {
		t.Error("concurrent_gauge not found")
	}
	hist := gather(t, reg, "concurrent_histogram")
	if hist == nil {
		t.Fatal("concurrent_histogram not found")
	}
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1000 {
		t.Errorf("histogram count = %v, want 1000", got)
	}
}

func TestCollector_AlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()

	existing := prometheus.NewCounter(prometheus.CounterOpts{
		Name: stats.MetricQueueEnqueued,
		Help: stats.MetricQueueEnqueued,
	})
	reg.MustRegister(existing)
	existing.Add(100)

	c := New(reg)
	c.IncCounter(stats.MetricQueueEnqueued, 5)

	f := gather(t, reg, stats.MetricQueueEnqueued)
	if f == nil {
		t.Fatalf("%s not found", stats.MetricQueueEnqueued)
	}
	if got := f.GetMetric()[0].GetCounter().GetValue(); got != 105 {
		t.Errorf("counter value = %v, want 105", got)
	}
}
