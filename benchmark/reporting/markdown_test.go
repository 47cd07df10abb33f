package reporting

import (
	"strings"
	"testing"
	"time"

	"github.com/discochess/tiercache/benchmark/analysis"
	"github.com/discochess/tiercache/benchmark/simulation"
)

func TestMarkdownReport(t *testing.T) {
	results := map[string]*simulation.AggregateResult{
		"write-order": {
			PolicyName:       "write-order",
			TotalLookups:     100,
			TotalMisses:      60,
			KeyHits:          map[string]int{"a": 70, "b": 30},
			MissesPerSession: []int{30, 30},
			TotalBytes:       10000,
			MissedBytes:      3000,
		},
		"access-order": {
			PolicyName:       "access-order",
			TotalLookups:     100,
			TotalMisses:      20,
			KeyHits:          map[string]int{"a": 70, "b": 30},
			MissesPerSession: []int{10, 10},
			TotalBytes:       10000,
			MissedBytes:      5000,
		},
	}

	var sb strings.Builder
	report := NewMarkdownReport(&sb)
	report.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	report.WriteHeader("Eviction Policy Benchmark")
	report.WriteMethodology(Workload{Sessions: 2, Lookups: 100, MaxSize: 1000, ValueSize: 100})
	report.WriteSummaryTable(results)
	report.WriteComparison(analysis.ComparePolicies(results["write-order"], results["access-order"], analysis.Misses, 100, 0.95))
	report.WriteFooter()

	out := sb.String()
	for _, want := range []string{
		"# Eviction Policy Benchmark",
		"Generated: 2026-05-01T12:00:00Z",
		"(10 entries of 100 bytes)",
		"| access-order | 80.0% | 50.0% | ",
		"| write-order | 40.0% | 70.0% | ",
		"### Descriptive Statistics (misses/session)",
		"| Byte Hit Rate | 70.0% | 50.0% |",
		"favour different policies",
		"## write-order vs access-order",
		"95% CI for mean difference",
		"*Report generated by tiercache-bench*",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}

	// Rows are sorted by policy name.
	if strings.Index(out, "| access-order |") > strings.Index(out, "| write-order |") {
		t.Error("summary rows are not in name order")
	}
}

func TestMakeHistogram(t *testing.T) {
	tests := []struct {
		name      string
		data      []int
		wantBins  int
		wantFirst bin
		wantLast  bin
	}{
		{
			name:      "single value",
			data:      []int{7, 7, 7},
			wantBins:  1,
			wantFirst: bin{lo: 7, hi: 7, count: 3},
			wantLast:  bin{lo: 7, hi: 7, count: 3},
		},
		{
			name:      "spread",
			data:      []int{0, 5, 19, 10},
			wantBins:  10,
			wantFirst: bin{lo: 0, hi: 1, count: 1},
			wantLast:  bin{lo: 18, hi: 19, count: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bins := makeHistogram(tt.data, 10)
			if len(bins) != tt.wantBins {
				t.Fatalf("len(bins) = %d, want %d", len(bins), tt.wantBins)
			}
			if bins[0] != tt.wantFirst {
				t.Errorf("first bin = %+v, want %+v", bins[0], tt.wantFirst)
			}
			if bins[len(bins)-1] != tt.wantLast {
				t.Errorf("last bin = %+v, want %+v", bins[len(bins)-1], tt.wantLast)
			}

			var total int
			for _, b := range bins {
				total += b.count
			}
			if total != len(tt.data) {
				t.Errorf("total count = %d, want %d", total, len(tt.data))
			}
		})
	}

	if bins := makeHistogram(nil, 10); bins != nil {
		t.Errorf("makeHistogram(nil) = %v, want nil", bins)
	}
}
