// Package reporting provides report generation for benchmark results.
package reporting

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/discochess/tiercache/benchmark/analysis"
	"github.com/discochess/tiercache/benchmark/simulation"
)

// Workload summarizes the replayed trace for the methodology section.
type Workload struct {
	Sessions  int
	Lookups   int
	MaxSize   int64
	ValueSize int
}

// MarkdownReport generates benchmark reports in Markdown format.
type MarkdownReport struct {
	w   io.Writer
	now func() time.Time
}

// NewMarkdownReport creates a new Markdown report writer.
func NewMarkdownReport(w io.Writer) *MarkdownReport {
	return &MarkdownReport{w: w, now: time.Now}
}

// WriteHeader writes the report header.
func (r *MarkdownReport) WriteHeader(title string) {
	fmt.Fprintf(r.w, "# %s\n\n", title)
	fmt.Fprintf(r.w, "Generated: %s\n\n", r.now().Format(time.RFC3339))
}

// WriteMethodology writes the methodology section.
func (r *MarkdownReport) WriteMethodology(wl Workload) {
	fmt.Fprintln(r.w, "## Methodology")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Sessions replayed:** %d\n", wl.Sessions)
	fmt.Fprintf(r.w, "- **Lookups:** %d\n", wl.Lookups)
	fmt.Fprintf(r.w, "- **Cache budget:** %d bytes (%d entries of %d bytes)\n",
		wl.MaxSize, entriesFor(wl), wl.ValueSize)
	fmt.Fprintln(r.w, "- **Metric:** Cache misses per session (lower is better)")
	fmt.Fprintln(r.w, "- **Statistical tests:** Mann-Whitney U (non-parametric), Cohen's d effect size")
	fmt.Fprintln(r.w)
}

func entriesFor(wl Workload) int64 {
	if wl.ValueSize <= 0 {
		return 0
	}
	return wl.MaxSize / int64(wl.ValueSize)
}

// WriteSummaryTable writes one row per policy, in name order.
func (r *MarkdownReport) WriteSummaryTable(results map[string]*simulation.AggregateResult) {
	fmt.Fprintln(r.w, "## Summary")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "| Policy | Hit Rate | Byte Hit Rate | Avg Misses | Median | P90 | Avg Missed Bytes | Evictions | Unique Keys |")
	fmt.Fprintln(r.w, "|--------|----------|---------------|------------|--------|-----|------------------|-----------|-------------|")

	for _, name := range slices.Sorted(maps.Keys(results)) {
		m := simulation.ComputeMetrics(results[name])
		fmt.Fprintf(r.w, "| %s | %.1f%% | %.1f%% | %.2f | %.0f | %.0f | %.0f | %d | %d |\n",
			name, m.HitRate, m.ByteHitRate, m.AvgMissesPerSession, m.MedianMissesPerSession,
			m.P90MissesPerSession, m.AvgMissedBytesPerSession, m.Evictions, m.UniqueKeys)
	}
	fmt.Fprintln(r.w)
}

// WriteWorkloadShape writes how concentrated lookups were across keys.
func (r *MarkdownReport) WriteWorkloadShape(res *simulation.AggregateResult) {
	m := simulation.ComputeMetrics(res)
	fmt.Fprintln(r.w, "## Workload Shape")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Key concentration (Gini):** %.3f\n", m.KeyConcentration)
	fmt.Fprintf(r.w, "- **Lookups on top 10%% of keys:** %.1f%%\n", m.TopKeyPct)
	fmt.Fprintln(r.w)
}

// WriteComparison writes a detailed comparison section.
func (r *MarkdownReport) WriteComparison(comp *analysis.PolicyComparison) {
	fmt.Fprintf(r.w, "## %s vs %s\n\n", comp.Policy1, comp.Policy2)

	fmt.Fprintf(r.w, "### Descriptive Statistics (%s)\n", comp.Measure.Unit())
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "| Metric | "+comp.Policy1+" | "+comp.Policy2+" |")
	fmt.Fprintln(r.w, "|--------|"+strings.Repeat("-", len(comp.Policy1)+2)+"|"+strings.Repeat("-", len(comp.Policy2)+2)+"|")
	fmt.Fprintf(r.w, "| Mean | %.2f | %.2f |\n", comp.Stats1.Mean, comp.Stats2.Mean)
	fmt.Fprintf(r.w, "| Median | %.2f | %.2f |\n", comp.Stats1.Median, comp.Stats2.Median)
	fmt.Fprintf(r.w, "| Std Dev | %.2f | %.2f |\n", comp.Stats1.StdDev, comp.Stats2.StdDev)
	fmt.Fprintf(r.w, "| Min | %.0f | %.0f |\n", comp.Stats1.Min, comp.Stats2.Min)
	fmt.Fprintf(r.w, "| Max | %.0f | %.0f |\n", comp.Stats1.Max, comp.Stats2.Max)
	fmt.Fprintf(r.w, "| Hit Rate | %.1f%% | %.1f%% |\n", comp.HitRate1, comp.HitRate2)
	fmt.Fprintf(r.w, "| Byte Hit Rate | %.1f%% | %.1f%% |\n", comp.ByteHitRate1, comp.ByteHitRate2)
	fmt.Fprintln(r.w)

	fmt.Fprintln(r.w, "### Statistical Analysis")
	fmt.Fprintln(r.w)
	fmt.Fprintf(r.w, "- **Mann-Whitney U:** %.2f (z=%.2f, p=%.4f)\n",
		comp.MannWhitney.U, comp.MannWhitney.Z, comp.MannWhitney.PValue)
	fmt.Fprintf(r.w, "- **Effect size (Cohen's d):** %.2f (%s)\n",
		comp.EffectSize.CohensD, comp.EffectSize.Interpretation)
	fmt.Fprintf(r.w, "- **%.0f%% CI for mean difference:** [%.2f, %.2f]\n",
		comp.BootstrapCI.Confidence*100, comp.BootstrapCI.LowerBound, comp.BootstrapCI.UpperBound)
	fmt.Fprintln(r.w)

	fmt.Fprintln(r.w, "### Conclusion")
	fmt.Fprintln(r.w)
	if comp.WinnerConfident {
		fmt.Fprintf(r.w, "**%s** has significantly fewer %s than %s ",
			comp.Winner, comp.Measure.Unit(), otherPolicy(comp.Winner, comp.Policy1, comp.Policy2))
		fmt.Fprintf(r.w, "(p < 0.05, effect size: %s).\n", comp.EffectSize.Interpretation)
	} else {
		fmt.Fprintln(r.w, "No statistically significant difference detected between policies (p >= 0.05).")
	}
	if comp.RatesDisagree() {
		fmt.Fprintln(r.w)
		fmt.Fprintln(r.w, "Hit rate and byte hit rate favour different policies; compare on missed bytes when origin bandwidth matters.")
	}
	fmt.Fprintln(r.w)
}

func otherPolicy(winner, p1, p2 string) string {
	if winner == p1 {
		return p2
	}
	return p1
}

// WriteDistributionChart writes an ASCII histogram of data.
func (r *MarkdownReport) WriteDistributionChart(name string, data []int) {
	fmt.Fprintf(r.w, "### %s Distribution\n\n", name)
	fmt.Fprintln(r.w, "```")

	bins := makeHistogram(data, 10)
	maxCount := 0
	for _, b := range bins {
		maxCount = max(maxCount, b.count)
	}

	const width = 40
	for _, b := range bins {
		barLen := 0
		if maxCount > 0 {
			barLen = b.count * width / maxCount
		}
		fmt.Fprintf(r.w, "%4d-%4d │ %s %d\n", b.lo, b.hi, strings.Repeat("█", barLen), b.count)
	}

	fmt.Fprintln(r.w, "```")
	fmt.Fprintln(r.w)
}

type bin struct {
	lo, hi int
	count  int
}

// makeHistogram splits the range of data into at most buckets bins of
// equal integer width.
func makeHistogram(data []int, buckets int) []bin {
	if len(data) == 0 {
		return nil
	}

	lo, hi := slices.Min(data), slices.Max(data)
	width := max((hi-lo+buckets)/buckets, 1)
	n := (hi-lo)/width + 1

	bins := make([]bin, n)
	for i := range bins {
		bins[i].lo = lo + i*width
		bins[i].hi = bins[i].lo + width - 1
	}
	for _, v := range data {
		bins[(v-lo)/width].count++
	}
	return bins
}

// WriteFooter writes the report footer.
func (r *MarkdownReport) WriteFooter() {
	fmt.Fprintln(r.w, "---")
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, "*Report generated by tiercache-bench*")
}
