package analysis

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/discochess/tiercache/benchmark/simulation"
)

// Measure selects the per-session cost two policies are compared on.
// Lower is better for every measure.
type Measure int

const (
	// Misses counts lookups that had to go to the origin.
	Misses Measure = iota
	// MissedBytes weighs each miss by the size of the value fetched. It is
	// the fairer cost when values vary in size.
	MissedBytes
)

// String returns the flag name of m.
func (m Measure) String() string {
	switch m {
	case Misses:
		return "misses"
	case MissedBytes:
		return "missed-bytes"
	default:
		return fmt.Sprintf("Measure(%d)", int(m))
	}
}

// Unit labels a per-session value of m.
func (m Measure) Unit() string {
	if m == MissedBytes {
		return "missed bytes/session"
	}
	return "misses/session"
}

// ParseMeasure returns the measure named s.
func ParseMeasure(s string) (Measure, error) {
	switch strings.ToLower(s) {
	case "misses", "":
		return Misses, nil
	case "missed-bytes", "bytes":
		return MissedBytes, nil
	default:
		return 0, fmt.Errorf("unknown measure: %s", s)
	}
}

// sessions returns the per-session values of m in r.
func (m Measure) sessions(r *simulation.AggregateResult) []float64 {
	if m == MissedBytes {
		return toFloats(r.MissedBytesPerSession)
	}
	return toFloats(r.MissesPerSession)
}

// PolicyComparison is a statistical comparison of two eviction policies
// over one per-session measure, with their overall hit rates alongside.
type PolicyComparison struct {
	Policy1 string
	Policy2 string
	Measure Measure

	Stats1      *DescriptiveStats
	Stats2      *DescriptiveStats
	MannWhitney *MannWhitneyResult
	EffectSize  *EffectSize
	BootstrapCI *BootstrapResult

	HitRate1, HitRate2         float64
	ByteHitRate1, ByteHitRate2 float64

	Winner          string // Policy with the lower mean cost, or "tie".
	WinnerConfident bool   // The difference is statistically significant.
}

// ComparePolicies compares two policies on measure.
func ComparePolicies(
	result1, result2 *simulation.AggregateResult,
	measure Measure,
	bootstrapIterations int,
	confidence float64,
) *PolicyComparison {
	sample1 := measure.sessions(result1)
	sample2 := measure.sessions(result2)

	c := &PolicyComparison{
		Policy1:      result1.PolicyName,
		Policy2:      result2.PolicyName,
		Measure:      measure,
		Stats1:       Describe(sample1),
		Stats2:       Describe(sample2),
		MannWhitney:  MannWhitneyU(sample1, sample2),
		EffectSize:   ComputeEffectSize(sample1, sample2),
		BootstrapCI:  BootstrapConfidenceInterval(sample1, sample2, bootstrapIterations, confidence),
		HitRate1:     result1.HitRate(),
		HitRate2:     result2.HitRate(),
		ByteHitRate1: result1.ByteHitRate(),
		ByteHitRate2: result2.ByteHitRate(),
		Winner:       "tie",
	}
	switch {
	case c.Stats1.Mean < c.Stats2.Mean:
		c.Winner = c.Policy1
	case c.Stats2.Mean < c.Stats1.Mean:
		c.Winner = c.Policy2
	}
	c.WinnerConfident = c.Winner != "tie" && c.MannWhitney.Significant
	return c
}

// RatesDisagree reports whether the request hit rate and the byte hit rate
// favour different policies. A policy can win on requests by keeping many
// small values while fetching more bytes overall.
func (c *PolicyComparison) RatesDisagree() bool {
	byRequest := c.HitRate1 - c.HitRate2
	byBytes := c.ByteHitRate1 - c.ByteHitRate2
	return byRequest*byBytes < 0
}

// Summary returns a human-readable summary of the comparison.
func (c *PolicyComparison) Summary() string {
	sig := "not statistically significant"
	if c.MannWhitney.Significant {
		sig = fmt.Sprintf("statistically significant (p=%.4f)", c.MannWhitney.PValue)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s vs %s on %s:\n", c.Policy1, c.Policy2, c.Measure.Unit())
	for _, p := range []struct {
		name          string
		stats         *DescriptiveStats
		hits, byteHit float64
	}{
		{c.Policy1, c.Stats1, c.HitRate1, c.ByteHitRate1},
		{c.Policy2, c.Stats2, c.HitRate2, c.ByteHitRate2},
	} {
		fmt.Fprintf(&b, "  %s: mean=%.2f, median=%.2f, std=%.2f, hit rate=%.1f%%, byte hit rate=%.1f%%\n",
			p.name, p.stats.Mean, p.stats.Median, p.stats.StdDev, p.hits, p.byteHit)
	}
	fmt.Fprintf(&b, "  Difference: %.2f %s (%.1f%%)\n",
		c.Stats1.Mean-c.Stats2.Mean, c.Measure.Unit(), safePctDiff(c.Stats1.Mean, c.Stats2.Mean))
	fmt.Fprintf(&b, "  Effect size: %.2f (%s)\n", c.EffectSize.CohensD, c.EffectSize.Interpretation)
	if c.RatesDisagree() {
		b.WriteString("  Note: hit rate and byte hit rate favour different policies\n")
	}
	fmt.Fprintf(&b, "  Result: %s, %s", c.Winner, sig)
	return b.String()
}

func toFloats[T int | int64](vals []T) []float64 {
	floats := make([]float64, len(vals))
	for i, v := range vals {
		floats[i] = float64(v)
	}
	return floats
}

func safePctDiff(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}

// MultiPolicyComparison compares several policies against a baseline.
type MultiPolicyComparison struct {
	Baseline    string
	Measure     Measure
	Comparisons []*PolicyComparison
}

// CompareAll compares every other policy against baseline on measure, in
// name order. It returns nil if baseline has no result.
func CompareAll(
	results map[string]*simulation.AggregateResult,
	baseline string,
	measure Measure,
	bootstrapIterations int,
	confidence float64,
) *MultiPolicyComparison {
	baseResult, ok := results[baseline]
	if !ok {
		return nil
	}

	multi := &MultiPolicyComparison{Baseline: baseline, Measure: measure}
	for _, name := range slices.Sorted(maps.Keys(results)) {
		if name == baseline {
			continue
		}
		multi.Comparisons = append(multi.Comparisons,
			ComparePolicies(baseResult, results[name], measure, bootstrapIterations, confidence))
	}
	return multi
}
