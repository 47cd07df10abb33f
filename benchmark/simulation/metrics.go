package simulation

import (
	"slices"
	"sort"
)

// Metrics contains computed metrics from simulation results.
type Metrics struct {
	// Core metrics.
	TotalLookups        int
	TotalMisses         int
	Evictions           int64
	UniqueKeys          int
	HitRate             float64
	AvgMissesPerSession float64

	// Byte-weighted metrics. They matter when value sizes vary: every
	// missed byte is a byte fetched from the origin.
	ByteHitRate              float64
	AvgMissedBytesPerSession float64
	P90MissedBytesPerSession float64

	// Distribution metrics.
	MedianMissesPerSession float64
	P90MissesPerSession    float64
	P99MissesPerSession    float64
	MinMissesPerSession    int
	MaxMissesPerSession    int

	// Workload shape.
	KeyConcentration float64 // Gini coefficient of key lookups.
	TopKeyPct        float64 // Percentage of lookups on the top 10% of keys.
}

// ComputeMetrics computes detailed metrics from aggregate results.
func ComputeMetrics(result *AggregateResult) *Metrics {
	m := &Metrics{
		TotalLookups:        result.TotalLookups,
		TotalMisses:         result.TotalMisses,
		Evictions:           result.Evictions,
		UniqueKeys:          result.UniqueKeys,
		HitRate:             result.HitRate(),
		AvgMissesPerSession: result.AvgMissesPerSess,
		ByteHitRate:         result.ByteHitRate(),
	}

	if n := len(result.MissedBytesPerSession); n > 0 {
		sorted := slices.Clone(result.MissedBytesPerSession)
		slices.Sort(sorted)
		m.AvgMissedBytesPerSession = float64(result.MissedBytes) / float64(n)
		m.P90MissedBytesPerSession = percentile(sorted, 90)
	}

	if len(result.MissesPerSession) > 0 {
		sorted := slices.Clone(result.MissesPerSession)
		slices.Sort(sorted)

		m.MinMissesPerSession = sorted[0]
		m.MaxMissesPerSession = sorted[len(sorted)-1]
		m.MedianMissesPerSession = percentile(sorted, 50)
		m.P90MissesPerSession = percentile(sorted, 90)
		m.P99MissesPerSession = percentile(sorted, 99)
	}

	if len(result.KeyHits) > 0 {
		m.KeyConcentration = computeGini(result.KeyHits)
		m.TopKeyPct = computeTopKeyPct(result.KeyHits, result.TotalLookups, 0.1)
	}

	return m
}

func percentile[T int | int64](sorted []T, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p / 100)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

func computeGini(hits map[string]int) float64 {
	if len(hits) == 0 {
		return 0
	}

	values := make([]int, 0, len(hits))
	for _, v := range hits {
		values = append(values, v)
	}
	slices.Sort(values)

	n := float64(len(values))
	var sum, cumulativeSum float64
	for i, v := range values {
		sum += float64(v)
		cumulativeSum += float64(i+1) * float64(v)
	}

	if sum == 0 {
		return 0
	}

	return (2*cumulativeSum)/(n*sum) - (n+1)/n
}

func computeTopKeyPct(hits map[string]int, total int, topFraction float64) float64 {
	if total == 0 || len(hits) == 0 {
		return 0
	}

	counts := make([]int, 0, len(hits))
	for _, h := range hits {
		counts = append(counts, h)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(counts)))

	topCount := max(int(float64(len(counts))*topFraction), 1)

	var topHits int
	for _, h := range counts[:min(topCount, len(counts))] {
		topHits += h
	}

	return float64(topHits) / float64(total) * 100
}

// MetricsComparison holds the differences between two policies.
type MetricsComparison struct {
	Policy1 string
	Policy2 string

	HitRateDiff     float64 // Positive means Policy1 hits more often.
	ByteHitRateDiff float64 // Positive means Policy1 serves more bytes.
	MissesDiff      float64 // Positive means Policy1 misses more per session.
	MissesDiffPct   float64
	EvictionsDiff   int64
}

// Compare compares two metrics and returns the differences.
func Compare(m1, m2 *Metrics, name1, name2 string) *MetricsComparison {
	return &MetricsComparison{
		Policy1:         name1,
		Policy2:         name2,
		HitRateDiff:     m1.HitRate - m2.HitRate,
		ByteHitRateDiff: m1.ByteHitRate - m2.ByteHitRate,
		MissesDiff:      m1.AvgMissesPerSession - m2.AvgMissesPerSession,
		MissesDiffPct:   safeDiffPct(m1.AvgMissesPerSession, m2.AvgMissesPerSession),
		EvictionsDiff:   m1.Evictions - m2.Evictions,
	}
}

func safeDiffPct(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return (a - b) / b * 100
}
