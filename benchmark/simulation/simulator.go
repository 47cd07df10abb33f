// Package simulation replays key traces against tiercache caches to compare
// eviction policies.
package simulation

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/discochess/tiercache"
)

// SessionResult holds the outcome of replaying one session.
type SessionResult struct {
	PolicyName  string
	Lookups     int
	Misses      int
	Bytes       int64 // Size of every looked-up value.
	MissedBytes int64 // Size of the values that had to be fetched.
}

// AggregateResult holds the outcome of replaying every session under one
// policy.
type AggregateResult struct {
	PolicyName       string
	TotalLookups     int
	TotalMisses      int
	Evictions        int64
	UniqueKeys       int
	AvgMissesPerSess float64
	KeyHits          map[string]int
	MissesPerSession []int

	TotalBytes            int64
	MissedBytes           int64
	MissedBytesPerSession []int64
}

// HitRate returns the percentage of lookups served from cache.
func (r *AggregateResult) HitRate() float64 {
	if r.TotalLookups == 0 {
		return 0
	}
	return float64(r.TotalLookups-r.TotalMisses) / float64(r.TotalLookups) * 100
}

// ByteHitRate returns the percentage of looked-up bytes served from cache.
// It differs from HitRate when values vary in size: a policy that keeps
// many small values can hit often yet still fetch most of the bytes.
func (r *AggregateResult) ByteHitRate() float64 {
	if r.TotalBytes == 0 {
		return 0
	}
	return float64(r.TotalBytes-r.MissedBytes) / float64(r.TotalBytes) * 100
}

// SizeFunc returns the size in bytes of the value stored for key.
type SizeFunc func(key string) int

// FixedSize stores every value with n bytes.
func FixedSize(n int) SizeFunc {
	return func(string) int { return n }
}

// SpreadSize sizes each key's value deterministically in
// [base*(1-spread), base*(1+spread)], derived from a hash of the key.
// spread is clamped to [0, 1) and sizes are at least 1 byte.
func SpreadSize(base int, spread float64) SizeFunc {
	spread = min(max(spread, 0), 0.99)
	return func(key string) int {
		// Map the hash onto [-1, 1].
		u := float64(xxhash.Sum64String(key)>>11)/float64(1<<53)*2 - 1
		return max(int(float64(base)*(1+spread*u)), 1)
	}
}

// Simulator replays traces against one cache per eviction policy. A miss
// stores the key's value, as a CacheFirst read would.
type Simulator struct {
	maxSize  int64
	size     SizeFunc
	policies []tiercache.EvictionPolicy
}

// NewSimulator creates a simulator for caches of maxSize bytes holding
// values of valueSize bytes. Use WithSizes to vary sizes per key.
func NewSimulator(maxSize int64, valueSize int, policies ...tiercache.EvictionPolicy) *Simulator {
	return &Simulator{
		maxSize:  maxSize,
		size:     FixedSize(valueSize),
		policies: policies,
	}
}

// WithSizes replaces how value sizes are chosen and returns s.
func (s *Simulator) WithSizes(f SizeFunc) *Simulator {
	s.size = f
	return s
}

// SimulateSessions replays sessions in order against a fresh cache for
// each policy. The cache persists across sessions.
func (s *Simulator) SimulateSessions(sessions [][]string) (map[string]*AggregateResult, error) {
	results := make(map[string]*AggregateResult, len(s.policies))
	for _, p := range s.policies {
		res, err := s.simulate(p, sessions)
		if err != nil {
			return nil, fmt.Errorf("simulating %s: %w", p, err)
		}
		results[p.String()] = res
	}
	return results, nil
}

func (s *Simulator) simulate(policy tiercache.EvictionPolicy, sessions [][]string) (*AggregateResult, error) {
	cache, err := tiercache.New(
		tiercache.WithMaxSize(s.maxSize),
		tiercache.WithEvictionPolicy(policy),
		tiercache.WithSweepInterval(0),
	)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	agg := &AggregateResult{
		PolicyName:            policy.String(),
		KeyHits:               make(map[string]int),
		MissesPerSession:      make([]int, 0, len(sessions)),
		MissedBytesPerSession: make([]int64, 0, len(sessions)),
	}
	var buf []byte

	for _, session := range sessions {
		sr, err := s.replay(cache, policy, session, &buf, agg.KeyHits)
		if err != nil {
			return nil, err
		}
		agg.TotalLookups += sr.Lookups
		agg.TotalMisses += sr.Misses
		agg.TotalBytes += sr.Bytes
		agg.MissedBytes += sr.MissedBytes
		agg.MissesPerSession = append(agg.MissesPerSession, sr.Misses)
		agg.MissedBytesPerSession = append(agg.MissedBytesPerSession, sr.MissedBytes)
	}

	agg.Evictions = cache.Stats().Evictions
	agg.UniqueKeys = len(agg.KeyHits)
	if len(sessions) > 0 {
		agg.AvgMissesPerSess = float64(agg.TotalMisses) / float64(len(sessions))
	}
	return agg, nil
}

// replay runs one session. buf is reused for values; Set copies it.
func (s *Simulator) replay(cache *tiercache.Cache, policy tiercache.EvictionPolicy, session []string, buf *[]byte, keyHits map[string]int) (SessionResult, error) {
	res := SessionResult{PolicyName: policy.String(), Lookups: len(session)}
	for _, key := range session {
		keyHits[key]++
		n := s.size(key)
		res.Bytes += int64(n)
		if _, ok := cache.Get(key); ok {
			continue
		}
		res.Misses++
		res.MissedBytes += int64(n)
		if cap(*buf) < n {
			*buf = make([]byte, n)
		}
		if err := cache.Set(key, (*buf)[:n], tiercache.SetOptions{}); err != nil {
			return res, err
		}
	}
	return res, nil
}

// SimulateSession replays a single session against fresh caches.
func (s *Simulator) SimulateSession(session []string) (map[string]SessionResult, error) {
	results := make(map[string]SessionResult, len(s.policies))
	for _, p := range s.policies {
		agg, err := s.simulate(p, [][]string{session})
		if err != nil {
			return nil, fmt.Errorf("simulating %s: %w", p, err)
		}
		results[p.String()] = SessionResult{
			PolicyName:  agg.PolicyName,
			Lookups:     agg.TotalLookups,
			Misses:      agg.TotalMisses,
			Bytes:       agg.TotalBytes,
			MissedBytes: agg.MissedBytes,
		}
	}
	return results, nil
}
