// Package trace reads and generates key access traces for cache
// simulations.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
)

// Read parses a trace with one key per line. Blank lines end a session and
// lines starting with '#' are ignored.
func Read(r io.Reader) ([][]string, error) {
	var sessions [][]string
	var current []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#"):
			continue
		case line == "":
			if len(current) > 0 {
				sessions = append(sessions, current)
				current = nil
			}
		default:
			current = append(current, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	if len(current) > 0 {
		sessions = append(sessions, current)
	}
	return sessions, nil
}

// Workload describes a synthetic trace.
type Workload struct {
	// Keys is the size of the key space.
	Keys int
	// Sessions is the number of sessions to generate.
	Sessions int
	// Requests is the number of lookups per session.
	Requests int
	// Skew is the Zipf exponent. It must be greater than 1; larger values
	// concentrate lookups on fewer keys.
	Skew float64
	// Drift rotates the popular keys by this many positions per session.
	Drift int
	// Seed makes generation reproducible.
	Seed int64
}

// Generate returns sessions whose keys follow a Zipf distribution.
func Generate(w Workload) ([][]string, error) {
	if w.Keys < 1 {
		return nil, errors.New("trace: workload needs at least one key")
	}
	if w.Sessions < 0 || w.Requests < 0 {
		return nil, errors.New("trace: negative session or request count")
	}
	if w.Skew <= 1 {
		return nil, fmt.Errorf("trace: skew %v must be greater than 1", w.Skew)
	}

	rng := rand.New(rand.NewSource(w.Seed))
	zipf := rand.NewZipf(rng, w.Skew, 1, uint64(w.Keys-1))

	sessions := make([][]string, w.Sessions)
	for i := range sessions {
		offset := i * w.Drift
		session := make([]string, w.Requests)
		for j := range session {
			rank := (int(zipf.Uint64()) + offset) % w.Keys
			session[j] = Key(rank)
		}
		sessions[i] = session
	}
	return sessions, nil
}

// Key returns the trace key for index i.
func Key(i int) string {
	return "key-" + strconv.Itoa(i)
}
