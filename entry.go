package tiercache

import (
	"slices"
	"time"
)

// Entry is a snapshot of a cached value and its metadata.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	// TTL is the lifetime of the entry. Zero means the entry never expires,
	// though it remains subject to eviction.
	TTL time.Duration
	// Size is the byte length of Value, fixed at insertion.
	Size int64
	// Tags are sorted and deduplicated.
	Tags []string
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// ExpiresAt returns the instant the entry expires, or the zero time if it
// has no TTL.
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// clone returns a deep copy safe to hand to callers.
func (e *Entry) clone() Entry {
	out := *e
	out.Value = slices.Clone(e.Value)
	out.Tags = slices.Clone(e.Tags)
	return out
}

// SetOptions configures a Set.
type SetOptions struct {
	// TTL is the entry lifetime. Zero means no expiry.
	TTL time.Duration
	// Tags group the entry for InvalidateTag.
	Tags []string
}

// normalizeTags returns tags sorted with duplicates and empty strings removed.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
