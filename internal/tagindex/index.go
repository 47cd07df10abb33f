// Package tagindex maintains the secondary tag -> keys index of a cache.
//
// An Index is not safe for concurrent use. The owning cache mutates it inside
// the same critical section as the entry map so the two never disagree.
package tagindex

import "sort"

// Index maps each tag to the set of keys currently carrying it.
type Index struct {
	tags map[string]map[string]struct{}
}

// New creates an empty index.
func New() *Index {
	return &Index{tags: make(map[string]map[string]struct{})}
}

// Add records that key carries tag.
func (ix *Index) Add(tag, key string) {
	keys, ok := ix.tags[tag]
	if !ok {
		keys = make(map[string]struct{})
		ix.tags[tag] = keys
	}
	keys[key] = struct{}{}
}

// Remove drops key from tag, pruning the tag once its set is empty.
func (ix *Index) Remove(tag, key string) {
	keys, ok := ix.tags[tag]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(ix.tags, tag)
	}
}

// AddAll records key under every tag in tags.
func (ix *Index) AddAll(key string, tags []string) {
	for _, tag := range tags {
		ix.Add(tag, key)
	}
}

// RemoveAll drops key from every tag in tags.
func (ix *Index) RemoveAll(key string, tags []string) {
	for _, tag := range tags {
		ix.Remove(tag, key)
	}
}

// KeysFor returns the keys under tag, sorted. The slice is a copy.
func (ix *Index) KeysFor(tag string) []string {
	keys := ix.tags[tag]
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has reports whether key is indexed under tag.
func (ix *Index) Has(tag, key string) bool {
	_, ok := ix.tags[tag][key]
	return ok
}

// Tags returns every tag with at least one key, sorted.
func (ix *Index) Tags() []string {
	out := make([]string, 0, len(ix.tags))
	for t := range ix.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of distinct tags.
func (ix *Index) Len() int {
	return len(ix.tags)
}

// Clear empties the index.
func (ix *Index) Clear() {
	ix.tags = make(map[string]map[string]struct{})
}
