package gcsstore

import (
	"strconv"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/discochess/tiercache/internal/codec/gzipcodec"
	"github.com/discochess/tiercache/internal/codec/zstdcodec"
)

func TestWithPrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"prefix", "prefix/"},
		{"prefix/", "prefix/"},
		{"a/b/c", "a/b/c/"},
		{"a/b/c/", "a/b/c/"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			s := &Store{}
			opt := WithPrefix(tt.input)
			opt(s)
			if s.prefix != tt.want {
				t.Errorf("prefix = %q, want %q", s.prefix, tt.want)
			}
		})
	}
}

func TestStore_entryKey(t *testing.T) {
	hash := strconv.FormatUint(xxhash.Sum64String("session:abc"), 16)

	tests := []struct {
		name  string
		store *Store
		want  string
	}{
		{"zstd", &Store{codec: zstdcodec.New()}, "entries/" + hash + ".zst"},
		{"gzip", &Store{codec: gzipcodec.New()}, "entries/" + hash + ".gz"},
		{"prefixed", &Store{codec: zstdcodec.New(), prefix: "data/v1/"}, "data/v1/entries/" + hash + ".zst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.store.entryKey("session:abc"); got != tt.want {
				t.Errorf("entryKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
