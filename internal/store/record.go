package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/discochess/tiercache/internal/codec"
)

// encMode keeps nanosecond timestamps; the default CBOR time encoding
// truncates to whole seconds, which would reorder entries on reload.
var encMode = mustEncMode(cbor.EncOptions{Time: cbor.TimeRFC3339Nano})

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Encode serializes rec with CBOR and compresses it with c.
func Encode(c codec.Codec, rec Record) ([]byte, error) {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding record %q: %w", rec.Key, err)
	}
	return codec.Compress(c, raw)
}

// Decode reverses Encode. Any failure is reported as ErrCorrupt.
func Decode(c codec.Codec, data []byte) (Record, error) {
	raw, err := codec.Decompress(c, data)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var rec Record
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Key == "" {
		return Record{}, fmt.Errorf("%w: missing key", ErrCorrupt)
	}
	return rec, nil
}
