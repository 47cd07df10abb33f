package journal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// Encode serializes item as CBOR.
func Encode(item Item) ([]byte, error) {
	data, err := encMode.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encoding item: %w", err)
	}
	return data, nil
}

// Decode parses an item produced by Encode. Any failure wraps ErrCorrupt.
func Decode(data []byte) (Item, error) {
	var item Item
	if err := cbor.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if item.ID == "" {
		return Item{}, fmt.Errorf("%w: missing id", ErrCorrupt)
	}
	return item, nil
}
