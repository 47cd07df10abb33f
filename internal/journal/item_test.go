package journal

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	in := Item{
		ID:         "id-1",
		Seq:        7,
		Method:     "PATCH",
		Target:     "/users/42",
		Payload:    []byte(`{"name":"x"}`),
		EnqueuedAt: time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		RetryCount: 2,
		MaxRetries: 3,
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ID != in.ID || out.Seq != in.Seq || out.RetryCount != in.RetryCount {
		t.Errorf("Decode() = %+v, want %+v", out, in)
	}
	if !out.EnqueuedAt.Equal(in.EnqueuedAt) {
		t.Errorf("EnqueuedAt = %v, want %v (nanoseconds must survive)", out.EnqueuedAt, in.EnqueuedAt)
	}
}

func TestDecode_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"garbage", []byte{0xff, 0xfe}},
		{"empty map", []byte{0xa0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Decode() error = %v, want ErrCorrupt", err)
			}
		})
	}
}
