package memjournal

import (
	"context"
	"errors"
	"testing"

	"github.com/discochess/tiercache/internal/journal"
)

func TestJournal_LoadAllOrdersBySeq(t *testing.T) {
	j := New()
	ctx := context.Background()

	j.Append(ctx, journal.Item{ID: "c", Seq: 3})
	j.Append(ctx, journal.Item{ID: "a", Seq: 1})
	j.Append(ctx, journal.Item{ID: "b", Seq: 2})

	items, _, err := j.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("LoadAll() ids = %v, want [a b c]", ids)
	}
}

func TestJournal_AppendReplaces(t *testing.T) {
	j := New()
	ctx := context.Background()

	j.Append(ctx, journal.Item{ID: "a", Seq: 1})
	j.Append(ctx, journal.Item{ID: "a", Seq: 5, RetryCount: 1})

	items, _, _ := j.LoadAll(ctx)
	if len(items) != 1 || items[0].Seq != 5 || items[0].RetryCount != 1 {
		t.Errorf("LoadAll() = %+v, want single replaced item", items)
	}
}

func TestJournal_Remove(t *testing.T) {
	j := New()
	ctx := context.Background()

	j.Append(ctx, journal.Item{ID: "a"})
	j.Remove(ctx, "a")
	if err := j.Remove(ctx, "a"); err != nil {
		t.Errorf("Remove() of missing item error = %v", err)
	}
	if j.Len() != 0 {
		t.Errorf("Len() = %d, want 0", j.Len())
	}
}

func TestJournal_FailWith(t *testing.T) {
	j := New()
	boom := errors.New("disk full")
	j.FailWith(boom)

	if err := j.Append(context.Background(), journal.Item{ID: "a"}); !errors.Is(err, boom) {
		t.Errorf("Append() error = %v, want %v", err, boom)
	}
}
