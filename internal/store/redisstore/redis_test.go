package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/discochess/tiercache/internal/codec/zstdcodec"
	"github.com/discochess/tiercache/internal/store"
)

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func cleanupRedisKeys(t *testing.T, client *redis.Client, prefix string) {
	t.Helper()
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func TestStore_SaveLoadAll(t *testing.T) {
	client := redisAvailable(t)
	prefix := "tiercache:test:saveload:"
	defer cleanupRedisKeys(t, client, prefix)

	s := New(client, zstdcodec.New(), WithPrefix(prefix))
	ctx := context.Background()
	now := time.Now()

	s.Save(ctx, store.Record{Key: "b", Value: []byte("2"), CreatedAt: now.Add(time.Millisecond)})
	s.Save(ctx, store.Record{Key: "a", Value: []byte("1"), CreatedAt: now, Tags: []string{"x"}})

	got, corrupt, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if corrupt != 0 {
		t.Errorf("corrupt = %d, want 0", corrupt)
	}
	if len(got) != 2 || got[0].Key != "a" || got[1].Key != "b" {
		t.Fatalf("LoadAll() = %+v, want [a b]", got)
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0] != "x" {
		t.Errorf("Tags = %v, want [x]", got[0].Tags)
	}
}

func TestStore_SaveSetsExpiry(t *testing.T) {
	client := redisAvailable(t)
	prefix := "tiercache:test:ttl:"
	defer cleanupRedisKeys(t, client, prefix)

	s := New(client, zstdcodec.New(), WithPrefix(prefix))
	ctx := context.Background()

	s.Save(ctx, store.Record{Key: "k", Value: []byte("v"), CreatedAt: time.Now(), TTL: time.Minute})

	ttl, err := client.TTL(ctx, prefix+"k").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("redis TTL = %v, want (0, 1m]", ttl)
	}
}

func TestStore_SaveExpiredRemoves(t *testing.T) {
	client := redisAvailable(t)
	prefix := "tiercache:test:expired:"
	defer cleanupRedisKeys(t, client, prefix)

	s := New(client, zstdcodec.New(), WithPrefix(prefix))
	ctx := context.Background()

	s.Save(ctx, store.Record{Key: "k", Value: []byte("v"), CreatedAt: time.Now()})
	s.Save(ctx, store.Record{Key: "k", Value: []byte("v"), CreatedAt: time.Now().Add(-time.Hour), TTL: time.Second})

	n, err := client.Exists(ctx, prefix+"k").Result()
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if n != 0 {
		t.Error("expired record should have been removed")
	}
}

func TestStore_CorruptValueCounted(t *testing.T) {
	client := redisAvailable(t)
	prefix := "tiercache:test:corrupt:"
	defer cleanupRedisKeys(t, client, prefix)

	s := New(client, zstdcodec.New(), WithPrefix(prefix))
	ctx := context.Background()

	client.Set(ctx, prefix+"bad", "garbage", 0)
	s.Save(ctx, store.Record{Key: "good", Value: []byte("v"), CreatedAt: time.Now()})

	got, corrupt, err := s.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if corrupt != 1 {
		t.Errorf("corrupt = %d, want 1", corrupt)
	}
	if len(got) != 1 {
		t.Errorf("LoadAll() returned %d records, want 1", len(got))
	}
}

func TestStore_Remove(t *testing.T) {
	client := redisAvailable(t)
	prefix := "tiercache:test:remove:"
	defer cleanupRedisKeys(t, client, prefix)

	s := New(client, zstdcodec.New(), WithPrefix(prefix))
	ctx := context.Background()

	s.Save(ctx, store.Record{Key: "k", Value: []byte("v"), CreatedAt: time.Now()})
	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove(ctx, "k"); err != nil {
		t.Errorf("Remove() of missing key error = %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, zstdcodec.New())
	if s.prefix != defaultPrefix {
		t.Errorf("prefix = %q, want %q", s.prefix, defaultPrefix)
	}
	if s.now == nil {
		t.Error("now should default to time.Now")
	}
}
