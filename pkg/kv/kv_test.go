package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "user:1", `{"id":"1"}`, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := s.Get(ctx, "user:1")
	if err != nil || !ok || got != `{"id":"1"}` {
		t.Fatalf("get: %q ok=%v err=%v", got, ok, err)
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if ok, err := GetJSON(ctx, s, "user:1", &decoded); err != nil || !ok || decoded.ID != "1" {
		t.Fatalf("get json: %+v ok=%v err=%v", decoded, ok, err)
	}
	if err := s.Delete(ctx, "user:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "user:1"); ok {
		t.Fatal("expected key to be deleted")
	}
	if err := s.Delete(ctx, "never-set"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := s.Put(ctx, "", "x", 0); err == nil {
		t.Fatal("expected empty key error")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(nil))
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemory(func() time.Time { return now })
	_ = PutJSON(ctx, s, "status:r1", map[string]int{"progress": 5}, time.Minute)
	now = now.Add(59 * time.Second)
	if _, ok, _ := s.Get(ctx, "status:r1"); !ok {
		t.Fatal("key should be live before ttl")
	}
	now = now.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "status:r1"); ok {
		t.Fatal("key should expire at ttl")
	}
	if s.Len() != 0 {
		t.Fatalf("expired keys must not be retained, len=%d", s.Len())
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedis(client, "test")
	exerciseStore(t, s)

	ctx := context.Background()
	if err := s.Put(ctx, "rl:ip:1", "1", 2*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mr.Exists("test:rl:ip:1") {
		t.Fatal("expected prefixed key in redis")
	}
	mr.FastForward(3 * time.Second)
	if _, ok, _ := s.Get(ctx, "rl:ip:1"); ok {
		t.Fatal("expected redis key to expire")
	}
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadger("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}
