package envtest

import (
	"context"
	"testing"
	"time"
)

func TestHarnessSharesClock(t *testing.T) {
	h := New(t)
	ctx := context.Background()
	if err := h.Env.KV.Put(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.Clock.Advance(2 * time.Minute)
	if _, ok, _ := h.Env.KV.Get(ctx, "k"); ok {
		t.Fatal("kv entry must expire with the fake clock")
	}
	if !h.Env.Now().Equal(Start.Add(2 * time.Minute)) {
		t.Fatalf("env clock not bound to fake clock: %s", h.Env.Now())
	}
}

type countRow struct {
	N int
}

func TestHarnessDatabaseIsMigrated(t *testing.T) {
	h := New(t)
	var row countRow
	err := h.Env.DB.Prepare("SELECT COUNT(*) AS n FROM schema_migrations").Bind().First(context.Background(), &row)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if row.N == 0 {
		t.Fatal("expected migrations recorded")
	}
}
