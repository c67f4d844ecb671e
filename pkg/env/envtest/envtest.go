// Package envtest builds a fully in-memory env.Env for tests: memory
// buckets and KV bound to a fake clock, a synchronously drained queue and
// a migrated SQLite database.
package envtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"manuscripthub/internal/migrate"
	"manuscripthub/pkg/env"
	"manuscripthub/pkg/kv"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/session"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/storage"
)

// SessionSecret keys session token hashes in the harness.
const SessionSecret = "envtest-session-secret"

type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Harness exposes the concrete in-memory backends next to the Env.
type Harness struct {
	Env   *env.Env
	Clock *FakeClock
	Queue *queue.Memory
	KV    *kv.Memory
	Raw   *storage.MemoryBucket
	Proc  *storage.MemoryBucket
}

var dbSeq atomic.Int64

// Start is the harness clock origin.
var Start = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// New builds a harness and registers cleanup on t.
func New(t testing.TB) *Harness {
	t.Helper()
	clock := NewFakeClock(Start)
	ctx := context.Background()

	dsn := fmt.Sprintf("file:envtest_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: sqldb.DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := migrate.New(db, nil).Run(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := kv.NewMemory(clock.Now)
	q := queue.NewMemory(clock.Now)
	raw := storage.NewMemoryBucket(clock.Now)
	proc := storage.NewMemoryBucket(clock.Now)
	h := &Harness{
		Clock: clock,
		Queue: q,
		KV:    store,
		Raw:   raw,
		Proc:  proc,
	}
	h.Env = &env.Env{
		DB: db,
		Buckets: storage.Buckets{
			Raw:       raw,
			Processed: proc,
			Marketing: storage.NewMemoryBucket(clock.Now),
			Backups:   storage.NewMemoryBucket(clock.Now),
		},
		KV:       store,
		Sessions: session.NewKVStore(store, SessionSecret, clock.Now),
		Queue:    q,
		Clock:    clock.Now,
	}
	return h
}
