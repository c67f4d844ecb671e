package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"manuscripthub/pkg/kv"
)

// Window is the state of one counter after a hit.
type Window struct {
	Count       int
	WindowStart time.Time
	Allowed     bool
}

// Store applies one hit to the window at key. Peek reports whether a hit
// would be admitted without counting it.
type Store interface {
	Hit(ctx context.Context, key string, lim Limit, now time.Time) (Window, error)
	Peek(ctx context.Context, key string, lim Limit, now time.Time) (Window, error)
}

// KVStore keeps windows in any kv.Store as {count, windowStart}. Hits are
// serialized per key inside one process only; across instances the
// read-modify-write can admit up to the parallelism minus one extra hits.
type KVStore struct {
	kv    kv.Store
	locks [64]sync.Mutex
}

func NewKVStore(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

type kvWindow struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
}

func (s *KVStore) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

func (s *KVStore) Hit(ctx context.Context, key string, lim Limit, now time.Time) (Window, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	var w kvWindow
	if _, err := kv.GetJSON(ctx, s.kv, key, &w); err != nil {
		return Window{}, err
	}
	next, allowed := advance(w, lim, now)
	if allowed {
		ttl := time.UnixMilli(next.WindowStart).Add(lim.Window).Sub(now)
		if ttl < time.Second {
			ttl = time.Second
		}
		if err := kv.PutJSON(ctx, s.kv, key, next, ttl); err != nil {
			return Window{}, err
		}
	}
	return Window{Count: next.Count, WindowStart: time.UnixMilli(next.WindowStart), Allowed: allowed}, nil
}

func (s *KVStore) Peek(ctx context.Context, key string, lim Limit, now time.Time) (Window, error) {
	var w kvWindow
	if _, err := kv.GetJSON(ctx, s.kv, key, &w); err != nil {
		return Window{}, err
	}
	return peekWindow(w, lim, now), nil
}

func peekWindow(w kvWindow, lim Limit, now time.Time) Window {
	next, allowed := advance(w, lim, now)
	return Window{Count: next.Count, WindowStart: time.UnixMilli(next.WindowStart), Allowed: allowed}
}

// advance resets an elapsed window, otherwise counts the hit if it fits.
func advance(w kvWindow, lim Limit, now time.Time) (kvWindow, bool) {
	nowMs := now.UnixMilli()
	if w.WindowStart == 0 || nowMs-w.WindowStart >= lim.Window.Milliseconds() {
		return kvWindow{Count: 1, WindowStart: nowMs}, true
	}
	if w.Count < lim.Limit {
		w.Count++
		return w, true
	}
	return w, false
}
