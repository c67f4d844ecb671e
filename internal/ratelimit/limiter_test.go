package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/kv"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
}

func loginRequest() Request {
	return Request{IP: "198.51.100.7", Method: "POST", Path: "/auth/login"}
}

func exerciseLoginWindow(t *testing.T, store Store) {
	t.Helper()
	c := newClock()
	l := NewLimiter(store, DefaultPolicy(), c.Now)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, loginRequest())
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v %v", i, d, err)
		}
		if d.Remaining != 5-i {
			t.Fatalf("request %d: remaining = %d", i, d.Remaining)
		}
		c.Advance(time.Second)
	}
	d, _ := l.Check(ctx, loginRequest())
	if d.Allowed {
		t.Fatal("sixth login inside the window must be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute || d.RetryAfterSeconds() > 60 {
		t.Fatalf("unexpected retry after %s", d.RetryAfter)
	}
	if d.Rule.Class != ClassLogin {
		t.Fatalf("rejection must come from the login class, got %+v", d.Rule)
	}

	c.Advance(time.Minute)
	d, _ = l.Check(ctx, loginRequest())
	if !d.Allowed {
		t.Fatalf("window must reset after it elapses, got %+v", d)
	}
}

func TestKVStoreLoginWindow(t *testing.T) {
	exerciseLoginWindow(t, NewKVStore(kv.NewMemory(nil)))
}

func TestRedisStoreLoginWindow(t *testing.T) {
	exerciseLoginWindow(t, newRedisStore(t))
}

func TestRedisStoreConcurrentHitsNeverOvershoot(t *testing.T) {
	store := newRedisStore(t)
	lim := Limit{Limit: 10, Window: time.Minute}
	now := time.Now()
	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := store.Hit(context.Background(), "ratelimit:ip:x:global", lim, now)
			if err == nil && w.Allowed {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := accepted.Load(); got != 10 {
		t.Fatalf("expected exactly 10 accepted, got %d", got)
	}
}

func TestKVStoreConcurrentOvershootIsBounded(t *testing.T) {
	store := NewKVStore(kv.NewMemory(nil))
	lim := Limit{Limit: 10, Window: time.Minute}
	now := time.Now()
	const parallelism = 4
	var accepted atomic.Int64
	for round := 0; round < 10; round++ {
		var wg sync.WaitGroup
		for i := 0; i < parallelism; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w, err := store.Hit(context.Background(), "k", lim, now)
				if err == nil && w.Allowed {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()
	}
	if got := accepted.Load(); got > int64(lim.Limit+parallelism-1) {
		t.Fatalf("accepted %d exceeds limit plus parallelism", got)
	}
}

func TestRemainingNeverNegative(t *testing.T) {
	c := newClock()
	l := NewLimiter(NewKVStore(kv.NewMemory(nil)), DefaultPolicy(), c.Now)
	for i := 0; i < 10; i++ {
		d, _ := l.Check(context.Background(), loginRequest())
		if d.Remaining < 0 {
			t.Fatalf("remaining went negative: %+v", d)
		}
	}
}

func TestPolicyTierScaling(t *testing.T) {
	p := DefaultPolicy()
	rules := p.Rules(Request{IP: "1.1.1.1", PrincipalID: "u1", Tier: domain.TierPro, Method: "GET", Path: "/manuscripts"})
	if len(rules) != 3 {
		t.Fatalf("expected class, ip and user rules, got %+v", rules)
	}
	byScope := map[string]Rule{}
	for _, r := range rules {
		byScope[r.Scope] = r
	}
	if byScope[ScopeClass].Limit.Limit != 240 || byScope[ScopeClass].ID != "u1" {
		t.Fatalf("pro default class must double: %+v", byScope[ScopeClass])
	}
	if byScope[ScopeUser].Limit.Limit != 600 {
		t.Fatalf("pro per-user must double: %+v", byScope[ScopeUser])
	}
	if byScope[ScopeIP].Limit.Limit != 600 {
		t.Fatalf("per-ip must not scale: %+v", byScope[ScopeIP])
	}

	login := p.Rules(Request{IP: "1.1.1.1", PrincipalID: "u1", Tier: domain.TierEnterprise, Method: "POST", Path: "/auth/login"})
	if login[0].Class != ClassLogin || login[0].Limit.Limit != 5 || login[0].ID != "1.1.1.1" {
		t.Fatalf("login class must not scale and is keyed by ip: %+v", login[0])
	}

	upload := p.Rules(Request{IP: "1.1.1.1", PrincipalID: "u1", Tier: domain.TierEnterprise, Method: "POST", Path: "/upload/manuscript"})
	if upload[0].Class != ClassUpload || upload[0].Limit.Limit != 100 {
		t.Fatalf("enterprise upload must scale 5x: %+v", upload[0])
	}
	if upload[0].Key() != "ratelimit:class:u1:upload" {
		t.Fatalf("unexpected key %q", upload[0].Key())
	}
}

func TestPolicyBypass(t *testing.T) {
	p := DefaultPolicy()
	for _, path := range []string{"/webhooks/stripe", "/static/app.js", "/healthz"} {
		if !p.Bypassed(path) {
			t.Fatalf("%s must bypass", path)
		}
	}
	if p.Bypassed("/manuscripts") {
		t.Fatal("/manuscripts must be limited")
	}
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, Limit, time.Time) (Window, error) {
	return Window{}, errors.New("redis down")
}

func (failingStore) Peek(context.Context, string, Limit, time.Time) (Window, error) {
	return Window{}, errors.New("redis down")
}

func exerciseRejectionDoesNotSpendOtherWindows(t *testing.T, store Store) {
	t.Helper()
	c := newClock()
	policy := DefaultPolicy()
	l := NewLimiter(store, policy, c.Now)
	ctx := context.Background()
	req := loginRequest()

	for i := 0; i < 5; i++ {
		if d, err := l.Check(ctx, req); err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v %v", i+1, d, err)
		}
	}
	for i := 0; i < 20; i++ {
		if d, _ := l.Check(ctx, req); d.Allowed {
			t.Fatalf("login window must reject")
		}
	}
	d, err := l.Check(ctx, Request{IP: req.IP, Method: "GET", Path: "/manuscripts"})
	if err != nil || !d.Allowed {
		t.Fatalf("default request: %+v %v", d, err)
	}
	var ipRule Rule
	for _, r := range policy.Rules(req) {
		if r.Scope == ScopeIP {
			ipRule = r
		}
	}
	w, err := store.Peek(ctx, ipRule.Key(), ipRule.Limit, c.Now())
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if w.Count != 7 {
		t.Fatalf("per-IP window counted %d hits, want 6 admitted plus the peeked one", w.Count)
	}
}

func TestKVStoreRejectionDoesNotSpendOtherWindows(t *testing.T) {
	exerciseRejectionDoesNotSpendOtherWindows(t, NewKVStore(kv.NewMemory(nil)))
}

func TestRedisStoreRejectionDoesNotSpendOtherWindows(t *testing.T) {
	exerciseRejectionDoesNotSpendOtherWindows(t, newRedisStore(t))
}

func TestStoreFailureFailsOpen(t *testing.T) {
	l := NewLimiter(failingStore{}, DefaultPolicy(), nil)
	d, err := l.Check(context.Background(), loginRequest())
	if err != nil || !d.Allowed {
		t.Fatalf("expected fail open, got %+v %v", d, err)
	}
}
