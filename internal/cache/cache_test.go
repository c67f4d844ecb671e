package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/kv"
)

type profile struct {
	Name string `json:"name"`
}

func TestGetOrFetchCachesNonNil(t *testing.T) {
	c := New(kv.NewMemory(nil))
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (*profile, error) {
		calls++
		return &profile{Name: "ada"}, nil
	}
	for i := 0; i < 3; i++ {
		got, err := GetOrFetch(ctx, c, UserKey("u1"), TTLUser, fetch)
		if err != nil || got == nil || got.Name != "ada" {
			t.Fatalf("GetOrFetch = %+v, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestGetOrFetchDoesNotCacheNil(t *testing.T) {
	c := New(kv.NewMemory(nil))
	calls := 0
	fetch := func(context.Context) (*profile, error) {
		calls++
		return nil, nil
	}
	_, _ = GetOrFetch(context.Background(), c, "k", time.Minute, fetch)
	_, _ = GetOrFetch(context.Background(), c, "k", time.Minute, fetch)
	if calls != 2 {
		t.Fatalf("nil results must not be cached, fetch calls=%d", calls)
	}
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("down")
}

func (brokenKV) Put(context.Context, string, string, time.Duration) error {
	return errors.New("down")
}

func (brokenKV) Delete(context.Context, string) error { return errors.New("down") }

func TestCacheFailuresFallThrough(t *testing.T) {
	c := New(brokenKV{})
	got, err := GetOrFetch(context.Background(), c, "k", time.Minute, func(context.Context) (*profile, error) {
		return &profile{Name: "src"}, nil
	})
	if err != nil || got.Name != "src" {
		t.Fatalf("expected source value, got %+v %v", got, err)
	}
	c.InvalidateUser(context.Background(), "u1")
}

func TestTTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(kv.NewMemory(func() time.Time { return now }))
	ctx := context.Background()
	c.Set(ctx, ManuscriptKey("m1"), profile{Name: "x"}, TTLManuscript)
	now = now.Add(TTLManuscript + time.Second)
	var p profile
	if c.Get(ctx, ManuscriptKey("m1"), &p) {
		t.Fatal("expected entry expired")
	}
}

func TestInvalidateManuscriptFanOut(t *testing.T) {
	store := kv.NewMemory(nil)
	c := New(store)
	ctx := context.Background()
	m := domain.Manuscript{ID: "m1", OwnerID: "u1", Genre: "Mystery", ReportID: "abcd1234"}
	keys := []string{
		ManuscriptKey("m1"),
		ManuscriptStatsKey("u1"),
		AnalysisStatusKey("abcd1234"),
		ManuscriptListKey("u1", "", "", 1),
		ManuscriptListKey("u1", "queued", "mystery", 1),
		ManuscriptListKey("u1", "analyzed", "", 1),
	}
	for _, k := range keys {
		c.Set(ctx, k, 1, time.Hour)
	}
	c.Set(ctx, ManuscriptListKey("u2", "", "", 1), 1, time.Hour)

	c.InvalidateManuscript(ctx, m)
	for _, k := range keys {
		if _, ok, _ := store.Get(ctx, k); ok {
			t.Fatalf("expected %s invalidated", k)
		}
	}
	if _, ok, _ := store.Get(ctx, ManuscriptListKey("u2", "", "", 1)); !ok {
		t.Fatal("other principals' listings must survive")
	}
}

func TestKeyShapes(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{ManuscriptListKey("u1", "", "", 1), "manuscripts:u1:all:all:p1"},
		{ManuscriptListKey("u1", "queued", "Mystery", 2), "manuscripts:u1:queued:mystery:p2"},
		{SubscriptionKey("u1"), "user:u1:subscription"},
		{AnalysisKey("u1/m1/f.txt", domain.StageLine), "analysis:u1/m1/f.txt:line"},
		{CostKey("u1", time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)), "cost:u1:2026-02"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("key = %q, want %q", tc.got, tc.want)
		}
	}
}
