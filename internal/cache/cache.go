// Package cache is cache-aside over the KV store. Every failure is logged
// and treated as a miss so the source of truth always answers.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/kv"
)

type Cache struct {
	kv kv.Store
}

// New returns a cache over store. A nil store disables caching.
func New(store kv.Store) *Cache {
	return &Cache{kv: store}
}

func (c *Cache) enabled() bool {
	return c != nil && c.kv != nil
}

// Get decodes the cached JSON value at key into v.
func (c *Cache) Get(ctx context.Context, key string, v any) bool {
	if !c.enabled() {
		return false
	}
	raw, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		slog.Warn("cache_get_failed", "key", key, "err", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		slog.Warn("cache_decode_failed", "key", key, "err", err)
		_ = c.kv.Delete(ctx, key)
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) {
	if !c.enabled() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("cache_encode_failed", "key", key, "err", err)
		return
	}
	if err := c.kv.Put(ctx, key, string(data), ttl); err != nil {
		slog.Warn("cache_set_failed", "key", key, "err", err)
	}
}

// Delete removes keys, logging failures.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.enabled() {
		return
	}
	for _, key := range keys {
		if err := c.kv.Delete(ctx, key); err != nil {
			slog.Warn("cache_delete_failed", "key", key, "err", err)
		}
	}
}

// GetOrFetch returns the cached value or calls fetch, caching a non-nil
// result for ttl. Fetch errors are returned untouched.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (*T, error)) (*T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return &cached, nil
	}
	v, err := fetch(ctx)
	if err != nil || v == nil {
		return v, err
	}
	c.Set(ctx, key, v, ttl)
	return v, nil
}

// ListInvalidationKeys is the fan-out cleared when a principal's
// manuscripts change: first pages for every status filter crossed with
// "all" and each affected genre. Deeper pages are never cached.
func ListInvalidationKeys(userID string, genres ...string) []string {
	statuses := []string{allFilter}
	for _, s := range []domain.ManuscriptStatus{
		domain.ManuscriptUploaded, domain.ManuscriptQueued, domain.ManuscriptAnalyzing,
		domain.ManuscriptAnalyzed, domain.ManuscriptFailed, domain.ManuscriptArchived,
	} {
		statuses = append(statuses, string(s))
	}
	genreSet := []string{allFilter}
	seen := map[string]bool{allFilter: true}
	for _, g := range genres {
		g = filter(g)
		if !seen[g] {
			seen[g] = true
			genreSet = append(genreSet, g)
		}
	}
	keys := make([]string, 0, len(statuses)*len(genreSet))
	for _, s := range statuses {
		for _, g := range genreSet {
			keys = append(keys, ManuscriptListKey(userID, s, g, firstListPage))
		}
	}
	return keys
}

// InvalidateManuscript clears the row, its owner's stats and listings, and
// the cached analysis status.
func (c *Cache) InvalidateManuscript(ctx context.Context, m domain.Manuscript, extraGenres ...string) {
	keys := []string{ManuscriptKey(m.ID), ManuscriptStatsKey(m.OwnerID), AdminStatsKey()}
	if m.ReportID != "" {
		keys = append(keys, AnalysisStatusKey(m.ReportID))
	}
	keys = append(keys, ListInvalidationKeys(m.OwnerID, append([]string{m.Genre}, extraGenres...)...)...)
	c.Delete(ctx, keys...)
}

// InvalidateUser clears the profile and subscription entries.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	c.Delete(ctx, UserKey(userID), SubscriptionKey(userID), AdminStatsKey())
}
