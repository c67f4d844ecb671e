package pipeline

import (
	"context"
	"log/slog"
	"time"

	"manuscripthub/internal/cache"
	"manuscripthub/internal/metrics"
	"manuscripthub/pkg/kv"
)

// Cost is a principal's token usage for one calendar month.
type Cost struct {
	TokensIn  int `json:"tokensIn"`
	TokensOut int `json:"tokensOut"`
	Calls     int `json:"calls"`
}

// CostTracker accumulates token usage under cost:<user>:<month>. Updates
// are read-modify-write and best effort.
type CostTracker struct {
	kv  kv.Store
	now func() time.Time
}

func NewCostTracker(store kv.Store, now func() time.Time) *CostTracker {
	if now == nil {
		now = time.Now
	}
	return &CostTracker{kv: store, now: now}
}

func (t *CostTracker) Add(ctx context.Context, principalID, agent string, tokensIn, tokensOut int) {
	metrics.RecordTokens(agent, tokensIn, tokensOut)
	if t == nil || principalID == "" {
		return
	}
	key := cache.CostKey(principalID, t.now())
	var c Cost
	if _, err := kv.GetJSON(ctx, t.kv, key, &c); err != nil {
		slog.Warn("cost_read_failed", "principal_id", principalID, "err", err)
		return
	}
	c.TokensIn += tokensIn
	c.TokensOut += tokensOut
	c.Calls++
	if err := kv.PutJSON(ctx, t.kv, key, c, cache.TTLCost); err != nil {
		slog.Warn("cost_write_failed", "principal_id", principalID, "err", err)
	}
}

// Month returns the usage recorded for the month containing at.
func (t *CostTracker) Month(ctx context.Context, principalID string, at time.Time) (Cost, error) {
	var c Cost
	_, err := kv.GetJSON(ctx, t.kv, cache.CostKey(principalID, at), &c)
	return c, err
}
