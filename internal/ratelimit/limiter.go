// Package ratelimit implements per-scope window counters kept in KV or
// Redis. Every request is counted against its endpoint class, its client
// IP and, when authenticated, its principal.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"manuscripthub/internal/metrics"
)

// Decision is the outcome for one request. Limit, Remaining and Reset
// describe the tightest window and feed the X-RateLimit-* headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	Rule       Rule
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter struct {
	store  Store
	policy Policy
	now    func() time.Time
}

func NewLimiter(store Store, policy Policy, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{store: store, policy: policy, now: now}
}

func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check counts req against every applicable window. A request that any
// window would reject is refused without being counted anywhere. Store
// failures admit the request.
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	rules := l.policy.Rules(req)
	if len(rules) == 0 {
		return Decision{Allowed: true}, nil
	}
	now := l.now()
	var rejected *Decision
	for _, rule := range rules {
		w, err := l.store.Peek(ctx, rule.Key(), rule.Limit, now)
		if err != nil {
			slog.Warn("rate_limit_store_failed", "scope", rule.Scope, "class", string(rule.Class), "err", err)
			metrics.RecordRateLimitError()
			continue
		}
		if !w.Allowed {
			d := decide(rule, w, now)
			if rejected == nil || d.RetryAfter > rejected.RetryAfter {
				rejected = &d
			}
		}
	}
	if rejected != nil {
		return *rejected, nil
	}

	var tightest *Decision
	for _, rule := range rules {
		w, err := l.store.Hit(ctx, rule.Key(), rule.Limit, now)
		if err != nil {
			slog.Warn("rate_limit_store_failed", "scope", rule.Scope, "class", string(rule.Class), "err", err)
			metrics.RecordRateLimitError()
			continue
		}
		d := decide(rule, w, now)
		if !d.Allowed {
			if rejected == nil || d.RetryAfter > rejected.RetryAfter {
				rejected = &d
			}
			continue
		}
		if tightest == nil || d.Remaining < tightest.Remaining {
			tightest = &d
		}
	}
	if rejected != nil {
		return *rejected, nil
	}
	if tightest == nil {
		return Decision{Allowed: true}, nil
	}
	return *tightest, nil
}

func decide(rule Rule, w Window, now time.Time) Decision {
	reset := w.WindowStart.Add(rule.Window)
	d := Decision{Allowed: w.Allowed, Limit: rule.Limit.Limit, Reset: reset, Rule: rule}
	if w.Allowed {
		d.Remaining = rule.Limit.Limit - w.Count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		return d
	}
	d.RetryAfter = reset.Sub(now)
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	return d
}
