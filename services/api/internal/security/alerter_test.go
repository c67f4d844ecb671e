package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newAlerter(t *testing.T, now func() time.Time) *AuditAlerter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAuditAlerter(client, "test:alerts", now)
}

func TestAuditAlerterObserveTriggers(t *testing.T) {
	alerter := newAlerter(t, nil)
	var last AlertResult
	for i := 0; i < 10; i++ {
		result, err := alerter.Observe(context.Background(), "auth.login", "fail", "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		last = result
	}
	if !last.Triggered || last.Count != 10 {
		t.Fatalf("expected alert threshold to trigger, got %+v", last)
	}
}

func TestAuditAlerterObserveIgnoresUnknownRule(t *testing.T) {
	alerter := newAlerter(t, nil)
	result, err := alerter.Observe(context.Background(), "auth.custom", "success", "127.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 0 {
		t.Fatalf("unexpected trigger for unknown rule: %+v", result)
	}
}

func TestAuditAlerterWindowsRollOver(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	alerter := newAlerter(t, func() time.Time { return now })
	for i := 0; i < 19; i++ {
		if _, err := alerter.Observe(context.Background(), "upload", "rate_limited", "10.0.0.1"); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	now = now.Add(time.Minute)
	result, err := alerter.Observe(context.Background(), "upload", "rate_limited", "10.0.0.1")
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if result.Triggered || result.Count != 1 {
		t.Fatalf("expected fresh window, got %+v", result)
	}
}

func TestNilAlerterIsInert(t *testing.T) {
	var alerter *AuditAlerter
	if got := NewAuditAlerter(nil, "", nil); got != nil {
		t.Fatalf("expected nil alerter without a client")
	}
	result, err := alerter.Observe(context.Background(), "auth.login", "fail", "")
	if err != nil || result.Triggered {
		t.Fatalf("nil alerter should be inert: %+v %v", result, err)
	}
}
