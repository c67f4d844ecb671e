package util

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestInitLoggerWritesStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := initLogger(&buf, "info", "json")
	logger.With("service", "api").WithGroup("req").Info("http_request", "status", 201, "err", errors.New("boom"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "http_request" {
		t.Fatalf("unexpected message: %v", line["message"])
	}
	if line["level"] != "info" {
		t.Fatalf("unexpected level: %v", line["level"])
	}
	if line["service"] != "api" {
		t.Fatalf("expected pre-bound attr, got %v", line)
	}
	if line["req.status"] != float64(201) {
		t.Fatalf("expected grouped attr req.status, got %v", line)
	}
	if line["req.err"] != "boom" {
		t.Fatalf("expected error attr, got %v", line)
	}
}

func TestInitLoggerRespectsLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := initLogger(&buf, "warn", "json")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
	if !logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error level should be enabled")
	}
}

func TestNewShortID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		id := NewShortID(8)
		if len(id) != 8 {
			t.Fatalf("unexpected length %d", len(id))
		}
		for _, r := range id {
			if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
				t.Fatalf("unexpected rune %q in %q", r, id)
			}
		}
		seen[id] = struct{}{}
	}
	if len(seen) < 195 {
		t.Fatalf("too many collisions: %d unique", len(seen))
	}
}
