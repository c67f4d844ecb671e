package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Auth("invalid_credentials", "nope"), http.StatusUnauthorized},
		{Forbidden("no"), http.StatusForbidden},
		{NotFound("missing"), http.StatusNotFound},
		{Conflict("taken"), http.StatusConflict},
		{QuotaExceeded(1, time.Now()), http.StatusPaymentRequired},
		{Gone("expired"), http.StatusGone},
		{TooLarge("big"), http.StatusRequestEntityTooLarge},
		{Unsupported("pdf"), http.StatusUnsupportedMediaType},
		{RateLimited(time.Second), http.StatusTooManyRequests},
		{Upstream("provider"), http.StatusBadGateway},
		{&Error{Kind: KindUpstream, Unavailable: true}, http.StatusServiceUnavailable},
		{Timeout("slow"), http.StatusGatewayTimeout},
		{errors.New("plain"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NotFound("x")), http.StatusNotFound},
	}
	for _, tc := range tests {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestTransientClassification(t *testing.T) {
	transient := []error{
		Upstream("503"),
		Timeout("stage"),
		errors.New("network reset"),
		fmt.Errorf("stage: %w", context.DeadlineExceeded),
	}
	for _, err := range transient {
		if !Transient(err) {
			t.Fatalf("expected transient: %v", err)
		}
	}
	terminal := []error{Unsupported("pdf"), Auth("provider_auth", "bad key"), Validation("x")}
	for _, err := range terminal {
		if Transient(err) {
			t.Fatalf("expected terminal: %v", err)
		}
	}
}

func TestQuotaExceededDetails(t *testing.T) {
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	err := QuotaExceeded(1, end)
	if err.Details["upgradeRequired"] != true {
		t.Fatalf("expected upgradeRequired detail, got %v", err.Details)
	}
	if err.Details["periodEnd"] != "2026-11-01T00:00:00Z" {
		t.Fatalf("unexpected periodEnd: %v", err.Details["periodEnd"])
	}
	if err.PublicCode() != "quota_exceeded" {
		t.Fatalf("unexpected code %q", err.PublicCode())
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("driver exploded")
	err := Internal("storage failed").WithCause(cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}
