package sharelink

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "sharelink-test-secret-0123456789"

func TestSignVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, err := NewSigner(testSecret, Options{}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, expires, err := s.Sign("abcd1234", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !expires.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expires)
	}
	got, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != "abcd1234" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s, _ := NewSigner(testSecret, Options{}, func() time.Time { return now })
	token, _, err := s.Sign("abcd1234", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("expected invalid link, got %v", err)
	}
}

func TestVerifyRejectsOtherAudienceAndSecret(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, _ := NewSigner(testSecret, Options{}, clock)
	other, _ := NewSigner(testSecret, Options{Audience: "api"}, clock)
	token, _, _ := other.Sign("abcd1234", 0)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}

	wrongKey, _ := NewSigner("another-secret-0123456789abcdef", Options{}, clock)
	token, _, _ = wrongKey.Sign("abcd1234", 0)
	if _, err := s.Verify(token); !errors.Is(err, ErrInvalidLink) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	s, _ := NewSigner(testSecret, Options{}, nil)
	claims := jwt.RegisteredClaims{Subject: "abcd1234", Audience: jwt.ClaimStrings{"report"}, Issuer: "manuscripthub"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.Verify(token); err == nil {
		t.Fatalf("expected rejection of unsigned token")
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner("short", Options{}, nil); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
