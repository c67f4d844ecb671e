// Package session issues opaque session tokens bound to server-side records.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// CookieName is the HTTP cookie carrying the session token.
const CookieName = "session_id"

var (
	ErrEmptyPrincipal = errors.New("session: principal id required")
	ErrInvalidTTL     = errors.New("session: ttl must be positive")
)

// Record is what a token resolves to.
type Record struct {
	PrincipalID string    `json:"principalId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"userAgent,omitempty"`
}

// Fingerprint optionally binds a session to the client that created it.
type Fingerprint struct {
	IP        string
	UserAgent string
}

// Store creates, resolves and revokes sessions. Read returns nil for
// unknown or expired tokens.
type Store interface {
	Create(ctx context.Context, principalID string, ttl time.Duration, fp Fingerprint) (string, error)
	Read(ctx context.Context, token string) (*Record, error)
	Destroy(ctx context.Context, token string) error
	DestroyAll(ctx context.Context, principalID string) error
}

// newToken returns 256 bits of entropy, base64url without padding.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenKey derives the storage key so a leaked store does not leak tokens.
func tokenKey(secret []byte, token string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func validToken(token string) bool {
	token = strings.TrimSpace(token)
	if len(token) < 22 || len(token) > 128 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil
}
