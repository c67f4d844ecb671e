// Package sharelink signs report links that grant read access to one
// report without a session.
package sharelink

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "manuscripthub"
	defaultAudience = "report"
	defaultTTL      = 7 * 24 * time.Hour
	defaultLeeway   = 30 * time.Second
	minSecretLength = 16
)

var (
	ErrInvalidLink = errors.New("invalid share link")
	ErrNoSecret    = errors.New("share link secret too short")
)

// Options configures claim validation.
type Options struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// Signer issues and validates HS256 report share tokens.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

func NewSigner(secret string, opts Options, now func() time.Time) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minSecretLength {
		return nil, ErrNoSecret
	}
	opts = normalizeOptions(opts)
	if now == nil {
		now = time.Now
	}
	return &Signer{
		secret:   []byte(secret),
		issuer:   opts.Issuer,
		audience: opts.Audience,
		ttl:      opts.TTL,
		leeway:   opts.Leeway,
		now:      now,
	}, nil
}

// Sign returns a token for reportID valid for ttl (the default when zero).
func (s *Signer) Sign(reportID string, ttl time.Duration) (string, time.Time, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return "", time.Time{}, fmt.Errorf("%w: report id required", ErrInvalidLink)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now().UTC()
	expires := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   reportID,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify returns the report id a token grants access to.
func (s *Signer) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidLink
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidLink)
	}
	return claims.Subject, nil
}

func normalizeOptions(opts Options) Options {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultAudience
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultLeeway
	}
	return opts
}
