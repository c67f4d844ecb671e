// Package auth holds password hashing, credential policy and single-use
// token helpers.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations follows current OWASP guidance for PBKDF2-SHA256.
	DefaultIterations = 210000
	MinIterations     = 100000
	saltLen           = 16
	keyLen            = 32
	scheme            = "pbkdf2-sha256"
)

var (
	ErrWeakPassword     = errors.New("password must be at least 8 characters and contain a letter and a digit")
	ErrMalformedHash    = errors.New("malformed password hash")
	ErrIterationsTooLow = errors.New("pbkdf2 iterations below minimum")
)

// HashPassword derives a verifier encoded as
// "pbkdf2-sha256$<iterations>$<salt>$<key>" with unpadded base64 parts.
func HashPassword(password string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return "", ErrIterationsTooLow
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
	return strings.Join([]string{
		scheme,
		strconv.Itoa(iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	}, "$"), nil
}

type verifier struct {
	iterations int
	salt       []byte
	key        []byte
}

func parseHash(stored string) (verifier, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != scheme {
		return verifier{}, ErrMalformedHash
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return verifier{}, ErrMalformedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return verifier{}, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return verifier{}, ErrMalformedHash
	}
	return verifier{iterations: iterations, salt: salt, key: key}, nil
}

// VerifyPassword re-derives with the stored salt and iterations and
// compares in constant time.
func VerifyPassword(password, stored string) bool {
	v, err := parseHash(stored)
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(password), v.salt, v.iterations, len(v.key), sha256.New)
	return subtle.ConstantTimeCompare(derived, v.key) == 1
}

// NeedsRehash reports whether stored was derived with fewer iterations
// than currently configured.
func NeedsRehash(stored string, iterations int) bool {
	v, err := parseHash(stored)
	if err != nil {
		return true
	}
	return v.iterations < iterations
}

// ValidatePasswordStrength enforces the minimum credential policy.
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 || len(password) > 128 {
		return ErrWeakPassword
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return ErrWeakPassword
	}
	return nil
}
