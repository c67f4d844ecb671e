package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

const shortIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewShortID returns an n-character lowercase alphanumeric id.
func NewShortID(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	out := make([]byte, n)
	for i, b := range buf {
		// 252 = 7*36; rejecting above keeps the distribution uniform.
		for b >= 252 {
			var one [1]byte
			_, _ = rand.Read(one[:])
			b = one[0]
		}
		out[i] = shortIDAlphabet[int(b)%len(shortIDAlphabet)]
	}
	return string(out)
}
