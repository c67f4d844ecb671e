package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrCircuitOpen short-circuits calls to a provider that keeps failing.
var ErrCircuitOpen = errors.New("agent circuit open")

// ProviderError is a failed provider call. Status 0 means the request
// never produced a response.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.Status, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether retrying may succeed: transport failures,
// 408, 429 and 5xx.
func (e *ProviderError) Transient() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// AuthFailure reports a rejected provider credential.
func (e *ProviderError) AuthFailure() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsTransient classifies any agent error. Unknown errors are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	var te interface{ Transient() bool }
	if errors.As(err, &te) {
		return te.Transient()
	}
	return true
}
