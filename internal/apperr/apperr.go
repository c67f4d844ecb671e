// Package apperr defines the flat error taxonomy shared by handlers and
// pipeline stages. The HTTP layer is the only place kinds become status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindAuth              Kind = "auth_error"
	KindAuthorization     Kind = "authorization_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindGone              Kind = "gone"
	KindPayloadTooLarge   Kind = "payload_too_large"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindRateLimit         Kind = "rate_limited"
	KindUpstream          Kind = "upstream_error"
	KindTimeout           Kind = "timeout"
	KindInternal          Kind = "internal_error"
)

// Error carries a kind, a message safe to show to users, optional details
// and the internal cause.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Details     map[string]any
	RetryAfter  time.Duration
	Unavailable bool // 503 instead of 502 for upstream errors
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithCause attaches the internal cause.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// WithCode overrides the public code, e.g. "email_taken" on a conflict.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a structured detail rendered into the response body.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Public code used in response bodies; defaults to the kind.
func (e *Error) PublicCode() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(msg string) *Error { return newErr(KindValidation, "", msg) }
func Auth(code, msg string) *Error { return newErr(KindAuth, code, msg) }
func Forbidden(msg string) *Error { return newErr(KindAuthorization, "", msg) }
func NotFound(msg string) *Error { return newErr(KindNotFound, "", msg) }
func Conflict(msg string) *Error { return newErr(KindConflict, "", msg) }
func Gone(msg string) *Error { return newErr(KindGone, "", msg) }
func TooLarge(msg string) *Error { return newErr(KindPayloadTooLarge, "", msg) }
func Unsupported(msg string) *Error { return newErr(KindUnsupportedFormat, "", msg) }
func Upstream(msg string) *Error { return newErr(KindUpstream, "", msg) }
func Timeout(msg string) *Error { return newErr(KindTimeout, "", msg) }
func Internal(msg string) *Error { return newErr(KindInternal, "", msg) }

// RateLimited builds a 429 error with its retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	e := newErr(KindRateLimit, "", "too many requests")
	e.RetryAfter = retryAfter
	return e
}

// QuotaExceeded builds the tier-limit error with its upgrade hint.
func QuotaExceeded(limit int, periodEnd time.Time) *Error {
	return newErr(KindQuotaExceeded, "", "monthly manuscript limit reached").
		WithDetail("limit", limit).
		WithDetail("periodEnd", periodEnd.UTC().Format(time.RFC3339)).
		WithDetail("upgradeRequired", true)
}

// As extracts the taxonomy error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err; deadline errors count as timeouts and
// anything untyped is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Transient reports whether a failed pipeline stage should be retried.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	kind := KindOf(err)
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindGone:
		return http.StatusGone
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUpstream:
		if e, ok := As(err); ok && e.Unavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
