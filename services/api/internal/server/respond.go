package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/util"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError normalizes err into `{error, message, requestId, ...details}`.
// Untyped errors are logged and rendered opaquely.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.RequestIDFromRequest(r)
	logger := util.LoggerFromContext(r.Context())
	status := apperr.HTTPStatus(err)
	body := map[string]any{"requestId": requestID}

	e, typed := apperr.As(err)
	switch {
	case !typed && apperr.KindOf(err) == apperr.KindTimeout:
		logger.Warn("request_failed", "path", r.URL.Path, "method", r.Method, "err", err)
		body["error"] = string(apperr.KindTimeout)
		body["message"] = "request timed out"
	case !typed || e.Kind == apperr.KindInternal:
		logger.Error("request_failed", "path", r.URL.Path, "method", r.Method, "err", err)
		body["error"] = string(apperr.KindInternal)
		body["message"] = "internal server error"
	default:
		if status >= http.StatusInternalServerError {
			logger.Warn("request_failed", "path", r.URL.Path, "method", r.Method, "kind", string(e.Kind), "err", err)
		}
		for k, v := range e.Details {
			body[k] = v
		}
		body["error"] = e.PublicCode()
		body["message"] = e.Message
		if e.RetryAfter > 0 {
			secs := int(e.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			body["retryAfter"] = secs
		}
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperr.TooLarge("request body too large")
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required")
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			return apperr.Validation("unknown field in request body").WithDetail("detail", strings.TrimPrefix(err.Error(), "json: "))
		default:
			return apperr.Validation("invalid JSON body")
		}
	}
	return validateStruct(dst)
}
