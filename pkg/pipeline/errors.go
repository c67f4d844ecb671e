package pipeline

import (
	"context"
	"errors"

	"manuscripthub/internal/apperr"
	"manuscripthub/pkg/ai"
	"manuscripthub/pkg/extract"
	"manuscripthub/pkg/sqldb"
)

// classify maps a stage failure onto the error taxonomy. Transient kinds
// (upstream, timeout, internal) are retried; everything else is final.
func classify(err error) *apperr.Error {
	if e, ok := apperr.As(err); ok {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Timeout("stage timed out").WithCause(err)
	case errors.Is(err, extract.ErrPDFDisabled):
		return apperr.Unsupported("PDF manuscripts are not supported yet; convert the file to DOCX or EPUB and upload again").WithCause(err)
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return apperr.Unsupported("unsupported manuscript format").WithCause(err)
	case errors.Is(err, extract.ErrEmptyDocument):
		return apperr.Validation("manuscript contains no readable text").WithCause(err)
	case errors.Is(err, sqldb.ErrNotFound):
		return apperr.NotFound("manuscript not found").WithCause(err)
	}
	var pe *ai.ProviderError
	if errors.As(err, &pe) {
		if pe.Transient() {
			return apperr.Upstream("analysis provider unavailable").WithCause(err)
		}
		if pe.AuthFailure() {
			return apperr.Forbidden("analysis provider rejected credentials").WithCause(err)
		}
		return apperr.Validation("analysis provider rejected the request").WithCause(err)
	}
	if errors.Is(err, ai.ErrCircuitOpen) {
		return apperr.Upstream("analysis provider cooling down").WithCause(err)
	}
	return apperr.Internal("stage failed").WithCause(err)
}

// extractionError treats every parser failure as final: the same bytes
// fail the same way on every attempt.
func extractionError(err error) *apperr.Error {
	e := classify(err)
	if e.Kind == apperr.KindInternal {
		return apperr.Validation("manuscript file could not be read").WithCause(err)
	}
	return e
}
