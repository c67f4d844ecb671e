package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrorKind is the storage failure class exposed to callers.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindConflict  ErrorKind = "conflict"
	KindTransport ErrorKind = "transport"
)

// StorageError wraps every driver failure so callers never depend on a
// particular driver's error types.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s", e.Kind)
	}
	if e.Op == "" {
		return fmt.Sprintf("storage %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s (%s): %v", e.Kind, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches sentinel StorageErrors by kind.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound  = &StorageError{Kind: KindNotFound}
	ErrConflict  = &StorageError{Kind: KindConflict}
	ErrTransport = &StorageError{Kind: KindTransport}
)

// IsNotFound reports whether err is a not_found storage error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is a conflict storage error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

var conflictMarkers = []string{
	"unique constraint",
	"duplicate key",
	"unique_violation",
	"constraint failed: unique",
	"sqlstate 23505",
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	kind := KindTransport
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		kind = KindNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated):
		kind = KindConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindTransport
	default:
		msg := strings.ToLower(err.Error())
		for _, marker := range conflictMarkers {
			if strings.Contains(msg, marker) {
				kind = KindConflict
				break
			}
		}
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}
