// Package query holds cursor pagination and batched write helpers for the
// relational handle.
package query

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"manuscripthub/pkg/sqldb"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
	BatchSize    = 50
)

var ErrInvalidCursor = errors.New("invalid cursor")

type Direction int

const (
	Desc Direction = iota
	Asc
)

// Op is the comparison that continues a page in this direction.
func (d Direction) Op() string {
	if d == Asc {
		return ">"
	}
	return "<"
}

func (d Direction) SQL() string {
	if d == Asc {
		return "ASC"
	}
	return "DESC"
}

// ClampLimit applies the default and the ceiling.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Page is one slice of a listing. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Paginate trims a result fetched with limit+1 rows. The extra row only
// signals that another page exists.
func Paginate[T any](rows []T, limit int, cursorOf func(T) string) Page[T] {
	if len(rows) <= limit {
		return Page[T]{Items: rows}
	}
	items := rows[:limit]
	return Page[T]{Items: items, NextCursor: cursorOf(items[len(items)-1])}
}

// EncodeTimeCursor renders a cursor column value as an opaque token.
func EncodeTimeCursor(t time.Time) string {
	return base64.RawURLEncoding.EncodeToString([]byte(t.UTC().Format(time.RFC3339Nano)))
}

func DecodeTimeCursor(cursor string) (time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, ErrInvalidCursor
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, ErrInvalidCursor
	}
	return t.UTC(), nil
}

// DispatchBatches runs statements in transactional chunks of BatchSize.
// Chunks that already committed stay committed when a later one fails.
func DispatchBatches(ctx context.Context, db *sqldb.DB, stmts []*sqldb.Bound) ([]sqldb.Result, error) {
	results := make([]sqldb.Result, 0, len(stmts))
	for start := 0; start < len(stmts); start += BatchSize {
		end := start + BatchSize
		if end > len(stmts) {
			end = len(stmts)
		}
		res, err := db.Batch(ctx, stmts[start:end]...)
		if err != nil {
			return results, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		results = append(results, res...)
	}
	return results, nil
}
