package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"manuscripthub/pkg/sqldb"
)

func TestPaginate(t *testing.T) {
	rows := []int{1, 2, 3, 4}
	cursor := func(v int) string { return fmt.Sprint(v) }

	page := Paginate(rows, 3, cursor)
	if len(page.Items) != 3 || page.NextCursor != "3" {
		t.Fatalf("unexpected page: %+v", page)
	}
	page = Paginate(rows[:3], 3, cursor)
	if len(page.Items) != 3 || page.NextCursor != "" {
		t.Fatalf("exactly limit rows must be the last page: %+v", page)
	}
	page = Paginate([]int{}, 3, cursor)
	if len(page.Items) != 0 || page.NextCursor != "" {
		t.Fatalf("unexpected empty page: %+v", page)
	}
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0) != DefaultLimit || ClampLimit(500) != MaxLimit || ClampLimit(7) != 7 {
		t.Fatal("unexpected clamp")
	}
}

func TestTimeCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	got, err := DecodeTimeCursor(EncodeTimeCursor(at))
	if err != nil || !got.Equal(at) {
		t.Fatalf("round trip = %s, %v", got, err)
	}
	if _, err := DecodeTimeCursor("!!"); err != ErrInvalidCursor {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

type countRow struct {
	N int
}

func TestDispatchBatchesChunks(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:query_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	insert := db.Prepare("INSERT INTO items (id) VALUES (?)")
	stmts := make([]*sqldb.Bound, 0, 120)
	for i := 1; i <= 120; i++ {
		stmts = append(stmts, insert.Bind(i))
	}
	results, err := DispatchBatches(ctx, db, stmts)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != 120 {
		t.Fatalf("expected 120 results, got %d", len(results))
	}

	// A conflict in the third chunk keeps the first two committed.
	var more []*sqldb.Bound
	for i := 121; i <= 220; i++ {
		more = append(more, insert.Bind(i))
	}
	more = append(more, insert.Bind(1))
	if _, err := DispatchBatches(ctx, db, more); !sqldb.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var row countRow
	if err := db.Prepare("SELECT COUNT(*) AS n FROM items").Bind().First(ctx, &row); err != nil {
		t.Fatalf("count: %v", err)
	}
	if row.N != 220 {
		t.Fatalf("expected 220 rows, got %d", row.N)
	}
}
