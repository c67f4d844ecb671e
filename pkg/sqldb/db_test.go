package sqldb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := fmt.Sprintf("file:sqldb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := Open(context.Background(), Config{Driver: DialectSQLite, DSN: dsn, ConnectAttempts: 1})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Exec(context.Background(), `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT NOT NULL UNIQUE, qty INTEGER NOT NULL DEFAULT 0)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

type countRow struct {
	N int
}

type item struct {
	ID   string
	Name string
	Qty  int
}

func TestPrepareBindFirstAllRun(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	insert := db.Prepare(`INSERT INTO items (id, name, qty) VALUES (?, ?, ?)`)
	if insert != db.Prepare(`INSERT INTO items (id, name, qty) VALUES (?, ?, ?)`) {
		t.Fatal("expected prepared statement to be cached")
	}
	for i, name := range []string{"alpha", "beta", "gamma"} {
		res, err := insert.Bind(fmt.Sprintf("id-%d", i), name, i).Run(ctx)
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		if res.RowsAffected != 1 {
			t.Fatalf("rows affected = %d", res.RowsAffected)
		}
	}

	var got item
	if err := db.Prepare(`SELECT id, name, qty FROM items WHERE name = ?`).Bind("beta").First(ctx, &got); err != nil {
		t.Fatalf("first: %v", err)
	}
	if got.ID != "id-1" || got.Qty != 1 {
		t.Fatalf("unexpected row: %+v", got)
	}

	var all []item
	if err := db.Prepare(`SELECT id, name, qty FROM items ORDER BY qty DESC`).Bind().All(ctx, &all); err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 || all[0].Name != "gamma" {
		t.Fatalf("unexpected rows: %+v", all)
	}

	var missing item
	err := db.Prepare(`SELECT id, name, qty FROM items WHERE name = ?`).Bind("nope").First(ctx, &missing)
	if !IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestConflictClassification(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insert := db.Prepare(`INSERT INTO items (id, name) VALUES (?, ?)`)
	if _, err := insert.Bind("a", "same").Run(ctx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := insert.Bind("b", "same").Run(ctx)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Kind != KindConflict {
		t.Fatalf("expected typed storage error, got %T", err)
	}
}

func TestBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	insert := db.Prepare(`INSERT INTO items (id, name) VALUES (?, ?)`)

	results, err := db.Batch(ctx, insert.Bind("1", "one"), insert.Bind("2", "two"))
	if err != nil || len(results) != 2 {
		t.Fatalf("batch: %v results=%v", err, results)
	}

	_, err = db.Batch(ctx, insert.Bind("3", "three"), insert.Bind("4", "one"))
	if !IsConflict(err) {
		t.Fatalf("expected conflict from batch, got %v", err)
	}
	var count countRow
	if err := db.Prepare(`SELECT COUNT(*) AS n FROM items`).Bind().First(ctx, &count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count.N != 2 {
		t.Fatalf("failed batch must roll back, count=%d", count.N)
	}
}

func TestClassifyFallsBackToTransport(t *testing.T) {
	err := classify("run", errors.New("connection refused"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport, got %v", err)
	}
	if classify("run", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if !IsConflict(classify("run", errors.New(`ERROR: duplicate key value violates unique constraint "users_email_key" (SQLSTATE 23505)`))) {
		t.Fatal("expected postgres duplicate to classify as conflict")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
