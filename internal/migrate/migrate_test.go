package migrate

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"manuscripthub/pkg/sqldb"
)

func openTestDB(t *testing.T) *sqldb.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:migrate_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := sqldb.Open(context.Background(), sqldb.Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type tableRow struct {
	Name string
}

func tableNames(t *testing.T, db *sqldb.DB) []string {
	t.Helper()
	var rows []tableRow
	err := db.Prepare("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name").Bind().All(context.Background(), &rows)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	return names
}

func TestEmbeddedMigrationsAreIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	runner := New(db, nil)

	first, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first.Applied) != 4 || len(first.Failed) != 0 {
		t.Fatalf("unexpected first report: %+v", first)
	}
	before := tableNames(t, db)

	second, err := runner.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.Applied) != 0 || len(second.Skipped) != 4 {
		t.Fatalf("second run must apply nothing: %+v", second)
	}
	if after := tableNames(t, db); !reflect.DeepEqual(before, after) {
		t.Fatalf("schema changed between runs: %v vs %v", before, after)
	}
	for _, want := range []string{"manuscripts", "schema_migrations", "usage_windows", "users", "verification_tokens"} {
		found := false
		for _, name := range before {
			found = found || name == want
		}
		if !found {
			t.Fatalf("missing table %s in %v", want, before)
		}
	}
}

func TestFailingScriptDoesNotBlockLaterScripts(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"migration_001_a.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
		"migration_002_bad.sql": {Data: []byte("CREATE TABLE b (id TEXT);\nTHIS IS NOT SQL;")},
		"migration_003_c.sql": {Data: []byte("CREATE TABLE c (id TEXT);")},
	}
	report, err := New(db, fsys).Run(context.Background())
	if err == nil {
		t.Fatal("expected joined error for the failing script")
	}
	if !reflect.DeepEqual(report.Applied, []string{"migration_001_a.sql", "migration_003_c.sql"}) {
		t.Fatalf("unexpected applied: %v", report.Applied)
	}
	if !reflect.DeepEqual(report.Failed, []string{"migration_002_bad.sql"}) {
		t.Fatalf("unexpected failed: %v", report.Failed)
	}

	// The failed script is retried on the next run.
	fsys["migration_002_bad.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE b (id TEXT);")}
	report, err = New(db, fsys).Run(context.Background())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if !reflect.DeepEqual(report.Applied, []string{"migration_002_bad.sql"}) {
		t.Fatalf("expected repaired script applied, got %+v", report)
	}
}

func TestAlreadyExistsIsDowngraded(t *testing.T) {
	db := openTestDB(t)
	if err := db.Exec(context.Background(), "CREATE TABLE legacy (id TEXT)"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fsys := fstest.MapFS{
		"migration_001_legacy.sql": {Data: []byte("CREATE TABLE legacy (id TEXT);\nCREATE TABLE fresh (id TEXT);")},
	}
	report, err := New(db, fsys).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Applied) != 1 {
		t.Fatalf("expected script applied despite existing table: %+v", report)
	}
}

func TestScriptsOrdering(t *testing.T) {
	fsys := fstest.MapFS{
		"migration_010_late.sql":  {Data: []byte("")},
		"migration_002_early.sql": {Data: []byte("")},
		"README.md":               {Data: []byte("")},
	}
	names, err := Scripts(fsys)
	if err != nil {
		t.Fatalf("scripts: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"migration_002_early.sql", "migration_010_late.sql"}) {
		t.Fatalf("unexpected order: %v", names)
	}

	fsys["migration_002_dup.sql"] = &fstest.MapFile{Data: []byte("")}
	if _, err := Scripts(fsys); err == nil {
		t.Fatal("expected duplicate number to be rejected")
	}
	if _, err := Scripts(fstest.MapFS{"migration_x_bad.sql": {}}); err == nil {
		t.Fatal("expected non-numeric prefix to be rejected")
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   []string
	}{
		{
			name:   "simple",
			script: "CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);",
			want:   []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:   "comment lines dropped",
			script: "-- header\nCREATE TABLE a (id INT); -- trailing\n-- only comment;\n",
			want:   []string{"CREATE TABLE a (id INT)"},
		},
		{
			name: "dollar quoted body",
			script: "CREATE FUNCTION f() RETURNS trigger AS $$\nBEGIN\n  NEW.x := 1;\n  RETURN NEW;\nEND;\n$$ LANGUAGE plpgsql;\n" +
				"SELECT 1;",
			want: []string{
				"CREATE FUNCTION f() RETURNS trigger AS $$\nBEGIN\n  NEW.x := 1;\n  RETURN NEW;\nEND;\n$$ LANGUAGE plpgsql",
				"SELECT 1",
			},
		},
		{
			name:   "tagged dollar body",
			script: "DO $body$ BEGIN PERFORM 1; END $body$;",
			want:   []string{"DO $body$ BEGIN PERFORM 1; END $body$"},
		},
		{
			name:   "semicolon in string",
			script: "INSERT INTO t VALUES ('a;b', 'it''s');SELECT $1;",
			want:   []string{"INSERT INTO t VALUES ('a;b', 'it''s')", "SELECT $1"},
		},
		{
			name:   "block comment",
			script: "SELECT /* ; */ 1;",
			want:   []string{"SELECT   1"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitStatements(tc.script)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("SplitStatements() = %q, want %q", got, tc.want)
			}
		})
	}
}
