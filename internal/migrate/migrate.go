// Package migrate applies ordered SQL scripts and records what has run.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"manuscripthub/migrations"
	"manuscripthub/pkg/sqldb"
)

const lockID = 7241901

const stateTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT NOT NULL UNIQUE,
    applied_at TIMESTAMP NOT NULL
)`

// Report lists script names by outcome.
type Report struct {
	Applied []string
	Skipped []string
	Failed  []string
}

// Source returns dir as a filesystem when set, else the embedded scripts.
func Source(dir string) fs.FS {
	if strings.TrimSpace(dir) != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

type Runner struct {
	db   *sqldb.DB
	fsys fs.FS
	now  func() time.Time
}

func New(db *sqldb.DB, fsys fs.FS) *Runner {
	if fsys == nil {
		fsys = migrations.FS
	}
	return &Runner{db: db, fsys: fsys, now: time.Now}
}

type script struct {
	name   string
	number int
}

// Scripts lists migration_NNN_*.sql files ordered by number. Numbers must
// be strictly increasing.
func Scripts(fsys fs.FS) ([]string, error) {
	matches, err := fs.Glob(fsys, "migration_*.sql")
	if err != nil {
		return nil, err
	}
	scripts := make([]script, 0, len(matches))
	for _, m := range matches {
		n, err := scriptNumber(m)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script{name: m, number: n})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].number < scripts[j].number })
	names := make([]string, 0, len(scripts))
	for i, s := range scripts {
		if i > 0 && s.number == scripts[i-1].number {
			return nil, fmt.Errorf("duplicate migration number %03d: %s and %s", s.number, scripts[i-1].name, s.name)
		}
		names = append(names, s.name)
	}
	return names, nil
}

func scriptNumber(name string) (int, error) {
	rest := strings.TrimPrefix(path.Base(name), "migration_")
	idx := strings.IndexByte(rest, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("migration %s: expected migration_NNN_<name>.sql", name)
	}
	n, err := strconv.Atoi(rest[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %s: invalid number: %w", name, err)
	}
	return n, nil
}

// Run applies every script not yet recorded. A failing script is recorded
// as failed and the run continues with the next one; the returned error
// joins all failures.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	var report Report
	err := r.db.WithAdvisoryLock(ctx, lockID, func(ctx context.Context) error {
		var runErr error
		report, runErr = r.run(ctx)
		return runErr
	})
	return report, err
}

func (r *Runner) run(ctx context.Context) (Report, error) {
	var report Report
	if err := r.db.Exec(ctx, stateTable); err != nil {
		return report, fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := Scripts(r.fsys)
	if err != nil {
		return report, err
	}
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return report, err
	}

	var failures []error
	for _, name := range names {
		if applied[name] {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		if err := r.apply(ctx, name); err != nil {
			slog.Error("migration_failed", "name", name, "err", err)
			report.Failed = append(report.Failed, name)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			continue
		}
		slog.Info("migration_applied", "name", name)
		report.Applied = append(report.Applied, name)
	}
	return report, errors.Join(failures...)
}

type appliedRow struct {
	Name string
}

func (r *Runner) appliedSet(ctx context.Context) (map[string]bool, error) {
	var rows []appliedRow
	if err := r.db.Prepare("SELECT name FROM schema_migrations").Bind().All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	set := make(map[string]bool, len(rows))
	for _, row := range rows {
		set[row.Name] = true
	}
	return set, nil
}

func (r *Runner) apply(ctx context.Context, name string) error {
	data, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return err
	}
	for i, stmt := range SplitStatements(string(data)) {
		if err := r.db.Exec(ctx, stmt); err != nil {
			if alreadyExists(err) {
				slog.Warn("migration_statement_skipped", "name", name, "statement", i, "err", err)
				continue
			}
			return fmt.Errorf("statement %d: %w", i, err)
		}
	}
	_, err = r.db.Prepare("INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)").
		Bind(name, r.now().UTC()).Run(ctx)
	return err
}

func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate object") ||
		strings.Contains(msg, "duplicate column")
}
