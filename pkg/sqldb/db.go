// Package sqldb is the relational handle: prepared statements with `?`
// placeholders, bound execution and transactional batches over gorm.
// Postgres serves the server substrate, SQLite the edge and tests.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Config selects the driver and connection policy.
type Config struct {
	Driver          string
	DSN             string
	SlowThreshold   time.Duration
	MaxOpenConns    int
	ConnectAttempts int
}

// DB is the relational handle shared by handlers and consumers.
type DB struct {
	gorm    *gorm.DB
	dialect string
	stmts   sync.Map
}

// Result reports the effect of a write.
type Result struct {
	RowsAffected int64
}

// Open connects with bounded retries and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialector gorm.Dialector
	switch dialect {
	case DialectPostgres, "postgresql", "":
		dialect = DialectPostgres
		dialector = postgres.Open(cfg.DSN)
	case DialectSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database dsn is required")
	}
	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 3
	}
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := open(ctx, dialector, dialect, slow, cfg.MaxOpenConns)
		if err == nil {
			return db, nil
		}
		lastErr = err
		slog.Warn("database_connect_failed", "attempt", attempt, "driver", dialect, "err", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("connect %s: %w", dialect, lastErr)
}

func open(ctx context.Context, dialector gorm.Dialector, dialect string, slow time.Duration, maxOpen int) (*DB, error) {
	g, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newSlogLogger(slow),
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &DB{gorm: g, dialect: dialect}, nil
}

// Dialect reports "postgres" or "sqlite".
func (db *DB) Dialect() string { return db.dialect }

// Close releases the pool.
func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Prepare returns the cached statement for query. The cache is keyed by
// SQL text and never evicts, so query must come from a fixed set of shapes:
// constants, or fragments chosen from constants. Values always go through
// Bind, never into the text.
func (db *DB) Prepare(query string) *Statement {
	if st, ok := db.stmts.Load(query); ok {
		return st.(*Statement)
	}
	st, _ := db.stmts.LoadOrStore(query, &Statement{db: db, query: query})
	return st.(*Statement)
}

// Exec runs a statement without arguments (DDL).
func (db *DB) Exec(ctx context.Context, query string) error {
	return classify("exec", db.gorm.WithContext(ctx).Exec(query).Error)
}

// Batch runs writes atomically: either every statement commits or none.
func (db *DB) Batch(ctx context.Context, stmts ...*Bound) ([]Result, error) {
	results := make([]Result, 0, len(stmts))
	err := db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, b := range stmts {
			res := tx.Exec(b.stmt.query, b.args...)
			if res.Error != nil {
				return classify(fmt.Sprintf("batch[%d]", i), res.Error)
			}
			results = append(results, Result{RowsAffected: res.RowsAffected})
		}
		return nil
	})
	if err != nil {
		return nil, classify("batch", err)
	}
	return results, nil
}

// WithAdvisoryLock holds a Postgres session lock while fn runs. On SQLite
// the single-connection pool already serializes callers.
func (db *DB) WithAdvisoryLock(ctx context.Context, lockID int64, fn func(context.Context) error) error {
	if db.dialect != DialectPostgres {
		return fn(ctx)
	}
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return classify("advisory_lock", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		return classify("advisory_lock", err)
	}
	defer func() {
		_ = execAdvisory(context.Background(), conn, "SELECT pg_advisory_unlock($1)", lockID)
	}()
	return fn(ctx)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Statement is a reusable SQL text with `?` placeholders.
type Statement struct {
	db    *DB
	query string
}

// SQL returns the statement text.
func (s *Statement) SQL() string { return s.query }

// Bind attaches positional arguments.
func (s *Statement) Bind(args ...any) *Bound {
	return &Bound{stmt: s, args: args}
}

// Bound is a statement with its arguments, ready to execute.
type Bound struct {
	stmt *Statement
	args []any
}

// First scans the first row into dest (a struct or map pointer). It returns
// ErrNotFound when the query yields no rows.
func (b *Bound) First(ctx context.Context, dest any) error {
	res := b.stmt.db.gorm.WithContext(ctx).Raw(b.stmt.query, b.args...).Scan(dest)
	if res.Error != nil {
		return classify("first", res.Error)
	}
	if res.RowsAffected == 0 {
		return &StorageError{Kind: KindNotFound, Op: "first", Err: gorm.ErrRecordNotFound}
	}
	return nil
}

// All scans every row into dest (a pointer to a slice).
func (b *Bound) All(ctx context.Context, dest any) error {
	return classify("all", b.stmt.db.gorm.WithContext(ctx).Raw(b.stmt.query, b.args...).Scan(dest).Error)
}

// Run executes a write.
func (b *Bound) Run(ctx context.Context) (Result, error) {
	res := b.stmt.db.gorm.WithContext(ctx).Exec(b.stmt.query, b.args...)
	if res.Error != nil {
		return Result{}, classify("run", res.Error)
	}
	return Result{RowsAffected: res.RowsAffected}, nil
}

// slogLogger bridges gorm's logger to slog, reporting slow statements.
type slogLogger struct {
	slow  time.Duration
	level gormlogger.LogLevel
}

func newSlogLogger(slow time.Duration) gormlogger.Interface {
	return &slogLogger{slow: slow, level: gormlogger.Warn}
}

func (l *slogLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		slog.InfoContext(ctx, "gorm", "msg", fmt.Sprintf(msg, args...))
	}
}

func (l *slogLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		slog.WarnContext(ctx, "gorm", "msg", fmt.Sprintf(msg, args...))
	}
}

func (l *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		slog.ErrorContext(ctx, "gorm", "msg", fmt.Sprintf(msg, args...))
	}
}

func (l *slogLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	if l.slow > 0 && elapsed > l.slow {
		query, rows := fc()
		slog.WarnContext(ctx, "slow_query", "elapsed_ms", elapsed.Milliseconds(), "rows", rows, "sql", truncateSQL(query))
		return
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Info {
		query, _ := fc()
		slog.DebugContext(ctx, "query_error", "sql", truncateSQL(query), "err", err)
	}
}

// truncateSQL keeps slow-query lines bounded.
func truncateSQL(query string) string {
	const max = 300
	query = strings.Join(strings.Fields(query), " ")
	if len(query) > max {
		return query[:max] + "..."
	}
	return query
}
