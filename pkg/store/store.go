// Package store persists principals, manuscripts, single-use tokens and
// usage windows on the relational handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/sqldb"
)

var (
	// ErrTokenInvalid covers unknown, expired and already used tokens alike.
	ErrTokenInvalid = errors.New("token invalid or expired")
	ErrEmailTaken   = errors.New("email already registered")
)

// Store implements persistence on top of sqldb prepared statements.
type Store struct {
	db *sqldb.DB
}

func New(db *sqldb.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for callers composing batches.
func (s *Store) DB() *sqldb.DB { return s.db }

func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

const userColumns = `id, email, password_hash, role, tier, email_verified, created_at, updated_at`

// CreateUser inserts a principal. A duplicate email returns ErrEmailTaken.
func (s *Store) CreateUser(ctx context.Context, u domain.Principal) error {
	_, err := s.db.Prepare(`INSERT INTO users (` + userColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`).
		Bind(u.ID, u.Email, u.PasswordHash, string(u.Role), string(u.Tier), u.EmailVerified, ts(u.CreatedAt), ts(u.UpdatedAt)).
		Run(ctx)
	if sqldb.IsConflict(err) {
		return ErrEmailTaken
	}
	return err
}

// UserByEmail looks up a principal by normalized email.
func (s *Store) UserByEmail(ctx context.Context, email string) (domain.Principal, error) {
	var row userRow
	if err := s.db.Prepare(`SELECT `+userColumns+` FROM users WHERE email = ?`).Bind(email).First(ctx, &row); err != nil {
		return domain.Principal{}, err
	}
	return userFromRow(row), nil
}

// UserByID returns a principal by id.
func (s *Store) UserByID(ctx context.Context, id string) (domain.Principal, error) {
	var row userRow
	if err := s.db.Prepare(`SELECT `+userColumns+` FROM users WHERE id = ?`).Bind(id).First(ctx, &row); err != nil {
		return domain.Principal{}, err
	}
	return userFromRow(row), nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id string, now time.Time) error {
	return s.updateOne(ctx, s.db.Prepare(`UPDATE users SET email_verified = ?, updated_at = ? WHERE id = ?`).Bind(true, ts(now), id))
}

func (s *Store) UpdatePassword(ctx context.Context, id, hash string, now time.Time) error {
	return s.updateOne(ctx, s.db.Prepare(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`).Bind(hash, ts(now), id))
}

func (s *Store) UpdateTier(ctx context.Context, id string, tier domain.Tier, now time.Time) error {
	return s.updateOne(ctx, s.db.Prepare(`UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`).Bind(string(tier), ts(now), id))
}

func (s *Store) updateOne(ctx context.Context, b *sqldb.Bound) error {
	res, err := b.Run(ctx)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return sqldb.ErrNotFound
	}
	return nil
}

// CreateToken stores a hashed single-use token.
func (s *Store) CreateToken(ctx context.Context, hash, userID, purpose string, expiresAt, now time.Time) error {
	_, err := s.db.Prepare(`INSERT INTO verification_tokens (token_hash, user_id, purpose, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`).
		Bind(hash, userID, purpose, ts(expiresAt), ts(now)).
		Run(ctx)
	return err
}

// PeekToken returns the owner of a live token without consuming it.
func (s *Store) PeekToken(ctx context.Context, hash, purpose string, now time.Time) (string, error) {
	var row tokenRow
	err := s.db.Prepare(`SELECT token_hash, user_id, purpose, expires_at, used_at, created_at FROM verification_tokens WHERE token_hash = ? AND purpose = ?`).
		Bind(hash, purpose).
		First(ctx, &row)
	if sqldb.IsNotFound(err) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", err
	}
	if row.UsedAt != nil || !now.Before(row.ExpiresAt) {
		return "", ErrTokenInvalid
	}
	return row.UserID, nil
}

// ConsumeToken marks a live token used and returns its owner. The
// conditional update makes concurrent consumers race for a single winner.
func (s *Store) ConsumeToken(ctx context.Context, hash, purpose string, now time.Time) (string, error) {
	userID, err := s.PeekToken(ctx, hash, purpose, now)
	if err != nil {
		return "", err
	}
	res, err := s.db.Prepare(`UPDATE verification_tokens SET used_at = ? WHERE token_hash = ? AND purpose = ? AND used_at IS NULL`).
		Bind(ts(now), hash, purpose).
		Run(ctx)
	if err != nil {
		return "", err
	}
	if res.RowsAffected == 0 {
		return "", ErrTokenInvalid
	}
	return userID, nil
}

// InvalidateTokens burns every outstanding token of a purpose for a user.
func (s *Store) InvalidateTokens(ctx context.Context, userID, purpose string, now time.Time) error {
	_, err := s.db.Prepare(`UPDATE verification_tokens SET used_at = ? WHERE user_id = ? AND purpose = ? AND used_at IS NULL`).
		Bind(ts(now), userID, purpose).
		Run(ctx)
	return err
}

const manuscriptColumns = `id, user_id, title, genre, word_count, status, blob_key, report_id, file_type, file_size, metadata, uploaded_at, updated_at`

func (s *Store) CreateManuscript(ctx context.Context, m domain.Manuscript) error {
	_, err := s.db.Prepare(`INSERT INTO manuscripts (`+manuscriptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`).
		Bind(m.ID, m.OwnerID, m.Title, m.Genre, m.WordCount, string(m.Status), m.BlobKey, nullable(m.ReportID),
			m.FileType, m.FileSize, encodeMetadata(m.Metadata), ts(m.CreatedAt), ts(m.UpdatedAt)).
		Run(ctx)
	return err
}

// ReportIDTaken reports whether any manuscript row holds reportID.
func (s *Store) ReportIDTaken(ctx context.Context, reportID string) (bool, error) {
	var row countRow
	if err := s.db.Prepare(`SELECT COUNT(*) AS n FROM manuscripts WHERE report_id = ?`).Bind(reportID).First(ctx, &row); err != nil {
		return false, err
	}
	return row.N > 0, nil
}

// AssignReportID binds a report id and moves the manuscript to queued.
// A report id already held by another row is a conflict.
func (s *Store) AssignReportID(ctx context.Context, id, reportID string, now time.Time) error {
	return s.updateOne(ctx, s.db.Prepare(`UPDATE manuscripts SET report_id = ?, status = ?, updated_at = ? WHERE id = ?`).
		Bind(reportID, string(domain.ManuscriptQueued), ts(now), id))
}

func (s *Store) ManuscriptByID(ctx context.Context, id string) (domain.Manuscript, error) {
	var row manuscriptRow
	if err := s.db.Prepare(`SELECT `+manuscriptColumns+` FROM manuscripts WHERE id = ?`).Bind(id).First(ctx, &row); err != nil {
		return domain.Manuscript{}, err
	}
	return manuscriptFromRow(row), nil
}

func (s *Store) ManuscriptByReportID(ctx context.Context, reportID string) (domain.Manuscript, error) {
	var row manuscriptRow
	if err := s.db.Prepare(`SELECT `+manuscriptColumns+` FROM manuscripts WHERE report_id = ?`).Bind(reportID).First(ctx, &row); err != nil {
		return domain.Manuscript{}, err
	}
	return manuscriptFromRow(row), nil
}

// ListFilter narrows an owner's listing. Before continues a page: only
// rows uploaded strictly earlier are returned.
type ListFilter struct {
	OwnerID string
	Status  string
	Genre   string
	Before  *time.Time
	Limit   int
}

// ListManuscripts returns up to Limit+1 rows, newest first.
func (s *Store) ListManuscripts(ctx context.Context, f ListFilter) ([]domain.Manuscript, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{f.OwnerID}
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Genre != "" {
		where = append(where, "LOWER(genre) = ?")
		args = append(args, strings.ToLower(f.Genre))
	}
	if f.Before != nil {
		where = append(where, "uploaded_at < ?")
		args = append(args, ts(*f.Before))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit+1)
	// At most eight shapes reach the statement cache.
	query := fmt.Sprintf(`SELECT %s FROM manuscripts WHERE %s ORDER BY uploaded_at DESC, id DESC LIMIT ?`,
		manuscriptColumns, strings.Join(where, " AND "))

	var rows []manuscriptRow
	if err := s.db.Prepare(query).Bind(args...).All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.Manuscript, 0, len(rows))
	for _, r := range rows {
		out = append(out, manuscriptFromRow(r))
	}
	return out, nil
}

// ManuscriptUpdate carries the mutable fields; nil means unchanged.
type ManuscriptUpdate struct {
	Title  *string
	Genre  *string
	Status *domain.ManuscriptStatus
}

func (u ManuscriptUpdate) Empty() bool {
	return u.Title == nil && u.Genre == nil && u.Status == nil
}

// UpdateManuscript applies u to a row owned by ownerID.
func (s *Store) UpdateManuscript(ctx context.Context, id, ownerID string, u ManuscriptUpdate, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{ts(now)}
	if u.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *u.Title)
	}
	if u.Genre != nil {
		sets = append(sets, "genre = ?")
		args = append(args, *u.Genre)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	args = append(args, id, ownerID)
	query := `UPDATE manuscripts SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND user_id = ?`
	return s.updateOne(ctx, s.db.Prepare(query).Bind(args...))
}

func (s *Store) SetManuscriptStatus(ctx context.Context, id string, status domain.ManuscriptStatus, now time.Time) error {
	return s.updateOne(ctx, s.db.Prepare(`UPDATE manuscripts SET status = ?, updated_at = ? WHERE id = ?`).Bind(string(status), ts(now), id))
}

func (s *Store) SetWordCount(ctx context.Context, id string, words int, now time.Time) error {
	return s.updateOne(ctx, s.db.Prepare(`UPDATE manuscripts SET word_count = ?, updated_at = ? WHERE id = ?`).Bind(words, ts(now), id))
}

func (s *Store) DeleteManuscript(ctx context.Context, id, ownerID string) error {
	return s.updateOne(ctx, s.db.Prepare(`DELETE FROM manuscripts WHERE id = ? AND user_id = ?`).Bind(id, ownerID))
}

// Stats summarizes an owner's manuscripts.
type Stats struct {
	Total      int            `json:"total"`
	TotalWords int            `json:"totalWords"`
	ByStatus   map[string]int `json:"byStatus"`
}

func (s *Store) ManuscriptStats(ctx context.Context, ownerID string) (Stats, error) {
	var rows []statusCountRow
	err := s.db.Prepare(`SELECT status, COUNT(*) AS n, COALESCE(SUM(word_count), 0) AS words FROM manuscripts WHERE user_id = ? GROUP BY status`).
		Bind(ownerID).
		All(ctx, &rows)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: make(map[string]int, len(rows))}
	for _, r := range rows {
		stats.ByStatus[r.Status] = r.N
		stats.Total += r.N
		stats.TotalWords += r.Words
	}
	return stats, nil
}

// MonthPeriod returns the calendar month (UTC) containing t.
func MonthPeriod(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Usage returns the ingest count for the window starting at periodStart.
func (s *Store) Usage(ctx context.Context, userID string, periodStart time.Time) (int, error) {
	var row usageRow
	err := s.db.Prepare(`SELECT user_id, period_start, period_end, manuscript_count FROM usage_windows WHERE user_id = ? AND period_start = ?`).
		Bind(userID, ts(periodStart)).
		First(ctx, &row)
	if sqldb.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.ManuscriptCount, nil
}

// IncrementUsage adds one ingest to the window, creating it on first use.
func (s *Store) IncrementUsage(ctx context.Context, userID string, periodStart, periodEnd, now time.Time) error {
	_, err := s.db.Prepare(`INSERT INTO usage_windows (user_id, period_start, period_end, manuscript_count, updated_at) VALUES (?, ?, ?, 1, ?)
ON CONFLICT (user_id, period_start) DO UPDATE SET manuscript_count = usage_windows.manuscript_count + 1, updated_at = excluded.updated_at`).
		Bind(userID, ts(periodStart), ts(periodEnd), ts(now)).
		Run(ctx)
	return err
}
