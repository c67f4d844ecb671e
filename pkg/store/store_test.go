package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/env/envtest"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/store"
)

func newStore(t *testing.T) (*store.Store, *envtest.Harness) {
	t.Helper()
	h := envtest.New(t)
	return store.New(h.Env.DB), h
}

func seedUser(t *testing.T, s *store.Store, id, email string, now time.Time) domain.Principal {
	t.Helper()
	u := domain.Principal{
		ID:           id,
		Email:        email,
		PasswordHash: "hash",
		Role:         domain.RoleUser,
		Tier:         domain.TierFree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s, h := newStore(t)
	now := h.Clock.Now()
	seedUser(t, s, "u1", "a@b.co", now)

	if err := s.CreateUser(ctx, domain.Principal{ID: "u2", Email: "a@b.co", PasswordHash: "x", Role: domain.RoleUser, Tier: domain.TierFree, CreatedAt: now, UpdatedAt: now}); !errors.Is(err, store.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	got, err := s.UserByEmail(ctx, "a@b.co")
	if err != nil {
		t.Fatalf("by email: %v", err)
	}
	if got.ID != "u1" || got.EmailVerified || got.Tier != domain.TierFree {
		t.Fatalf("unexpected user %+v", got)
	}
	if err := s.MarkEmailVerified(ctx, "u1", now); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := s.UpdatePassword(ctx, "u1", "new-hash", now); err != nil {
		t.Fatalf("update password: %v", err)
	}
	got, err = s.UserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if !got.EmailVerified || got.PasswordHash != "new-hash" {
		t.Fatalf("updates not applied: %+v", got)
	}
	if _, err := s.UserByID(ctx, "missing"); !sqldb.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.MarkEmailVerified(ctx, "missing", now); !sqldb.IsNotFound(err) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestTokensAreSingleUse(t *testing.T) {
	ctx := context.Background()
	s, h := newStore(t)
	now := h.Clock.Now()
	seedUser(t, s, "u1", "a@b.co", now)
	if err := s.CreateToken(ctx, "h1", "u1", "verify_email", now.Add(time.Hour), now); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := s.ConsumeToken(ctx, "h1", "password_reset", now); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("purpose mismatch must fail, got %v", err)
	}
	uid, err := s.ConsumeToken(ctx, "h1", "verify_email", now)
	if err != nil || uid != "u1" {
		t.Fatalf("consume: %q %v", uid, err)
	}
	if _, err := s.ConsumeToken(ctx, "h1", "verify_email", now); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("second consume must fail, got %v", err)
	}

	if err := s.CreateToken(ctx, "h2", "u1", "password_reset", now.Add(time.Hour), now); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := s.PeekToken(ctx, "h2", "password_reset", now.Add(2*time.Hour)); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("expired token must fail, got %v", err)
	}
	if err := s.InvalidateTokens(ctx, "u1", "password_reset", now); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := s.PeekToken(ctx, "h2", "password_reset", now); !errors.Is(err, store.ErrTokenInvalid) {
		t.Fatalf("invalidated token must fail, got %v", err)
	}
}

func newManuscript(id, owner, genre string, at time.Time) domain.Manuscript {
	return domain.Manuscript{
		ID:        id,
		OwnerID:   owner,
		Title:     "Title " + id,
		Genre:     genre,
		Status:    domain.ManuscriptUploaded,
		BlobKey:   owner + "/" + id + "/file.txt",
		FileType:  "text/plain",
		FileSize:  10,
		Metadata:  map[string]string{"originalName": "file.txt"},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestManuscriptLifecycle(t *testing.T) {
	ctx := context.Background()
	s, h := newStore(t)
	now := h.Clock.Now()
	seedUser(t, s, "u1", "a@b.co", now)

	m := newManuscript("m1", "u1", "Mystery", now)
	words := 420
	m.WordCount = &words
	if err := s.CreateManuscript(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	taken, err := s.ReportIDTaken(ctx, "abcd1234")
	if err != nil || taken {
		t.Fatalf("report id should be free: %v %v", taken, err)
	}
	if err := s.AssignReportID(ctx, "m1", "abcd1234", now); err != nil {
		t.Fatalf("assign report id: %v", err)
	}
	got, err := s.ManuscriptByReportID(ctx, "abcd1234")
	if err != nil {
		t.Fatalf("by report id: %v", err)
	}
	if got.ID != "m1" || got.Status != domain.ManuscriptQueued || got.Metadata["originalName"] != "file.txt" {
		t.Fatalf("unexpected manuscript %+v", got)
	}
	if got.WordCount == nil || *got.WordCount != 420 {
		t.Fatalf("unexpected word count %v", got.WordCount)
	}

	m2 := newManuscript("m2", "u1", "fantasy", now.Add(time.Second))
	if err := s.CreateManuscript(ctx, m2); err != nil {
		t.Fatalf("create m2: %v", err)
	}
	if err := s.AssignReportID(ctx, "m2", "abcd1234", now); !sqldb.IsConflict(err) {
		t.Fatalf("duplicate report id must conflict, got %v", err)
	}

	title := "Renamed"
	if err := s.UpdateManuscript(ctx, "m1", "someone-else", store.ManuscriptUpdate{Title: &title}, now); !sqldb.IsNotFound(err) {
		t.Fatalf("foreign update must be not found, got %v", err)
	}
	if err := s.UpdateManuscript(ctx, "m1", "u1", store.ManuscriptUpdate{Title: &title}, now); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.SetManuscriptStatus(ctx, "m1", domain.ManuscriptAnalyzed, now); err != nil {
		t.Fatalf("set status: %v", err)
	}

	stats, err := s.ManuscriptStats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.TotalWords != 420 || stats.ByStatus["analyzed"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := s.DeleteManuscript(ctx, "m1", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ManuscriptByID(ctx, "m1"); !sqldb.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestListManuscriptsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s, h := newStore(t)
	now := h.Clock.Now()
	seedUser(t, s, "u1", "a@b.co", now)
	seedUser(t, s, "u2", "c@d.co", now)
	for i, genre := range []string{"mystery", "fantasy", "Mystery", "romance", "mystery"} {
		id := string(rune('a' + i))
		if err := s.CreateManuscript(ctx, newManuscript(id, "u1", genre, now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := s.CreateManuscript(ctx, newManuscript("z", "u2", "mystery", now)); err != nil {
		t.Fatalf("create foreign: %v", err)
	}

	rows, err := s.ListManuscripts(ctx, store.ListFilter{OwnerID: "u1", Genre: "MYSTERY", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 || rows[0].ID != "e" || rows[1].ID != "c" {
		t.Fatalf("unexpected first page %+v", rows)
	}
	before := rows[1].CreatedAt
	rows, err = s.ListManuscripts(ctx, store.ListFilter{OwnerID: "u1", Genre: "mystery", Limit: 2, Before: &before})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "a" {
		t.Fatalf("unexpected second page %+v", rows)
	}
}

func TestUsageWindow(t *testing.T) {
	ctx := context.Background()
	s, h := newStore(t)
	now := h.Clock.Now()
	seedUser(t, s, "u1", "a@b.co", now)
	start, end := store.MonthPeriod(now)
	if start.Day() != 1 || end.Month() != start.Month()+1 {
		t.Fatalf("unexpected period %v - %v", start, end)
	}
	n, err := s.Usage(ctx, "u1", start)
	if err != nil || n != 0 {
		t.Fatalf("empty usage: %d %v", n, err)
	}
	for i := 0; i < 2; i++ {
		if err := s.IncrementUsage(ctx, "u1", start, end, now); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if n, _ := s.Usage(ctx, "u1", start); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	next, _ := store.MonthPeriod(end)
	if n, _ := s.Usage(ctx, "u1", next); n != 0 {
		t.Fatalf("next window must start empty, got %d", n)
	}
}
