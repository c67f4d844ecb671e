package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"manuscripthub/internal/cache"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/kv"
)

// StatusTTL keeps analysis status records around for a week.
const StatusTTL = 7 * 24 * time.Hour

var ErrIllegalTransition = errors.New("illegal analysis status transition")

func StatusKey(reportID string) string { return "status:" + reportID }

// StatusStore owns the authoritative AnalysisStatus record of each report.
// Writes never lower progress and only follow
// queued -> analyzing -> (complete | failed).
type StatusStore struct {
	kv    kv.Store
	cache *cache.Cache
	now   func() time.Time
}

func NewStatusStore(store kv.Store, now func() time.Time) *StatusStore {
	if now == nil {
		now = time.Now
	}
	return &StatusStore{kv: store, cache: cache.New(store), now: now}
}

// Get returns the record or nil when none exists.
func (s *StatusStore) Get(ctx context.Context, reportID string) (*domain.AnalysisStatus, error) {
	var st domain.AnalysisStatus
	ok, err := kv.GetJSON(ctx, s.kv, StatusKey(reportID), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// Init writes the queued record for a freshly minted report.
func (s *StatusStore) Init(ctx context.Context, reportID string) (domain.AnalysisStatus, error) {
	now := s.now().UTC()
	st := domain.AnalysisStatus{
		ReportID:    reportID,
		Status:      domain.AnalysisQueued,
		Progress:    0,
		CurrentStep: "queued",
		Message:     "Queued for analysis",
		StartedAt:   now,
		UpdatedAt:   now,
	}
	return st, s.write(ctx, st)
}

// Update is a requested status change. Claim stamps ClaimedAt and Release
// clears it.
type Update struct {
	Status      domain.AnalysisState
	Progress    int
	CurrentStep string
	Message     string
	Attempt     int
	Claim       bool
	Release     bool
}

// Advance applies u on top of the current record. Progress is clamped so it
// never decreases.
func (s *StatusStore) Advance(ctx context.Context, reportID string, u Update) (domain.AnalysisStatus, error) {
	cur, err := s.Get(ctx, reportID)
	if err != nil {
		return domain.AnalysisStatus{}, err
	}
	now := s.now().UTC()
	if cur == nil {
		cur = &domain.AnalysisStatus{ReportID: reportID, Status: domain.AnalysisQueued, StartedAt: now}
	}
	if !legalTransition(cur.Status, u.Status) {
		return *cur, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, u.Status)
	}
	next := *cur
	next.Status = u.Status
	if u.Progress > next.Progress {
		next.Progress = u.Progress
	}
	if u.Status == domain.AnalysisComplete {
		next.Progress = 100
	}
	if u.CurrentStep != "" {
		next.CurrentStep = u.CurrentStep
	}
	next.Message = u.Message
	if u.Attempt > 0 {
		next.Attempt = u.Attempt
	}
	switch {
	case u.Claim:
		next.ClaimedAt = &now
	case u.Release, u.Status.Terminal():
		next.ClaimedAt = nil
	}
	next.UpdatedAt = now
	return next, s.write(ctx, next)
}

func legalTransition(from, to domain.AnalysisState) bool {
	switch from {
	case domain.AnalysisQueued:
		return to == domain.AnalysisAnalyzing || to == domain.AnalysisFailed
	case domain.AnalysisAnalyzing:
		return to == domain.AnalysisAnalyzing || to == domain.AnalysisComplete || to == domain.AnalysisFailed
	}
	return false
}

func (s *StatusStore) write(ctx context.Context, st domain.AnalysisStatus) error {
	if err := kv.PutJSON(ctx, s.kv, StatusKey(st.ReportID), st, StatusTTL); err != nil {
		return err
	}
	s.cache.Delete(ctx, cache.AnalysisStatusKey(st.ReportID))
	return nil
}
