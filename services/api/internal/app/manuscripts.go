package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/cache"
	"manuscripthub/internal/query"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/pipeline"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/store"
)

// ListParams are the listing query parameters.
type ListParams struct {
	Status string
	Genre  string
	Limit  int
	Cursor string
}

// ManuscriptPage is one listing page as rendered to clients.
type ManuscriptPage struct {
	Manuscripts []domain.Manuscript `json:"manuscripts"`
	Count       int                 `json:"count"`
	NextCursor  string              `json:"nextCursor,omitempty"`
}

// ManuscriptPatch carries the client-editable fields.
type ManuscriptPatch struct {
	Title  *string
	Genre  *string
	Status *domain.ManuscriptStatus
}

// ListManuscripts pages through the owner's manuscripts, newest first. Only
// the first page at the default size is cached.
func (a *App) ListManuscripts(ctx context.Context, ownerID string, p ListParams) (ManuscriptPage, error) {
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if status != "" && !domain.ManuscriptStatus(status).Valid() {
		return ManuscriptPage{}, apperr.Validation("unknown status filter").WithDetail("status", p.Status)
	}
	genre := strings.TrimSpace(p.Genre)
	filter := store.ListFilter{OwnerID: ownerID, Status: status, Genre: genre, Limit: query.ClampLimit(p.Limit)}
	if p.Cursor != "" {
		before, err := query.DecodeTimeCursor(p.Cursor)
		if err != nil {
			return ManuscriptPage{}, apperr.Validation("invalid cursor")
		}
		filter.Before = &before
	}
	fetch := func(ctx context.Context) (*ManuscriptPage, error) {
		rows, err := a.store.ListManuscripts(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list manuscripts: %w", err)
		}
		page := query.Paginate(rows, filter.Limit, func(m domain.Manuscript) string {
			return query.EncodeTimeCursor(m.CreatedAt)
		})
		items := page.Items
		if items == nil {
			items = []domain.Manuscript{}
		}
		return &ManuscriptPage{Manuscripts: items, Count: len(items), NextCursor: page.NextCursor}, nil
	}
	if p.Cursor != "" || filter.Limit != query.DefaultLimit {
		page, err := fetch(ctx)
		if err != nil {
			return ManuscriptPage{}, err
		}
		return *page, nil
	}
	page, err := cache.GetOrFetch(ctx, a.cache, cache.ManuscriptListKey(ownerID, status, genre, 1), cache.TTLManuscriptList, fetch)
	if err != nil {
		return ManuscriptPage{}, err
	}
	return *page, nil
}

// ownedManuscript loads a row from the database, hiding rows of other owners.
func (a *App) ownedManuscript(ctx context.Context, ownerID, id string) (domain.Manuscript, error) {
	m, err := a.store.ManuscriptByID(ctx, id)
	if sqldb.IsNotFound(err) || (err == nil && m.OwnerID != ownerID) {
		return domain.Manuscript{}, apperr.NotFound("manuscript not found")
	}
	if err != nil {
		return domain.Manuscript{}, fmt.Errorf("load manuscript: %w", err)
	}
	return m, nil
}

// Manuscript returns one owned manuscript through the metadata cache.
func (a *App) Manuscript(ctx context.Context, ownerID, id string) (domain.Manuscript, error) {
	m, err := cache.GetOrFetch(ctx, a.cache, cache.ManuscriptKey(id), cache.TTLManuscript, func(ctx context.Context) (*domain.Manuscript, error) {
		m, err := a.ownedManuscript(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		return &m, nil
	})
	if err != nil {
		return domain.Manuscript{}, err
	}
	if m.OwnerID != ownerID {
		return domain.Manuscript{}, apperr.NotFound("manuscript not found")
	}
	return *m, nil
}

// UpdateManuscript edits title and genre, and lets owners archive or
// restore a manuscript. Pipeline statuses are not client-settable.
func (a *App) UpdateManuscript(ctx context.Context, ownerID, id string, patch ManuscriptPatch) (domain.Manuscript, error) {
	current, err := a.ownedManuscript(ctx, ownerID, id)
	if err != nil {
		return domain.Manuscript{}, err
	}
	update := store.ManuscriptUpdate{}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return domain.Manuscript{}, apperr.Validation("title must not be empty")
		}
		update.Title = &title
	}
	if patch.Genre != nil {
		genre := strings.TrimSpace(*patch.Genre)
		if genre == "" {
			return domain.Manuscript{}, apperr.Validation("genre must not be empty")
		}
		update.Genre = &genre
	}
	if patch.Status != nil {
		next, err := a.archiveTransition(ctx, current, *patch.Status)
		if err != nil {
			return domain.Manuscript{}, err
		}
		update.Status = &next
	}
	if update.Empty() {
		return domain.Manuscript{}, apperr.Validation("nothing to update")
	}
	if err := a.store.UpdateManuscript(ctx, id, ownerID, update, a.now()); err != nil {
		if errors.Is(err, sqldb.ErrNotFound) {
			return domain.Manuscript{}, apperr.NotFound("manuscript not found")
		}
		return domain.Manuscript{}, fmt.Errorf("update manuscript: %w", err)
	}
	updated, err := a.ownedManuscript(ctx, ownerID, id)
	if err != nil {
		return domain.Manuscript{}, err
	}
	a.cache.InvalidateManuscript(ctx, updated, current.Genre)
	return updated, nil
}

// archiveTransition allows archiving any manuscript and restoring an
// archived one. A restore lands on analyzed only when every stage result
// exists, otherwise on uploaded.
func (a *App) archiveTransition(ctx context.Context, m domain.Manuscript, want domain.ManuscriptStatus) (domain.ManuscriptStatus, error) {
	if want == domain.ManuscriptArchived {
		return want, nil
	}
	if m.Status != domain.ManuscriptArchived || (want != domain.ManuscriptAnalyzed && want != domain.ManuscriptUploaded) {
		return "", apperr.Validation("status can only be set to archived, or restored from archived").
			WithDetail("status", string(want))
	}
	for _, stage := range domain.Stages {
		obj, err := a.env.Buckets.Processed.Head(ctx, m.BlobKey+stage.ResultSuffix())
		if err != nil {
			return "", fmt.Errorf("check stage result: %w", err)
		}
		if obj == nil {
			return domain.ManuscriptUploaded, nil
		}
	}
	return domain.ManuscriptAnalyzed, nil
}

// DeleteManuscript removes the row together with the raw blob, every
// processed artifact, the report pointer and the status record.
func (a *App) DeleteManuscript(ctx context.Context, ownerID, id string) error {
	m, err := a.ownedManuscript(ctx, ownerID, id)
	if err != nil {
		return err
	}
	buckets := a.env.Buckets
	if err := buckets.Raw.Delete(ctx, m.BlobKey); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	for _, key := range processedKeys(m.BlobKey) {
		if err := buckets.Processed.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}
	if m.ReportID != "" {
		if err := buckets.Raw.Delete(ctx, ReportPointerKey(m.ReportID)); err != nil {
			return fmt.Errorf("delete report pointer: %w", err)
		}
		if err := a.env.KV.Delete(ctx, pipeline.StatusKey(m.ReportID)); err != nil {
			util.LoggerFromContext(ctx).Warn("status_delete_failed", "report_id", m.ReportID, "err", err)
		}
	}
	if err := a.store.DeleteManuscript(ctx, id, ownerID); err != nil {
		if errors.Is(err, sqldb.ErrNotFound) {
			return apperr.NotFound("manuscript not found")
		}
		return fmt.Errorf("delete manuscript: %w", err)
	}
	a.cache.InvalidateManuscript(ctx, m)
	for _, stage := range domain.Stages {
		a.cache.Delete(ctx, cache.AnalysisKey(m.BlobKey, stage))
	}
	return nil
}

// processedKeys lists every artifact the pipeline may write for blobKey.
func processedKeys(blobKey string) []string {
	keys := make([]string, 0, len(domain.Stages)+len(domain.AssetKinds)+1)
	for _, stage := range domain.Stages {
		keys = append(keys, blobKey+stage.ResultSuffix())
	}
	keys = append(keys, blobKey+domain.AssetsSuffix)
	for _, kind := range domain.AssetKinds {
		keys = append(keys, blobKey+kind.ResultSuffix())
	}
	return keys
}

// ManuscriptStats summarizes the owner's manuscripts.
func (a *App) ManuscriptStats(ctx context.Context, ownerID string) (store.Stats, error) {
	stats, err := cache.GetOrFetch(ctx, a.cache, cache.ManuscriptStatsKey(ownerID), cache.TTLManuscriptStats, func(ctx context.Context) (*store.Stats, error) {
		s, err := a.store.ManuscriptStats(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("manuscript stats: %w", err)
		}
		return &s, nil
	})
	if err != nil {
		return store.Stats{}, err
	}
	return *stats, nil
}
