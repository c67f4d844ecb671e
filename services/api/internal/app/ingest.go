package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/metrics"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/extract"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/sqldb"
	"manuscripthub/pkg/storage"
	"manuscripthub/pkg/store"
)

const blobVersion = "1"

// ReportPointerKey addresses the raw-bucket object that maps a report id
// to its manuscript blob key.
func ReportPointerKey(reportID string) string { return "report-id:" + reportID }

// UploadInput is one multipart manuscript upload.
type UploadInput struct {
	Filename    string
	ContentType string
	Title       string
	Genre       string
	Body        io.Reader
}

// Upload admits a manuscript: quota gate, validation, blob, row, report id,
// initial status, analysis job and usage accounting, in that order.
func (a *App) Upload(ctx context.Context, principal domain.Principal, in UploadInput) (domain.Manuscript, error) {
	logger := util.LoggerFromContext(ctx)
	now := a.now()

	window, err := a.Usage(ctx, principal)
	if err != nil {
		return domain.Manuscript{}, err
	}
	if !window.Allows() {
		metrics.RecordUpload("quota_exceeded")
		return domain.Manuscript{}, apperr.QuotaExceeded(window.Limit, window.PeriodEnd)
	}

	title := strings.TrimSpace(in.Title)
	genre := strings.TrimSpace(in.Genre)
	if title == "" || genre == "" {
		return domain.Manuscript{}, apperr.Validation("title and genre are required")
	}
	if len(title) > 300 || len(genre) > 100 {
		return domain.Manuscript{}, apperr.Validation("title or genre too long")
	}
	contentType, err := uploadContentType(in.ContentType, in.Filename)
	if err != nil {
		metrics.RecordUpload("rejected")
		return domain.Manuscript{}, err
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, a.maxUpload+1))
	if err != nil {
		return domain.Manuscript{}, apperr.Validation("could not read uploaded file").WithCause(err)
	}
	if int64(len(data)) > a.maxUpload {
		metrics.RecordUpload("rejected")
		return domain.Manuscript{}, apperr.TooLarge("manuscript exceeds the upload size limit").WithDetail("maxBytes", a.maxUpload)
	}
	if len(data) == 0 {
		return domain.Manuscript{}, apperr.Validation("uploaded file is empty")
	}

	id := util.NewID()
	originalName := filepath.Base(strings.TrimSpace(in.Filename))
	blobKey := BlobKey(principal.ID, id, now, originalName)
	err = a.env.Buckets.Raw.Put(ctx, blobKey, bytes.NewReader(data), storage.PutOptions{
		ContentType: contentType,
		Size:        int64(len(data)),
		CustomMetadata: map[string]string{
			"principalId":  principal.ID,
			"manuscriptId": id,
			"originalName": originalName,
			"uploadTime":   now.Format(time.RFC3339),
			"fileType":     contentType,
			"fileSize":     strconv.Itoa(len(data)),
			"version":      blobVersion,
		},
	})
	if err != nil {
		return domain.Manuscript{}, fmt.Errorf("store manuscript blob: %w", err)
	}

	m := domain.Manuscript{
		ID:        id,
		OwnerID:   principal.ID,
		Title:     title,
		Genre:     genre,
		Status:    domain.ManuscriptUploaded,
		BlobKey:   blobKey,
		FileType:  contentType,
		FileSize:  int64(len(data)),
		Metadata:  map[string]string{"originalName": originalName},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if contentType == extract.ContentTypeText {
		words := extract.CountWords(string(data))
		m.WordCount = &words
	}
	if err := a.store.CreateManuscript(ctx, m); err != nil {
		return domain.Manuscript{}, fmt.Errorf("create manuscript: %w", err)
	}

	reportID, err := a.mintReportID(ctx, m.ID, blobKey)
	if err != nil {
		a.markUploadFailed(ctx, m)
		return domain.Manuscript{}, err
	}
	m.ReportID = reportID
	m.Status = domain.ManuscriptQueued

	if _, err := a.statuses.Init(ctx, reportID); err != nil {
		a.markUploadFailed(ctx, m)
		return domain.Manuscript{}, fmt.Errorf("init analysis status: %w", err)
	}
	job := domain.AnalysisJob{
		ReportID:     reportID,
		BlobKey:      blobKey,
		PrincipalID:  principal.ID,
		ManuscriptID: m.ID,
		Genre:        genre,
	}
	if err := a.env.Queue.Send(ctx, domain.QueueAnalysis, job, queue.SendOptions{}); err != nil {
		a.markUploadFailed(ctx, m)
		e := apperr.Upstream("analysis queue unavailable").WithCause(err)
		e.Unavailable = true
		return domain.Manuscript{}, e
	}

	start, end := store.MonthPeriod(now)
	if err := a.store.IncrementUsage(ctx, principal.ID, start, end, now); err != nil {
		logger.Warn("usage_increment_failed", "user_id", principal.ID, "err", err)
	}
	a.cache.InvalidateManuscript(ctx, m)
	metrics.RecordUpload("accepted")
	logger.Info("manuscript_uploaded", "user_id", principal.ID, "manuscript_id", m.ID, "report_id", reportID, "bytes", len(data))
	return m, nil
}

// mintReportID draws ids until one is free both as a live pointer and as a
// row value, then binds it to the manuscript and writes the pointer.
func (a *App) mintReportID(ctx context.Context, manuscriptID, blobKey string) (string, error) {
	for attempt := 0; attempt < reportIDAttempts; attempt++ {
		candidate := a.newReportID()
		pointer, err := a.env.Buckets.Raw.Head(ctx, ReportPointerKey(candidate))
		if err != nil {
			return "", fmt.Errorf("check report pointer: %w", err)
		}
		if pointer != nil {
			continue
		}
		taken, err := a.store.ReportIDTaken(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("check report id: %w", err)
		}
		if taken {
			continue
		}
		if err := a.store.AssignReportID(ctx, manuscriptID, candidate, a.now()); err != nil {
			if errors.Is(err, sqldb.ErrConflict) {
				continue
			}
			return "", fmt.Errorf("assign report id: %w", err)
		}
		err = a.env.Buckets.Raw.Put(ctx, ReportPointerKey(candidate), strings.NewReader(blobKey), storage.PutOptions{
			ContentType:   "text/plain",
			ExpirationTTL: ReportPointerTTL,
			CustomMetadata: map[string]string{
				"manuscriptId": manuscriptID,
			},
		})
		if err != nil {
			return "", fmt.Errorf("write report pointer: %w", err)
		}
		return candidate, nil
	}
	return "", apperr.Conflict("could not allocate a report id").WithCode("report_id_exhausted")
}

func (a *App) markUploadFailed(ctx context.Context, m domain.Manuscript) {
	if err := a.store.SetManuscriptStatus(ctx, m.ID, domain.ManuscriptFailed, a.now()); err != nil {
		util.LoggerFromContext(ctx).Warn("manuscript_status_update_failed", "manuscript_id", m.ID, "err", err)
	}
	metrics.RecordUpload("failed")
}

// uploadContentType canonicalizes the declared type, falling back to the
// file extension for generic declarations.
func uploadContentType(declared, filename string) (string, error) {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if idx := strings.IndexByte(declared, ';'); idx >= 0 {
		declared = strings.TrimSpace(declared[:idx])
	}
	hint := declared
	if declared == "" || declared == "application/octet-stream" {
		hint = ""
	}
	if hint != "" {
		if _, ok := extract.FormatForContentType(hint); !ok {
			return "", apperr.Unsupported("unsupported file type").WithDetail("contentType", declared)
		}
	}
	format, err := extract.DetectFormat(hint, filename)
	if err != nil || !supportedUpload(format) {
		return "", apperr.Unsupported("unsupported file type").WithDetail("contentType", declared)
	}
	switch format {
	case extract.FormatText:
		return extract.ContentTypeText, nil
	case extract.FormatDOCX:
		return extract.ContentTypeDOCX, nil
	case extract.FormatEPUB:
		return extract.ContentTypeEPUB, nil
	default:
		return extract.ContentTypePDF, nil
	}
}

// BlobKey builds `<principal>/<manuscript>/<ISO timestamp>_<filename>`.
func BlobKey(principalID, manuscriptID string, at time.Time, filename string) string {
	name := SanitizeFilename(filename)
	if name == "" {
		name = "manuscript"
	}
	return principalID + "/" + manuscriptID + "/" + at.UTC().Format(time.RFC3339) + "_" + name
}

// SanitizeFilename replaces every byte outside [A-Za-z0-9._-] with '_'.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// Usage reports the principal's current monthly window.
func (a *App) Usage(ctx context.Context, principal domain.Principal) (domain.UsageWindow, error) {
	start, end := store.MonthPeriod(a.now())
	count, err := a.store.Usage(ctx, principal.ID, start)
	if err != nil {
		return domain.UsageWindow{}, fmt.Errorf("load usage: %w", err)
	}
	limit, ok := a.limits[principal.Tier]
	if !ok {
		limit = a.limits[domain.TierFree]
	}
	return domain.UsageWindow{
		PrincipalID: principal.ID,
		PeriodStart: start,
		PeriodEnd:   end,
		Count:       count,
		Limit:       limit,
	}, nil
}
