package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"
	"unicode"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/cache"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/pipeline"
	"manuscripthub/pkg/sharelink"
	"manuscripthub/pkg/sqldb"
)

// Results is the merged view of the three analysis stages.
type Results struct {
	ReportID      string          `json:"reportId"`
	ManuscriptID  string          `json:"manuscriptId"`
	Title         string          `json:"title"`
	Genre         string          `json:"genre"`
	Developmental json.RawMessage `json:"developmental"`
	Line          json.RawMessage `json:"line"`
	Copy          json.RawMessage `json:"copy"`
	CompletedAt   time.Time       `json:"completedAt"`
}

// ShareLink is a signed, session-free report URL.
type ShareLink struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValidReportID reports whether id has the minted shape.
func ValidReportID(id string) bool {
	if len(id) != reportIDLength {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// resolveReport maps a report id to its manuscript. A live row whose
// pointer has expired answers Gone; anything else unknown is NotFound.
func (a *App) resolveReport(ctx context.Context, reportID string) (domain.Manuscript, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return domain.Manuscript{}, apperr.Validation("reportId is required")
	}
	if !ValidReportID(reportID) {
		return domain.Manuscript{}, apperr.NotFound("report not found")
	}
	pointer, err := a.env.Buckets.Raw.Head(ctx, ReportPointerKey(reportID))
	if err != nil {
		return domain.Manuscript{}, fmt.Errorf("read report pointer: %w", err)
	}
	m, err := a.store.ManuscriptByReportID(ctx, reportID)
	if errors.Is(err, sqldb.ErrNotFound) {
		return domain.Manuscript{}, apperr.NotFound("report not found")
	}
	if err != nil {
		return domain.Manuscript{}, fmt.Errorf("load manuscript by report: %w", err)
	}
	if pointer == nil {
		return domain.Manuscript{}, apperr.Gone("report link has expired").WithCode("report_expired")
	}
	return m, nil
}

// ownedReport resolves a report the principal may read. Other owners'
// reports are reported as missing.
func (a *App) ownedReport(ctx context.Context, principal domain.Principal, reportID string) (domain.Manuscript, error) {
	m, err := a.resolveReport(ctx, reportID)
	if err != nil {
		return domain.Manuscript{}, err
	}
	if m.OwnerID != principal.ID && principal.Role != domain.RoleAdmin {
		return domain.Manuscript{}, apperr.NotFound("report not found")
	}
	return m, nil
}

// AnalysisStatus returns the progress record. Once the KV record ages out
// a terminal manuscript still answers with its final state.
func (a *App) AnalysisStatus(ctx context.Context, principal domain.Principal, reportID string) (domain.AnalysisStatus, error) {
	m, err := a.ownedReport(ctx, principal, reportID)
	if err != nil {
		return domain.AnalysisStatus{}, err
	}
	st, err := cache.GetOrFetch(ctx, a.cache, cache.AnalysisStatusKey(m.ReportID), cache.TTLAnalysisStatus, func(ctx context.Context) (*domain.AnalysisStatus, error) {
		return a.statuses.Get(ctx, m.ReportID)
	})
	if err != nil {
		return domain.AnalysisStatus{}, fmt.Errorf("load analysis status: %w", err)
	}
	if st != nil {
		return *st, nil
	}
	switch m.Status {
	case domain.ManuscriptAnalyzed:
		return domain.AnalysisStatus{ReportID: m.ReportID, Status: domain.AnalysisComplete, Progress: 100, CurrentStep: "complete", Message: "Analysis complete", UpdatedAt: m.UpdatedAt}, nil
	case domain.ManuscriptFailed:
		return domain.AnalysisStatus{ReportID: m.ReportID, Status: domain.AnalysisFailed, CurrentStep: "failed", Message: "Analysis failed", UpdatedAt: m.UpdatedAt}, nil
	}
	return domain.AnalysisStatus{}, apperr.NotFound("analysis status not found")
}

// AssetStatus returns the merged asset document, or not_started before
// the fan-out has happened.
func (a *App) AssetStatus(ctx context.Context, principal domain.Principal, reportID string) (domain.AssetStatus, error) {
	m, err := a.ownedReport(ctx, principal, reportID)
	if err != nil {
		return domain.AssetStatus{}, err
	}
	st, err := pipeline.LoadAssetStatus(ctx, a.env.Buckets.Processed, m.BlobKey)
	if err != nil {
		return domain.AssetStatus{}, fmt.Errorf("load asset status: %w", err)
	}
	if st == nil {
		return domain.AssetStatus{
			ReportID: m.ReportID,
			Status:   domain.AssetNotStarted,
			PerKind:  map[domain.AssetKind]domain.AssetResult{},
		}, nil
	}
	return *st, nil
}

// Results merges the three stage documents of an owned report.
func (a *App) Results(ctx context.Context, principal domain.Principal, reportID string) (Results, error) {
	m, err := a.ownedReport(ctx, principal, reportID)
	if err != nil {
		return Results{}, err
	}
	return a.results(ctx, m)
}

func (a *App) results(ctx context.Context, m domain.Manuscript) (Results, error) {
	out := Results{ReportID: m.ReportID, ManuscriptID: m.ID, Title: m.Title, Genre: m.Genre}
	for _, stage := range domain.Stages {
		res, err := a.stageResult(ctx, m.BlobKey, stage)
		if err != nil {
			return Results{}, err
		}
		if res == nil {
			return Results{}, apperr.NotFound("analysis results are not ready").WithDetail("stage", string(stage))
		}
		switch stage {
		case domain.StageDevelopmental:
			out.Developmental = res.Result
		case domain.StageLine:
			out.Line = res.Result
		case domain.StageCopy:
			out.Copy = res.Result
		}
		if res.CompletedAt.After(out.CompletedAt) {
			out.CompletedAt = res.CompletedAt
		}
	}
	return out, nil
}

func (a *App) stageResult(ctx context.Context, blobKey string, stage domain.Stage) (*domain.StageResult, error) {
	return cache.GetOrFetch(ctx, a.cache, cache.AnalysisKey(blobKey, stage), cache.TTLAnalysis, func(ctx context.Context) (*domain.StageResult, error) {
		obj, err := a.env.Buckets.Processed.Get(ctx, blobKey+stage.ResultSuffix())
		if err != nil {
			return nil, fmt.Errorf("read %s result: %w", stage, err)
		}
		if obj == nil {
			return nil, nil
		}
		var res domain.StageResult
		if err := obj.JSON(&res); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", stage, err)
		}
		return &res, nil
	})
}

// Report renders the HTML report for an owned report.
func (a *App) Report(ctx context.Context, principal domain.Principal, reportID string) ([]byte, error) {
	m, err := a.ownedReport(ctx, principal, reportID)
	if err != nil {
		return nil, err
	}
	return a.renderReport(ctx, m)
}

// SharedReport renders a report for a share-link holder.
func (a *App) SharedReport(ctx context.Context, reportID, token string) ([]byte, error) {
	if a.share == nil {
		return nil, apperr.Auth("share_links_disabled", "share links are not enabled")
	}
	subject, err := a.share.Verify(token)
	if err != nil || subject != strings.TrimSpace(reportID) {
		return nil, apperr.Auth("invalid_share_link", "share link is invalid or expired")
	}
	m, err := a.resolveReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return a.renderReport(ctx, m)
}

// ShareReport mints a share link for an owned report.
func (a *App) ShareReport(ctx context.Context, principal domain.Principal, reportID string, ttl time.Duration) (ShareLink, error) {
	if a.share == nil {
		return ShareLink{}, apperr.Internal("share links are not enabled")
	}
	m, err := a.ownedReport(ctx, principal, reportID)
	if err != nil {
		return ShareLink{}, err
	}
	token, expires, err := a.share.Sign(m.ReportID, ttl)
	if err != nil {
		if errors.Is(err, sharelink.ErrInvalidLink) {
			return ShareLink{}, apperr.Validation("could not sign share link").WithCause(err)
		}
		return ShareLink{}, fmt.Errorf("sign share link: %w", err)
	}
	url := strings.TrimRight(a.templates.FrontendURL, "/") + "/report?id=" + m.ReportID + "&token=" + token
	util.LoggerFromContext(ctx).Info("report_shared", "user_id", principal.ID, "report_id", m.ReportID, "expires_at", expires)
	return ShareLink{URL: url, Token: token, ExpiresAt: expires}, nil
}

type reportSection struct {
	Title string
	Value any
}

type reportView struct {
	Title       string
	Genre       string
	ReportID    string
	CompletedAt time.Time
	Sections    []reportSection
	Assets      []reportSection
}

func (a *App) renderReport(ctx context.Context, m domain.Manuscript) ([]byte, error) {
	res, err := a.results(ctx, m)
	if err != nil {
		return nil, err
	}
	view := reportView{
		Title:       m.Title,
		Genre:       m.Genre,
		ReportID:    m.ReportID,
		CompletedAt: res.CompletedAt,
		Sections: []reportSection{
			{Title: "Developmental edit", Value: decodeAny(res.Developmental)},
			{Title: "Line edit", Value: decodeAny(res.Line)},
			{Title: "Copy edit", Value: decodeAny(res.Copy)},
		},
	}
	assets, err := pipeline.LoadAssetStatus(ctx, a.env.Buckets.Processed, m.BlobKey)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("report_assets_unavailable", "report_id", m.ReportID, "err", err)
	}
	if assets != nil {
		for _, kind := range domain.AssetKinds {
			r, ok := assets.PerKind[kind]
			if !ok || r.Status != domain.AssetComplete {
				continue
			}
			view.Assets = append(view.Assets, reportSection{Title: humanize(string(kind)), Value: decodeAny(r.Result)})
		}
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// humanize turns snake_case and camelCase keys into labels.
func humanize(key string) string {
	var b strings.Builder
	prevLower := false
	for i, r := range key {
		switch {
		case r == '_' || r == '-':
			b.WriteByte(' ')
			prevLower = false
			continue
		case unicode.IsUpper(r) && prevLower:
			b.WriteByte(' ')
		}
		if i == 0 {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}

func valueKind(v any) string {
	switch v.(type) {
	case map[string]any:
		return "map"
	case []any:
		return "list"
	case nil:
		return "nil"
	}
	return "scalar"
}

type entry struct {
	Key   string
	Value any
}

func sortedEntries(m map[string]any) []entry {
	out := make([]entry, 0, len(m))
	for k, v := range m {
		out = append(out, entry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"kind":     valueKind,
	"entries":  sortedEntries,
	"humanize": humanize,
	"date":     func(t time.Time) string { return t.UTC().Format("2 January 2006") },
}).Parse(`{{define "value"}}{{$k := kind .}}{{if eq $k "map"}}<dl>{{range entries .}}<dt>{{humanize .Key}}</dt><dd>{{template "value" .Value}}</dd>{{end}}</dl>{{else if eq $k "list"}}<ul>{{range .}}<li>{{template "value" .}}</li>{{end}}</ul>{{else if eq $k "scalar"}}{{.}}{{end}}{{end}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}} - Manuscript report</title>
<style>
body{font-family:Georgia,serif;max-width:48rem;margin:2rem auto;padding:0 1rem;color:#222;line-height:1.5}
h1{margin-bottom:0}
.meta{color:#666;margin-top:.25rem}
section{border-top:1px solid #ddd;margin-top:2rem;padding-top:1rem}
dt{font-weight:bold;margin-top:.5rem}
dd{margin-left:1rem}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">{{.Genre}} &middot; report {{.ReportID}}{{if not .CompletedAt.IsZero}} &middot; {{date .CompletedAt}}{{end}}</p>
{{range .Sections}}<section>
<h2>{{.Title}}</h2>
{{template "value" .Value}}
</section>
{{end}}{{if .Assets}}<section>
<h2>Marketing assets</h2>
{{range .Assets}}<h3>{{.Title}}</h3>
{{template "value" .Value}}
{{end}}</section>
{{end}}</body>
</html>
`))
