package domain

import (
	"encoding/json"
	"time"
)

type ManuscriptStatus string

const (
	ManuscriptUploaded  ManuscriptStatus = "uploaded"
	ManuscriptQueued    ManuscriptStatus = "queued"
	ManuscriptAnalyzing ManuscriptStatus = "analyzing"
	ManuscriptAnalyzed  ManuscriptStatus = "analyzed"
	ManuscriptFailed    ManuscriptStatus = "failed"
	ManuscriptArchived  ManuscriptStatus = "archived"
)

// Valid reports whether s is a known manuscript status.
func (s ManuscriptStatus) Valid() bool {
	switch s {
	case ManuscriptUploaded, ManuscriptQueued, ManuscriptAnalyzing, ManuscriptAnalyzed, ManuscriptFailed, ManuscriptArchived:
		return true
	}
	return false
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro || t == TierEnterprise
}

type Principal struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Role          UserRole  `json:"role"`
	Tier          Tier      `json:"tier"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Manuscript struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"ownerId"`
	Title     string            `json:"title"`
	Genre     string            `json:"genre"`
	WordCount *int              `json:"wordCount"`
	Status    ManuscriptStatus  `json:"status"`
	BlobKey   string            `json:"-"`
	ReportID  string            `json:"reportId"`
	FileType  string            `json:"fileType"`
	FileSize  int64             `json:"fileSize"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"uploadedAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type AnalysisState string

const (
	AnalysisQueued    AnalysisState = "queued"
	AnalysisAnalyzing AnalysisState = "analyzing"
	AnalysisComplete  AnalysisState = "complete"
	AnalysisFailed    AnalysisState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s AnalysisState) Terminal() bool {
	return s == AnalysisComplete || s == AnalysisFailed
}

// AnalysisStatus is the per-report progress record shared between the
// upload handler, the analysis consumer and status polling.
type AnalysisStatus struct {
	ReportID    string        `json:"reportId"`
	Status      AnalysisState `json:"status"`
	Progress    int           `json:"progress"`
	CurrentStep string        `json:"currentStep"`
	Message     string        `json:"message,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	ClaimedAt   *time.Time    `json:"claimedAt,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

type Stage string

const (
	StageDevelopmental Stage = "developmental"
	StageLine          Stage = "line"
	StageCopy          Stage = "copy"
)

// Stages lists the analysis passes in execution order.
var Stages = []Stage{StageDevelopmental, StageLine, StageCopy}

// ResultSuffix is appended to the manuscript blob key to address a stage result.
func (s Stage) ResultSuffix() string {
	switch s {
	case StageDevelopmental:
		return "-analysis.json"
	case StageLine:
		return "-line-analysis.json"
	case StageCopy:
		return "-copy-analysis.json"
	}
	return "-" + string(s) + ".json"
}

// StageResult is the stored `<blobKey><suffix>` document of one stage.
type StageResult struct {
	ReportID    string          `json:"reportId"`
	Stage       Stage           `json:"stage"`
	Result      json.RawMessage `json:"result"`
	TokensIn    int             `json:"tokensIn"`
	TokensOut   int             `json:"tokensOut"`
	CompletedAt time.Time       `json:"completedAt"`
}

type AssetKind string

const (
	AssetBookDescription   AssetKind = "book_description"
	AssetKeywords          AssetKind = "keywords"
	AssetCategories        AssetKind = "categories"
	AssetAuthorBio         AssetKind = "author_bio"
	AssetBackMatter        AssetKind = "back_matter"
	AssetCoverBrief        AssetKind = "cover_brief"
	AssetSeriesDescription AssetKind = "series_description"
)

// ResultSuffix addresses the per-kind asset file.
func (k AssetKind) ResultSuffix() string {
	return "-asset-" + string(k) + ".json"
}

// AssetKinds lists the seven asset generators.
var AssetKinds = []AssetKind{
	AssetBookDescription,
	AssetKeywords,
	AssetCategories,
	AssetAuthorBio,
	AssetBackMatter,
	AssetCoverBrief,
	AssetSeriesDescription,
}

type AssetState string

const (
	AssetNotStarted AssetState = "not_started"
	AssetGenerating AssetState = "generating"
	AssetPending    AssetState = "pending"
	AssetComplete   AssetState = "complete"
	AssetPartial    AssetState = "partial"
	AssetFailed     AssetState = "failed"
)

type AssetResult struct {
	Kind        AssetKind       `json:"kind"`
	Status      AssetState      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	TokensIn    int             `json:"tokensIn,omitempty"`
	TokensOut   int             `json:"tokensOut,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// AssetStatus is the merged `<blobKey>-assets.json` document.
type AssetStatus struct {
	ReportID  string                    `json:"reportId"`
	Status    AssetState                `json:"status"`
	PerKind   map[AssetKind]AssetResult `json:"perKind"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
	StartedAt time.Time                 `json:"startedAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

// AnalysisJob is the analysis-queue payload.
type AnalysisJob struct {
	ReportID     string `json:"reportId"`
	BlobKey      string `json:"blobKey"`
	PrincipalID  string `json:"principalId"`
	ManuscriptID string `json:"manuscriptId"`
	Genre        string `json:"genre"`
	Attempt      int    `json:"attempt,omitempty"`
}

// AssetJob is the asset-queue payload.
type AssetJob struct {
	ReportID     string          `json:"reportId"`
	BlobKey      string          `json:"blobKey"`
	PrincipalID  string          `json:"principalId"`
	ManuscriptID string          `json:"manuscriptId"`
	Genre        string          `json:"genre"`
	AuthorData   json.RawMessage `json:"authorData,omitempty"`
	SeriesData   json.RawMessage `json:"seriesData,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
}

// AssetsSuffix addresses the merged asset document.
const AssetsSuffix = "-assets.json"

// UsageWindow is a principal's monthly ingest allowance.
type UsageWindow struct {
	PrincipalID string    `json:"principalId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
}

// Allows reports whether one more ingest fits in the window.
func (u UsageWindow) Allows() bool {
	return u.Count < u.Limit
}

const (
	QueueAnalysis = "analysis-queue"
	QueueAssets   = "asset-queue"
)
