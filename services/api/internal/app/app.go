package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"manuscripthub/internal/cache"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/auth"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/env"
	"manuscripthub/pkg/extract"
	"manuscripthub/pkg/mailer"
	"manuscripthub/pkg/pipeline"
	"manuscripthub/pkg/sharelink"
	"manuscripthub/pkg/store"
)

const (
	DefaultSessionTTL     = 7 * 24 * time.Hour
	DefaultMaxUploadBytes = 50 << 20
	// ReportPointerTTL bounds how long a report id resolves.
	ReportPointerTTL = 30 * 24 * time.Hour
	tokenTTL         = time.Hour
	reportIDLength   = 8
	reportIDAttempts = 4
)

// DefaultMonthlyLimits are ingests per calendar month by tier.
var DefaultMonthlyLimits = map[domain.Tier]int{
	domain.TierFree:       1,
	domain.TierPro:        10,
	domain.TierEnterprise: 100,
}

// Config holds runtime configuration for the core application.
type Config struct {
	Env                     *env.Env
	Mailer                  mailer.Mailer
	Templates               mailer.Templates
	ShareLinks              *sharelink.Signer
	MonthlyLimits           map[domain.Tier]int
	SessionTTL              time.Duration
	PasswordIterations      int
	MaxUploadBytes          int64
	ExposeVerificationToken bool
	// NewReportID mints report ids; tests pin it.
	NewReportID func() string
}

// App holds the account, manuscript, ingest and report operations shared by
// every HTTP handler.
type App struct {
	env         *env.Env
	store       *store.Store
	cache       *cache.Cache
	statuses    *pipeline.StatusStore
	mailer      mailer.Mailer
	templates   mailer.Templates
	share       *sharelink.Signer
	limits      map[domain.Tier]int
	sessionTTL  time.Duration
	iterations  int
	maxUpload   int64
	exposeToken bool
	newReportID func() string
	dummyHash   string
}

// New validates the wiring and builds the application core.
func New(cfg Config) (*App, error) {
	if cfg.Env == nil || cfg.Env.DB == nil || cfg.Env.KV == nil || cfg.Env.Queue == nil || cfg.Env.Sessions == nil {
		return nil, errors.New("app: incomplete environment")
	}
	if cfg.Env.Buckets.Raw == nil || cfg.Env.Buckets.Processed == nil {
		return nil, errors.New("app: raw and processed buckets required")
	}
	if cfg.Mailer == nil {
		cfg.Mailer = mailer.LogMailer{}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.PasswordIterations <= 0 {
		cfg.PasswordIterations = auth.DefaultIterations
	}
	limits := make(map[domain.Tier]int, len(DefaultMonthlyLimits))
	for tier, n := range DefaultMonthlyLimits {
		limits[tier] = n
	}
	for tier, n := range cfg.MonthlyLimits {
		if n > 0 {
			limits[tier] = n
		}
	}
	if cfg.NewReportID == nil {
		cfg.NewReportID = func() string { return util.NewShortID(reportIDLength) }
	}
	// Unknown emails are checked against this hash so login timing does
	// not reveal which addresses exist.
	dummy, err := auth.HashPassword(util.NewID(), cfg.PasswordIterations)
	if err != nil {
		return nil, fmt.Errorf("init dummy verifier: %w", err)
	}
	return &App{
		env:         cfg.Env,
		store:       store.New(cfg.Env.DB),
		cache:       cache.New(cfg.Env.KV),
		statuses:    pipeline.NewStatusStore(cfg.Env.KV, cfg.Env.Now),
		mailer:      cfg.Mailer,
		templates:   cfg.Templates,
		share:       cfg.ShareLinks,
		limits:      limits,
		sessionTTL:  cfg.SessionTTL,
		iterations:  cfg.PasswordIterations,
		maxUpload:   cfg.MaxUploadBytes,
		exposeToken: cfg.ExposeVerificationToken,
		newReportID: cfg.NewReportID,
		dummyHash:   dummy,
	}, nil
}

// SessionTTL is the lifetime of newly created sessions.
func (a *App) SessionTTL() time.Duration { return a.sessionTTL }

// MaxUploadBytes is the accepted manuscript size ceiling.
func (a *App) MaxUploadBytes() int64 { return a.maxUpload }

// Ping checks the relational handle for health probes.
func (a *App) Ping(ctx context.Context) error {
	return a.env.DB.Exec(ctx, "SELECT 1")
}

func (a *App) now() time.Time { return a.env.Now() }

// sendMail delivers best effort; a failed send never fails the request.
func (a *App) sendMail(ctx context.Context, render func() (mailer.Message, error)) {
	msg, err := render()
	if err != nil {
		slog.ErrorContext(ctx, "mail_render_failed", "err", err)
		return
	}
	if err := a.mailer.Send(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Warn("mail_send_failed", "subject", msg.Subject, "err", err)
	}
}

// supportedUpload reports whether a detected format is accepted at ingest.
func supportedUpload(f extract.Format) bool {
	switch f {
	case extract.FormatText, extract.FormatDOCX, extract.FormatEPUB, extract.FormatPDF:
		return true
	}
	return false
}
