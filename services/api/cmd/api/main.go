package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"manuscripthub/internal/migrate"
	"manuscripthub/internal/ratelimit"
	"manuscripthub/internal/substrate"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/mailer"
	"manuscripthub/pkg/sharelink"
	"manuscripthub/services/api/internal/app"
	"manuscripthub/services/api/internal/config"
	"manuscripthub/services/api/internal/security"
	"manuscripthub/services/api/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("api_exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.FileConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := substrate.Open(ctx, cfg.Settings)
	if err != nil {
		return fmt.Errorf("open substrate: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("substrate_close_failed", "err", err)
		}
	}()

	if _, err := migrate.New(rt.Env.DB, nil).Run(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	var mail mailer.Mailer = mailer.LogMailer{Logger: logger}
	if strings.EqualFold(cfg.EmailProvider, "http") {
		mail, err = mailer.NewHTTPMailer(cfg.EmailEndpoint, cfg.EmailAPIKey, cfg.EmailFrom, 0)
		if err != nil {
			return fmt.Errorf("init mailer: %w", err)
		}
	}

	var signer *sharelink.Signer
	if cfg.JWTSecret != "" {
		signer, err = sharelink.NewSigner(cfg.JWTSecret, sharelink.Options{TTL: cfg.ShareLinkDuration()}, rt.Env.Now)
		if err != nil {
			return fmt.Errorf("init share links: %w", err)
		}
	} else {
		logger.Warn("share_links_disabled", "reason", "JWT_SECRET is empty")
	}

	limits := make(map[domain.Tier]int, len(cfg.MonthlyLimits))
	for tier, n := range cfg.MonthlyLimits {
		limits[domain.Tier(strings.ToLower(tier))] = n
	}

	appCore, err := app.New(app.Config{
		Env:            rt.Env,
		Mailer:         mail,
		Templates:      mailer.Templates{FrontendURL: cfg.FrontendURL, From: cfg.EmailFrom},
		ShareLinks:     signer,
		MonthlyLimits:  limits,
		SessionTTL:     cfg.SessionDuration(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		ExposeVerificationToken: !cfg.Production(),
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("parse trusted proxies: %w", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Limiter:        ratelimit.NewLimiter(rt.RateLimitStore(), ratelimit.DefaultPolicy(), rt.Env.Now),
		Alerter:        security.NewAuditAlerter(rt.Redis, cfg.AlertPrefix, rt.Env.Now),
		TrustedProxies: trusted,
		AllowedOrigins: cfg.AllowedOrigins,
		ForceHSTS:      cfg.ForceHSTS,
		SecureCookies:  cfg.SecureCookies(),
		CookieDomain:   cfg.CookieDomain,
		ShareLinkTTL:   cfg.ShareLinkDuration(),
		Now:            rt.Env.Now,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("api_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
