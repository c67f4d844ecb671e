package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"manuscripthub/internal/metrics"
	"manuscripthub/internal/substrate"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/ai"
	"manuscripthub/pkg/extract"
	"manuscripthub/services/worker/internal/config"
	"manuscripthub/services/worker/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, logger); err != nil {
		logger.Error("worker_exited", "err", err)
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

	agents := ai.StaticAgents()
	if !cfg.Agent.Static() {
		gen, err := ai.NewGenerator(cfg.Agent)
		if err != nil {
			return fmt.Errorf("init agent provider: %w", err)
		}
		circuit := ai.NewCircuit(rt.Env.KV, ai.DefaultCircuitConfig, rt.Env.Now)
		if agents, err = ai.NewAgents(gen, circuit); err != nil {
			return fmt.Errorf("init agents: %w", err)
		}
	}
	w, err := worker.New(worker.Config{
		Env:                 rt.Env,
		Agents:              agents,
		Extractor:           extract.New(extract.WithPDF(cfg.EnablePDF)),
		AnalysisConcurrency: cfg.AnalysisConcurrency,
		AssetConcurrency:    cfg.AssetConcurrency,
		MaxAttempts:         cfg.MaxAttempts,
		BaseBackoff:         cfg.Backoff(),
		StageTimeout:        cfg.StageDuration(),
		AgentTimeout:        cfg.AgentDuration(),
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Env.DB.Exec(r.Context(), "SELECT 1"); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("worker probes listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("probe_server_error", "err", err)
		}
	}()

	runErr := w.Run(ctx)
	logger.Info("worker_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("probe_shutdown_failed", "err", err)
	}
	return runErr
}
