// Package worker runs the analysis and asset consumers side by side.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"manuscripthub/internal/metrics"
	"manuscripthub/internal/util"
	"manuscripthub/pkg/ai"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/env"
	"manuscripthub/pkg/extract"
	"manuscripthub/pkg/pipeline"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/store"
)

type Config struct {
	Env                 *env.Env
	Agents              ai.Agents
	Extractor           *extract.Extractor
	AnalysisConcurrency int
	AssetConcurrency    int
	MaxAttempts         int
	BaseBackoff         time.Duration
	StageTimeout        time.Duration
	AgentTimeout        time.Duration
}

type Worker struct {
	env      *env.Env
	analysis *pipeline.AnalysisConsumer
	assets   *pipeline.AssetConsumer
	cfg      Config
}

func New(cfg Config) (*Worker, error) {
	if cfg.Env == nil || cfg.Env.Queue == nil {
		return nil, errors.New("worker: env with a queue is required")
	}
	analysis, err := pipeline.NewAnalysisConsumer(pipeline.AnalysisConfig{
		Env:          cfg.Env,
		Store:        store.New(cfg.Env.DB),
		Agents:       cfg.Agents.Stages,
		Extractor:    cfg.Extractor,
		StageTimeout: cfg.StageTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis consumer: %w", err)
	}
	assets, err := pipeline.NewAssetConsumer(pipeline.AssetConfig{
		Env:          cfg.Env,
		Agents:       cfg.Agents.Assets,
		Extractor:    cfg.Extractor,
		AgentTimeout: cfg.AgentTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("asset consumer: %w", err)
	}
	return &Worker{env: cfg.Env, analysis: analysis, assets: assets, cfg: cfg}, nil
}

// Run consumes both queues until ctx is canceled or a consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.consume(ctx, domain.QueueAnalysis, w.cfg.AnalysisConcurrency, w.analysis.Handle)
	})
	g.Go(func() error {
		return w.consume(ctx, domain.QueueAssets, w.cfg.AssetConcurrency, w.assets.Handle)
	})
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context, name string, concurrency int, h queue.Handler) error {
	logger := util.LoggerFromContext(ctx).With("queue", name)
	logger.Info("consumer_started", "concurrency", concurrency)
	err := w.env.Queue.Consume(ctx, name, queue.ConsumeOptions{
		Concurrency: concurrency,
		MaxAttempts: w.cfg.MaxAttempts,
		BaseBackoff: w.cfg.BaseBackoff,
		OnDeadLetter: func(msg *queue.Message, err error) {
			metrics.RecordDeadLetter(name)
			logger.Error("message_dead_lettered", "message_id", msg.ID, "attempts", msg.Attempts, "err", err)
		},
	}, h)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	logger.Info("consumer_stopped")
	return nil
}
