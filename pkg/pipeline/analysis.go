// Package pipeline holds the queue consumers that turn an uploaded
// manuscript into three editorial analyses and then marketing assets.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"golang.org/x/sync/singleflight"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/cache"
	"manuscripthub/internal/metrics"
	"manuscripthub/pkg/ai"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/env"
	"manuscripthub/pkg/extract"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/storage"
	"manuscripthub/pkg/store"
)

const (
	DefaultStageTimeout = 10 * time.Minute
	DefaultAgentTimeout = 5 * time.Minute

	// claimGrace covers extraction and status writes between claim refreshes.
	claimGrace = time.Minute
	// budgetSlack covers loading, extraction and fan-out around the stages.
	budgetSlack = 5 * time.Minute
)

// ClaimBudget is the longest a healthy analysis run can hold a message:
// every stage at its timeout plus slack. Queues must not hand a pending
// message to another consumer before it elapses.
func ClaimBudget(stageTimeout time.Duration) time.Duration {
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}
	return time.Duration(len(domain.Stages))*stageTimeout + budgetSlack
}

type stageStep struct {
	progress int
	message  string
}

var stageSteps = map[domain.Stage]stageStep{
	domain.StageDevelopmental: {33, "Developmental analysis complete"},
	domain.StageLine:          {66, "Line editing complete"},
	domain.StageCopy:          {100, "All analyses complete"},
}

// AnalysisConfig wires an AnalysisConsumer.
type AnalysisConfig struct {
	Env          *env.Env
	Store        *store.Store
	Agents       map[domain.Stage]ai.Agent
	Extractor    *extract.Extractor
	StageTimeout time.Duration
}

// AnalysisConsumer runs the developmental, line and copy stages for one
// analysis-queue message and fans out the asset job.
type AnalysisConsumer struct {
	env       *env.Env
	store     *store.Store
	statuses  *StatusStore
	costs     *CostTracker
	cache     *cache.Cache
	agents    map[domain.Stage]ai.Agent
	extractor *extract.Extractor
	timeout   time.Duration
	inflight  singleflight.Group
}

func NewAnalysisConsumer(cfg AnalysisConfig) (*AnalysisConsumer, error) {
	for _, stage := range domain.Stages {
		if cfg.Agents[stage] == nil {
			return nil, fmt.Errorf("no agent for stage %s", stage)
		}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.New()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultStageTimeout
	}
	return &AnalysisConsumer{
		env:       cfg.Env,
		store:     cfg.Store,
		statuses:  NewStatusStore(cfg.Env.KV, cfg.Env.Now),
		costs:     NewCostTracker(cfg.Env.KV, cfg.Env.Now),
		cache:     cache.New(cfg.Env.KV),
		agents:    cfg.Agents,
		extractor: cfg.Extractor,
		timeout:   cfg.StageTimeout,
	}, nil
}

// Statuses exposes the status store the consumer writes through.
func (c *AnalysisConsumer) Statuses() *StatusStore { return c.statuses }

// Handle processes one message. Returning an error asks the queue to retry
// with backoff; terminal failures are acked after recording the failure.
func (c *AnalysisConsumer) Handle(ctx context.Context, msg *queue.Message) error {
	var job domain.AnalysisJob
	if err := msg.Decode(&job); err != nil || job.ReportID == "" || job.BlobKey == "" {
		slog.Error("analysis_message_invalid", "message_id", msg.ID, "err", err)
		metrics.RecordAnalysis("invalid")
		return msg.Ack(ctx)
	}
	leader := false
	_, err, _ := c.inflight.Do(job.ReportID, func() (any, error) {
		leader = true
		return nil, c.process(ctx, msg, job)
	})
	if !leader {
		slog.Info("analysis_duplicate_inflight", "report_id", job.ReportID, "message_id", msg.ID)
		metrics.RecordAnalysis("duplicate")
		return nil
	}
	return err
}

func (c *AnalysisConsumer) process(ctx context.Context, msg *queue.Message, job domain.AnalysisJob) error {
	logger := slog.With("report_id", job.ReportID, "manuscript_id", job.ManuscriptID, "attempt", msg.Attempts)
	now := c.env.Now()

	cur, err := c.statuses.Get(ctx, job.ReportID)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if cur != nil {
		switch {
		case cur.Status == domain.AnalysisComplete:
			logger.Info("analysis_already_complete")
			metrics.RecordAnalysis("duplicate")
			return nil
		case cur.Status == domain.AnalysisFailed:
			logger.Info("analysis_already_failed")
			metrics.RecordAnalysis("duplicate")
			return nil
		case cur.Status == domain.AnalysisAnalyzing && cur.ClaimedAt != nil && now.Sub(*cur.ClaimedAt) < c.timeout+claimGrace:
			logger.Info("analysis_claimed_elsewhere", "claimed_at", cur.ClaimedAt)
			metrics.RecordAnalysis("duplicate")
			return nil
		case cur.Status == domain.AnalysisAnalyzing && cur.ClaimedAt != nil:
			logger.Warn("analysis_claim_stale", "claimed_at", cur.ClaimedAt)
		}
	}

	if _, err := c.statuses.Advance(ctx, job.ReportID, Update{
		Status:      domain.AnalysisAnalyzing,
		Progress:    5,
		CurrentStep: "preparing",
		Message:     "Preparing manuscript",
		Attempt:     msg.Attempts,
		Claim:       true,
	}); err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	logger.Info("analysis_claimed")

	if err := c.run(ctx, logger, job); err != nil {
		return c.fail(ctx, logger, msg, job, err)
	}
	metrics.RecordAnalysis("complete")
	logger.Info("analysis_complete")
	return nil
}

// failedStage tags an error with the step that produced it.
type failedStage struct {
	step string
	err  error
}

func (f *failedStage) Error() string { return f.step + " failed: " + f.err.Error() }
func (f *failedStage) Unwrap() error { return f.err }

func (c *AnalysisConsumer) run(ctx context.Context, logger *slog.Logger, job domain.AnalysisJob) error {
	m, err := c.store.ManuscriptByID(ctx, job.ManuscriptID)
	if err != nil {
		return &failedStage{"load", err}
	}
	c.setManuscriptStatus(ctx, logger, m, domain.ManuscriptAnalyzing)

	doc, err := c.load(ctx, job, m)
	if err != nil {
		return &failedStage{"extraction", err}
	}
	if m.WordCount == nil {
		if err := c.store.SetWordCount(ctx, m.ID, doc.WordCount, c.env.Now()); err != nil {
			logger.Warn("word_count_update_failed", "err", err)
		}
	}
	structure := extract.AnalyzeStructure(doc.Text)
	prior := make(map[string]json.RawMessage, len(domain.Stages))

	for _, stage := range domain.Stages {
		result, err := c.runStage(ctx, logger, job, stage, ai.Input{
			Kind:      string(stage),
			Text:      doc.Text,
			Genre:     job.Genre,
			Structure: &structure,
			Prior:     copyPrior(prior),
		})
		if err != nil {
			return &failedStage{string(stage), err}
		}
		prior[string(stage)] = result
		if stage == domain.StageCopy {
			break
		}
		// Each finished stage renews the claim, so the freshness window
		// only has to cover the next stage.
		step := stageSteps[stage]
		if _, err := c.statuses.Advance(ctx, job.ReportID, Update{
			Status:      domain.AnalysisAnalyzing,
			Progress:    step.progress,
			CurrentStep: string(stage),
			Message:     step.message,
			Claim:       true,
		}); err != nil {
			return &failedStage{string(stage), err}
		}
	}

	if err := c.fanOut(ctx, job); err != nil {
		return &failedStage{"fan-out", err}
	}
	m.Status = domain.ManuscriptAnalyzed
	if err := c.store.SetManuscriptStatus(ctx, m.ID, domain.ManuscriptAnalyzed, c.env.Now()); err != nil {
		return &failedStage{"finalize", err}
	}
	c.cache.InvalidateManuscript(ctx, m)
	final := stageSteps[domain.StageCopy]
	if _, err := c.statuses.Advance(ctx, job.ReportID, Update{
		Status:      domain.AnalysisComplete,
		Progress:    final.progress,
		CurrentStep: "complete",
		Message:     final.message,
	}); err != nil {
		return &failedStage{"finalize", err}
	}
	return nil
}

func (c *AnalysisConsumer) load(ctx context.Context, job domain.AnalysisJob, m domain.Manuscript) (extract.Document, error) {
	obj, err := c.env.Buckets.Raw.Get(ctx, job.BlobKey)
	if err != nil {
		return extract.Document{}, apperr.Upstream("read manuscript file").WithCause(err)
	}
	if obj == nil {
		return extract.Document{}, apperr.NotFound("manuscript file missing")
	}
	data, err := obj.Bytes()
	if err != nil {
		return extract.Document{}, apperr.Upstream("read manuscript file").WithCause(err)
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = m.FileType
	}
	name := obj.CustomMetadata["originalName"]
	if name == "" {
		name = path.Base(job.BlobKey)
	}
	doc, err := c.extractor.Extract(contentType, name, data)
	if err != nil {
		return extract.Document{}, extractionError(err)
	}
	return doc, nil
}

// runStage returns the stored result when the stage already ran, so a
// redelivered message never calls the agent twice for the same report.
func (c *AnalysisConsumer) runStage(ctx context.Context, logger *slog.Logger, job domain.AnalysisJob, stage domain.Stage, in ai.Input) (json.RawMessage, error) {
	key := job.BlobKey + stage.ResultSuffix()
	existing, err := c.env.Buckets.Processed.Get(ctx, key)
	if err != nil {
		return nil, apperr.Upstream("read stage result").WithCause(err)
	}
	if existing != nil {
		var stored domain.StageResult
		if err := existing.JSON(&stored); err == nil && len(stored.Result) > 0 {
			logger.Info("analysis_stage_reused", "stage", stage)
			return stored.Result, nil
		}
	}

	started := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.agents[stage].Run(stageCtx, in)
	if err == nil && stageCtx.Err() != nil {
		err = stageCtx.Err()
	}
	if err != nil {
		metrics.RecordStage(string(stage), "error", time.Since(started))
		return nil, err
	}
	metrics.RecordStage(string(stage), "ok", time.Since(started))
	c.costs.Add(ctx, job.PrincipalID, string(stage), out.TokensIn, out.TokensOut)

	result := domain.StageResult{
		ReportID:    job.ReportID,
		Stage:       stage,
		Result:      out.Result,
		TokensIn:    out.TokensIn,
		TokensOut:   out.TokensOut,
		CompletedAt: c.env.Now(),
	}
	if err := storage.PutJSON(ctx, c.env.Buckets.Processed, key, result, storage.PutOptions{}); err != nil {
		return nil, apperr.Upstream("store stage result").WithCause(err)
	}
	c.cache.Set(ctx, cache.AnalysisKey(job.BlobKey, stage), result, cache.TTLAnalysis)
	logger.Info("analysis_stage_complete", "stage", stage, "tokens_in", out.TokensIn, "tokens_out", out.TokensOut, "duration", time.Since(started))
	return out.Result, nil
}

func (c *AnalysisConsumer) fanOut(ctx context.Context, job domain.AnalysisJob) error {
	key := job.BlobKey + domain.AssetsSuffix
	exists, err := storage.Exists(ctx, c.env.Buckets.Processed, key)
	if err != nil {
		return apperr.Upstream("read asset status").WithCause(err)
	}
	if !exists {
		if err := storage.PutJSON(ctx, c.env.Buckets.Processed, key, newAssetStatus(job.ReportID, c.env.Now()), storage.PutOptions{}); err != nil {
			return apperr.Upstream("write asset status").WithCause(err)
		}
	}
	assetJob := domain.AssetJob{
		ReportID:     job.ReportID,
		BlobKey:      job.BlobKey,
		PrincipalID:  job.PrincipalID,
		ManuscriptID: job.ManuscriptID,
		Genre:        job.Genre,
	}
	if err := c.env.Queue.Send(ctx, domain.QueueAssets, assetJob, queue.SendOptions{}); err != nil {
		return apperr.Upstream("enqueue asset job").WithCause(err)
	}
	return nil
}

// fail records the failure. Transient errors with attempts left release
// the claim and return the error so the queue retries with backoff.
func (c *AnalysisConsumer) fail(ctx context.Context, logger *slog.Logger, msg *queue.Message, job domain.AnalysisJob, err error) error {
	step := "analysis"
	if fs, ok := err.(*failedStage); ok {
		step = fs.step
	}
	if errors.Is(err, ErrIllegalTransition) {
		// Another consumer took the report over and settled it.
		logger.Warn("analysis_superseded", "step", step, "err", err)
		metrics.RecordAnalysis("duplicate")
		return msg.Ack(ctx)
	}
	appErr := classify(err)
	transient := apperr.Transient(appErr)
	if transient && !msg.LastAttempt() {
		logger.Warn("analysis_stage_retry", "step", step, "err", err)
		metrics.RecordAnalysis("retry")
		if _, serr := c.statuses.Advance(ctx, job.ReportID, Update{
			Status:  domain.AnalysisAnalyzing,
			Message: fmt.Sprintf("%s failed, retrying: %s", step, appErr.Message),
			Release: true,
		}); serr != nil {
			logger.Warn("analysis_status_write_failed", "err", serr)
		}
		return err
	}

	logger.Error("analysis_failed", "step", step, "kind", appErr.Kind, "err", err)
	metrics.RecordAnalysis("failed")
	if _, serr := c.statuses.Advance(ctx, job.ReportID, Update{
		Status:  domain.AnalysisFailed,
		Message: fmt.Sprintf("%s failed: %s", step, appErr.Message),
	}); serr != nil {
		logger.Warn("analysis_status_write_failed", "err", serr)
	}
	if m, merr := c.store.ManuscriptByID(ctx, job.ManuscriptID); merr == nil {
		c.setManuscriptStatus(ctx, logger, m, domain.ManuscriptFailed)
	}
	if transient {
		// Out of attempts: let the queue dead-letter it.
		return err
	}
	return msg.Ack(ctx)
}

func (c *AnalysisConsumer) setManuscriptStatus(ctx context.Context, logger *slog.Logger, m domain.Manuscript, status domain.ManuscriptStatus) {
	if m.Status == status {
		return
	}
	if err := c.store.SetManuscriptStatus(ctx, m.ID, status, c.env.Now()); err != nil {
		logger.Warn("manuscript_status_update_failed", "status", status, "err", err)
		return
	}
	m.Status = status
	c.cache.InvalidateManuscript(ctx, m)
}

func copyPrior(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
