package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"manuscripthub/internal/apperr"
	"manuscripthub/internal/metrics"
	"manuscripthub/pkg/ai"
	"manuscripthub/pkg/domain"
	"manuscripthub/pkg/env"
	"manuscripthub/pkg/extract"
	"manuscripthub/pkg/queue"
	"manuscripthub/pkg/storage"
)

// Thresholds for the overall asset status. Six successes only count as
// complete when nothing failed outright.
const (
	assetsCompleteAt = 6
	assetsPartialAt  = 4
)

func newAssetStatus(reportID string, now time.Time) domain.AssetStatus {
	st := domain.AssetStatus{
		ReportID:  reportID,
		Status:    domain.AssetGenerating,
		PerKind:   make(map[domain.AssetKind]domain.AssetResult, len(domain.AssetKinds)),
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, kind := range domain.AssetKinds {
		st.PerKind[kind] = domain.AssetResult{Kind: kind, Status: domain.AssetPending}
	}
	return st
}

// LoadAssetStatus reads the merged asset document; nil when absent.
func LoadAssetStatus(ctx context.Context, bucket storage.Bucket, blobKey string) (*domain.AssetStatus, error) {
	obj, err := bucket.Get(ctx, blobKey+domain.AssetsSuffix)
	if err != nil || obj == nil {
		return nil, err
	}
	var st domain.AssetStatus
	if err := obj.JSON(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Overall classifies the per-kind results.
func Overall(succeeded, failed int) domain.AssetState {
	switch {
	case succeeded < assetsPartialAt:
		return domain.AssetFailed
	case succeeded >= assetsCompleteAt && failed == 0:
		return domain.AssetComplete
	default:
		return domain.AssetPartial
	}
}

func recount(st *domain.AssetStatus) {
	st.Succeeded, st.Failed = 0, 0
	for _, r := range st.PerKind {
		switch r.Status {
		case domain.AssetComplete:
			st.Succeeded++
		case domain.AssetFailed:
			st.Failed++
		}
	}
}

func needsRun(r domain.AssetResult) bool {
	switch r.Status {
	case domain.AssetComplete:
		return false
	case domain.AssetFailed:
		return r.Retryable
	}
	return true
}

// AssetConfig wires an AssetConsumer.
type AssetConfig struct {
	Env          *env.Env
	Agents       map[domain.AssetKind]ai.Agent
	Extractor    *extract.Extractor
	AgentTimeout time.Duration
}

// AssetConsumer runs the seven asset agents in parallel for one
// asset-queue message. Agent failures are isolated from their peers.
type AssetConsumer struct {
	env       *env.Env
	costs     *CostTracker
	agents    map[domain.AssetKind]ai.Agent
	extractor *extract.Extractor
	timeout   time.Duration
	inflight  singleflight.Group
}

func NewAssetConsumer(cfg AssetConfig) (*AssetConsumer, error) {
	for _, kind := range domain.AssetKinds {
		if cfg.Agents[kind] == nil {
			return nil, fmt.Errorf("no agent for asset %s", kind)
		}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.New()
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	return &AssetConsumer{
		env:       cfg.Env,
		costs:     NewCostTracker(cfg.Env.KV, cfg.Env.Now),
		agents:    cfg.Agents,
		extractor: cfg.Extractor,
		timeout:   cfg.AgentTimeout,
	}, nil
}

func (c *AssetConsumer) Handle(ctx context.Context, msg *queue.Message) error {
	var job domain.AssetJob
	if err := msg.Decode(&job); err != nil || job.ReportID == "" || job.BlobKey == "" {
		slog.Error("asset_message_invalid", "message_id", msg.ID, "err", err)
		return msg.Ack(ctx)
	}
	leader := false
	_, err, _ := c.inflight.Do(job.ReportID, func() (any, error) {
		leader = true
		return nil, c.process(ctx, msg, job)
	})
	if !leader {
		slog.Info("asset_duplicate_inflight", "report_id", job.ReportID, "message_id", msg.ID)
		return nil
	}
	return err
}

// assetRun serializes writes of the merged document so pollers observe
// monotonic progress.
type assetRun struct {
	mu     sync.Mutex
	bucket storage.Bucket
	key    string
	doc    domain.AssetStatus
	now    func() time.Time
}

func (r *assetRun) record(ctx context.Context, res domain.AssetResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.PerKind[res.Kind] = res
	recount(&r.doc)
	r.doc.UpdatedAt = r.now()
	return storage.PutJSON(ctx, r.bucket, r.key, r.doc, storage.PutOptions{})
}

func (r *assetRun) finish(ctx context.Context) (domain.AssetStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recount(&r.doc)
	r.doc.Status = Overall(r.doc.Succeeded, r.doc.Failed)
	r.doc.UpdatedAt = r.now()
	return r.doc, storage.PutJSON(ctx, r.bucket, r.key, r.doc, storage.PutOptions{})
}

func (c *AssetConsumer) process(ctx context.Context, msg *queue.Message, job domain.AssetJob) error {
	logger := slog.With("report_id", job.ReportID, "attempt", msg.Attempts)
	processed := c.env.Buckets.Processed

	existing, err := LoadAssetStatus(ctx, processed, job.BlobKey)
	if err != nil {
		return fmt.Errorf("read asset status: %w", err)
	}
	doc := newAssetStatus(job.ReportID, c.env.Now())
	if existing != nil {
		doc = *existing
		if doc.PerKind == nil {
			doc.PerKind = make(map[domain.AssetKind]domain.AssetResult, len(domain.AssetKinds))
		}
	}
	var todo []domain.AssetKind
	for _, kind := range domain.AssetKinds {
		r, ok := doc.PerKind[kind]
		if !ok {
			r = domain.AssetResult{Kind: kind, Status: domain.AssetPending}
		}
		if r.Status != domain.AssetComplete {
			if stored := c.loadKind(ctx, job.BlobKey, kind); stored != nil {
				r = *stored
			}
		}
		doc.PerKind[kind] = r
		if needsRun(r) {
			todo = append(todo, kind)
		}
	}
	run := &assetRun{bucket: processed, key: job.BlobKey + domain.AssetsSuffix, doc: doc, now: c.env.Now}
	if len(todo) == 0 {
		final, err := run.finish(ctx)
		if err != nil {
			return fmt.Errorf("write asset status: %w", err)
		}
		logger.Info("assets_already_generated", "status", final.Status)
		return nil
	}
	run.doc.Status = domain.AssetGenerating

	in, err := c.input(ctx, job)
	if err != nil {
		appErr := classify(err)
		logger.Error("asset_input_failed", "kind", appErr.Kind, "err", err)
		if apperr.Transient(appErr) {
			return err
		}
		for _, kind := range todo {
			if err := run.record(ctx, domain.AssetResult{Kind: kind, Status: domain.AssetFailed, Error: appErr.Message}); err != nil {
				logger.Warn("asset_status_write_failed", "kind", kind, "err", err)
			}
		}
		if _, err := run.finish(ctx); err != nil {
			return fmt.Errorf("write asset status: %w", err)
		}
		return msg.Ack(ctx)
	}

	var (
		g         errgroup.Group
		retryable sync.Map
	)
	for _, kind := range todo {
		g.Go(func() error {
			res := c.runAgent(ctx, logger, job, kind, in)
			if res.Retryable {
				retryable.Store(kind, true)
			}
			if err := run.record(ctx, res); err != nil {
				logger.Warn("asset_status_write_failed", "kind", kind, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	final, err := run.finish(ctx)
	if err != nil {
		return fmt.Errorf("write asset status: %w", err)
	}
	logger.Info("assets_generated", "status", final.Status, "succeeded", final.Succeeded, "failed", final.Failed)

	pending := 0
	retryable.Range(func(_, _ any) bool { pending++; return true })
	if pending > 0 && !msg.LastAttempt() {
		return fmt.Errorf("%d asset agents failed transiently", pending)
	}
	return nil
}

func (c *AssetConsumer) runAgent(ctx context.Context, logger *slog.Logger, job domain.AssetJob, kind domain.AssetKind, in ai.Input) domain.AssetResult {
	started := time.Now()
	agentCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	in.Kind = string(kind)
	out, err := c.agents[kind].Run(agentCtx, in)
	if err == nil && agentCtx.Err() != nil {
		err = agentCtx.Err()
	}
	if err != nil {
		appErr := classify(err)
		metrics.RecordAsset(string(kind), "failed")
		logger.Warn("asset_agent_failed", "kind", kind, "error_kind", appErr.Kind, "err", err, "duration", time.Since(started))
		return domain.AssetResult{
			Kind:      kind,
			Status:    domain.AssetFailed,
			Error:     appErr.Message,
			Retryable: apperr.Transient(appErr),
		}
	}
	c.costs.Add(ctx, job.PrincipalID, string(kind), out.TokensIn, out.TokensOut)
	done := c.env.Now()
	res := domain.AssetResult{
		Kind:        kind,
		Status:      domain.AssetComplete,
		Result:      out.Result,
		TokensIn:    out.TokensIn,
		TokensOut:   out.TokensOut,
		CompletedAt: &done,
	}
	// The per-kind file is what later deliveries trust, so a result that
	// cannot be stored counts as a transient failure of the agent.
	if err := storage.PutJSON(ctx, c.env.Buckets.Processed, job.BlobKey+kind.ResultSuffix(), res, storage.PutOptions{}); err != nil {
		logger.Warn("asset_file_write_failed", "kind", kind, "err", err)
		metrics.RecordAsset(string(kind), "failed")
		return domain.AssetResult{
			Kind:      kind,
			Status:    domain.AssetFailed,
			Error:     "asset result could not be stored",
			Retryable: true,
		}
	}
	metrics.RecordAsset(string(kind), "complete")
	return res
}

// loadKind returns a per-kind result written by an earlier delivery.
func (c *AssetConsumer) loadKind(ctx context.Context, blobKey string, kind domain.AssetKind) *domain.AssetResult {
	obj, err := c.env.Buckets.Processed.Get(ctx, blobKey+kind.ResultSuffix())
	if err != nil || obj == nil {
		return nil
	}
	var res domain.AssetResult
	if err := obj.JSON(&res); err != nil || res.Status != domain.AssetComplete {
		return nil
	}
	return &res
}

func (c *AssetConsumer) input(ctx context.Context, job domain.AssetJob) (ai.Input, error) {
	obj, err := c.env.Buckets.Raw.Get(ctx, job.BlobKey)
	if err != nil {
		return ai.Input{}, apperr.Upstream("read manuscript file").WithCause(err)
	}
	if obj == nil {
		return ai.Input{}, apperr.NotFound("manuscript file missing")
	}
	data, err := obj.Bytes()
	if err != nil {
		return ai.Input{}, apperr.Upstream("read manuscript file").WithCause(err)
	}
	name := obj.CustomMetadata["originalName"]
	if name == "" {
		name = path.Base(job.BlobKey)
	}
	doc, err := c.extractor.Extract(obj.ContentType, name, data)
	if err != nil {
		return ai.Input{}, extractionError(err)
	}

	prior := make(map[string]json.RawMessage, len(domain.Stages))
	for _, stage := range domain.Stages {
		res, err := c.env.Buckets.Processed.Get(ctx, job.BlobKey+stage.ResultSuffix())
		if err != nil {
			return ai.Input{}, apperr.Upstream("read analysis").WithCause(err)
		}
		if res == nil {
			continue
		}
		var stored domain.StageResult
		if err := res.JSON(&stored); err == nil {
			prior[string(stage)] = stored.Result
		}
	}
	metadata := map[string]json.RawMessage{}
	if len(job.AuthorData) > 0 {
		metadata["author"] = job.AuthorData
	}
	if len(job.SeriesData) > 0 {
		metadata["series"] = job.SeriesData
	}
	structure := extract.AnalyzeStructure(doc.Text)
	return ai.Input{
		Text:      doc.Text,
		Genre:     job.Genre,
		Structure: &structure,
		Prior:     prior,
		Metadata:  metadata,
	}, nil
}
