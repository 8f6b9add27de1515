// Package engine drives threat-intelligence documents through the
// detection-rule workflow: filter, rank, platform detection, extraction,
// generation, similarity, and queue promotion. Each step writes its state
// through an optimistic-concurrency guard so that retries, cancellation,
// and the staleness sweeper never race a live step writer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/docstore"
	"github.com/rulesmith/rulesmith/internal/extract"
	"github.com/rulesmith/rulesmith/internal/filter"
	"github.com/rulesmith/rulesmith/internal/logging"
	"github.com/rulesmith/rulesmith/internal/metrics"
	"github.com/rulesmith/rulesmith/internal/platform"
	"github.com/rulesmith/rulesmith/internal/queue"
	"github.com/rulesmith/rulesmith/internal/ranking"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/similarity"
)

var tracer = otel.Tracer("rulesmith.engine")

// ContentFilter gates documents before any model call.
type ContentFilter interface {
	Run(ctx context.Context, text string) (*filter.Result, error)
}

// Ranker scores filtered text for detection value.
type Ranker interface {
	Rank(ctx context.Context, filteredText string) (*ranking.Result, error)
}

// Detector classifies the platform a document targets.
type Detector interface {
	Detect(ctx context.Context, text string, hints []string) (*platform.Result, error)
}

// Extractor runs the sub-agent extraction pass.
type Extractor interface {
	Run(ctx context.Context, filteredText string, platform string) (*extract.Result, error)
}

// Generator turns extracted observables into a rule draft.
type Generator interface {
	Generate(ctx context.Context, result *extract.Result, platform string) (*rule.Draft, error)
}

// Matcher compares a draft against the existing rule corpus.
type Matcher interface {
	Match(ctx context.Context, draft *rule.Draft) (*similarity.Match, error)
}

// Promoter queues novel drafts for human review.
type Promoter interface {
	Promote(ctx context.Context, executionID string, draft *rule.Draft, match *similarity.Match) (*queue.Item, error)
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store     Store
	Documents docstore.Store
	Filter    ContentFilter
	Ranker    Ranker
	Detector  Detector
	Extractor Extractor
	Generator Generator
	Matcher   Matcher
	Promoter  Promoter
	Metrics   *metrics.Metrics
}

func (d Deps) validate() error {
	missing := ""
	switch {
	case d.Store == nil:
		missing = "store"
	case d.Documents == nil:
		missing = "document store"
	case d.Filter == nil:
		missing = "filter"
	case d.Ranker == nil:
		missing = "ranker"
	case d.Detector == nil:
		missing = "platform detector"
	case d.Extractor == nil:
		missing = "extractor"
	case d.Generator == nil:
		missing = "generator"
	case d.Matcher == nil:
		missing = "matcher"
	case d.Promoter == nil:
		missing = "promoter"
	}
	if missing != "" {
		return fmt.Errorf("engine: %s is required", missing)
	}
	return nil
}

// FilterOutput is the persisted filter step result. The kept text is
// carried alongside the chunk decisions so later steps (and retries) never
// re-run the filter.
type FilterOutput struct {
	Filter       *filter.Result `json:"filter"`
	FilteredText string         `json:"filtered_text"`
}

// PromoteOutput is the persisted promotion step result.
type PromoteOutput struct {
	Verdict similarity.Verdict `json:"verdict"`
	ItemID  string             `json:"item_id,omitempty"`
}

// Engine runs executions and owns the staleness sweeper.
type Engine struct {
	cfg     config.WorkflowConfig
	version string
	deps    Deps
	logger  *logging.Logger
	met     *metrics.Metrics

	sem      chan struct{}
	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an Engine. Call Start to launch the staleness sweeper and
// Stop to drain in-flight executions.
func New(cfg config.WorkflowConfig, deps Deps, logger *logging.Logger) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	met := deps.Metrics
	if met == nil {
		met = metrics.NewNop()
	}
	var sem chan struct{}
	if cfg.Engine.MaxConcurrent > 0 {
		sem = make(chan struct{}, cfg.Engine.MaxConcurrent)
	}
	return &Engine{
		cfg:     cfg,
		version: cfg.Version(),
		deps:    deps,
		logger:  logger,
		met:     met,
		sem:     sem,
		stop:    make(chan struct{}),
	}, nil
}

// Start launches the staleness sweeper.
func (e *Engine) Start() {
	if e.cfg.Engine.SweepInterval.Duration() <= 0 {
		return
	}
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop stops the sweeper and waits for in-flight executions to finish or
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

// Trigger creates and starts an execution for the document. At most one
// execution per (document, config version) may run at a time; a duplicate
// trigger returns ErrConflict.
func (e *Engine) Trigger(ctx context.Context, documentID string) (*Execution, error) {
	ctx, span := tracer.Start(ctx, "engine.Trigger")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", documentID))

	if _, err := e.deps.Documents.Get(ctx, documentID); err != nil {
		return nil, err
	}

	running, err := e.deps.Store.List(ctx, ListFilter{DocumentID: documentID, Status: StatusRunning})
	if err != nil {
		return nil, err
	}
	for _, other := range running {
		if other.ConfigVersion == e.version {
			return nil, fmt.Errorf("%w: execution %s already running for document %s", ErrConflict, other.ID, documentID)
		}
	}

	now := time.Now().UTC()
	ex := &Execution{
		ID:            uuid.NewString(),
		DocumentID:    documentID,
		ConfigVersion: e.version,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.deps.Store.Create(ctx, ex); err != nil {
		return nil, err
	}
	if err := e.deps.Store.Start(ctx, ex.ID); err != nil {
		return nil, err
	}
	e.met.ExecutionsStarted.Inc()
	e.logger.Info(ctx, "execution started",
		zap.String("execution_id", ex.ID),
		zap.String("document_id", documentID))

	e.dispatch(ctx, ex.ID)
	return e.deps.Store.Get(ctx, ex.ID)
}

// Retry re-runs a failed execution from its failure step, reusing the
// cached outputs of every step that already completed.
func (e *Engine) Retry(ctx context.Context, id string) (*Execution, error) {
	ctx, span := tracer.Start(ctx, "engine.Retry")
	defer span.End()
	span.SetAttributes(attribute.String("execution_id", id))

	if err := e.deps.Store.Restart(ctx, id); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "execution restarted", zap.String("execution_id", id))
	e.dispatch(ctx, id)
	return e.deps.Store.Get(ctx, id)
}

// Cancel requests cooperative cancellation. The running step finishes; the
// execution terminates before the next step starts.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.deps.Store.RequestCancel(ctx, id)
}

// Get returns an execution.
func (e *Engine) Get(ctx context.Context, id string) (*Execution, error) {
	return e.deps.Store.Get(ctx, id)
}

// List returns executions matching the filter.
func (e *Engine) List(ctx context.Context, f ListFilter) ([]*Execution, error) {
	return e.deps.Store.List(ctx, f)
}

// dispatch runs the execution on its own goroutine. The driver outlives
// the triggering request, so it detaches from the caller's cancellation.
func (e *Engine) dispatch(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.sem != nil {
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
		}
		e.execute(ctx, id)
	}()
}

// execute advances an execution step by step until it reaches a terminal
// state or loses ownership to the sweeper.
func (e *Engine) execute(ctx context.Context, id string) {
	for {
		ex, err := e.deps.Store.Get(ctx, id)
		if err != nil {
			e.logger.Error(ctx, "loading execution", zap.String("execution_id", id), zap.Error(err))
			return
		}
		if ex.Status != StatusRunning {
			return
		}

		var outcome StepOutcome
		if ex.CancelRequested {
			outcome = StepOutcome{Status: StatusCancelled, TerminationReason: ReasonCancelled}
		} else {
			outcome = e.runStep(ctx, ex)
		}

		if err := e.deps.Store.ApplyStep(ctx, id, ex.CurrentStep, outcome); err != nil {
			if errors.Is(err, ErrLostOwnership) {
				e.logger.Warn(ctx, "step result discarded, execution no longer owned",
					zap.String("execution_id", id),
					zap.String("step", string(ex.CurrentStep)))
				return
			}
			e.logger.Error(ctx, "persisting step result",
				zap.String("execution_id", id),
				zap.String("step", string(ex.CurrentStep)),
				zap.Error(err))
			return
		}

		if outcome.Status != StatusRunning {
			if outcome.Status == StatusFailed {
				e.met.StepFailures.WithLabelValues(string(ex.CurrentStep)).Inc()
			}
			e.met.ExecutionsFinished.WithLabelValues(string(outcome.Status), string(outcome.TerminationReason)).Inc()
			e.logger.Info(ctx, "execution finished",
				zap.String("execution_id", id),
				zap.String("status", string(outcome.Status)),
				zap.String("reason", string(outcome.TerminationReason)))
			return
		}
	}
}

func (e *Engine) runStep(ctx context.Context, ex *Execution) StepOutcome {
	ctx, span := tracer.Start(ctx, "engine.step."+string(ex.CurrentStep))
	defer span.End()
	span.SetAttributes(attribute.String("execution_id", ex.ID))

	started := time.Now()
	defer func() {
		e.met.StepDuration.WithLabelValues(string(ex.CurrentStep)).Observe(time.Since(started).Seconds())
	}()

	switch ex.CurrentStep {
	case StepFilter:
		return e.stepFilter(ctx, ex)
	case StepRank:
		return e.stepRank(ctx, ex)
	case StepPlatformDetect:
		return e.stepPlatformDetect(ctx, ex)
	case StepExtract:
		return e.stepExtract(ctx, ex)
	case StepGenerate:
		return e.stepGenerate(ctx, ex)
	case StepSimilarity:
		return e.stepSimilarity(ctx, ex)
	case StepPromote:
		return e.stepPromote(ctx, ex)
	default:
		return failed("unknown step " + string(ex.CurrentStep))
	}
}

func (e *Engine) stepFilter(ctx context.Context, ex *Execution) StepOutcome {
	doc, err := e.deps.Documents.Get(ctx, ex.DocumentID)
	if err != nil {
		return failed(fmt.Sprintf("loading document: %v", err))
	}
	res, err := e.deps.Filter.Run(ctx, doc.Text)
	if err != nil {
		return failed(fmt.Sprintf("filter: %v", err))
	}
	return advance(StepRank, FilterOutput{Filter: res, FilteredText: res.FilteredText})
}

func (e *Engine) stepRank(ctx context.Context, ex *Execution) StepOutcome {
	var fo FilterOutput
	if err := ex.Result(StepFilter, &fo); err != nil {
		return failed(err.Error())
	}
	res, err := e.deps.Ranker.Rank(ctx, fo.FilteredText)
	if err != nil {
		return failed(fmt.Sprintf("ranking: %v", err))
	}
	if res.Score < e.cfg.Ranking.Threshold {
		return terminate(ReasonLowRelevance, res)
	}
	return advance(StepPlatformDetect, res)
}

func (e *Engine) stepPlatformDetect(ctx context.Context, ex *Execution) StepOutcome {
	doc, err := e.deps.Documents.Get(ctx, ex.DocumentID)
	if err != nil {
		return failed(fmt.Sprintf("loading document: %v", err))
	}
	res, err := e.deps.Detector.Detect(ctx, doc.Text, doc.PlatformHints)
	if err != nil {
		return failed(fmt.Sprintf("platform detection: %v", err))
	}
	if platform.Excluded(res.Platform, e.cfg.Platform.Targets) {
		return terminate(ReasonPlatformExcluded, res)
	}
	return advance(StepExtract, res)
}

func (e *Engine) stepExtract(ctx context.Context, ex *Execution) StepOutcome {
	var fo FilterOutput
	if err := ex.Result(StepFilter, &fo); err != nil {
		return failed(err.Error())
	}
	var plat platform.Result
	if err := ex.Result(StepPlatformDetect, &plat); err != nil {
		return failed(err.Error())
	}
	res, err := e.deps.Extractor.Run(ctx, fo.FilteredText, string(plat.Platform))
	if err != nil {
		if errors.Is(err, extract.ErrAllAgentsFailed) {
			out := failed(err.Error())
			out.TerminationReason = ReasonExtractionFailed
			return out
		}
		return failed(fmt.Sprintf("extraction: %v", err))
	}
	return advance(StepGenerate, res)
}

func (e *Engine) stepGenerate(ctx context.Context, ex *Execution) StepOutcome {
	var extracted extract.Result
	if err := ex.Result(StepExtract, &extracted); err != nil {
		return failed(err.Error())
	}
	var plat platform.Result
	if err := ex.Result(StepPlatformDetect, &plat); err != nil {
		return failed(err.Error())
	}
	draft, err := e.deps.Generator.Generate(ctx, &extracted, string(plat.Platform))
	if err != nil {
		return failed(fmt.Sprintf("generation: %v", err))
	}
	if !draft.Valid {
		// Validation exhaustion is an expected stop, not a failure: the
		// invalid draft and its attempt transcript stay on the record and
		// the draft is excluded from promotion.
		return terminate(ReasonDraftInvalid, draft)
	}
	return advance(StepSimilarity, draft)
}

func (e *Engine) stepSimilarity(ctx context.Context, ex *Execution) StepOutcome {
	var draft rule.Draft
	if err := ex.Result(StepGenerate, &draft); err != nil {
		return failed(err.Error())
	}
	match, err := e.deps.Matcher.Match(ctx, &draft)
	if err != nil {
		return failed(fmt.Sprintf("similarity: %v", err))
	}
	return advance(StepPromote, match)
}

func (e *Engine) stepPromote(ctx context.Context, ex *Execution) StepOutcome {
	var draft rule.Draft
	if err := ex.Result(StepGenerate, &draft); err != nil {
		return failed(err.Error())
	}
	var match similarity.Match
	if err := ex.Result(StepSimilarity, &match); err != nil {
		return failed(err.Error())
	}

	if match.Verdict != similarity.VerdictNovel {
		return terminate(ReasonDuplicateSuppressed, PromoteOutput{Verdict: match.Verdict})
	}

	item, err := e.deps.Promoter.Promote(ctx, ex.ID, &draft, &match)
	if err != nil {
		return failed(fmt.Sprintf("queue promotion: %v", err))
	}
	e.met.QueuePromotions.Inc()
	return terminate(ReasonQueued, PromoteOutput{Verdict: match.Verdict, ItemID: item.ID})
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Engine.SweepInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			cutoff := time.Now().Add(-e.cfg.Engine.StaleTimeout.Duration())
			swept, err := e.deps.Store.SweepStale(ctx, cutoff)
			if err != nil {
				e.logger.Error(ctx, "staleness sweep", zap.Error(err))
				continue
			}
			if len(swept) > 0 {
				e.met.ExecutionsSwept.Add(float64(len(swept)))
				e.logger.Warn(ctx, "swept stale executions", zap.Strings("execution_ids", swept))
			}
		}
	}
}

func advance(next Step, result any) StepOutcome {
	return StepOutcome{Result: mustMarshal(result), Status: StatusRunning, Next: next}
}

func terminate(reason TerminationReason, result any) StepOutcome {
	return StepOutcome{Result: mustMarshal(result), Status: StatusCompleted, TerminationReason: reason}
}

func failed(detail string) StepOutcome {
	return StepOutcome{Status: StatusFailed, FailureDetail: detail}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Step results are plain data structs; marshalling them cannot
		// fail at runtime.
		panic(fmt.Sprintf("engine: encoding step result: %v", err))
	}
	return raw
}
