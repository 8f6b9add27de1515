package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulesmith/rulesmith/internal/config"
	"github.com/rulesmith/rulesmith/internal/docstore"
	"github.com/rulesmith/rulesmith/internal/engine"
	"github.com/rulesmith/rulesmith/internal/extract"
	"github.com/rulesmith/rulesmith/internal/filter"
	"github.com/rulesmith/rulesmith/internal/platform"
	"github.com/rulesmith/rulesmith/internal/queue"
	"github.com/rulesmith/rulesmith/internal/ranking"
	"github.com/rulesmith/rulesmith/internal/rule"
	"github.com/rulesmith/rulesmith/internal/similarity"
	"github.com/rulesmith/rulesmith/internal/store"
)

type scriptedFilter struct{}

func (scriptedFilter) Run(_ context.Context, text string) (*filter.Result, error) {
	return &filter.Result{FilteredText: text, KeptChunks: 1, ClassifierVersion: "v1"}, nil
}

type scriptedRanker struct{ score float64 }

func (r scriptedRanker) Rank(_ context.Context, _ string) (*ranking.Result, error) {
	return &ranking.Result{Score: r.score, Reasoning: "scripted"}, nil
}

type scriptedDetector struct{}

func (scriptedDetector) Detect(_ context.Context, _ string, _ []string) (*platform.Result, error) {
	return &platform.Result{Platform: platform.Windows, Source: "keywords"}, nil
}

type scriptedExtractor struct{}

func (scriptedExtractor) Run(_ context.Context, _ string, _ string) (*extract.Result, error) {
	return &extract.Result{
		Aggregate: map[extract.ObservableType][]extract.Observable{
			extract.CommandLine: {{Type: extract.CommandLine, Value: "whoami /all"}},
		},
	}, nil
}

type scriptedGenerator struct{ draft *rule.Draft }

func (g scriptedGenerator) Generate(_ context.Context, _ *extract.Result, _ string) (*rule.Draft, error) {
	return g.draft, nil
}

type scriptedMatcher struct{}

func (scriptedMatcher) Match(_ context.Context, draft *rule.Draft) (*similarity.Match, error) {
	return &similarity.Match{DraftID: draft.ID, Verdict: similarity.VerdictNovel, Aggregate: 0.1}, nil
}

type nopIndexer struct{}

func (nopIndexer) IndexRule(_ context.Context, _ *rule.Draft, _ time.Time) error { return nil }

const draftYAML = `title: Suspicious Whoami Execution
description: Detects whoami enumeration
logsource:
    product: windows
    category: process_creation
detection:
    selection:
        CommandLine|contains: 'whoami'
    condition: selection
level: medium
`

type harness struct {
	server *Server
	store  engine.Store
	qstore queue.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	draft, err := rule.ParseDraft(draftYAML)
	require.NoError(t, err)
	draft.ID = "draft-1"
	draft.Valid = true

	docs := docstore.NewMemoryStore()
	require.NoError(t, docs.Put(context.Background(), &docstore.Document{
		ID:   "doc-1",
		Text: "Attackers ran whoami /all via cmd.exe",
	}))

	st := store.NewMemoryStore()
	qs := store.NewMemoryQueue()
	reviews := queue.NewService(qs, nopIndexer{}, nil)

	eng, err := engine.New(config.WorkflowConfig{
		Ranking:  config.RankingConfig{Threshold: 50},
		Platform: config.PlatformConfig{Targets: []string{"windows"}},
	}, engine.Deps{
		Store:     st,
		Documents: docs,
		Filter:    scriptedFilter{},
		Ranker:    scriptedRanker{score: 80},
		Detector:  scriptedDetector{},
		Extractor: scriptedExtractor{},
		Generator: scriptedGenerator{draft: draft},
		Matcher:   scriptedMatcher{},
		Promoter:  reviews,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	srv, err := NewServer(config.ServerConfig{Addr: "localhost:0"}, eng, reviews, qs, nil, nil)
	require.NoError(t, err)
	return &harness{server: srv, store: st, qstore: qs}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.echo.ServeHTTP(rec, req)
	return rec
}

func (h *harness) waitTerminal(t *testing.T, id string) *engine.Execution {
	t.Helper()
	var ex *engine.Execution
	require.Eventually(t, func() bool {
		var err error
		ex, err = h.store.Get(context.Background(), id)
		return err == nil && ex.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return ex
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestTriggerExecution(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/executions", TriggerRequest{DocumentID: "doc-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ex engine.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ex))
	assert.Equal(t, "doc-1", ex.DocumentID)
	assert.NotEmpty(t, ex.ID)

	final := h.waitTerminal(t, ex.ID)
	assert.Equal(t, engine.StatusCompleted, final.Status)

	rec = h.do(t, http.MethodGet, "/api/v1/executions/"+ex.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/executions?document_id=doc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ExecutionList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Executions, 1)
}

func TestTriggerValidation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/executions", TriggerRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/executions", TriggerRequest{DocumentID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetExecutionNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/executions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryCompletedExecutionConflicts(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/executions", TriggerRequest{DocumentID: "doc-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ex engine.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ex))
	h.waitTerminal(t, ex.ID)

	rec = h.do(t, http.MethodPost, "/api/v1/executions/"+ex.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/executions/"+ex.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueReviewFlow(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/executions", TriggerRequest{DocumentID: "doc-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ex engine.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ex))

	final := h.waitTerminal(t, ex.ID)
	require.Equal(t, engine.ReasonQueued, final.TerminationReason)

	rec = h.do(t, http.MethodGet, "/api/v1/queue?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list QueueList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	itemID := list.Items[0].ID

	rec = h.do(t, http.MethodGet, "/api/v1/queue/"+itemID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/queue/"+itemID+"/review",
		ReviewRequest{Action: queue.ActionApprove, Reviewer: "analyst"})
	require.Equal(t, http.StatusOK, rec.Code)
	var item queue.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, queue.ReviewApproved, item.ReviewStatus)

	// A second decision conflicts.
	rec = h.do(t, http.MethodPost, "/api/v1/queue/"+itemID+"/review",
		ReviewRequest{Action: queue.ActionReject, Reviewer: "analyst"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReviewValidation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/executions", TriggerRequest{DocumentID: "doc-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ex engine.Execution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ex))
	h.waitTerminal(t, ex.ID)

	items, err := h.qstore.List(context.Background(), queue.ReviewPending, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	rec = h.do(t, http.MethodPost, "/api/v1/queue/"+items[0].ID+"/review",
		ReviewRequest{Action: queue.Action("escalate"), Reviewer: "analyst"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/queue/"+items[0].ID+"/review",
		ReviewRequest{Action: queue.ActionEdit, Reviewer: "analyst", EditedRule: "title: only a title\n"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/queue/missing/review",
		ReviewRequest{Action: queue.ActionApprove, Reviewer: "analyst"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
