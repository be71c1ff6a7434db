package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"tx/internal/anchor"
	"tx/internal/config"
	"tx/internal/learning"
	"tx/internal/retrieval"
	"tx/internal/run"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/worker"
)

func newTestRouter(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := task.NewEngine(st)
	pipeline := retrieval.NewPipeline(st, nil, nil, nil, nil)
	learnings := learning.NewService(st, nil, pipeline)

	srv := NewServer(*cfg, Services{
		Store:     st,
		Engine:    engine,
		Scheduler: task.NewScheduler(st, engine),
		Registry:  worker.NewRegistry(st, cfg.Pool),
		Runs:      run.NewService(st),
		Reaper:    run.NewReaper(st, cfg.Reaper),
		Learnings: learnings,
		Feedback:  learning.NewFeedbackTracker(st),
		Context:   learning.NewContextAssembler(st, pipeline),
		Anchors:   anchor.NewVerifier(st, cfg.Anchors),
	}, zap.NewNop())
	return srv.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad error body %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, nil)
	rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Errorf("no request id header on the response")
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", `{"title":"ship the thing","status":"ready"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Score  int    `json:"score"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Status != "ready" || created.Score != 500 {
		t.Errorf("created = %+v", created)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/tasks/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPatch, "/api/tasks/"+created.ID, `{"status":"active"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created.ID+"/done", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("done = %d: %s", rec.Code, rec.Body.String())
	}
	var done struct {
		Task struct {
			Status      string     `json:"status"`
			CompletedAt *time.Time `json:"completedAt"`
		} `json:"task"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.Task.Status != "done" || done.Task.CompletedAt == nil {
		t.Errorf("done task = %+v", done.Task)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	h := newTestRouter(t, nil)

	// Unknown route segment that fails id validation.
	rec := doJSON(t, h, http.MethodGet, "/api/tasks/not-an-id", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id = %d, want 400", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != "validation" {
		t.Errorf("malformed id code = %q", env.Error.Code)
	}

	// Well-formed id with no row behind it.
	rec = doJSON(t, h, http.MethodGet, "/api/tasks/tx-00000000", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task = %d, want 404", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != "not_found" {
		t.Errorf("missing task code = %q", env.Error.Code)
	}

	// Unknown JSON fields are rejected, not ignored.
	rec = doJSON(t, h, http.MethodPost, "/api/tasks", `{"title":"x","prio":1}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field = %d, want 400", rec.Code)
	}

	// Illegal status transitions surface as 400s too.
	rec = doJSON(t, h, http.MethodPost, "/api/tasks", `{"title":"jump","status":"backlog"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	rec = doJSON(t, h, http.MethodPatch, "/api/tasks/"+created.ID, `{"status":"done"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("backlog->done = %d, want 400", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != "illegal_transition" {
		t.Errorf("transition code = %q", env.Error.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	h := newTestRouter(t, func(cfg *config.Config) {
		cfg.Server.APIKey = "sekrit"
	})

	rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/health", "", http.Header{"Authorization": {"Bearer wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/health", "", http.Header{"Authorization": {"Bearer sekrit"}})
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key = %d, want 200", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/health", "", http.Header{"X-Api-Key": {"sekrit"}})
	if rec.Code != http.StatusOK {
		t.Errorf("header key = %d, want 200", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestRouter(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Limit = 2
		cfg.RateLimit.Window = time.Minute
	})

	for i := 0; i < 2; i++ {
		if rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i, rec.Code)
		}
	}
	rec := doJSON(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Errorf("429 without Retry-After")
	}
	if env := decodeEnvelope(t, rec); env.Error.Code != "rate_limited" {
		t.Errorf("limit code = %q", env.Error.Code)
	}
}

func TestWorkerAndClaimFlow(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/tasks", `{"title":"claimable","status":"ready"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task = %d", rec.Code)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/workers", `{"hostname":"box","pid":123}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register worker = %d: %s", rec.Code, rec.Body.String())
	}
	var w struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &w); err != nil {
		t.Fatalf("decode worker: %v", err)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created.ID+"/claim", `{"workerId":"`+w.ID+`"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim = %d: %s", rec.Code, rec.Body.String())
	}

	// The second claimant is turned away with a conflict.
	rec = doJSON(t, h, http.MethodPost, "/api/workers", `{"hostname":"box2","pid":124}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register second worker = %d", rec.Code)
	}
	var w2 struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &w2); err != nil {
		t.Fatalf("decode worker: %v", err)
	}
	rec = doJSON(t, h, http.MethodPost, "/api/tasks/"+created.ID+"/claim", `{"workerId":"`+w2.ID+`"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second claim = %d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/tasks/"+created.ID+"/claim?workerId="+w.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("release = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLearningSearchOverHTTP(t *testing.T) {
	h := newTestRouter(t, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/learnings", `{"content":"always close rows before reusing the connection","category":"sql"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create learning = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/learnings?query=close+rows+connection", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search = %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Items []struct {
			Content        string  `json:"content"`
			RelevanceScore float64 `json:"relevanceScore"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(page.Items) != 1 || !strings.Contains(page.Items[0].Content, "close rows") {
		t.Errorf("search items = %+v", page.Items)
	}
}
