package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/repository"
	"github.com/TNLegend/SMIA/internal/service/artifacts"
	"github.com/TNLegend/SMIA/internal/service/quota"
	"github.com/TNLegend/SMIA/internal/service/runs"
	"github.com/TNLegend/SMIA/internal/storage"
	"github.com/TNLegend/SMIA/internal/ws"
)

type runServiceStub struct {
	mu         sync.Mutex
	training   []runs.TrainingRequest
	evaluation []runs.EvaluationRequest
	submitErr  error
	runs       map[string]domain.Run
	streamFn   func(projectID, runID string) (*broker.Subscription, *domain.Run, error)
	lastKind   domain.RunKind
}

func (s *runServiceStub) SubmitTraining(ctx context.Context, req runs.TrainingRequest) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.training = append(s.training, req)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &domain.Run{ID: "run-1", ProjectID: req.ProjectID, Kind: domain.RunKindTraining, Status: domain.RunStatusPending}, nil
}

func (s *runServiceStub) SubmitEvaluation(ctx context.Context, req runs.EvaluationRequest) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluation = append(s.evaluation, req)
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &domain.Run{ID: "run-2", ProjectID: req.ProjectID, Kind: domain.RunKindEvaluation, Status: domain.RunStatusPending}, nil
}

func (s *runServiceStub) Get(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	return &run, nil
}

func (s *runServiceStub) List(ctx context.Context, projectID string, kind domain.RunKind) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKind = kind
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", runs.ErrInvalidRequest, kind)
	}
	var out []domain.Run
	for _, run := range s.runs {
		if run.ProjectID == projectID && (kind == "" || run.Kind == kind) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *runServiceStub) Stream(ctx context.Context, projectID, runID string) (*broker.Subscription, *domain.Run, error) {
	if s.streamFn == nil {
		return nil, nil, broker.ErrNotFound
	}
	return s.streamFn(projectID, runID)
}

type artifactRepoStub struct {
	artifacts []domain.Artifact
}

func (s *artifactRepoStub) GetArtifact(ctx context.Context, projectID, artifactID string) (*domain.Artifact, error) {
	for _, a := range s.artifacts {
		if a.ID == artifactID && a.ProjectID == projectID {
			return &a, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *artifactRepoStub) ListArtifactsByProject(ctx context.Context, projectID string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, a := range s.artifacts {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *artifactRepoStub) ListArtifactsByRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	return nil, nil
}

func (s *artifactRepoStub) LatestArtifactForRun(ctx context.Context, runID string) (*domain.Artifact, error) {
	return nil, repository.ErrNotFound
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (l *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	l.mu.Lock()
	l.calls = append(l.calls, key)
	l.mu.Unlock()
	if l.allowFn != nil {
		return l.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true}
}

func (l *rateLimiterStub) Close() {}

type testEnv struct {
	router  *Router
	runs    *runServiceStub
	repo    *artifactRepoStub
	layout  *storage.Layout
	limiter *rateLimiterStub
	hub     *ws.Hub
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	layout, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	runSvc := &runServiceStub{runs: make(map[string]domain.Run)}
	repo := &artifactRepoStub{}
	limiter := &rateLimiterStub{}
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	router := NewRouter(logger, runSvc, artifacts.NewService(repo, layout, logger), hub, limiter, cfg)
	t.Cleanup(router.Close)
	return &testEnv{router: router, runs: runSvc, repo: repo, layout: layout, limiter: limiter, hub: hub}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload["error"]
}

func TestSubmitTrainingAccepted(t *testing.T) {
	env := newTestEnv(t, Config{})

	rr := env.do(http.MethodPost, "/projects/7/runs/training", `{"dataset_id": 12, "config": {"epochs": 3, "lr": 1e-3}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload submitResponse
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.RunID != "run-1" || payload.Status != domain.RunStatusPending {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if got := rr.Header().Get("Location"); got != "/projects/7/runs/run-1" {
		t.Fatalf("unexpected location %q", got)
	}

	if len(env.runs.training) != 1 {
		t.Fatalf("expected one submission, got %d", len(env.runs.training))
	}
	req := env.runs.training[0]
	if req.ProjectID != "7" || req.DatasetID != "12" {
		t.Fatalf("unexpected request %+v", req)
	}
	lr, _ := req.Config.Get("lr")
	if n, _ := lr.AsNumber(); n.String() != "1e-3" {
		t.Fatalf("expected config number literal preserved, got %v", n)
	}
	if len(env.limiter.calls) != 0 {
		t.Fatalf("expected limiter to be skipped when disabled")
	}
}

func TestSubmitEvaluationAccepted(t *testing.T) {
	env := newTestEnv(t, Config{})

	rr := env.do(http.MethodPost, "/projects/7/runs/evaluation", `{"model_run_id": "run-1", "data_config_id": 4}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	if got := env.runs.evaluation[0]; got.ModelRunID != "run-1" || got.DataConfigID != "4" || got.ProjectID != "7" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"invalid reference", `{"dataset_id": "9"}`, fmt.Errorf("%w: dataset 9 not found in project", runs.ErrInvalidReference), http.StatusBadRequest},
		{"invalid request", `{"dataset_id": ""}`, fmt.Errorf("%w: dataset_id is required", runs.ErrInvalidRequest), http.StatusBadRequest},
		{"quota", `{"dataset_id": "1"}`, fmt.Errorf("%w: project 7 has 10 of 10 runs", quota.ErrQuotaExceeded), http.StatusTooManyRequests},
		{"unknown project", `{"dataset_id": "1"}`, repository.ErrNotFound, http.StatusNotFound},
		{"storage failure", `{"dataset_id": "1"}`, errors.New("connection refused"), http.StatusInternalServerError},
		{"malformed body", `{"dataset_id": `, nil, http.StatusBadRequest},
		{"empty body", ``, nil, http.StatusBadRequest},
		{"fractional id", `{"dataset_id": 1.5}`, nil, http.StatusBadRequest},
		{"config not json", `{"dataset_id": "1", "config": nope}`, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.runs.submitErr = tc.err
			rr := env.do(http.MethodPost, "/projects/7/runs/training", tc.body)
			if rr.Code != tc.code {
				t.Fatalf("expected status %d, got %d: %s", tc.code, rr.Code, rr.Body.String())
			}
			msg := decodeError(t, rr)
			if tc.code == http.StatusInternalServerError && msg != "internal error" {
				t.Fatalf("expected internal detail to be hidden, got %q", msg)
			}
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{SubmitLimit: 2})
	reset := time.Unix(1_950_000_000, 0)
	env.limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: 2, windowEnd: reset}
	}

	rr := env.do(http.MethodPost, "/projects/7/runs/training", `{"dataset_id": "1"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if msg := decodeError(t, rr); msg != "too many submissions, retry later" {
		t.Fatalf("unexpected error %q", msg)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" || rr.Header().Get("X-RateLimit-Reset") != "1950000000" {
		t.Fatalf("unexpected rate headers %v", rr.Header())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if env.limiter.calls[0] != "project:7" {
		t.Fatalf("expected project scoped key, got %q", env.limiter.calls[0])
	}
	if len(env.runs.training) != 0 {
		t.Fatalf("expected submission to be blocked")
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 1; i <= 3; i++ {
		if d := rl.Allow("project:1", 3, time.Minute); !d.allowed || d.count != i {
			t.Fatalf("expected request %d allowed, got %+v", i, d)
		}
	}
	if d := rl.Allow("project:1", 3, time.Minute); d.allowed {
		t.Fatalf("expected fourth request to be limited")
	}
	if d := rl.Allow("project:2", 3, time.Minute); !d.allowed {
		t.Fatalf("expected other project to be unaffected")
	}
}

func TestGetAndListRuns(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.runs.runs["a"] = domain.Run{ID: "a", ProjectID: "7", Kind: domain.RunKindTraining, Status: domain.RunStatusSucceeded, Logs: "done", Metrics: domain.Null()}
	env.runs.runs["b"] = domain.Run{ID: "b", ProjectID: "7", Kind: domain.RunKindEvaluation, Status: domain.RunStatusRunning}
	env.runs.runs["c"] = domain.Run{ID: "c", ProjectID: "8", Kind: domain.RunKindTraining}

	rr := env.do(http.MethodGet, "/projects/7/runs/a", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var run map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run["status"] != "succeeded" || run["logs"] != "done" || run["metrics"] != nil {
		t.Fatalf("unexpected run payload %v", run)
	}

	if rr := env.do(http.MethodGet, "/projects/8/runs/a", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected cross-project lookup to 404, got %d", rr.Code)
	}

	rr = env.do(http.MethodGet, "/projects/7/runs?kind=evaluation", "")
	var list []domain.Run
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "b" || env.runs.lastKind != domain.RunKindEvaluation {
		t.Fatalf("unexpected list %+v", list)
	}

	if rr := env.do(http.MethodGet, "/projects/7/runs?kind=tuning", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown kind to 400, got %d", rr.Code)
	}
	rr = env.do(http.MethodGet, "/projects/9/runs", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty JSON list, got %s", rr.Body.String())
	}
}

func TestStreamErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want string
	}{
		"unknown":  {broker.ErrNotFound, "run not found"},
		"finished": {runs.ErrRunFinished, "run finished"},
		"pending":  {runs.ErrRunPending, "run not started"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.runs.streamFn = func(projectID, runID string) (*broker.Subscription, *domain.Run, error) {
				return nil, nil, tc.err
			}
			for _, suffix := range []string{"stream", "ws"} {
				rr := env.do(http.MethodGet, "/projects/7/runs/r/"+suffix, "")
				if rr.Code != http.StatusNotFound {
					t.Fatalf("%s: expected status 404, got %d", suffix, rr.Code)
				}
				if msg := decodeError(t, rr); msg != tc.want {
					t.Fatalf("%s: expected %q, got %q", suffix, tc.want, msg)
				}
			}
		})
	}
}

func TestStreamSSEDeliversLinesThenEnd(t *testing.T) {
	env := newTestEnv(t, Config{Heartbeat: 50 * time.Millisecond})
	registry := broker.NewRegistry()
	ch, err := registry.Register("r")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ch.Publish("before subscribe")
	env.runs.runs["r"] = domain.Run{ID: "r", ProjectID: "7", Status: domain.RunStatusSucceeded}
	env.runs.streamFn = func(projectID, runID string) (*broker.Subscription, *domain.Run, error) {
		return ch.Subscribe(), &domain.Run{ID: runID, Status: domain.RunStatusRunning}, nil
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/projects/7/runs/r/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	go func() {
		// Let at least one heartbeat through before the lines.
		time.Sleep(120 * time.Millisecond)
		ch.Publish("epoch 1")
		ch.Publish("epoch 2\nwith newline")
		registry.Deregister("r")
	}()

	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		frames = append(frames, line)
	}

	var data []string
	heartbeats := 0
	for _, f := range frames {
		switch {
		case strings.HasPrefix(f, "data: "):
			data = append(data, strings.TrimPrefix(f, "data: "))
		case f == ": ping":
			heartbeats++
		}
	}
	want := []string{"epoch 1", "epoch 2 with newline", "succeeded"}
	if strings.Join(data, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected data frames %q (all frames %q)", data, frames)
	}
	if heartbeats == 0 {
		t.Fatalf("expected heartbeat frames while idle, got %q", frames)
	}
	if frames[len(frames)-2] != "event: end" {
		t.Fatalf("expected end event, got %q", frames)
	}

	metrics := env.do(http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`smia_api_stream_lines_total{transport="sse"} 2`,
		`smia_api_live_streams{transport="sse"} 0`,
	} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("expected %s in metrics output:\n%s", want, metrics)
		}
	}
}

func TestStreamWSDeliversLines(t *testing.T) {
	env := newTestEnv(t, Config{})
	registry := broker.NewRegistry()
	ch, _ := registry.Register("r")
	env.runs.runs["r"] = domain.Run{ID: "r", ProjectID: "7", Status: domain.RunStatusFailed}
	env.runs.streamFn = func(projectID, runID string) (*broker.Subscription, *domain.Run, error) {
		return ch.Subscribe(), nil, nil
	}
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/projects/7/runs/r/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ch.Publish("line 1")
	ch.Publish("line 2")
	registry.Deregister("r")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure || closeErr.Text != "failed" {
				t.Fatalf("expected normal close carrying final status, got %v", err)
			}
			break
		}
		got = append(got, string(msg))
	}
	if strings.Join(got, ",") != "line 1,line 2" {
		t.Fatalf("unexpected messages %v", got)
	}
}

func TestDownloadArtifact(t *testing.T) {
	env := newTestEnv(t, Config{})
	dir := env.layout.RunOutputDir("7", "r")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	modelPath := filepath.Join(dir, "model.pt")
	if err := os.WriteFile(modelPath, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	outside := filepath.Join(env.layout.Root(), "secrets.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	env.repo.artifacts = []domain.Artifact{
		{ID: "a1", ProjectID: "7", RunID: "r", Path: modelPath, Format: "pt", SizeBytes: 7},
		{ID: "a2", ProjectID: "7", RunID: "r", Path: filepath.Join(dir, "..", "..", "..", "..", "..", "secrets.txt"), Format: "txt"},
	}

	rr := env.do(http.MethodGet, "/projects/7/artifacts/a1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "weights" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename=model.pt` {
		t.Fatalf("unexpected disposition %q", got)
	}

	if rr := env.do(http.MethodGet, "/projects/7/artifacts/a2", ""); rr.Code != http.StatusForbidden {
		t.Fatalf("expected traversal to be forbidden, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/projects/8/artifacts/a1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected other project's artifact to 404, got %d", rr.Code)
	}

	rr = env.do(http.MethodGet, "/projects/7/artifacts", "")
	var list []domain.Artifact
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected two artifacts, got %d", len(list))
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{Checks: map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"sandbox":  func(context.Context) error { return errors.New("docker daemon unreachable") },
	}})

	rr := env.do(http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	var payload struct {
		Status     string                       `json:"status"`
		Components map[string]map[string]string `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "degraded" || payload.Components["database"]["status"] != "up" || payload.Components["sandbox"]["status"] != "down" {
		t.Fatalf("unexpected health payload %+v", payload)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.do(http.MethodGet, "/projects/7/runs", "")

	rr := env.do(http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `smia_api_http_requests_total{method="GET",route="GET /projects/{projectID}/runs",status="200"} 1`) {
		t.Fatalf("expected request counter in metrics output:\n%s", rr.Body.String())
	}
}

func TestEventsWebsocketReceivesRunStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/projects/7/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		// Registration completes asynchronously after the upgrade.
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				env.hub.PublishRun(domain.Run{ID: "r", ProjectID: "7", Kind: domain.RunKindTraining, Status: domain.RunStatusRunning}, time.Now())
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event ws.RunEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != "run.status" || event.RunID != "r" || event.Status != domain.RunStatusRunning {
		t.Fatalf("unexpected event %+v", event)
	}
}
