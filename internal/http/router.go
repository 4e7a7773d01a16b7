package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/domain"
	"github.com/TNLegend/SMIA/internal/service/runs"
	"github.com/TNLegend/SMIA/internal/ws"
)

// RunService is the run lifecycle surface used by the handlers. *runs.Service satisfies it.
type RunService interface {
	SubmitTraining(ctx context.Context, req runs.TrainingRequest) (*domain.Run, error)
	SubmitEvaluation(ctx context.Context, req runs.EvaluationRequest) (*domain.Run, error)
	Get(ctx context.Context, projectID, runID string) (*domain.Run, error)
	List(ctx context.Context, projectID string, kind domain.RunKind) ([]domain.Run, error)
	Stream(ctx context.Context, projectID, runID string) (*broker.Subscription, *domain.Run, error)
}

// ArtifactService lists and opens artifact files. artifacts.Service satisfies it.
type ArtifactService interface {
	List(ctx context.Context, projectID string) ([]domain.Artifact, error)
	Open(ctx context.Context, projectID, artifactID string) (*os.File, *domain.Artifact, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// Config tunes the router.
type Config struct {
	// SubmitLimit caps submissions per project per minute. Zero disables it.
	SubmitLimit int
	// Heartbeat is the idle interval after which live streams emit a keepalive.
	Heartbeat time.Duration
	// Checks are reported by /healthz under their names.
	Checks map[string]HealthCheck
	// Registry receives the HTTP metrics and backs /metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	runs        RunService
	artifacts   ArtifactService
	events      *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	submitLimit int
	heartbeat   time.Duration
	checks      map[string]HealthCheck
	stats       *httpMetrics
	exporter    http.Handler
}

const (
	routeStreamSSE = "GET /projects/{projectID}/runs/{runID}/stream"
	routeStreamWS  = "GET /projects/{projectID}/runs/{runID}/ws"
	routeEvents    = "GET /projects/{projectID}/events"
)

const (
	rateWindowDefault  = time.Minute
	defaultHeartbeat   = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, runSvc RunService, artifactSvc ArtifactService, events *ws.Hub, limiter RateLimiter, cfg Config) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		runs:      runSvc,
		artifacts: artifactSvc,
		events:    events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		submitLimit: cfg.SubmitLimit,
		heartbeat:   cfg.Heartbeat,
		checks:      cfg.Checks,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	if cfg.Registry != nil {
		r.stats = newHTTPMetrics(cfg.Registry)
		r.exporter = promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})
	} else {
		r.stats = newHTTPMetrics(prometheus.DefaultRegisterer)
		r.exporter = promhttp.Handler()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", r.exporter)

	r.mux.HandleFunc("POST /projects/{projectID}/runs/training", r.audit(r.withRateLimit("submit_training", r.submitLimit, rateWindowDefault, rateLimitKeyProject, r.handleSubmitTraining)))
	r.mux.HandleFunc("POST /projects/{projectID}/runs/evaluation", r.audit(r.withRateLimit("submit_evaluation", r.submitLimit, rateWindowDefault, rateLimitKeyProject, r.handleSubmitEvaluation)))
	r.mux.HandleFunc("GET /projects/{projectID}/runs", r.audit(r.handleListRuns))
	r.mux.HandleFunc("GET /projects/{projectID}/runs/{runID}", r.audit(r.handleGetRun))
	r.mux.HandleFunc(routeStreamSSE, r.audit(r.handleStreamSSE))
	r.mux.HandleFunc(routeStreamWS, r.audit(r.handleStreamWS))

	r.mux.HandleFunc("GET /projects/{projectID}/artifacts", r.audit(r.handleListArtifacts))
	r.mux.HandleFunc("GET /projects/{projectID}/artifacts/{artifactID}", r.audit(r.handleDownloadArtifact))

	r.mux.HandleFunc(routeEvents, r.audit(r.handleEventsWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.checks[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.stats.observeRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if projectID := req.PathValue("projectID"); projectID != "" {
			fields = append(fields, "project_id", projectID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		// Upgraded connections never call WriteHeader.
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
