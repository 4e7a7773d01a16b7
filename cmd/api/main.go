package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/TNLegend/SMIA/internal/app/migrate"
	"github.com/TNLegend/SMIA/internal/broker"
	"github.com/TNLegend/SMIA/internal/catalog"
	"github.com/TNLegend/SMIA/internal/docker"
	httpx "github.com/TNLegend/SMIA/internal/http"
	"github.com/TNLegend/SMIA/internal/repository/postgres"
	"github.com/TNLegend/SMIA/internal/sandbox"
	"github.com/TNLegend/SMIA/internal/service/artifacts"
	"github.com/TNLegend/SMIA/internal/service/janitor"
	"github.com/TNLegend/SMIA/internal/service/quota"
	"github.com/TNLegend/SMIA/internal/service/runs"
	"github.com/TNLegend/SMIA/internal/storage"
	"github.com/TNLegend/SMIA/internal/ws"
	"github.com/TNLegend/SMIA/pkg/config"
	"github.com/TNLegend/SMIA/pkg/logger"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	layout, err := storage.New(cfg.StorageRoot)
	if err != nil {
		log.Error("failed to prepare storage", "error", err)
		os.Exit(1)
	}
	results, err := catalog.Load(cfg.ResultCatalogPath)
	if err != nil {
		log.Error("failed to load result catalog", "error", err)
		os.Exit(1)
	}
	limits, err := sandbox.ParseLimits(cfg.SandboxCPUs, cfg.SandboxMemory, cfg.SandboxNetworkDisabled)
	if err != nil {
		log.Error("invalid sandbox limits", "error", err)
		os.Exit(1)
	}

	checks := map[string]httpx.HealthCheck{"database": pool.Ping}
	var (
		runtime sandbox.Runtime
		pruner  janitor.Pruner
	)
	switch strings.ToLower(strings.TrimSpace(cfg.SandboxRuntime)) {
	case "cli":
		runtime = sandbox.NewCLIRuntime("docker")
		log.Info("sandbox runtime selected", "runtime", "cli")
	default:
		dockerClient, err := docker.New(cfg.DockerHost)
		if err != nil {
			log.Error("failed to create docker client", "error", err)
			os.Exit(1)
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable at startup", "error", err)
		}
		runtime = dockerClient
		pruner = dockerClient
		checks["sandbox"] = dockerClient.Ping
		log.Info("sandbox runtime selected", "runtime", "docker")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	repo := postgres.New(pool)
	events := ws.NewHub()
	defer events.Close()

	runSvc := runs.New(runs.Dependencies{
		Runs:      repo,
		Artifacts: repo,
		Datasets:  repo,
		Projects:  repo,
		Quota:     quota.New(repo, cfg.RunQuotaPerProject),
		Executor:  sandbox.NewExecutor(runtime, cfg.SandboxKillGrace, log),
		Broker:    broker.NewRegistry(),
		Layout:    layout,
		Resolver:  artifacts.NewResolver(results),
		Events:    events,
		Metrics:   runs.NewMetrics(registry),
	}, runs.Config{
		Image:             cfg.SandboxImage,
		Limits:            limits,
		TrainingTimeout:   cfg.TrainingTimeout,
		EvaluationTimeout: cfg.EvaluationTimeout,
	}, log)

	if n, err := runSvc.Reconcile(ctx); err != nil {
		log.Error("run reconciliation failed", "error", err)
	} else if n > 0 {
		log.Warn("interrupted runs marked failed", "count", n)
	}

	if sweeper := janitor.New(repo, repo, layout, pruner, log, cfg); sweeper != nil {
		go sweeper.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, runSvc, artifacts.NewService(repo, layout, log), events, limiter, httpx.Config{
		SubmitLimit: cfg.SubmitRateLimit,
		Heartbeat:   cfg.StreamHeartbeat,
		Checks:      checks,
		Registry:    registry,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		drainRuns(runSvc, log)
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// drainRuns gives in-flight runs a bounded chance to finish. Runs still going
// afterwards are failed as interrupted by the next startup.
func drainRuns(svc *runs.Service, log *slog.Logger) {
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn("runs still active at shutdown", "waited", drainTimeout)
	}
}
