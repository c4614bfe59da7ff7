package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/internal/agent"
	"github.com/genos-ai/zeblit-sub001/internal/app/migrate"
	"github.com/genos-ai/zeblit-sub001/internal/docker"
	httpx "github.com/genos-ai/zeblit-sub001/internal/http"
	"github.com/genos-ai/zeblit-sub001/internal/repository/postgres"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/service/executor"
	"github.com/genos-ai/zeblit-sub001/internal/service/lifecycle"
	"github.com/genos-ai/zeblit-sub001/internal/service/logs"
	"github.com/genos-ai/zeblit-sub001/internal/service/project"
	runtimectl "github.com/genos-ai/zeblit-sub001/internal/service/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/service/session"
	"github.com/genos-ai/zeblit-sub001/internal/workspace"
	"github.com/genos-ai/zeblit-sub001/internal/ws"
	"github.com/genos-ai/zeblit-sub001/pkg/config"
	"github.com/genos-ai/zeblit-sub001/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
	restoreTimeout  = 30 * time.Second
	agentMaxTokens  = 2048
)

func main() {
	cfg, err := config.LoadAPIConfig()
	log := logger.New("api", cfg.LogLevel)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
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

	engine, err := docker.New(cfg.DockerHost, log)
	if err != nil {
		log.Error("failed to create container engine client", "error", err)
		os.Exit(1)
	}
	if err := engine.Ping(ctx); err != nil {
		log.Warn("container engine unreachable at startup", "error", err)
	}
	rt := runtime.NewRetrying(engine, 0, 0)

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("invalid workspace root", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	projectSvc := project.New(repo, repo, log, cfg.EnvEncryptionKey)

	hub := ws.NewHub()
	defer hub.Close()
	telemetry := runtimectl.NewTelemetryService(repo, repo, hub, runtimectl.TelemetryConfig{}, log)

	containers := lifecycle.New(rt, projectSvc, workspaces, nil, cfg.Container, log)
	containers.Observe(telemetry)
	restoreCtx, cancelRestore := context.WithTimeout(ctx, restoreTimeout)
	if _, err := containers.Restore(restoreCtx); err != nil {
		log.Warn("container restore failed", "error", err)
	}
	if err := telemetry.Reconcile(restoreCtx, containers.List()); err != nil {
		log.Warn("container record reconcile failed", "error", err)
	}
	cancelRestore()

	exec := executor.New(containers, rt, telemetry, executor.Config{
		WorkspacePath:  cfg.Container.WorkspacePath,
		DefaultTimeout: cfg.Exec.DefaultTimeout,
		MaxTimeout:     cfg.Exec.MaxTimeout,
		MaxOutputBytes: cfg.Exec.MaxOutputBytes,
	}, log)
	sessions := session.NewManager(containers, rt, session.Config{
		IdleTimeout:      cfg.Session.IdleTimeout,
		BufferChunks:     cfg.Session.BufferChunks,
		KillOnDisconnect: cfg.Session.KillOnDisconnect,
		WorkspacePath:    cfg.Container.WorkspacePath,
	}, log)
	logSvc := logs.New(containers, rt, log)

	controller := runtimectl.New(containers, rt, runtimectl.ControllerConfig{
		Interval:    cfg.SweepInterval,
		IdleTimeout: cfg.Container.IdleTimeout,
	}, log)

	// Telemetry outlives the request context so that the container stops
	// issued during shutdown are still mirrored.
	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	defer stopTelemetry()
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		telemetry.Run(telemetryCtx)
	}()
	go func() {
		defer background.Done()
		controller.Run(ctx)
	}()

	var agents httpx.Agents
	if completer := agent.NewAnthropicCompleter(cfg.AnthropicAPIKey, cfg.AnthropicModel); completer != nil {
		agents = agent.NewDispatcher(completer, exec, agentMaxTokens, log)
	} else {
		log.Info("agents disabled, no API key configured")
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

	router := httpx.NewRouter(httpx.Deps{
		Logger:       log,
		JWTSecret:    cfg.JWTSecret,
		Projects:     projectSvc,
		Containers:   containers,
		Executor:     exec,
		Sessions:     sessions,
		Logs:         logSvc,
		Telemetry:    telemetry,
		Agents:       agents,
		Limiter:      limiter,
		DBHealth:     pool.Ping,
		EngineHealth: engine.Ping,
		Registerer:   prometheus.DefaultRegisterer,
		Gatherer:     prometheus.DefaultGatherer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Error("session shutdown failed", "error", err)
	}
	if err := containers.Shutdown(shutdownCtx); err != nil {
		log.Error("container shutdown failed", "error", err)
	}
	stopTelemetry()
	background.Wait()
	log.Info("api server stopped")
}
