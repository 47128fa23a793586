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

	"github.com/cloudpad/gameserv/internal/app/migrate"
	"github.com/cloudpad/gameserv/internal/command"
	"github.com/cloudpad/gameserv/internal/compute"
	"github.com/cloudpad/gameserv/internal/compute/gcp"
	"github.com/cloudpad/gameserv/internal/compute/local"
	natsgw "github.com/cloudpad/gameserv/internal/gateway/nats"
	httpx "github.com/cloudpad/gameserv/internal/http"
	"github.com/cloudpad/gameserv/internal/repository/postgres"
	"github.com/cloudpad/gameserv/internal/service/autoshutdown"
	"github.com/cloudpad/gameserv/internal/service/control"
	"github.com/cloudpad/gameserv/internal/service/inventory"
	"github.com/cloudpad/gameserv/internal/service/provision"
	"github.com/cloudpad/gameserv/internal/service/ratelimit"
	"github.com/cloudpad/gameserv/internal/service/usage"
	"github.com/cloudpad/gameserv/internal/ws"
	"github.com/cloudpad/gameserv/pkg/config"
	"github.com/cloudpad/gameserv/pkg/logger"
)

func main() {
	cfg := config.LoadBotConfig()
	log := logger.New("gameserv", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

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

	repo := postgres.New(pool)
	hub := ws.NewHub()

	templates, err := provision.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		log.Error("template catalog unusable", "path", cfg.TemplatesPath, "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var provider compute.Provider
	switch cfg.ComputeBackend {
	case "local":
		dockerProvider, err := local.New(cfg.DockerHost, log)
		if err != nil {
			log.Error("docker backend unavailable", "error", err)
			os.Exit(1)
		}
		provider = dockerProvider
	default:
		provider = gcp.New(cfg.APIBase, cfg.ProjectID, cfg.APIToken, log, gcp.WithMetrics(registry))
	}

	usageSvc := usage.New(repo, log)
	inventorySvc := inventory.New(repo, log)

	var counter ratelimit.Counter = ratelimit.NewLedgerCounter(usageSvc)
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisCounter, err := ratelimit.NewRedisCounter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limit counter unavailable, using ledger", "error", err)
		} else {
			counter = redisCounter
		}
	}
	limiter := ratelimit.New(counter, log, cfg)
	defer limiter.Close()

	provisioner := provision.New(templates, provider, inventorySvc, usageSvc, ws.NewReporter(hub), log, cfg)
	controller := control.New(provider, inventorySvc, log, cfg)

	conn, err := natsgw.Connect(cfg, log)
	if err != nil {
		log.Error("message bus unavailable", "url", cfg.NATSAddr, "error", err)
		os.Exit(1)
	}

	var gateway *natsgw.Gateway
	dispatcher := command.NewDispatcher(limiter, usageSvc, provisioner, controller, inventorySvc, templates, confirmerFunc(func(ctx context.Context, userID, prompt string) (command.Outcome, error) {
		return gateway.Confirm(ctx, userID, prompt)
	}), log, registry, cfg)
	gateway = natsgw.New(conn, dispatcher, log, cfg)
	if err := gateway.Start(); err != nil {
		log.Error("command subscription failed", "error", err)
		os.Exit(1)
	}
	defer gateway.Close()

	sweeper := autoshutdown.New(provider, inventorySvc, gateway, log, cfg.AutoShutdownSweepEvery, registry)
	go sweeper.Run(ctx)

	router := httpx.NewRouter(log, inventorySvc, hub, registry, pool.Ping)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("ops server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("bot stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

type confirmerFunc func(ctx context.Context, userID, prompt string) (command.Outcome, error)

func (f confirmerFunc) Confirm(ctx context.Context, userID, prompt string) (command.Outcome, error) {
	return f(ctx, userID, prompt)
}
