package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crowfox/homestats/internal/app/migrate"
	httpx "github.com/crowfox/homestats/internal/http"
	"github.com/crowfox/homestats/internal/repository"
	"github.com/crowfox/homestats/internal/repository/postgres"
	"github.com/crowfox/homestats/internal/repository/sqlite"
	"github.com/crowfox/homestats/internal/service/auth"
	"github.com/crowfox/homestats/internal/service/ingest"
	"github.com/crowfox/homestats/internal/service/reports"
	"github.com/crowfox/homestats/internal/ws"
	"github.com/crowfox/homestats/pkg/config"
	"github.com/crowfox/homestats/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("homestats")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.UsageStatsToken == "" {
		log.Warn("USAGE_STATS_TOKEN is not set; all pushes will be rejected")
	}

	var (
		repo     repository.ReportRepository
		dbHealth func(context.Context) error
	)
	if isPostgresDSN(cfg.DatabaseURL) {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		_ = runner.Close()

		repo = postgres.New(pool)
		dbHealth = pool.Ping
	} else {
		store, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to open sqlite store", "error", err, "path", cfg.DatabaseURL)
			os.Exit(1)
		}
		defer store.Close()

		repo = store
		dbHealth = store.Ping
	}

	hub := ws.NewHub()
	ingestSvc := ingest.New(repo, hub, log)
	reportSvc := reports.New(repo, log)
	authSvc := auth.New(cfg, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, ingestSvc, reportSvc, authSvc, hub, limiter, cfg, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("homestats server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("homestats server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
