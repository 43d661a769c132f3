package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snooky23/apple-deploy-sub001/internal/app/migrate"
	"github.com/snooky23/apple-deploy-sub001/internal/authority"
	"github.com/snooky23/apple-deploy-sub001/internal/buildtool"
	"github.com/snooky23/apple-deploy-sub001/internal/credstore"
	httpx "github.com/snooky23/apple-deploy-sub001/internal/http"
	"github.com/snooky23/apple-deploy-sub001/internal/lock"
	"github.com/snooky23/apple-deploy-sub001/internal/metrics"
	"github.com/snooky23/apple-deploy-sub001/internal/repository/postgres"
	"github.com/snooky23/apple-deploy-sub001/internal/service/deploy"
	"github.com/snooky23/apple-deploy-sub001/internal/service/profiles"
	"github.com/snooky23/apple-deploy-sub001/internal/service/retention"
	"github.com/snooky23/apple-deploy-sub001/internal/service/signing"
	"github.com/snooky23/apple-deploy-sub001/internal/service/upload"
	"github.com/snooky23/apple-deploy-sub001/internal/service/versioning"
	"github.com/snooky23/apple-deploy-sub001/internal/uploadtool"
	"github.com/snooky23/apple-deploy-sub001/internal/ws"
	"github.com/snooky23/apple-deploy-sub001/pkg/config"
	"github.com/snooky23/apple-deploy-sub001/pkg/logger"
)

func main() {
	cfg := config.LoadServiceConfig()
	log := logger.New("deployd", slog.LevelInfo)

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
	logHub := ws.NewHub()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	tokens := authority.NewTokenSource(cfg.ConnectKeyID, cfg.ConnectIssuerID, cfg.ConnectKeyPath, cfg.ConnectTokenTTL)
	connect := authority.NewClient(cfg.ConnectAPIBaseURL, tokens, log)
	keychain := credstore.NewKeychain(cfg.KeychainName, cfg.KeychainPassword, cfg.ExportSecret, log)

	signingMgr := signing.New(connect, keychain, log)
	matcher := profiles.New(connect, log)

	altool := uploadtool.NewAltool(log)
	transporter := uploadtool.NewTransporter(filepath.Dir(cfg.ConnectKeyPath), log)
	channel := uploadtool.NewChannel(altool, connect)
	coordinator := upload.NewCoordinator([]upload.Strategy{altool, transporter}, channel, recorder, log).
		WithBudgets(cfg.UploadBudget, cfg.ProcessingInterval, cfg.ProcessingBudget)

	versions := versioning.New(channel, log)
	builder := buildtool.New(cfg.BuildWorkDir, cfg.BuildTimeout, log)

	locker := lock.NewMemoryLocker()
	if addr := strings.TrimSpace(cfg.LockRedisAddr); addr != "" {
		redisLocker, err := lock.NewRedisLocker(addr, cfg.LockRedisPass, cfg.LockRedisDB, cfg.TeamLockTTL, log)
		if err != nil {
			log.Warn("redis team locker unavailable, using in-process locks", "error", err)
		} else {
			locker = redisLocker
		}
	}
	defer locker.Close()

	orchestrator := deploy.New(repo, signingMgr, matcher, versions, builder, coordinator, channel,
		locker, logHub, recorder, log).
		WithPolling(cfg.ProcessingInterval, cfg.ProcessingBudget)

	sweeper := retention.New(repo, cfg.RetentionSweep, log)
	go sweeper.Run(ctx)

	router := httpx.NewRouter(ctx, log, orchestrator, repo, repo, logHub, registry, cfg.APIToken, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deploy server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deploy server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
