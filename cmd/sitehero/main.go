package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kubiknyc/supersitehero/internal/app"
	"github.com/kubiknyc/supersitehero/internal/audit"
	"github.com/kubiknyc/supersitehero/internal/authz"
	"github.com/kubiknyc/supersitehero/internal/features"
	"github.com/kubiknyc/supersitehero/internal/observability"
	"github.com/kubiknyc/supersitehero/internal/platform/cache"
	"github.com/kubiknyc/supersitehero/internal/platform/db"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, grant cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := audit.NewLogger(pool)
	metrics := observability.NewMetrics()

	featuresRepo := features.NewRepository(pool)
	featuresService := features.NewService(featuresRepo, logger)

	authzRepo := authz.NewRepository(pool)
	grantCache := authz.NewGrantCache(redisClient, authzRepo, cfg.GrantCacheTTL)
	engine := authz.NewEngine(authzRepo, grantCache, featuresService, logger, metrics)
	authzService := authz.NewService(authzRepo, auditLogger, grantCache)
	authzMiddleware := authz.Middleware{Engine: engine, Logger: logger}
	authzHandler := authz.NewHandler(logger, authzService, engine, authzMiddleware)

	featuresHandler := features.NewHandler(logger, featuresService, authzMiddleware)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthzHandler:    authzHandler,
		FeaturesHandler: featuresHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
