package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/forge-mes/forge-mes/internal/app"
	"github.com/forge-mes/forge-mes/internal/issuance"
	"github.com/forge-mes/forge-mes/internal/manufacturing"
	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/observability"
	"github.com/forge-mes/forge-mes/internal/planning"
	"github.com/forge-mes/forge-mes/internal/platform/cache"
	"github.com/forge-mes/forge-mes/internal/platform/db"
	"github.com/forge-mes/forge-mes/internal/shared"
	"github.com/forge-mes/forge-mes/internal/subcontract"
)

func main() {
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
		logger.Warn("redis unavailable, previews uncached", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	validate := validator.New()
	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	store := masterdata.NewRepository(pool)
	classifier := planning.NewOutsourceClassifier()

	previewCache := cache.NewJSONCache(redisClient, cfg.PreviewCacheTTL)
	planningRepo := planning.NewRepository(pool)
	planningService := planning.NewService(planningRepo, store, planning.NewExploder(store, classifier), planning.NewNetter(store), auditLogger, previewCache, logger)
	planningHandler := planning.NewHandler(logger, planningService, validate, metrics)

	manufacturingRepo := manufacturing.NewRepository(pool)
	manufacturingService := manufacturing.NewService(manufacturingRepo, store, planningService, auditLogger, logger)
	manufacturingHandler := manufacturing.NewHandler(logger, manufacturingService, validate, metrics)

	issuanceRepo := issuance.NewRepository(pool)
	issuanceService := issuance.NewService(issuanceRepo, manufacturingService, auditLogger, logger)
	issuanceHandler := issuance.NewHandler(logger, issuanceService, validate, metrics)

	subcontractRepo := subcontract.NewRepository(pool)
	subcontractService := subcontract.NewService(subcontractRepo, store, manufacturingService, classifier, auditLogger, logger)
	subcontractHandler := subcontract.NewHandler(logger, subcontractService, validate, metrics)

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		PlanningHandler:      planningHandler,
		ManufacturingHandler: manufacturingHandler,
		IssuanceHandler:      issuanceHandler,
		SubcontractHandler:   subcontractHandler,
		Metrics:              metrics,
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
