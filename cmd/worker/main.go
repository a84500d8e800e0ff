package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/forge-mes/forge-mes/internal/app"
	"github.com/forge-mes/forge-mes/internal/jobs"
	"github.com/forge-mes/forge-mes/internal/masterdata"
	"github.com/forge-mes/forge-mes/internal/planning"
	"github.com/forge-mes/forge-mes/internal/platform/db"
	"github.com/forge-mes/forge-mes/internal/shared"
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

	store := masterdata.NewRepository(pool)
	classifier := planning.NewOutsourceClassifier()
	planningRepo := planning.NewRepository(pool)
	planningService := planning.NewService(planningRepo, store, planning.NewExploder(store, classifier), planning.NewNetter(store), shared.NewAuditLogger(pool), nil, logger)

	metrics := jobs.NewMetrics(nil)
	scanHandler := jobs.NewShortageScanHandler(planningService, metrics, logger)

	scanTask, err := jobs.NewShortageScanTask(jobs.ShortageScanPayload{Reason: "cron"})
	if err != nil {
		logger.Error("build shortage scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskShortageScan, Handler: scanHandler},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ShortageScanCron, Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
