package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/stockroom-erp/stockroom/internal/app"
	jobmetrics "github.com/stockroom-erp/stockroom/internal/jobs"
	"github.com/stockroom-erp/stockroom/internal/observability"
	"github.com/stockroom-erp/stockroom/internal/platform/cache"
	"github.com/stockroom-erp/stockroom/internal/platform/db"
	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/stock"
	"github.com/stockroom-erp/stockroom/internal/stocktake"
	"github.com/stockroom-erp/stockroom/internal/valuation"
	"github.com/stockroom-erp/stockroom/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	taskMetrics := jobmetrics.NewMetrics(nil)
	auditLogger := shared.NewAuditLogger(pool)
	locker := cache.NewScopeLocker(redisClient)

	stockRepo := stock.NewRepository(pool)
	rebuilder := stock.NewRebuilder(stockRepo, locker, logger, cfg.RebuildLockTTL)
	rebuilder.WithMetrics(metrics)

	defaultOrder, err := valuation.ParseConsumptionOrder(cfg.ValuationConsumptionOrder)
	if err != nil {
		logger.Error("parse consumption order", slog.Any("error", err))
		os.Exit(1)
	}
	valuationRepo := valuation.NewRepository(pool)
	valuationService := valuation.NewService(valuationRepo, auditLogger, defaultOrder)

	stocktakeRepo := stocktake.NewRepository(pool)
	stocktakeService := stocktake.NewService(stocktakeRepo, nil, auditLogger)

	nightlyValuation, err := jobs.NewValuationReportTask(jobs.ValuationReportPayload{
		ConsumptionOrder: string(defaultOrder),
	})
	if err != nil {
		logger.Error("build valuation task", slog.Any("error", err))
		os.Exit(1)
	}
	stocktakeExpiry, err := jobs.NewStocktakeExpireTask(jobs.StocktakeExpirePayload{OlderThanHours: 72})
	if err != nil {
		logger.Error("build stocktake expiry task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStockRebuild, Handler: jobs.NewStockRebuildHandler(rebuilder, logger, taskMetrics)},
			{Type: jobs.TaskValuationReport, Handler: jobs.NewValuationReportHandler(valuationService, logger, taskMetrics)},
			{Type: jobs.TaskStocktakeExpire, Handler: jobs.NewStocktakeExpireHandler(stocktakeService, logger, taskMetrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 2 * * *", Task: nightlyValuation, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 2 * * *", Task: stocktakeExpiry, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
