package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stockroom-erp/stockroom/internal/app"
	"github.com/stockroom-erp/stockroom/internal/batch"
	"github.com/stockroom-erp/stockroom/internal/integration"
	"github.com/stockroom-erp/stockroom/internal/observability"
	"github.com/stockroom-erp/stockroom/internal/platform/cache"
	"github.com/stockroom-erp/stockroom/internal/platform/db"
	"github.com/stockroom-erp/stockroom/internal/product"
	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/stock"
	"github.com/stockroom-erp/stockroom/internal/stocktake"
	"github.com/stockroom-erp/stockroom/internal/valuation"
	"github.com/stockroom-erp/stockroom/jobs"
	"github.com/stockroom-erp/stockroom/migrations"
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

	if err := db.MigrateUp(cfg.PGDSN, migrations.FS()); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

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
	auditLogger := shared.NewAuditLogger(pool)
	locker := cache.NewScopeLocker(redisClient)
	stockCache := cache.NewKV(redisClient, cfg.StockCacheTTL)

	enqueuer, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init task client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("task client close", slog.Any("error", err))
		}
	}()

	publisher := integration.NewPublisher(redisClient, logger)

	productRepo := product.NewRepository(pool)
	productHandler := product.NewHandler(logger, productRepo)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, auditLogger, stockCache, locker, publisher)
	stockService.WithMetrics(metrics)
	stockHandler := stock.NewHandler(logger, stockService, enqueuer)

	stocktakeRepo := stocktake.NewRepository(pool)
	stocktakeService := stocktake.NewService(stocktakeRepo, stockService, auditLogger)
	stocktakeHandler := stocktake.NewHandler(logger, stocktakeService)

	defaultOrder, err := valuation.ParseConsumptionOrder(cfg.ValuationConsumptionOrder)
	if err != nil {
		logger.Error("parse consumption order", slog.Any("error", err))
		os.Exit(1)
	}
	valuationRepo := valuation.NewRepository(pool)
	valuationService := valuation.NewService(valuationRepo, auditLogger, defaultOrder)
	valuationHandler := valuation.NewHandler(logger, valuationService)

	batchRepo := batch.NewRepository(pool)
	batchService := batch.NewService(batchRepo)
	batchHandler := batch.NewHandler(logger, batchService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Pool:             pool,
		ProductHandler:   productHandler,
		StockHandler:     stockHandler,
		StocktakeHandler: stocktakeHandler,
		ValuationHandler: valuationHandler,
		BatchHandler:     batchHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
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
