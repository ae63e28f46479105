package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/stockroom-erp/stockroom/internal/jobs"
	"github.com/stockroom-erp/stockroom/internal/valuation"
)

// ReportGenerator is the part of the valuation package the report task needs.
type ReportGenerator interface {
	Generate(ctx context.Context, input valuation.GenerateInput) (valuation.Report, error)
}

// NewValuationReportHandler processes TaskValuationReport tasks. Missing
// surplus prices are a configuration problem, not a transient failure, so
// they skip retry.
func NewValuationReportHandler(generator ReportGenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ValuationReportPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("valuation.report")

		order, err := valuation.ParseConsumptionOrder(payload.ConsumptionOrder)
		if err != nil {
			logger.Error("valuation task rejected", slog.Any("error", err))
			return asynq.SkipRetry
		}
		input := valuation.GenerateInput{WarehouseID: payload.WarehouseID, ConsumptionOrder: order}
		if payload.SurplusPrice != nil {
			price, err := decimal.NewFromString(*payload.SurplusPrice)
			if err != nil {
				logger.Error("valuation task rejected", slog.Any("error", err))
				return asynq.SkipRetry
			}
			input.SurplusPrice = &price
		}

		report, err := generator.Generate(ctx, input)
		if err != nil {
			if errors.Is(err, valuation.ErrSurplusPriceRequired) {
				logger.Error("valuation task needs an explicit surplus price")
				_ = tracker.End(err)
				return asynq.SkipRetry
			}
			logger.Error("valuation task failed", slog.Any("error", err))
			return tracker.End(err)
		}
		_ = tracker.End(nil)
		logger.Info("valuation report generated",
			slog.String("report_id", report.ID.String()),
			slog.String("total_value", report.TotalValue.String()))
		return nil
	}
}
