package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockroom-erp/stockroom/internal/jobs"
	"github.com/stockroom-erp/stockroom/internal/platform/cache"
	"github.com/stockroom-erp/stockroom/internal/stock"
)

// Rebuilder is the part of the stock package the rebuild task needs.
type Rebuilder interface {
	Rebuild(ctx context.Context, scope stock.RebuildScope) error
}

// NewStockRebuildHandler processes TaskStockRebuild tasks. A scope whose lock
// is already held is skipped without retry: another rebuild is running.
func NewStockRebuildHandler(rebuilder Rebuilder, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload StockRebuildPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("stock.rebuild")
		scope := stock.RebuildScope{ProductID: payload.ProductID}
		if err := rebuilder.Rebuild(ctx, scope); err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				logger.Warn("rebuild skipped, scope already locked", slog.Int64("product_id", payload.ProductID))
				_ = tracker.End(nil)
				return asynq.SkipRetry
			}
			logger.Error("rebuild failed", slog.Int64("product_id", payload.ProductID), slog.Any("error", err))
			return tracker.End(err)
		}
		return tracker.End(nil)
	}
}
