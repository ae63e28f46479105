package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/stockroom-erp/stockroom/internal/jobs"
)

// StaleExpirer is the part of the stocktake package the expiry task needs.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

// NewStocktakeExpireHandler completes stocktakes that have sat active past
// the configured age, so an abandoned count cannot block its warehouse.
func NewStocktakeExpireHandler(expirer StaleExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload StocktakeExpirePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.OlderThanHours <= 0 {
			return asynq.SkipRetry
		}
		tracker := metrics.Track("stocktake.expire")
		expired, err := expirer.ExpireStale(ctx, time.Duration(payload.OlderThanHours)*time.Hour)
		if err != nil {
			logger.Error("stocktake expiry failed", slog.Any("error", err))
			return tracker.End(err)
		}
		if len(expired) > 0 {
			logger.Info("expired stale stocktakes", slog.Int("count", len(expired)))
		}
		return tracker.End(nil)
	}
}
