// Package integration publishes ledger events to downstream consumers over
// Redis pub/sub. Order fulfillment and reporting systems subscribe to the
// movements channel instead of polling the ledger.
package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stockroom-erp/stockroom/internal/stock"
)

// ChannelMovements is the pub/sub channel for appended movements.
const ChannelMovements = "stockroom:events:movements"

// Publisher emits ledger events after commit. Publishing is best effort; the
// append has already committed when events fire.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

type movementMessage struct {
	MovementID  string    `json:"movement_id"`
	ProductID   int64     `json:"product_id"`
	Quantity    int64     `json:"quantity"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	AppendedAt  time.Time `json:"appended_at"`
}

// HandleMovementAppended publishes one appended movement.
func (p *Publisher) HandleMovementAppended(ctx context.Context, event stock.MovementAppendedEvent) error {
	msg := movementMessage{
		MovementID:  event.MovementID.String(),
		ProductID:   event.ProductID,
		Quantity:    event.Quantity,
		Source:      event.Source,
		Destination: event.Destination,
		AppendedAt:  event.AppendedAt,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, ChannelMovements, data).Err(); err != nil {
		if p.logger != nil {
			p.logger.Warn("publish movement event", slog.Any("error", err))
		}
		return err
	}
	return nil
}
