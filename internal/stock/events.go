package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MovementAppendedEvent is emitted after a movement has been committed.
type MovementAppendedEvent struct {
	MovementID  uuid.UUID
	ProductID   int64
	Quantity    int64
	Source      string
	Destination string
	AppendedAt  time.Time
}

// IntegrationHandler receives ledger events for downstream consumers.
// Handlers run after commit; failures are logged, never propagated back into
// the append.
type IntegrationHandler interface {
	HandleMovementAppended(ctx context.Context, event MovementAppendedEvent) error
}
