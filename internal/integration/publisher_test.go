package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stockroom-erp/stockroom/internal/stock"
)

func TestPublisherEmitsMovementEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, ChannelMovements)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	publisher := NewPublisher(client, nil)
	event := stock.MovementAppendedEvent{
		MovementID:  uuid.New(),
		ProductID:   42,
		Quantity:    3,
		Source:      "bin_location:1",
		Destination: "order:9",
		AppendedAt:  time.Now().UTC(),
	}
	require.NoError(t, publisher.HandleMovementAppended(ctx, event))

	msg, err := sub.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	payload, ok := msg.(*redis.Message)
	require.True(t, ok)

	var decoded movementMessage
	require.NoError(t, json.Unmarshal([]byte(payload.Payload), &decoded))
	require.Equal(t, event.MovementID.String(), decoded.MovementID)
	require.Equal(t, int64(42), decoded.ProductID)
	require.Equal(t, "order:9", decoded.Destination)
}
