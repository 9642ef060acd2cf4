// Package eventbus defines pub/sub primitives for order lifecycle events.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/crosslane/solver/internal/domain/order"
)

// Type identifies a lifecycle event kind.
type Type string

const (
	// TypeOrderReceived fires when a submission is accepted.
	TypeOrderReceived Type = "order_received"
	// TypeOrderFilled fires when a destination-chain fill succeeds.
	TypeOrderFilled Type = "order_filled"
	// TypeOrderFinalized fires when origin-chain settlement succeeds.
	TypeOrderFinalized Type = "order_finalized"
	// TypeOrderFailed fires when a fill or finalize operation fails.
	TypeOrderFailed Type = "order_failed"
)

// Event is a lifecycle notification. Delivery is best effort: slow
// subscribers miss events, they never stall the producer.
type Event struct {
	Type    Type
	OrderID uuid.UUID
	TxRef   string
	Detail  *order.ErrorDetail
	At      time.Time
}

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus broadcasts lifecycle events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event)
	Subscribe() (SubscriptionID, <-chan Event)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	return c
}
