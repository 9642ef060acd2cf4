// Package snapshot persists the full order book across restarts.
package snapshot

import (
	"context"

	"github.com/crosslane/solver/internal/domain/order"
)

// Store saves and restores complete order snapshots. Save replaces the whole
// snapshot atomically; partial writes must never be observable.
type Store interface {
	Save(ctx context.Context, orders []order.Order) error
	Load(ctx context.Context) ([]order.Order, error)
}

// MemoryStore keeps the snapshot in process memory. Used when persistence is
// disabled and in tests.
type MemoryStore struct {
	orders []order.Order
}

// NewMemoryStore returns an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the held snapshot with deep copies.
func (s *MemoryStore) Save(_ context.Context, orders []order.Order) error {
	copied := make([]order.Order, len(orders))
	for i, o := range orders {
		copied[i] = o.Clone()
	}
	s.orders = copied
	return nil
}

// Load returns deep copies of the held snapshot.
func (s *MemoryStore) Load(context.Context) ([]order.Order, error) {
	out := make([]order.Order, len(s.orders))
	for i, o := range s.orders {
		out[i] = o.Clone()
	}
	return out, nil
}
