// Package orderstore owns all order state and serializes mutation through a
// compare-and-set transition.
package orderstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/domain/order"
)

// Mutator applies a side-effect-free change to an order while the store lock
// is held. It must not block.
type Mutator func(*order.Order)

// QueueStatus aggregates order counts by status.
type QueueStatus struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Filled     int `json:"filled"`
	Finalized  int `json:"finalized"`
	Failed     int `json:"failed"`
}

// Store is the process-wide, mutex-guarded order repository. All operations
// are in-memory and complete without blocking on I/O.
type Store struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*order.Order
	seq    []uuid.UUID
	clock  func() time.Time

	transitionCounter metric.Int64Counter
	conflictCounter   metric.Int64Counter
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the store clock, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New constructs an empty order store.
func New(opts ...Option) *Store {
	s := new(Store)
	s.orders = make(map[uuid.UUID]*order.Order)
	s.clock = time.Now
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	meter := otel.Meter("orderstore")
	s.transitionCounter, _ = meter.Int64Counter("orderstore.transitions",
		metric.WithDescription("Number of successful order status transitions"),
		metric.WithUnit("{transition}"))
	s.conflictCounter, _ = meter.Int64Counter("orderstore.conflicts",
		metric.WithDescription("Number of rejected compare-and-set transitions"),
		metric.WithUnit("{conflict}"))

	return s
}

// Submit validates the intent and creates a pending order.
func (s *Store) Submit(intent order.Intent, signature []byte) (order.Order, error) {
	now := s.clock()
	if err := intent.Validate(now); err != nil {
		return order.Order{}, err
	}
	if len(signature) == 0 {
		return order.Order{}, errs.New("orderstore/submit", errs.CodeValidation,
			errs.WithMessage("signature required"))
	}

	o := order.New(intent, signature, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	// uuid collisions are not a practical concern, but ids must never be reused.
	if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, errs.New("orderstore/submit", errs.CodeConflict,
			errs.WithMessage("order id already exists"))
	}
	s.orders[o.ID] = &o
	s.seq = append(s.seq, o.ID)
	return o.Clone(), nil
}

// Get returns an immutable copy of the order.
func (s *Store) Get(id uuid.UUID) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, errs.New("orderstore/get", errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithMeta("id", id.String()))
	}
	return o.Clone(), nil
}

// List returns copies of all orders in creation order.
func (s *Store) List() []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]order.Order, 0, len(s.seq))
	for _, id := range s.seq {
		if o, ok := s.orders[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

// ListByStatus returns copies of orders currently in the given status, in
// creation order.
func (s *Store) ListByStatus(status order.Status) []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.Order
	for _, id := range s.seq {
		if o, ok := s.orders[id]; ok && o.Status == status {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Transition performs an atomic compare-and-set on the order status: it fails
// with a conflict when the current status differs from expected or the edge
// expected→next is not part of the lifecycle. The mutator, if any, runs under
// the store lock after the status change. This is the single serialization
// point that guarantees at most one in-flight operation per order.
func (s *Store) Transition(id uuid.UUID, expected, next order.Status, mutate Mutator) (order.Order, error) {
	const op = "orderstore/transition"
	if !order.CanTransition(expected, next) {
		return order.Order{}, errs.New(op, errs.CodeConflict,
			errs.WithMessage("illegal lifecycle edge"),
			errs.WithMeta("from", string(expected)), errs.WithMeta("to", string(next)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, errs.New(op, errs.CodeNotFound,
			errs.WithMessage("order not found"), errs.WithMeta("id", id.String()))
	}
	if o.Status != expected {
		if s.conflictCounter != nil {
			s.conflictCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("expected", string(expected)),
				attribute.String("actual", string(o.Status))))
		}
		return order.Order{}, errs.New(op, errs.CodeConflict,
			errs.WithMessage("status mismatch"),
			errs.WithMeta("expected", string(expected)),
			errs.WithMeta("actual", string(o.Status)))
	}

	o.Status = next
	o.UpdatedAt = s.clock()
	if mutate != nil {
		mutate(o)
	}
	if s.transitionCounter != nil {
		s.transitionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", string(expected)),
			attribute.String("to", string(next))))
	}
	return o.Clone(), nil
}

// Requeue moves a failed order back to pending and clears its error detail.
// Manual recovery only; nothing requeues automatically.
func (s *Store) Requeue(id uuid.UUID) (order.Order, error) {
	return s.Transition(id, order.StatusFailed, order.StatusPending, func(o *order.Order) {
		o.ErrorDetail = nil
	})
}

// QueueStatus returns aggregate counts per status.
func (s *Store) QueueStatus() QueueStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qs := QueueStatus{Total: len(s.orders)}
	for _, o := range s.orders {
		switch o.Status {
		case order.StatusPending:
			qs.Pending++
		case order.StatusProcessing:
			qs.Processing++
		case order.StatusFilled:
			qs.Filled++
		case order.StatusFinalized:
			qs.Finalized++
		case order.StatusFailed:
			qs.Failed++
		}
	}
	return qs
}

// Restore seeds the store from a snapshot. Orders are installed verbatim,
// ordered by creation time, and existing entries with the same id are
// overwritten. Intended for startup only.
func (s *Store) Restore(orders []order.Order) {
	sorted := make([]order.Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range sorted {
		c := o.Clone()
		if _, exists := s.orders[c.ID]; !exists {
			s.seq = append(s.seq, c.ID)
		}
		s.orders[c.ID] = &c
	}
}
