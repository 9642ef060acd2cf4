// Package monitor periodically sweeps the order store and dispatches due
// lifecycle work to the orchestrator.
package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/domain/order"
	"github.com/crosslane/solver/internal/domain/orderstore"
	"github.com/crosslane/solver/internal/observability"
	"github.com/crosslane/solver/lib/async"
)

// Driver executes a single order operation. Conflicts mean another worker
// holds the order and are not failures. FinalizeReserved settles an order the
// scheduler has already moved into processing.
type Driver interface {
	Fill(ctx context.Context, id uuid.UUID) error
	Finalize(ctx context.Context, id uuid.UUID) error
	FinalizeReserved(ctx context.Context, id uuid.UUID) error
}

// Config tunes the sweep cadence and dispatch limits.
type Config struct {
	// Interval between sweeps. Defaults to 60s.
	Interval time.Duration
	// AutoFinalize dispatches settlement for filled orders without manual
	// intervention.
	AutoFinalize bool
	// FinalizeDelay is the minimum age of a fill before auto-settlement,
	// giving the destination chain time to be observed by oracles.
	// Defaults to 30s.
	FinalizeDelay time.Duration
	// DispatchPerSecond paces order dispatches across sweeps. Defaults to 5.
	DispatchPerSecond float64
	// DispatchBurst is the limiter burst. Defaults to 10.
	DispatchBurst int
	// Workers and Queue size the dispatch pool. Default 4 and 64.
	Workers int
	Queue   int
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = 30 * time.Second
	}
	if c.DispatchPerSecond <= 0 {
		c.DispatchPerSecond = 5
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 10
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Queue <= 0 {
		c.Queue = 64
	}
	return c
}

type operation string

const (
	opFill     operation = "fill"
	opFinalize operation = "finalize"
	opSettle   operation = "settle_reserved"
)

// Scheduler owns the sweep loop. Dispatch is fire and forget: work runs on a
// bounded pool and anything that cannot be accepted now is retried on the
// next sweep, because sweeps are idempotent over order status.
type Scheduler struct {
	cfg     Config
	store   *orderstore.Store
	driver  Driver
	pool    *async.Pool
	limiter *rate.Limiter
	clock   func() time.Time

	cancel context.CancelFunc
	done   chan struct{}

	sweepCounter    metric.Int64Counter
	dispatchCounter metric.Int64Counter
	skippedCounter  metric.Int64Counter
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds the scheduler and its dispatch pool.
func New(cfg Config, store *orderstore.Store, driver Driver, opts ...Option) (*Scheduler, error) {
	cfg = cfg.normalize()
	pool, err := async.NewPool(cfg.Workers, cfg.Queue)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		driver:  driver,
		pool:    pool,
		limiter: rate.NewLimiter(rate.Limit(cfg.DispatchPerSecond), cfg.DispatchBurst),
		clock:   time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	meter := otel.Meter("monitor")
	s.sweepCounter, _ = meter.Int64Counter("monitor.sweeps",
		metric.WithDescription("Number of completed monitoring sweeps"),
		metric.WithUnit("{sweep}"))
	s.dispatchCounter, _ = meter.Int64Counter("monitor.dispatches",
		metric.WithDescription("Operations handed to the dispatch pool"),
		metric.WithUnit("{operation}"))
	s.skippedCounter, _ = meter.Int64Counter("monitor.skipped",
		metric.WithDescription("Dispatches deferred to a later sweep"),
		metric.WithUnit("{operation}"))

	return s, nil
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.Sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and drains in-flight dispatches.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.pool.Shutdown(ctx)
}

// Sweep dispatches fills for pending orders and, when enabled, settlements
// for fills older than the finalization delay.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock()

	for _, o := range s.store.ListByStatus(order.StatusPending) {
		s.dispatch(ctx, opFill, o.ID)
	}

	if s.cfg.AutoFinalize {
		for _, o := range s.store.ListByStatus(order.StatusFilled) {
			if now.Sub(o.UpdatedAt) < s.cfg.FinalizeDelay {
				continue
			}
			s.dispatch(ctx, opFinalize, o.ID)
		}
	}

	if s.sweepCounter != nil {
		s.sweepCounter.Add(ctx, 1)
	}
}

// TriggerFinalize reserves one order for settlement immediately, bypassing
// the finalization delay. Used by the manual finalize endpoint. The reserving
// transition runs on the caller, so of two concurrent triggers for the same
// order exactly one is accepted and the other gets the conflict back. Only
// the settlement itself runs on the pool, outliving the caller's context.
func (s *Scheduler) TriggerFinalize(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.Transition(id, order.StatusFilled, order.StatusProcessing, nil); err != nil {
		return err
	}
	if err := s.submit(context.WithoutCancel(ctx), opSettle, id); err != nil {
		// Release the reservation so the next sweep can retry.
		if _, undoErr := s.store.Transition(id, order.StatusProcessing, order.StatusFilled, nil); undoErr != nil {
			observability.Log().Error("failed to release settlement reservation",
				observability.F("order", id.String()),
				observability.F("error", undoErr.Error()))
		}
		return err
	}
	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, op operation, id uuid.UUID) {
	if !s.limiter.Allow() {
		s.skip(ctx, op, "rate_limited")
		return
	}
	if err := s.submit(ctx, op, id); err != nil {
		s.skip(ctx, op, "pool_full")
		observability.Log().Debug("dispatch deferred to next sweep",
			observability.F("op", string(op)),
			observability.F("order", id.String()),
			observability.F("error", err.Error()))
	}
}

func (s *Scheduler) submit(ctx context.Context, op operation, id uuid.UUID) error {
	err := s.pool.Submit(ctx, func(taskCtx context.Context) error {
		var opErr error
		switch op {
		case opFill:
			opErr = s.driver.Fill(taskCtx, id)
		case opFinalize:
			opErr = s.driver.Finalize(taskCtx, id)
		case opSettle:
			opErr = s.driver.FinalizeReserved(taskCtx, id)
		}
		// Conflicts are expected when a previous dispatch still holds the
		// order; everything else was already recorded on the order itself.
		if opErr != nil && !errs.HasCode(opErr, errs.CodeConflict) {
			observability.Log().Debug("dispatched operation failed",
				observability.F("op", string(op)),
				observability.F("order", id.String()),
				observability.F("error", opErr.Error()))
		}
		return opErr
	})
	if err != nil {
		return err
	}
	if s.dispatchCounter != nil {
		s.dispatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", string(op))))
	}
	return nil
}

func (s *Scheduler) skip(ctx context.Context, op operation, reason string) {
	if s.skippedCounter != nil {
		s.skippedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", string(op)), attribute.String("reason", reason)))
	}
}
