// Package orchestrator drives single order operations end to end: reserve the
// order through a compare-and-set transition, perform the chain work, then
// commit the outcome.
package orchestrator

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/bus/eventbus"
	"github.com/crosslane/solver/internal/domain/order"
	"github.com/crosslane/solver/internal/domain/orderstore"
	"github.com/crosslane/solver/internal/encoding"
	"github.com/crosslane/solver/internal/execution"
	"github.com/crosslane/solver/internal/observability"
)

// Config carries the contract addresses and execution limits.
type Config struct {
	// SettlerAddress is the origin-chain settlement contract.
	SettlerAddress common.Address
	// FillerAddress is the destination-chain filler contract.
	FillerAddress common.Address
	// OpTimeout bounds one fill or finalize operation. Defaults to 300s.
	OpTimeout time.Duration
	// GasLimit is the fallback gas limit when estimation is unavailable.
	GasLimit uint64
	// GasPrice overrides the transport's gas pricing when set.
	GasPrice *big.Int
	// GasBuffer scales gas estimates to survive state drift between
	// estimation and execution. Defaults to 1.2.
	GasBuffer float64
	// AsyncPollInterval is the starting cadence for async status polling.
	// Defaults to 2s.
	AsyncPollInterval time.Duration
}

func (c Config) normalize() Config {
	if c.OpTimeout <= 0 {
		c.OpTimeout = 300 * time.Second
	}
	if c.GasBuffer < 1 {
		c.GasBuffer = 1.2
	}
	if c.AsyncPollInterval <= 0 {
		c.AsyncPollInterval = 2 * time.Second
	}
	return c
}

// Orchestrator owns the fill and finalize flows. At most one operation runs
// per order at any time; the store's transition is the guard.
type Orchestrator struct {
	cfg    Config
	store  *orderstore.Store
	enc    encoding.Encoder
	engine execution.Engine
	bus    eventbus.Bus
	clock  func() time.Time

	fillCounter     metric.Int64Counter
	finalizeCounter metric.Int64Counter
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New wires the orchestrator to its collaborators.
func New(cfg Config, store *orderstore.Store, enc encoding.Encoder, engine execution.Engine, bus eventbus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg.normalize(),
		store:  store,
		enc:    enc,
		engine: engine,
		bus:    bus,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	meter := otel.Meter("orchestrator")
	o.fillCounter, _ = meter.Int64Counter("orchestrator.fills",
		metric.WithDescription("Fill operations by outcome"),
		metric.WithUnit("{operation}"))
	o.finalizeCounter, _ = meter.Int64Counter("orchestrator.finalizations",
		metric.WithDescription("Finalize operations by outcome"),
		metric.WithUnit("{operation}"))

	return o
}

// Fill delivers the order's promised output on the destination chain. A
// conflict from the reserve step means another worker holds the order; the
// caller treats that as benign.
func (o *Orchestrator) Fill(ctx context.Context, id uuid.UUID) error {
	ord, err := o.store.Transition(id, order.StatusPending, order.StatusProcessing, nil)
	if err != nil {
		return err
	}

	data, err := o.enc.EncodeFill(ord)
	if err != nil {
		return o.fail(ctx, id, o.fillCounter, eventbus.TypeOrderFailed, err)
	}

	txRef, err := o.execute(ctx, execution.Request{
		Chain:    execution.ChainDestination,
		To:       o.cfg.FillerAddress,
		CallData: data,
		Gas:      execution.GasParams{Limit: o.cfg.GasLimit, Price: o.cfg.GasPrice},
	}, ord)
	if err != nil {
		return o.fail(ctx, id, o.fillCounter, eventbus.TypeOrderFailed, err)
	}

	if _, err := o.store.Transition(id, order.StatusProcessing, order.StatusFilled, func(ord *order.Order) {
		ord.FillTxRef = txRef
	}); err != nil {
		return err
	}

	o.count(ctx, o.fillCounter, "success")
	o.publish(ctx, eventbus.TypeOrderFilled, id, txRef, nil)
	observability.Log().Info("order filled",
		observability.F("order", id.String()), observability.F("tx", txRef))
	return nil
}

// Finalize settles a filled order on the origin chain, claiming the locked
// inputs.
func (o *Orchestrator) Finalize(ctx context.Context, id uuid.UUID) error {
	ord, err := o.store.Transition(id, order.StatusFilled, order.StatusProcessing, nil)
	if err != nil {
		return err
	}
	return o.settle(ctx, ord)
}

// FinalizeReserved settles an order whose filled-to-processing reservation the
// caller already holds. The manual trigger reserves on the request path so a
// losing concurrent caller observes the conflict, then hands the order here.
func (o *Orchestrator) FinalizeReserved(ctx context.Context, id uuid.UUID) error {
	ord, err := o.store.Get(id)
	if err != nil {
		return err
	}
	if ord.Status != order.StatusProcessing {
		return errs.New("orchestrator/finalize", errs.CodeConflict,
			errs.WithMessage("order is not reserved for settlement"),
			errs.WithMeta("status", string(ord.Status)))
	}
	return o.settle(ctx, ord)
}

// settle runs the post-reservation half of finalization. Preconditions are
// checked here, after the reserve, so a violation parks the order in failed
// rather than looping forever.
func (o *Orchestrator) settle(ctx context.Context, ord order.Order) error {
	id := ord.ID

	if ord.FillTxRef == "" {
		return o.fail(ctx, id, o.finalizeCounter, eventbus.TypeOrderFailed,
			errs.New("orchestrator/finalize", errs.CodeExecution,
				errs.WithMessage("no fill transaction recorded")))
	}
	if !time.Unix(int64(ord.Intent.Expiry), 0).After(o.clock()) {
		return o.fail(ctx, id, o.finalizeCounter, eventbus.TypeOrderFailed,
			errs.New("orchestrator/finalize", errs.CodeExecution,
				errs.WithMessage("intent expired before settlement")))
	}

	data, err := o.enc.EncodeFinalize(ord)
	if err != nil {
		return o.fail(ctx, id, o.finalizeCounter, eventbus.TypeOrderFailed, err)
	}

	req := execution.Request{
		Chain:    execution.ChainOrigin,
		To:       o.cfg.SettlerAddress,
		CallData: data,
		Gas:      execution.GasParams{Limit: o.cfg.GasLimit, Price: o.cfg.GasPrice},
	}
	// Prefer a fresh estimate with headroom over the static limit.
	if limit, err := o.engine.EstimateGas(ctx, req); err == nil && limit > 0 {
		req.Gas.Limit = uint64(float64(limit) * o.cfg.GasBuffer)
	}

	txRef, err := o.execute(ctx, req, ord)
	if err != nil {
		return o.fail(ctx, id, o.finalizeCounter, eventbus.TypeOrderFailed, err)
	}

	if _, err := o.store.Transition(id, order.StatusProcessing, order.StatusFinalized, func(ord *order.Order) {
		ord.FinalizeTxRef = txRef
	}); err != nil {
		return err
	}

	o.count(ctx, o.finalizeCounter, "success")
	o.publish(ctx, eventbus.TypeOrderFinalized, id, txRef, nil)
	observability.Log().Info("order finalized",
		observability.F("order", id.String()), observability.F("tx", txRef))
	return nil
}

// execute submits the request and resolves async responses to a tx hash.
func (o *Orchestrator) execute(ctx context.Context, req execution.Request, ord order.Order) (string, error) {
	resp, err := o.engine.Submit(ctx, req, execution.ExecContext{
		Priority: o.priorityFor(ord),
		Timeout:  o.cfg.OpTimeout,
	})
	if err != nil {
		return "", err
	}
	if !resp.Async {
		return resp.TxRef, nil
	}
	return o.awaitAsync(ctx, req.Chain, resp.RequestID)
}

// awaitAsync polls the engine until the submission is terminal or the
// operation timeout lapses.
func (o *Orchestrator) awaitAsync(ctx context.Context, chain execution.Chain, requestID string) (string, error) {
	const op = "orchestrator/await"

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.cfg.AsyncPollInterval
	policy.MaxInterval = 15 * time.Second

	deadline := time.NewTimer(o.cfg.OpTimeout)
	defer deadline.Stop()

	for {
		update, err := o.engine.PollStatus(ctx, chain, requestID)
		if err == nil {
			switch update.Status {
			case execution.AsyncConfirmed:
				if update.TxRef == "" {
					return "", errs.New(op, errs.CodeExecution,
						errs.WithMessage("confirmed without a transaction hash"),
						errs.WithMeta("request_id", requestID))
				}
				return update.TxRef, nil
			case execution.AsyncFailed:
				return "", errs.New(op, errs.CodeExecution,
					errs.WithMessage("relayer reported failure"),
					errs.WithMeta("request_id", requestID),
					errs.WithMeta("reason", update.Reason))
			}
		} else {
			observability.Log().Debug("async status poll failed",
				observability.F("request_id", requestID), observability.F("error", err.Error()))
		}

		wait := time.NewTimer(policy.NextBackOff())
		select {
		case <-ctx.Done():
			wait.Stop()
			return "", errs.New(op, errs.CodeTimeout,
				errs.WithMessage("context cancelled awaiting confirmation"),
				errs.WithMeta("request_id", requestID), errs.WithCause(ctx.Err()))
		case <-deadline.C:
			wait.Stop()
			return "", errs.New(op, errs.CodeTimeout,
				errs.WithMessage("async confirmation timed out"),
				errs.WithMeta("request_id", requestID))
		case <-wait.C:
		}
	}
}

// fail parks the order in failed with the error's category and message, then
// broadcasts the failure. The original error is returned to the caller.
func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, counter metric.Int64Counter, evt eventbus.Type, cause error) error {
	detail := &order.ErrorDetail{Kind: errs.CodeOf(cause), Message: cause.Error()}
	if _, err := o.store.Transition(id, order.StatusProcessing, order.StatusFailed, func(ord *order.Order) {
		ord.ErrorDetail = detail
	}); err != nil {
		observability.Log().Error("failed to park order",
			observability.F("order", id.String()), observability.F("error", err.Error()))
	}

	o.count(ctx, counter, "failure")
	o.publish(ctx, evt, id, "", detail)
	observability.Log().Error("order operation failed",
		observability.F("order", id.String()),
		observability.F("kind", string(detail.Kind)),
		observability.F("error", cause.Error()))
	return cause
}

// priorityFor escalates urgency as the intent approaches expiry.
func (o *Orchestrator) priorityFor(ord order.Order) execution.Priority {
	until := time.Unix(int64(ord.Intent.Expiry), 0).Sub(o.clock())
	switch {
	case until <= 2*time.Minute:
		return execution.PriorityCritical
	case until <= 10*time.Minute:
		return execution.PriorityHigh
	default:
		return execution.PriorityNormal
	}
}

func (o *Orchestrator) count(ctx context.Context, counter metric.Int64Counter, outcome string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (o *Orchestrator) publish(ctx context.Context, evt eventbus.Type, id uuid.UUID, txRef string, detail *order.ErrorDetail) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(ctx, eventbus.Event{
		Type:    evt,
		OrderID: id,
		TxRef:   txRef,
		Detail:  detail,
		At:      o.clock(),
	})
}
