package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/bus/eventbus"
	"github.com/crosslane/solver/internal/domain/order"
	"github.com/crosslane/solver/internal/domain/orderstore"
	"github.com/crosslane/solver/internal/encoding"
	"github.com/crosslane/solver/internal/execution"
)

type fakeEngine struct {
	submitResp  execution.Response
	submitErr   error
	pollUpdates []execution.StatusUpdate
	pollErr     error
	estimate    uint64
	estimateErr error

	submits  int
	polls    int
	lastReq  execution.Request
	lastExec execution.ExecContext
}

func (f *fakeEngine) Submit(_ context.Context, req execution.Request, ec execution.ExecContext) (execution.Response, error) {
	f.submits++
	f.lastReq = req
	f.lastExec = ec
	return f.submitResp, f.submitErr
}

func (f *fakeEngine) PollStatus(context.Context, execution.Chain, string) (execution.StatusUpdate, error) {
	if f.pollErr != nil {
		return execution.StatusUpdate{}, f.pollErr
	}
	idx := f.polls
	if idx >= len(f.pollUpdates) {
		idx = len(f.pollUpdates) - 1
	}
	f.polls++
	return f.pollUpdates[idx], nil
}

func (f *fakeEngine) EstimateGas(context.Context, execution.Request) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeEngine) SupportsStaticCall() bool { return false }

func (f *fakeEngine) StaticCall(context.Context, execution.Request) ([]byte, error) {
	return nil, errs.NotSupported("fake", "no static calls")
}

func (f *fakeEngine) Transport() execution.Transport { return execution.TransportDirect }
func (f *fakeEngine) Description() string            { return "fake" }

func testIntent(expiry time.Time) order.Intent {
	return order.Intent{
		User:          common.HexToAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"),
		Nonce:         "1",
		OriginChainID: 31337,
		Expiry:        uint64(expiry.Unix()),
		FillDeadline:  uint64(expiry.Unix()),
		LocalOracle:   common.HexToAddress("0x0165878a594ca255338adfa4d48449f69242eb8f"),
		Inputs:        []order.Input{{TokenID: "7", Amount: "100"}},
		Outputs: []order.Output{{
			RemoteOracle: common.HexToAddress("0xe7f1725e7734ce288f8367e1bb143e90bb3f0512"),
			RemoteFiller: common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"),
			ChainID:      31338,
			Token:        common.HexToAddress("0x9fe46736679d2d9a65f0992f2272de9f3c7fa6e0"),
			Amount:       "99",
			Recipient:    common.HexToAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"),
		}},
	}
}

type fixture struct {
	store  *orderstore.Store
	engine *fakeEngine
	bus    *eventbus.MemoryBus
	events <-chan eventbus.Event
	orch   *Orchestrator
}

func newFixture(t *testing.T, engine *fakeEngine, opts ...Option) *fixture {
	t.Helper()
	store := orderstore.New()
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 16})
	t.Cleanup(bus.Close)
	_, events := bus.Subscribe()

	enc, err := encoding.NewABIEncoder(common.HexToAddress("0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"))
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	cfg := Config{
		SettlerAddress: common.HexToAddress("0x5fc8d32690cc91d4c39d9d3abcbd16989f875707"),
		FillerAddress:  common.HexToAddress("0xcf7ed3acca5a467e9e704c703e8d87f634fb0fc9"),
		GasLimit:       500_000,
	}
	return &fixture{
		store:  store,
		engine: engine,
		bus:    bus,
		events: events,
		orch:   New(cfg, store, enc, engine, bus, opts...),
	}
}

func (f *fixture) submit(t *testing.T, intent order.Intent) order.Order {
	t.Helper()
	o, err := f.store.Submit(intent, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return o
}

func (f *fixture) expectEvent(t *testing.T, want eventbus.Type) eventbus.Event {
	t.Helper()
	select {
	case evt := <-f.events:
		if evt.Type != want {
			t.Fatalf("event = %s, want %s", evt.Type, want)
		}
		return evt
	case <-time.After(time.Second):
		t.Fatalf("no %s event", want)
		return eventbus.Event{}
	}
}

func TestFillImmediate(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill")}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Fill(context.Background(), o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFilled || got.FillTxRef != "0xfill" {
		t.Errorf("order = %s tx=%s", got.Status, got.FillTxRef)
	}
	if engine.lastReq.Chain != execution.ChainDestination {
		t.Errorf("fill targeted %s, want destination", engine.lastReq.Chain)
	}
	evt := fx.expectEvent(t, eventbus.TypeOrderFilled)
	if evt.OrderID != o.ID || evt.TxRef != "0xfill" {
		t.Errorf("event = %+v", evt)
	}
}

func TestFillConflictLeavesOrderAlone(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill")}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if _, err := fx.store.Transition(o.ID, order.StatusPending, order.StatusProcessing, nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := fx.orch.Fill(context.Background(), o.ID)
	if !errs.HasCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if engine.submits != 0 {
		t.Error("engine must not be called on a lost reservation")
	}
}

func TestFillEncodingErrorParksOrder(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill")}
	fx := newFixture(t, engine)
	intent := testIntent(time.Now().Add(time.Hour))
	intent.Outputs[0].Amount = "not-a-number"
	o := fx.submit(t, intent)

	err := fx.orch.Fill(context.Background(), o.ID)
	if !errs.HasCode(err, errs.CodeEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorDetail == nil || got.ErrorDetail.Kind != errs.CodeEncoding {
		t.Errorf("error detail = %+v", got.ErrorDetail)
	}
	fx.expectEvent(t, eventbus.TypeOrderFailed)
}

func TestFillEngineErrorParksOrder(t *testing.T) {
	engine := &fakeEngine{submitErr: errs.New("fake", errs.CodeExecution, errs.WithMessage("reverted"))}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Fill(context.Background(), o.ID); !errs.HasCode(err, errs.CodeExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFailed || got.ErrorDetail == nil || got.ErrorDetail.Kind != errs.CodeExecution {
		t.Errorf("order = %s detail=%+v", got.Status, got.ErrorDetail)
	}
}

func TestFillAsyncConfirmed(t *testing.T) {
	engine := &fakeEngine{
		submitResp: execution.Pending("req-1", execution.AsyncQueued),
		pollUpdates: []execution.StatusUpdate{
			{Status: execution.AsyncSubmitted},
			{Status: execution.AsyncConfirmed, TxRef: "0xasync"},
		},
	}
	fx := newFixture(t, engine)
	fx.orch.cfg.AsyncPollInterval = time.Millisecond
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Fill(context.Background(), o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFilled || got.FillTxRef != "0xasync" {
		t.Errorf("order = %s tx=%s", got.Status, got.FillTxRef)
	}
}

func TestFillAsyncTimeout(t *testing.T) {
	engine := &fakeEngine{
		submitResp:  execution.Pending("req-2", execution.AsyncQueued),
		pollUpdates: []execution.StatusUpdate{{Status: execution.AsyncQueued}},
	}
	fx := newFixture(t, engine)
	fx.orch.cfg.OpTimeout = 20 * time.Millisecond
	fx.orch.cfg.AsyncPollInterval = 5 * time.Millisecond
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Fill(context.Background(), o.ID); !errs.HasCode(err, errs.CodeTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFailed || got.ErrorDetail == nil || got.ErrorDetail.Kind != errs.CodeTimeout {
		t.Errorf("order = %s detail=%+v", got.Status, got.ErrorDetail)
	}
}

func TestFinalizeHappyPath(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill"), estimate: 100_000}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Fill(context.Background(), o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	fx.expectEvent(t, eventbus.TypeOrderFilled)

	engine.submitResp = execution.Immediate("0xfinal")
	if err := fx.orch.Finalize(context.Background(), o.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFinalized || got.FinalizeTxRef != "0xfinal" {
		t.Errorf("order = %s tx=%s", got.Status, got.FinalizeTxRef)
	}
	if engine.lastReq.Chain != execution.ChainOrigin {
		t.Errorf("finalize targeted %s, want origin", engine.lastReq.Chain)
	}
	// Estimate of 100k with the default 1.2 buffer.
	if engine.lastReq.Gas.Limit != 120_000 {
		t.Errorf("gas limit = %d, want buffered 120000", engine.lastReq.Gas.Limit)
	}
	fx.expectEvent(t, eventbus.TypeOrderFinalized)
}

func TestFinalizeWithoutFillTxRef(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfinal")}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	// Force the order into filled without recording a fill tx.
	if _, err := fx.store.Transition(o.ID, order.StatusPending, order.StatusProcessing, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.store.Transition(o.ID, order.StatusProcessing, order.StatusFilled, nil); err != nil {
		t.Fatal(err)
	}

	if err := fx.orch.Finalize(context.Background(), o.ID); !errs.HasCode(err, errs.CodeExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if engine.submits != 0 {
		t.Error("nothing should reach the engine without a fill tx ref")
	}
}

func TestFinalizeExpiredIntent(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill")}
	now := time.Now()
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(now.Add(time.Minute)))

	if err := fx.orch.Fill(context.Background(), o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Move the clock past expiry before settling.
	fx.orch.clock = func() time.Time { return now.Add(2 * time.Minute) }
	if err := fx.orch.Finalize(context.Background(), o.ID); !errs.HasCode(err, errs.CodeExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestFinalizeConflictWhenNotFilled(t *testing.T) {
	engine := &fakeEngine{}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Finalize(context.Background(), o.ID); !errs.HasCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict for pending order, got %v", err)
	}
}

func TestFinalizeReservedSettles(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill")}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.Fill(context.Background(), o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	fx.expectEvent(t, eventbus.TypeOrderFilled)

	// The caller holds the reservation, as the manual trigger does.
	if _, err := fx.store.Transition(o.ID, order.StatusFilled, order.StatusProcessing, nil); err != nil {
		t.Fatal(err)
	}
	engine.submitResp = execution.Immediate("0xfinal")
	if err := fx.orch.FinalizeReserved(context.Background(), o.ID); err != nil {
		t.Fatalf("finalize reserved: %v", err)
	}

	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusFinalized || got.FinalizeTxRef != "0xfinal" {
		t.Errorf("order = %s tx=%s", got.Status, got.FinalizeTxRef)
	}
	fx.expectEvent(t, eventbus.TypeOrderFinalized)
}

func TestFinalizeReservedRequiresReservation(t *testing.T) {
	engine := &fakeEngine{}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(time.Hour)))

	if err := fx.orch.FinalizeReserved(context.Background(), o.ID); !errs.HasCode(err, errs.CodeConflict) {
		t.Fatalf("expected conflict for an unreserved order, got %v", err)
	}
	if engine.submits != 0 {
		t.Error("engine must not be called without a reservation")
	}
}

func TestFinalizeUnknownOrder(t *testing.T) {
	fx := newFixture(t, &fakeEngine{})
	if err := fx.orch.Finalize(context.Background(), uuid.New()); !errs.HasCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPriorityEscalatesNearExpiry(t *testing.T) {
	engine := &fakeEngine{submitResp: execution.Immediate("0xfill")}
	fx := newFixture(t, engine)
	o := fx.submit(t, testIntent(time.Now().Add(5*time.Minute)))

	if err := fx.orch.Fill(context.Background(), o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if engine.lastExec.Priority != execution.PriorityHigh {
		t.Errorf("priority = %s, want high for a 5-minute expiry window", engine.lastExec.Priority)
	}
}
