package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/crosslane/solver/internal/bus/eventbus"
	"github.com/crosslane/solver/internal/domain/order"
	"github.com/crosslane/solver/internal/domain/orderstore"
	"github.com/crosslane/solver/internal/signing"
)

// fakeFinalizer honors the Finalizer contract: it performs the reserving
// transition before accepting, so concurrent triggers resolve to one winner.
type fakeFinalizer struct {
	store *orderstore.Store
	mu    sync.Mutex
	ids   []uuid.UUID
}

func (f *fakeFinalizer) TriggerFinalize(_ context.Context, id uuid.UUID) error {
	if _, err := f.store.Transition(id, order.StatusFilled, order.StatusProcessing, nil); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeFinalizer) triggered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

type fixture struct {
	store     *orderstore.Store
	bus       *eventbus.MemoryBus
	finalizer *fakeFinalizer
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := orderstore.New()
	fx := &fixture{
		store:     store,
		bus:       eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8}),
		finalizer: &fakeFinalizer{store: store},
	}
	fx.handler = NewHandler(fx.store, signing.NewEIP191Verifier(), fx.bus, fx.finalizer)
	t.Cleanup(fx.bus.Close)
	return fx
}

func signedSubmission(t *testing.T) submitPayload {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	intent := order.Intent{
		User:          crypto.PubkeyToAddress(key.PublicKey),
		Nonce:         "1",
		OriginChainID: 31337,
		Expiry:        uint64(time.Now().Add(time.Hour).Unix()),
		FillDeadline:  uint64(time.Now().Add(time.Hour).Unix()),
		LocalOracle:   common.HexToAddress("0x0165878a594ca255338adfa4d48449f69242eb8f"),
		Inputs:        []order.Input{{TokenID: "7", Amount: "100"}},
		Outputs: []order.Output{{
			RemoteOracle: common.HexToAddress("0xe7f1725e7734ce288f8367e1bb143e90bb3f0512"),
			RemoteFiller: common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3"),
			ChainID:      31338,
			Token:        common.HexToAddress("0x9fe46736679d2d9a65f0992f2272de9f3c7fa6e0"),
			Amount:       "99",
			Recipient:    crypto.PubkeyToAddress(key.PublicKey),
		}},
	}
	digest, err := signing.IntentDigest(intent)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return submitPayload{Intent: intent, Signature: sig}
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func (fx *fixture) submit(t *testing.T) order.Order {
	t.Helper()
	payload := signedSubmission(t)
	rec := fx.do(t, http.MethodPost, ordersPath, payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body %s", rec.Code, rec.Body)
	}
	var view order.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	o, err := fx.store.Get(view.ID)
	if err != nil {
		t.Fatalf("get submitted order: %v", err)
	}
	return o
}

func (fx *fixture) forceStatus(t *testing.T, id uuid.UUID, target order.Status) {
	t.Helper()
	steps := map[order.Status][][2]order.Status{
		order.StatusFilled: {
			{order.StatusPending, order.StatusProcessing},
			{order.StatusProcessing, order.StatusFilled},
		},
		order.StatusFailed: {
			{order.StatusPending, order.StatusProcessing},
			{order.StatusProcessing, order.StatusFailed},
		},
	}[target]
	for _, edge := range steps {
		if _, err := fx.store.Transition(id, edge[0], edge[1], nil); err != nil {
			t.Fatalf("transition %s->%s: %v", edge[0], edge[1], err)
		}
	}
}

func TestSubmitOrder(t *testing.T) {
	fx := newFixture(t)
	_, events := fx.bus.Subscribe()

	o := fx.submit(t)
	if o.Status != order.StatusPending {
		t.Errorf("status = %s, want pending", o.Status)
	}

	select {
	case evt := <-events:
		if evt.Type != eventbus.TypeOrderReceived || evt.OrderID != o.ID {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Error("no order_received event")
	}
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	fx := newFixture(t)
	payload := signedSubmission(t)
	payload.Signature[10] ^= 0xff

	rec := fx.do(t, http.MethodPost, ordersPath, payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if len(fx.store.List()) != 0 {
		t.Error("order stored despite bad signature")
	}
}

func TestSubmitRejectsMissingSignature(t *testing.T) {
	fx := newFixture(t)
	payload := signedSubmission(t)
	payload.Signature = nil

	rec := fx.do(t, http.MethodPost, ordersPath, payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitRejectsExpiredIntent(t *testing.T) {
	fx := newFixture(t)
	payload := signedSubmission(t)
	payload.Intent.Expiry = uint64(time.Now().Add(-time.Hour).Unix())

	// Signature no longer matches the mutated intent either way; both
	// failures map to 400.
	rec := fx.do(t, http.MethodPost, ordersPath, payload)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	fx := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, ordersPath, strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetOrder(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)

	rec := fx.do(t, http.MethodGet, orderDetailPrefix+o.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view order.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != o.ID || view.Status != order.StatusPending {
		t.Errorf("view = %+v", view)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, orderDetailPrefix+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetOrderInvalidID(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, orderDetailPrefix+"not-a-uuid", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListOrders(t *testing.T) {
	fx := newFixture(t)
	fx.submit(t)
	fx.submit(t)

	rec := fx.do(t, http.MethodGet, ordersPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Orders []order.View `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Orders) != 2 {
		t.Errorf("orders = %d, want 2", len(payload.Orders))
	}
}

func TestQueueStatus(t *testing.T) {
	fx := newFixture(t)
	a := fx.submit(t)
	fx.submit(t)
	fx.forceStatus(t, a.ID, order.StatusFilled)

	rec := fx.do(t, http.MethodGet, queuePath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var qs orderstore.QueueStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &qs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if qs.Total != 2 || qs.Pending != 1 || qs.Filled != 1 {
		t.Errorf("queue = %+v", qs)
	}
}

func TestFinalizeFilledOrder(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)
	fx.forceStatus(t, o.ID, order.StatusFilled)

	rec := fx.do(t, http.MethodPost, orderDetailPrefix+o.ID.String()+"/finalize", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if fx.finalizer.triggered() != 1 {
		t.Errorf("finalizer triggered %d times", fx.finalizer.triggered())
	}
}

func TestFinalizeConcurrentRequestsOneWinner(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)
	fx.forceStatus(t, o.ID, order.StatusFilled)

	const callers = 8
	codes := make(chan int, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			req := httptest.NewRequest(http.MethodPost, orderDetailPrefix+o.ID.String()+"/finalize", nil)
			rec := httptest.NewRecorder()
			fx.handler.ServeHTTP(rec, req)
			codes <- rec.Code
		}()
	}
	close(start)
	wg.Wait()
	close(codes)

	accepted, conflicted := 0, 0
	for code := range codes {
		switch code {
		case http.StatusAccepted:
			accepted++
		case http.StatusConflict:
			conflicted++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if accepted != 1 || conflicted != callers-1 {
		t.Errorf("accepted=%d conflicted=%d, want exactly one acceptance", accepted, conflicted)
	}
	if fx.finalizer.triggered() != 1 {
		t.Errorf("finalizer triggered %d times, want 1", fx.finalizer.triggered())
	}
}

func TestFinalizeFailedOrderRequeues(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)
	fx.forceStatus(t, o.ID, order.StatusFailed)

	rec := fx.do(t, http.MethodPost, orderDetailPrefix+o.ID.String()+"/finalize", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	got, err := fx.store.Get(o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != order.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if fx.finalizer.triggered() != 0 {
		t.Error("failed order must not reach the finalizer")
	}
}

func TestFinalizePendingOrderConflicts(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)

	rec := fx.do(t, http.MethodPost, orderDetailPrefix+o.ID.String()+"/finalize", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequeueFailedOrder(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)
	fx.forceStatus(t, o.ID, order.StatusFailed)

	rec := fx.do(t, http.MethodPost, orderDetailPrefix+o.ID.String()+"/requeue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	got, _ := fx.store.Get(o.ID)
	if got.Status != order.StatusPending || got.ErrorDetail != nil {
		t.Errorf("order = %+v", got.View())
	}
}

func TestRequeuePendingOrderConflicts(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)

	rec := fx.do(t, http.MethodPost, orderDetailPrefix+o.ID.String()+"/requeue", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnsupportedAction(t *testing.T) {
	fx := newFixture(t)
	o := fx.submit(t)

	rec := fx.do(t, http.MethodPost, orderDetailPrefix+o.ID.String()+"/explode", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodDelete, ordersPath, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Errorf("Allow header = %q", allow)
	}
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, healthPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
