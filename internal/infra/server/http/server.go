// Package httpserver exposes the order intake and lifecycle control API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/bus/eventbus"
	"github.com/crosslane/solver/internal/domain/order"
	"github.com/crosslane/solver/internal/domain/orderstore"
	"github.com/crosslane/solver/internal/signing"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/api/v1/orders"
	orderDetailPrefix = ordersPath + "/"
	queuePath         = "/api/v1/queue"
	healthPath        = "/health"
)

// Finalizer accepts on-demand settlement requests for filled orders. The
// reserving transition completes before TriggerFinalize returns, so of
// concurrent requests for the same order exactly one is accepted and the rest
// fail with a conflict.
type Finalizer interface {
	TriggerFinalize(ctx context.Context, id uuid.UUID) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	store     *orderstore.Store
	verifier  signing.Verifier
	bus       eventbus.Bus
	finalizer Finalizer
}

type submitPayload struct {
	Intent    order.Intent  `json:"intent"`
	Signature hexutil.Bytes `json:"signature"`
}

// NewHandler wires the solver API routes onto a fresh mux.
func NewHandler(store *orderstore.Store, verifier signing.Verifier, bus eventbus.Bus, finalizer Finalizer) http.Handler {
	server := &httpServer{store: store, verifier: verifier, bus: bus, finalizer: finalizer}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.submitOrder,
	}))
	mux.Handle(orderDetailPrefix, http.HandlerFunc(server.handleOrder))
	mux.Handle(queuePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.queueStatus,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.QueueStatus())
}

func (s *httpServer) listOrders(w http.ResponseWriter, _ *http.Request) {
	orders := s.store.List()
	views := make([]order.View, 0, len(orders))
	for _, o := range orders {
		views = append(views, o.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

func (s *httpServer) submitOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeSubmitPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(payload.Signature) == 0 {
		writeError(w, http.StatusBadRequest, "signature required")
		return
	}
	if err := s.verifier.Verify(payload.Intent, payload.Signature); err != nil {
		s.writeStoreError(w, err)
		return
	}

	o, err := s.store.Submit(payload.Intent, payload.Signature)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(r.Context(), eventbus.Event{
			Type:    eventbus.TypeOrderReceived,
			OrderID: o.ID,
			At:      o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusCreated, o.View())
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}

	rawID, action, hasAction := strings.Cut(rest, "/")
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid order id")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getOrder(w, id)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch strings.TrimSpace(action) {
	case "finalize":
		s.finalizeOrder(w, r, id)
	case "requeue":
		s.requeueOrder(w, id)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, id uuid.UUID) {
	o, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.View())
}

// finalizeOrder settles a filled order on demand, bypassing the monitor's
// finalization delay. The finalizer reserves the order before returning, so a
// request that loses the race gets 409 rather than a second acceptance. A
// failed order is requeued instead so the next sweep retries it from the
// start of the lifecycle.
func (s *httpServer) finalizeOrder(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	o, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	switch o.Status {
	case order.StatusFilled:
		if s.finalizer == nil {
			writeError(w, http.StatusServiceUnavailable, "finalizer unavailable")
			return
		}
		if err := s.finalizer.TriggerFinalize(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "finalization scheduled", "id": id.String(),
		})
	case order.StatusFailed:
		requeued, err := s.store.Requeue(id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, requeued.View())
	default:
		writeError(w, http.StatusConflict,
			fmt.Sprintf("order in status %q cannot be finalized", o.Status))
	}
}

func (s *httpServer) requeueOrder(w http.ResponseWriter, id uuid.UUID) {
	o, err := s.store.Requeue(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o.View())
}

func (s *httpServer) writeStoreError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeSubmitPayload(r *http.Request) (submitPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload submitPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
