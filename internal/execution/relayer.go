package execution

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/goccy/go-json"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/observability"
)

// RelayerConfig configures the relayer-backed engine.
type RelayerConfig struct {
	BaseURL string
	APIKey  string
	// ChainEndpoints maps chain roles to the relayer's per-network path
	// segment, e.g. origin -> "sepolia".
	ChainEndpoints map[Chain]string
	// Timeout bounds the synchronous completion wait. Defaults to 300s.
	Timeout time.Duration
	// UseAsync makes Submit return immediately with a request id instead of
	// waiting for confirmation.
	UseAsync bool
	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

func (c RelayerConfig) normalize() RelayerConfig {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

type relayRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	GasLimit uint64 `json:"gas_limit,omitempty"`
	GasPrice uint64 `json:"gas_price,omitempty"`
	Speed    string `json:"speed,omitempty"`
	Value    string `json:"value"`
}

type relayResponse struct {
	TransactionID string `json:"transaction_id"`
	Hash          string `json:"hash"`
	Status        string `json:"status"`
}

type relayStatusResponse struct {
	TransactionID string `json:"transaction_id"`
	Hash          string `json:"hash"`
	Status        string `json:"status"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RelayerEngine submits calls through an external relayer HTTP API that signs
// and manages gas on the solver's behalf.
type RelayerEngine struct {
	cfg RelayerConfig
}

// NewRelayerEngine validates the configuration; no network traffic happens
// until Probe or Submit.
func NewRelayerEngine(cfg RelayerConfig) (*RelayerEngine, error) {
	const op = "execution/relayer"
	cfg = cfg.normalize()
	if cfg.BaseURL == "" {
		return nil, errs.New(op, errs.CodeValidation, errs.WithMessage("relayer base url required"))
	}
	if len(cfg.ChainEndpoints) == 0 {
		return nil, errs.New(op, errs.CodeValidation, errs.WithMessage("at least one chain endpoint required"))
	}
	return &RelayerEngine{cfg: cfg}, nil
}

func (e *RelayerEngine) Transport() Transport { return TransportRelayer }

func (e *RelayerEngine) Description() string {
	mode := "sync"
	if e.cfg.UseAsync {
		mode = "async"
	}
	return "relayer: delegated signing and gas management, " + mode + " completion"
}

// speedFor maps execution priority onto the relayer's speed setting.
func speedFor(p Priority) string {
	switch p {
	case PriorityCritical:
		return "fastest"
	case PriorityHigh:
		return "fast"
	case PriorityLow:
		return "safest"
	default:
		return "average"
	}
}

func (e *RelayerEngine) endpoint(op string, chain Chain) (string, error) {
	segment, ok := e.cfg.ChainEndpoints[chain]
	if !ok {
		return "", errs.New(op, errs.CodeValidation,
			errs.WithMessage("chain not configured on relayer"), errs.WithMeta("chain", string(chain)))
	}
	return e.cfg.BaseURL + "/" + segment + "/transactions", nil
}

func (e *RelayerEngine) do(ctx context.Context, op, method, url string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.New(op, errs.CodeEncoding,
				errs.WithMessage("request marshal failed"), errs.WithCause(err))
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return errs.New(op, errs.CodeExecution,
			errs.WithMessage("request build failed"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("relayer unreachable"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New(op, errs.CodeExecution,
			errs.WithMessage("response read failed"), errs.WithCause(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New(op, errs.CodeExecution,
			errs.WithMessage("relayer rejected request"),
			errs.WithMeta("status", resp.Status),
			errs.WithMeta("body", strings.TrimSpace(string(raw))))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(op, errs.CodeEncoding,
			errs.WithMessage("response unmarshal failed"), errs.WithCause(err))
	}
	return nil
}

// Submit posts the call to the relayer. In async mode the response carries
// the relayer's request id; otherwise Submit polls until confirmation.
func (e *RelayerEngine) Submit(ctx context.Context, req Request, ec ExecContext) (Response, error) {
	const op = "execution/relayer/submit"
	url, err := e.endpoint(op, req.Chain)
	if err != nil {
		return Response{}, err
	}

	body := relayRequest{
		To:    req.To.Hex(),
		Data:  hexutil.Encode(req.CallData),
		Speed: speedFor(ec.Priority),
		Value: "0",
	}
	body.GasLimit = req.Gas.Limit
	if req.Gas.Price != nil && req.Gas.Price.IsUint64() {
		body.GasPrice = req.Gas.Price.Uint64()
	}

	var relayed relayResponse
	if err := e.do(ctx, op, http.MethodPost, url, body, &relayed); err != nil {
		return Response{}, err
	}
	if relayed.TransactionID == "" {
		return Response{}, errs.New(op, errs.CodeExecution,
			errs.WithMessage("relayer returned no transaction id"))
	}

	observability.Log().Debug("relayer accepted transaction",
		observability.F("chain", string(req.Chain)),
		observability.F("request_id", relayed.TransactionID),
		observability.F("status", relayed.Status))

	if e.cfg.UseAsync {
		return Pending(relayed.TransactionID, mapRelayerStatus(relayed.Status)), nil
	}

	timeout := ec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	return e.waitForCompletion(ctx, req.Chain, relayed.TransactionID, timeout)
}

// waitForCompletion polls the relayer with exponential backoff until the
// submission reaches a terminal status or the timeout lapses.
func (e *RelayerEngine) waitForCompletion(ctx context.Context, chain Chain, requestID string, timeout time.Duration) (Response, error) {
	const op = "execution/relayer/wait"

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		update, err := e.PollStatus(ctx, chain, requestID)
		if err == nil {
			switch update.Status {
			case AsyncConfirmed:
				if update.TxRef == "" {
					return Response{}, errs.New(op, errs.CodeExecution,
						errs.WithMessage("confirmed without a transaction hash"),
						errs.WithMeta("request_id", requestID))
				}
				return Immediate(update.TxRef), nil
			case AsyncFailed:
				return Response{}, errs.New(op, errs.CodeExecution,
					errs.WithMessage("relayer reported failure"),
					errs.WithMeta("request_id", requestID),
					errs.WithMeta("reason", update.Reason))
			}
		} else {
			// Transient poll errors are retried until the deadline.
			observability.Log().Debug("relayer status poll failed",
				observability.F("request_id", requestID), observability.F("error", err.Error()))
		}

		wait := time.NewTimer(policy.NextBackOff())
		select {
		case <-ctx.Done():
			wait.Stop()
			return Response{}, errs.New(op, errs.CodeTimeout,
				errs.WithMessage("context cancelled awaiting relayer"),
				errs.WithMeta("request_id", requestID), errs.WithCause(ctx.Err()))
		case <-deadline.C:
			wait.Stop()
			return Response{}, errs.New(op, errs.CodeTimeout,
				errs.WithMessage("relayer completion wait timed out"),
				errs.WithMeta("request_id", requestID))
		case <-wait.C:
		}
	}
}

// PollStatus resolves the relayer's view of an async submission.
func (e *RelayerEngine) PollStatus(ctx context.Context, chain Chain, requestID string) (StatusUpdate, error) {
	const op = "execution/relayer/poll"
	url, err := e.endpoint(op, chain)
	if err != nil {
		return StatusUpdate{}, err
	}

	var status relayStatusResponse
	if err := e.do(ctx, op, http.MethodGet, url+"/"+requestID, nil, &status); err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{
		Status: mapRelayerStatus(status.Status),
		TxRef:  status.Hash,
		Reason: status.Error,
	}, nil
}

// mapRelayerStatus folds the relayer's status vocabulary into AsyncStatus.
// Unknown statuses count as queued.
func mapRelayerStatus(s string) AsyncStatus {
	switch strings.ToLower(s) {
	case "pending", "queued":
		return AsyncQueued
	case "processing", "submitted":
		return AsyncSubmitted
	case "mined", "confirmed":
		return AsyncConfirmed
	case "failed", "error":
		return AsyncFailed
	default:
		return AsyncQueued
	}
}

// Probe checks relayer reachability. Any HTTP answer below 500 counts as
// healthy; transport errors do not.
func (e *RelayerEngine) Probe(ctx context.Context) error {
	const op = "execution/relayer/probe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/health", nil)
	if err != nil {
		return errs.New(op, errs.CodeExecution,
			errs.WithMessage("probe build failed"), errs.WithCause(err))
	}
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("relayer unreachable"), errs.WithCause(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode >= 500 {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("relayer unhealthy"), errs.WithMeta("status", resp.Status))
	}
	return nil
}

// EstimateGas is unsupported: the relayer owns gas management.
func (e *RelayerEngine) EstimateGas(context.Context, Request) (uint64, error) {
	return 0, errs.NotSupported("execution/relayer/estimate", "relayer manages gas internally")
}

func (e *RelayerEngine) SupportsStaticCall() bool { return false }

// StaticCall is unsupported on the relayer transport.
func (e *RelayerEngine) StaticCall(context.Context, Request) ([]byte, error) {
	return nil, errs.NotSupported("execution/relayer/static", "relayer exposes no simulation endpoint")
}
