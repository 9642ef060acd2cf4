// Package execution submits contract calls to chains through interchangeable
// transports: a direct RPC engine signing with the solver key and a relayer
// engine delegating signing and gas management to an external service.
package execution

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain names which side of the order an operation targets.
type Chain string

const (
	// ChainOrigin is where the intent was created and settlement happens.
	ChainOrigin Chain = "origin"
	// ChainDestination is where the fill is delivered.
	ChainDestination Chain = "destination"
)

// Transport identifies how a transaction reaches the chain.
type Transport string

const (
	TransportDirect  Transport = "direct"
	TransportRelayer Transport = "relayer"
)

// Policy selects the transport at engine construction time.
type Policy string

const (
	PolicyDirect  Policy = "direct"
	PolicyRelayer Policy = "relayer"
	// PolicyHybrid prefers the relayer and falls back to direct exactly once,
	// at construction, when the relayer is unreachable.
	PolicyHybrid Policy = "hybrid"
)

// Priority hints how aggressively the transport should price the transaction.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// GasParams carries caller-chosen gas settings. Zero values defer to the
// engine's own estimation.
type GasParams struct {
	Limit uint64
	Price *big.Int
}

// ExecContext carries per-submission execution hints.
type ExecContext struct {
	Priority Priority
	Timeout  time.Duration
	Metadata map[string]string
}

// AsyncStatus is the lifecycle of a relayer-tracked transaction.
type AsyncStatus string

const (
	AsyncQueued    AsyncStatus = "queued"
	AsyncSubmitted AsyncStatus = "submitted"
	AsyncConfirmed AsyncStatus = "confirmed"
	AsyncFailed    AsyncStatus = "failed"
)

// Terminal reports whether the status admits no further polling.
func (s AsyncStatus) Terminal() bool {
	return s == AsyncConfirmed || s == AsyncFailed
}

// Request is a fully encoded contract call bound for one chain.
type Request struct {
	Chain    Chain
	To       common.Address
	CallData []byte
	Gas      GasParams
}

// Response is the outcome of a submission. Either TxRef is set and the
// transaction is confirmed, or Async is true and the caller polls with
// RequestID until a terminal status.
type Response struct {
	TxRef     string
	RequestID string
	Async     bool
	Status    AsyncStatus
}

// Immediate wraps a confirmed transaction hash.
func Immediate(txRef string) Response {
	return Response{TxRef: txRef, Status: AsyncConfirmed}
}

// Pending wraps a relayer request still in flight.
func Pending(requestID string, status AsyncStatus) Response {
	return Response{RequestID: requestID, Async: true, Status: status}
}

// StatusUpdate is one poll result for an async submission.
type StatusUpdate struct {
	Status AsyncStatus
	TxRef  string
	Reason string
}

// Engine submits encoded calls and tracks their completion.
type Engine interface {
	// Submit sends the call. Direct engines block until the receipt and
	// always return an immediate response.
	Submit(ctx context.Context, req Request, ec ExecContext) (Response, error)
	// PollStatus resolves the current state of an async submission.
	PollStatus(ctx context.Context, chain Chain, requestID string) (StatusUpdate, error)
	// EstimateGas asks the transport for a gas limit estimate.
	EstimateGas(ctx context.Context, req Request) (uint64, error)
	// SupportsStaticCall reports whether StaticCall is available.
	SupportsStaticCall() bool
	// StaticCall simulates the request without spending gas.
	StaticCall(ctx context.Context, req Request) ([]byte, error)
	Transport() Transport
	Description() string
}
