// Package order defines the cross-chain exchange order model and its
// lifecycle state machine.
package order

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/crosslane/solver/errs"
)

// Status tracks an order through its lifecycle.
type Status string

const (
	// StatusPending marks a submitted order awaiting fill.
	StatusPending Status = "pending"
	// StatusProcessing marks an order with a fill or finalize operation in flight.
	StatusProcessing Status = "processing"
	// StatusFilled marks an order whose destination-chain fill succeeded.
	StatusFilled Status = "filled"
	// StatusFinalized marks a settled order. Terminal.
	StatusFinalized Status = "finalized"
	// StatusFailed marks an order whose operation failed. Recovered only by requeue.
	StatusFailed Status = "failed"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusFilled, StatusFinalized, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFinalized
}

// CanTransition reports whether the lifecycle edge from→to exists.
// The full edge set:
//
//	pending    → processing   (begin fill)
//	processing → filled       (fill succeeded)
//	filled     → processing   (begin finalize)
//	processing → finalized    (finalize succeeded, terminal)
//	processing → failed       (operation failed)
//	failed     → pending      (manual requeue)
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusFilled || to == StatusFinalized || to == StatusFailed
	case StatusFilled:
		return to == StatusProcessing
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// Input identifies a locked origin-chain resource. TokenID and Amount are
// uint256 decimal strings; width is enforced at encoding time.
type Input struct {
	TokenID string `json:"tokenId"`
	Amount  string `json:"amount"`
}

// Output describes a destination-chain delivery promised by the intent.
type Output struct {
	RemoteOracle       common.Address `json:"remoteOracle"`
	RemoteFiller       common.Address `json:"remoteFiller"`
	ChainID            uint64         `json:"chainId"`
	Token              common.Address `json:"token"`
	Amount             string         `json:"amount"`
	Recipient          common.Address `json:"recipient"`
	RemoteCall         hexutil.Bytes  `json:"remoteCall,omitempty"`
	FulfillmentContext hexutil.Bytes  `json:"fulfillmentContext,omitempty"`
}

// Intent is the immutable signed payload of an order. It is never mutated
// after submission.
type Intent struct {
	User          common.Address `json:"user"`
	Nonce         string         `json:"nonce"`
	OriginChainID uint64         `json:"originChainId"`
	Expiry        uint64         `json:"expires"`
	FillDeadline  uint64         `json:"fillDeadline"`
	LocalOracle   common.Address `json:"localOracle"`
	Inputs        []Input        `json:"inputs"`
	Outputs       []Output       `json:"outputs"`
}

// DestinationChainID returns the chain targeted by the first output.
func (i Intent) DestinationChainID() uint64 {
	if len(i.Outputs) == 0 {
		return 0
	}
	return i.Outputs[0].ChainID
}

// Validate checks that every required intent field is present and the intent
// has not expired relative to now.
func (i Intent) Validate(now time.Time) error {
	const op = "order/validate"
	if i.User == (common.Address{}) {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("user address required"))
	}
	if strings.TrimSpace(i.Nonce) == "" {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("nonce required"))
	}
	if _, ok := new(big.Int).SetString(i.Nonce, 10); !ok {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("nonce must be a decimal integer"))
	}
	if i.OriginChainID == 0 {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("origin chain id required"))
	}
	if len(i.Inputs) == 0 {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("at least one input required"))
	}
	if len(i.Outputs) == 0 {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("at least one output required"))
	}
	for _, out := range i.Outputs {
		if out.ChainID == 0 {
			return errs.New(op, errs.CodeValidation, errs.WithMessage("output chain id required"))
		}
		if strings.TrimSpace(out.Amount) == "" {
			return errs.New(op, errs.CodeValidation, errs.WithMessage("output amount required"))
		}
	}
	if i.Expiry == 0 || !time.Unix(int64(i.Expiry), 0).After(now) {
		return errs.New(op, errs.CodeValidation, errs.WithMessage("intent expired"),
			errs.WithMeta("expires", time.Unix(int64(i.Expiry), 0).UTC().Format(time.RFC3339)))
	}
	return nil
}

// clone deep-copies the intent's slices so callers cannot alias store state.
func (i Intent) clone() Intent {
	c := i
	if i.Inputs != nil {
		c.Inputs = make([]Input, len(i.Inputs))
		copy(c.Inputs, i.Inputs)
	}
	if i.Outputs != nil {
		c.Outputs = make([]Output, len(i.Outputs))
		for idx, out := range i.Outputs {
			o := out
			if out.RemoteCall != nil {
				o.RemoteCall = append(hexutil.Bytes(nil), out.RemoteCall...)
			}
			if out.FulfillmentContext != nil {
				o.FulfillmentContext = append(hexutil.Bytes(nil), out.FulfillmentContext...)
			}
			c.Outputs[idx] = o
		}
	}
	return c
}

// ErrorDetail records why an order reached the failed state.
type ErrorDetail struct {
	Kind    errs.Code `json:"kind"`
	Message string    `json:"message"`
}

// Order is the unit of work tracked by the store. Mutation happens only
// through the store's transition operation.
type Order struct {
	ID            uuid.UUID     `json:"id"`
	Intent        Intent        `json:"intent"`
	Signature     hexutil.Bytes `json:"signature"`
	Status        Status        `json:"status"`
	FillTxRef     string        `json:"fillTxRef,omitempty"`
	FinalizeTxRef string        `json:"finalizeTxRef,omitempty"`
	ErrorDetail   *ErrorDetail  `json:"errorDetail,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// New creates a pending order for the given intent and maker signature.
func New(intent Intent, signature []byte, now time.Time) Order {
	return Order{
		ID:        uuid.New(),
		Intent:    intent.clone(),
		Signature: append(hexutil.Bytes(nil), signature...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to hand to callers.
func (o Order) Clone() Order {
	c := o
	c.Intent = o.Intent.clone()
	if o.Signature != nil {
		c.Signature = append(hexutil.Bytes(nil), o.Signature...)
	}
	if o.ErrorDetail != nil {
		detail := *o.ErrorDetail
		c.ErrorDetail = &detail
	}
	return c
}

// View is the immutable projection exposed to external callers.
type View struct {
	ID            uuid.UUID    `json:"id"`
	Status        Status       `json:"status"`
	FillTxRef     string       `json:"fillTxRef,omitempty"`
	FinalizeTxRef string       `json:"finalizeTxRef,omitempty"`
	ErrorDetail   *ErrorDetail `json:"errorDetail,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// View projects the order for external consumption.
func (o Order) View() View {
	v := View{
		ID:            o.ID,
		Status:        o.Status,
		FillTxRef:     o.FillTxRef,
		FinalizeTxRef: o.FinalizeTxRef,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.ErrorDetail != nil {
		detail := *o.ErrorDetail
		v.ErrorDetail = &detail
	}
	return v
}
