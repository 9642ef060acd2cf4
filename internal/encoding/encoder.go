// Package encoding builds contract call data for the two on-chain operations
// of the order lifecycle: the destination-chain fill and the origin-chain
// settlement.
package encoding

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/domain/order"
)

// KindABI selects the go-ethereum accounts/abi encoder.
const KindABI = "abi"

// Encoder produces call data for a given order. Encoding is deterministic:
// the same order snapshot always yields byte-identical output.
type Encoder interface {
	EncodeFill(o order.Order) ([]byte, error)
	EncodeFinalize(o order.Order) ([]byte, error)
	Description() string
}

// New constructs the encoder identified by kind. An empty kind selects the
// ABI encoder.
func New(kind string, solver common.Address) (Encoder, error) {
	switch kind {
	case "", KindABI:
		return NewABIEncoder(solver)
	default:
		return nil, errs.New("encoding/new", errs.CodeValidation,
			errs.WithMessage("unknown encoder kind"), errs.WithMeta("kind", kind))
	}
}
