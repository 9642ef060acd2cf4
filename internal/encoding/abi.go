package encoding

import (
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/domain/order"
)

// abiMandateOutput mirrors the MandateOutput tuple of the filler and settler
// contracts. Field names follow the component names for reflection packing.
type abiMandateOutput struct {
	RemoteOracle       [32]byte
	RemoteFiller       [32]byte
	ChainId            *big.Int
	Token              [32]byte
	Amount             *big.Int
	Recipient          [32]byte
	RemoteCall         []byte
	FulfillmentContext []byte
}

type abiInput struct {
	TokenId *big.Int
	Amount  *big.Int
}

type abiStandardOrder struct {
	User          common.Address
	Nonce         *big.Int
	OriginChainId *big.Int
	Expires       *big.Int
	FillDeadline  *big.Int
	LocalOracle   common.Address
	Inputs        []abiInput
	Outputs       []abiMandateOutput
}

// ABIEncoder encodes CoinFiller.fill and SettlerCompact.finalise call data
// with statically constructed go-ethereum ABI methods. The solver address
// fills the proposedSolver, solvers and destination words.
type ABIEncoder struct {
	solver   common.Address
	fill     abi.Method
	finalise abi.Method
}

// NewABIEncoder constructs the encoder and builds both method ABIs once.
func NewABIEncoder(solver common.Address) (*ABIEncoder, error) {
	const op = "encoding/abi"

	mandateOutput := []abi.ArgumentMarshaling{
		{Name: "remoteOracle", Type: "bytes32"},
		{Name: "remoteFiller", Type: "bytes32"},
		{Name: "chainId", Type: "uint256"},
		{Name: "token", Type: "bytes32"},
		{Name: "amount", Type: "uint256"},
		{Name: "recipient", Type: "bytes32"},
		{Name: "remoteCall", Type: "bytes"},
		{Name: "fulfillmentContext", Type: "bytes"},
	}
	standardOrder := []abi.ArgumentMarshaling{
		{Name: "user", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "originChainId", Type: "uint256"},
		{Name: "expires", Type: "uint256"},
		{Name: "fillDeadline", Type: "uint256"},
		{Name: "localOracle", Type: "address"},
		{Name: "inputs", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "tokenId", Type: "uint256"},
			{Name: "amount", Type: "uint256"},
		}},
		{Name: "outputs", Type: "tuple[]", Components: mandateOutput},
	}

	newType := func(t string, components []abi.ArgumentMarshaling) (abi.Type, error) {
		typ, err := abi.NewType(t, "", components)
		if err != nil {
			return abi.Type{}, errs.New(op, errs.CodeEncoding,
				errs.WithMessage("abi type construction failed"),
				errs.WithMeta("type", t), errs.WithCause(err))
		}
		return typ, nil
	}

	uint32Type, err := newType("uint32", nil)
	if err != nil {
		return nil, err
	}
	uint32SliceType, err := newType("uint32[]", nil)
	if err != nil {
		return nil, err
	}
	bytes32Type, err := newType("bytes32", nil)
	if err != nil {
		return nil, err
	}
	bytes32SliceType, err := newType("bytes32[]", nil)
	if err != nil {
		return nil, err
	}
	bytesType, err := newType("bytes", nil)
	if err != nil {
		return nil, err
	}
	boolType, err := newType("bool", nil)
	if err != nil {
		return nil, err
	}
	mandateOutputType, err := newType("tuple", mandateOutput)
	if err != nil {
		return nil, err
	}
	standardOrderType, err := newType("tuple", standardOrder)
	if err != nil {
		return nil, err
	}

	fill := abi.NewMethod("fill", "fill", abi.Function, "nonpayable", false, false,
		abi.Arguments{
			{Name: "fillDeadline", Type: uint32Type},
			{Name: "orderId", Type: bytes32Type},
			{Name: "output", Type: mandateOutputType},
			{Name: "proposedSolver", Type: bytes32Type},
		},
		abi.Arguments{{Type: boolType}},
	)
	finalise := abi.NewMethod("finalise", "finalise", abi.Function, "nonpayable", false, false,
		abi.Arguments{
			{Name: "order", Type: standardOrderType},
			{Name: "signatures", Type: bytesType},
			{Name: "timestamps", Type: uint32SliceType},
			{Name: "solvers", Type: bytes32SliceType},
			{Name: "destination", Type: bytes32Type},
			{Name: "calls", Type: bytesType},
		},
		abi.Arguments{{Type: boolType}},
	)

	return &ABIEncoder{solver: solver, fill: fill, finalise: finalise}, nil
}

// FillSelector returns the 4-byte selector of CoinFiller.fill.
func (e *ABIEncoder) FillSelector() []byte {
	return append([]byte(nil), e.fill.ID...)
}

// FinalizeSelector returns the 4-byte selector of SettlerCompact.finalise.
func (e *ABIEncoder) FinalizeSelector() []byte {
	return append([]byte(nil), e.finalise.ID...)
}

func (e *ABIEncoder) Description() string {
	return "abi: go-ethereum accounts/abi encoding for CoinFiller.fill and SettlerCompact.finalise"
}

// EncodeFill builds the fill call for the order's first output. The order id
// word is the keccak hash of the order id string.
func (e *ABIEncoder) EncodeFill(o order.Order) ([]byte, error) {
	const op = "encoding/fill"
	if len(o.Intent.Outputs) == 0 {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("intent has no outputs"), errs.WithMeta("order", o.ID.String()))
	}
	deadline, err := uint32Field(op, "fillDeadline", o.Intent.FillDeadline)
	if err != nil {
		return nil, err
	}
	out, err := mandateOutput(op, o.Intent.Outputs[0])
	if err != nil {
		return nil, err
	}

	orderID := crypto.Keccak256Hash([]byte(o.ID.String()))
	packed, err := e.fill.Inputs.Pack(deadline, [32]byte(orderID), out, addressWord(e.solver))
	if err != nil {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("abi packing failed"), errs.WithCause(err))
	}
	return append(e.FillSelector(), packed...), nil
}

// EncodeFinalize builds the settlement call. The timestamps word derives from
// the order's UpdatedAt so repeated encoding of the same snapshot is
// byte-identical.
func (e *ABIEncoder) EncodeFinalize(o order.Order) ([]byte, error) {
	const op = "encoding/finalize"
	if len(o.Intent.Outputs) == 0 {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("intent has no outputs"), errs.WithMeta("order", o.ID.String()))
	}

	nonce, err := uint256Field(op, "nonce", o.Intent.Nonce)
	if err != nil {
		return nil, err
	}
	// Expiry and fill deadline travel as uint256 words but the settlement
	// contract reads them at uint32 width.
	if _, err := uint32Field(op, "expires", o.Intent.Expiry); err != nil {
		return nil, err
	}
	if _, err := uint32Field(op, "fillDeadline", o.Intent.FillDeadline); err != nil {
		return nil, err
	}

	inputs := make([]abiInput, len(o.Intent.Inputs))
	for i, in := range o.Intent.Inputs {
		tokenID, err := uint256Field(op, "inputs.tokenId", in.TokenID)
		if err != nil {
			return nil, err
		}
		amount, err := uint256Field(op, "inputs.amount", in.Amount)
		if err != nil {
			return nil, err
		}
		inputs[i] = abiInput{TokenId: tokenID, Amount: amount}
	}

	outputs := make([]abiMandateOutput, len(o.Intent.Outputs))
	for i, out := range o.Intent.Outputs {
		converted, err := mandateOutput(op, out)
		if err != nil {
			return nil, err
		}
		outputs[i] = converted
	}

	std := abiStandardOrder{
		User:          o.Intent.User,
		Nonce:         nonce,
		OriginChainId: new(big.Int).SetUint64(o.Intent.OriginChainID),
		Expires:       new(big.Int).SetUint64(o.Intent.Expiry),
		FillDeadline:  new(big.Int).SetUint64(o.Intent.FillDeadline),
		LocalOracle:   o.Intent.LocalOracle,
		Inputs:        inputs,
		Outputs:       outputs,
	}

	unix := o.UpdatedAt.Unix()
	if unix < 0 {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("field outside uint32 wire width"),
			errs.WithMeta("field", "timestamps"))
	}
	fillTimestamp, err := uint32Field(op, "timestamps", uint64(unix))
	if err != nil {
		return nil, err
	}

	solverWord := addressWord(e.solver)
	packed, err := e.finalise.Inputs.Pack(
		std,
		[]byte(o.Signature),
		[]uint32{fillTimestamp},
		[][32]byte{solverWord},
		solverWord,
		[]byte{},
	)
	if err != nil {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("abi packing failed"), errs.WithCause(err))
	}
	return append(e.FinalizeSelector(), packed...), nil
}

func mandateOutput(op string, out order.Output) (abiMandateOutput, error) {
	amount, err := uint256Field(op, "outputs.amount", out.Amount)
	if err != nil {
		return abiMandateOutput{}, err
	}
	return abiMandateOutput{
		RemoteOracle:       addressWord(out.RemoteOracle),
		RemoteFiller:       addressWord(out.RemoteFiller),
		ChainId:            new(big.Int).SetUint64(out.ChainID),
		Token:              addressWord(out.Token),
		Amount:             amount,
		Recipient:          addressWord(out.Recipient),
		RemoteCall:         append([]byte{}, out.RemoteCall...),
		FulfillmentContext: append([]byte{}, out.FulfillmentContext...),
	}, nil
}

// uint256Field parses a decimal string into a non-negative integer no wider
// than 256 bits.
func uint256Field(op, field, value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("field is not a decimal integer"),
			errs.WithMeta("field", field), errs.WithMeta("value", value))
	}
	if v.Sign() < 0 || v.BitLen() > 256 {
		return nil, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("field outside uint256 range"),
			errs.WithMeta("field", field), errs.WithMeta("value", value))
	}
	return v, nil
}

func uint32Field(op, field string, value uint64) (uint32, error) {
	if value > math.MaxUint32 {
		return 0, errs.New(op, errs.CodeEncoding,
			errs.WithMessage("field outside uint32 wire width"),
			errs.WithMeta("field", field))
	}
	return uint32(value), nil
}

// addressWord left-pads an address into a bytes32 word.
func addressWord(addr common.Address) [32]byte {
	var word [32]byte
	copy(word[12:], addr.Bytes())
	return word
}
