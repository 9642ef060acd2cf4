package execution

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/observability"
)

// rpcClient is the slice of the ethclient surface the direct engine uses.
type rpcClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainEndpoint binds a chain role to its RPC endpoint.
type ChainEndpoint struct {
	RPCURL  string
	ChainID uint64
}

// DirectConfig configures the direct RPC engine.
type DirectConfig struct {
	Key       *ecdsa.PrivateKey
	Endpoints map[Chain]ChainEndpoint
	// ReceiptInterval is the receipt polling cadence. Defaults to 2s.
	ReceiptInterval time.Duration
	// ReceiptTimeout bounds the receipt wait when the execution context
	// carries no timeout. Defaults to 90s.
	ReceiptTimeout time.Duration
}

func (c DirectConfig) normalize() DirectConfig {
	if c.ReceiptInterval <= 0 {
		c.ReceiptInterval = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 90 * time.Second
	}
	return c
}

type chainClient struct {
	client  rpcClient
	chainID *big.Int
}

// DirectEngine signs transactions with the solver key and submits them over
// plain JSON-RPC, blocking until the receipt. It never returns an async
// response.
type DirectEngine struct {
	cfg    DirectConfig
	from   common.Address
	chains map[Chain]chainClient
}

// NewDirectEngine dials every configured endpoint and verifies the key.
func NewDirectEngine(cfg DirectConfig) (*DirectEngine, error) {
	const op = "execution/direct"
	cfg = cfg.normalize()
	if cfg.Key == nil {
		return nil, errs.New(op, errs.CodeValidation, errs.WithMessage("solver key required"))
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errs.New(op, errs.CodeValidation, errs.WithMessage("at least one chain endpoint required"))
	}

	chains := make(map[Chain]chainClient, len(cfg.Endpoints))
	for chain, ep := range cfg.Endpoints {
		client, err := ethclient.Dial(ep.RPCURL)
		if err != nil {
			return nil, errs.New(op, errs.CodeUnavailable,
				errs.WithMessage("rpc dial failed"),
				errs.WithMeta("chain", string(chain)), errs.WithCause(err))
		}
		chains[chain] = chainClient{client: client, chainID: new(big.Int).SetUint64(ep.ChainID)}
	}

	return &DirectEngine{
		cfg:    cfg,
		from:   crypto.PubkeyToAddress(cfg.Key.PublicKey),
		chains: chains,
	}, nil
}

// From returns the solver's sending address.
func (e *DirectEngine) From() common.Address { return e.from }

func (e *DirectEngine) Transport() Transport { return TransportDirect }

func (e *DirectEngine) Description() string {
	return "direct: solver-signed JSON-RPC submission, blocks for the receipt"
}

func (e *DirectEngine) chain(op string, chain Chain) (chainClient, error) {
	cc, ok := e.chains[chain]
	if !ok {
		return chainClient{}, errs.New(op, errs.CodeValidation,
			errs.WithMessage("chain not configured"), errs.WithMeta("chain", string(chain)))
	}
	return cc, nil
}

// Submit signs, sends and waits for the receipt. A reverted receipt is an
// execution error carrying the transaction hash.
func (e *DirectEngine) Submit(ctx context.Context, req Request, ec ExecContext) (Response, error) {
	const op = "execution/direct/submit"
	cc, err := e.chain(op, req.Chain)
	if err != nil {
		return Response{}, err
	}

	nonce, err := cc.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return Response{}, errs.New(op, errs.CodeExecution,
			errs.WithMessage("nonce lookup failed"), errs.WithCause(err))
	}

	gasPrice := req.Gas.Price
	if gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice, err = cc.client.SuggestGasPrice(ctx)
		if err != nil {
			return Response{}, errs.New(op, errs.CodeExecution,
				errs.WithMessage("gas price suggestion failed"), errs.WithCause(err))
		}
	}

	gasLimit := req.Gas.Limit
	if gasLimit == 0 {
		gasLimit, err = e.estimate(ctx, cc, req)
		if err != nil {
			return Response{}, err
		}
	}

	tx := types.NewTransaction(nonce, req.To, big.NewInt(0), gasLimit, gasPrice, req.CallData)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(cc.chainID), e.cfg.Key)
	if err != nil {
		return Response{}, errs.New(op, errs.CodeExecution,
			errs.WithMessage("transaction signing failed"), errs.WithCause(err))
	}
	if err := cc.client.SendTransaction(ctx, signed); err != nil {
		return Response{}, errs.New(op, errs.CodeExecution,
			errs.WithMessage("transaction send failed"), errs.WithCause(err))
	}

	hash := signed.Hash()
	observability.Log().Debug("transaction sent, awaiting receipt",
		observability.F("chain", string(req.Chain)), observability.F("tx", hash.Hex()))

	receipt, err := e.waitReceipt(ctx, cc, hash, ec.Timeout)
	if err != nil {
		return Response{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Response{}, errs.New(op, errs.CodeExecution,
			errs.WithMessage("transaction reverted"), errs.WithMeta("tx", hash.Hex()))
	}
	return Immediate(hash.Hex()), nil
}

func (e *DirectEngine) waitReceipt(ctx context.Context, cc chainClient, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	const op = "execution/direct/receipt"
	if timeout <= 0 {
		timeout = e.cfg.ReceiptTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.ReceiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := cc.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, errs.New(op, errs.CodeExecution,
				errs.WithMessage("receipt lookup failed"),
				errs.WithMeta("tx", hash.Hex()), errs.WithCause(err))
		}

		select {
		case <-ctx.Done():
			return nil, errs.New(op, errs.CodeTimeout,
				errs.WithMessage("context cancelled awaiting receipt"),
				errs.WithMeta("tx", hash.Hex()), errs.WithCause(ctx.Err()))
		case <-deadline.C:
			return nil, errs.New(op, errs.CodeTimeout,
				errs.WithMessage("receipt wait timed out"),
				errs.WithMeta("tx", hash.Hex()))
		case <-ticker.C:
		}
	}
}

// PollStatus is unsupported: direct submissions resolve inside Submit.
func (e *DirectEngine) PollStatus(context.Context, Chain, string) (StatusUpdate, error) {
	return StatusUpdate{}, errs.NotSupported("execution/direct/poll", "direct engine has no async submissions")
}

func (e *DirectEngine) EstimateGas(ctx context.Context, req Request) (uint64, error) {
	const op = "execution/direct/estimate"
	cc, err := e.chain(op, req.Chain)
	if err != nil {
		return 0, err
	}
	return e.estimate(ctx, cc, req)
}

func (e *DirectEngine) estimate(ctx context.Context, cc chainClient, req Request) (uint64, error) {
	limit, err := cc.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &req.To,
		Data: req.CallData,
	})
	if err != nil {
		return 0, errs.New("execution/direct/estimate", errs.CodeExecution,
			errs.WithMessage("gas estimation failed"), errs.WithCause(err))
	}
	return limit, nil
}

func (e *DirectEngine) SupportsStaticCall() bool { return true }

// StaticCall simulates the request against the latest block.
func (e *DirectEngine) StaticCall(ctx context.Context, req Request) ([]byte, error) {
	const op = "execution/direct/static"
	cc, err := e.chain(op, req.Chain)
	if err != nil {
		return nil, err
	}
	out, err := cc.client.CallContract(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &req.To,
		Data: req.CallData,
	}, nil)
	if err != nil {
		return nil, errs.New(op, errs.CodeExecution,
			errs.WithMessage("static call failed"), errs.WithCause(err))
	}
	return out, nil
}
