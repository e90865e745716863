// Package evm implements the lending venue and swap router against deployed
// Aave v3 and Uniswap v3 contracts.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/loopvault/internal/crypto"
)

// Backend is the subset of *ethclient.Client the venue uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("evm: transaction reverted")

// TransactorConfig tunes transaction submission.
type TransactorConfig struct {
	GasLimit    uint64
	Timeout     time.Duration
	ReceiptPoll time.Duration
}

// Transactor reads contract state and sends signed transactions from the
// operator wallet. Sends are serialised so nonces never collide.
type Transactor struct {
	backend Backend
	signer  *crypto.Signer
	cfg     TransactorConfig
	logger  *slog.Logger

	mu sync.Mutex
}

// NewTransactor creates a Transactor.
func NewTransactor(backend Backend, signer *crypto.Signer, cfg TransactorConfig, logger *slog.Logger) *Transactor {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 600_000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	return &Transactor{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "evm_transactor")),
	}
}

// Operator returns the wallet address transactions are sent from.
func (t *Transactor) Operator() common.Address {
	return t.signer.Address()
}

// Call executes a read-only contract method and returns its unpacked outputs.
func (t *Transactor) Call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	from := t.signer.Address()
	out, err := t.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return values, nil
}

// CallBig calls a method whose first output is a uint256.
func (t *Transactor) CallBig(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := t.Call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("evm: %s returned no values", method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: %s returned %T, want *big.Int", method, values[0])
	}
	return v, nil
}

// Send packs and submits a transaction, then waits for it to be mined.
func (t *Transactor) Send(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	t.mu.Lock()
	tx, err := t.buildAndSend(ctx, to, data)
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("evm: send %s: %w", method, err)
	}

	t.logger.DebugContext(ctx, "transaction sent",
		slog.String("method", method),
		slog.String("to", to.Hex()),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := t.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("evm: wait %s %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("evm: %s %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}
	return receipt, nil
}

func (t *Transactor) buildAndSend(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	from := t.signer.Address()
	nonce, err := t.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       t.cfg.GasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := t.signer.SignTx(tx)
	if err != nil {
		return nil, err
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (t *Transactor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
