package evm

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/crypto"
	"github.com/alanyoungcy/loopvault/internal/domain"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	poolAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	oracleAddr = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	wethAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	aWethAddr  = common.HexToAddress("0x0000000000000000000000000000000000000a04")
	usdcAddr   = common.HexToAddress("0x0000000000000000000000000000000000000a05")
	routerAddr = common.HexToAddress("0x0000000000000000000000000000000000000a06")
	quoterAddr = common.HexToAddress("0x0000000000000000000000000000000000000a07")

	user = "0x00000000000000000000000000000000000000b0"
)

func e(n int64, exp int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil))
}

type sentTx struct {
	to     common.Address
	method string
	args   []any
}

// fakeChain answers eth_call and eth_sendRawTransaction by decoding calldata
// against the registered ABIs.
type fakeChain struct {
	mu       sync.Mutex
	abis     map[common.Address]abi.ABI
	handlers map[string]func(args []any) []any
	sent     []sentTx
	onSend   func(sentTx)
	revert   string
	receipts map[common.Hash]*types.Receipt
}

func newFakeChain() *fakeChain {
	f := &fakeChain{
		abis: map[common.Address]abi.ABI{
			poolAddr:   poolABI,
			oracleAddr: oracleABI,
			wethAddr:   erc20ABI,
			aWethAddr:  erc20ABI,
			usdcAddr:   erc20ABI,
			routerAddr: routerABI,
			quoterAddr: quoterABI,
		},
		handlers: map[string]func([]any) []any{},
		receipts: map[common.Hash]*types.Receipt{},
	}
	f.handle(wethAddr, "decimals", func([]any) []any { return []any{uint8(18)} })
	f.handle(usdcAddr, "decimals", func([]any) []any { return []any{uint8(6)} })
	f.handle(oracleAddr, "getAssetPrice", func(args []any) []any {
		if args[0].(common.Address) == wethAddr {
			return []any{e(2000, 8)}
		}
		return []any{e(1, 8)}
	})
	return f
}

func key(to common.Address, method string) string { return to.Hex() + "." + method }

func (f *fakeChain) handle(to common.Address, method string, h func([]any) []any) {
	f.handlers[key(to, method)] = h
}

func (f *fakeChain) decode(to common.Address, data []byte) (*abi.Method, []any, error) {
	a := f.abis[to]
	m, err := a.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := m.Inputs.Unpack(data[4:])
	return m, args, err
}

func (f *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, args, err := f.decode(*call.To, call.Data)
	if err != nil {
		return nil, err
	}
	h, ok := f.handlers[key(*call.To, m.Name)]
	if !ok {
		return nil, ethereum.NotFound
	}
	return m.Outputs.Pack(h(args)...)
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	m, args, err := f.decode(*tx.To(), tx.Data())
	if err != nil {
		f.mu.Unlock()
		return err
	}
	s := sentTx{to: *tx.To(), method: m.Name, args: args}
	f.sent = append(f.sent, s)
	status := types.ReceiptStatusSuccessful
	if f.revert == m.Name {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(s)
	}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.method
	}
	return out
}

func (f *fakeChain) last() sentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestVenue(t *testing.T, chain *fakeChain) (*Venue, *Router) {
	t.Helper()
	pk, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: devKey})
	require.NoError(t, err)
	signer, err := crypto.NewSigner(pk, 11155111)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tx := NewTransactor(chain, signer, TransactorConfig{}, logger)
	v, err := NewVenue(context.Background(), tx, Config{
		Pool:             poolAddr,
		Oracle:           oracleAddr,
		CollateralAsset:  wethAddr,
		CollateralAToken: aWethAddr,
		DebtAsset:        usdcAddr,
	}, logger)
	require.NoError(t, err)
	return v, NewRouter(tx, v, RouterConfig{SwapRouter: routerAddr, Quoter: quoterAddr, FeeTier: 3000})
}

func TestAccountDataConversion(t *testing.T) {
	// $3000 collateral and $1500 debt at $2000/ETH
	data, err := accountData(e(3000, 8), e(1500, 8), e(16, 17), e(2000, 8), 18)
	require.NoError(t, err)
	assert.Equal(t, e(15, 17).String(), data.Collateral.String())
	assert.Equal(t, e(75, 16).String(), data.Debt.String())
	assert.True(t, data.HealthFactor.Equal(decimal.RequireFromString("1.6")))
	assert.Equal(t, int64(5000), data.LTV())

	noDebt, err := accountData(e(3000, 8), big.NewInt(0), math.MaxBig256, e(2000, 8), 18)
	require.NoError(t, err)
	assert.True(t, noDebt.HealthFactor.IsZero())

	_, err = accountData(e(1, 8), big.NewInt(0), math.MaxBig256, big.NewInt(0), 18)
	require.Error(t, err)
}

func TestPriceConversion(t *testing.T) {
	p := priceSet{
		collateral:         decimal.NewFromBigInt(e(2000, 8), 0),
		debt:               decimal.NewFromBigInt(e(1, 8), 0),
		collateralDecimals: 18,
		debtDecimals:       6,
	}
	oneEth := decimal.NewFromBigInt(e(1, 18), 0)
	assert.Equal(t, e(2000, 6).String(), p.toDebt(oneEth).String())
	assert.Equal(t, oneEth.String(), p.toCollateral(decimal.NewFromBigInt(e(2000, 6), 0)).String())
}

func TestVenueBorrowConvertsToDebtUnits(t *testing.T) {
	chain := newFakeChain()
	v, _ := newTestVenue(t, chain)

	require.NoError(t, v.Borrow(context.Background(), user, decimal.NewFromBigInt(e(5, 17), 0)))

	got := chain.last()
	assert.Equal(t, poolAddr, got.to)
	assert.Equal(t, "borrow", got.method)
	assert.Equal(t, usdcAddr, got.args[0])
	assert.Equal(t, e(1000, 6).String(), got.args[1].(*big.Int).String())
	assert.Equal(t, int64(2), got.args[2].(*big.Int).Int64())
	assert.Equal(t, common.HexToAddress(user), got.args[4])
}

func TestVenueSupplyApprovesThenSupplies(t *testing.T) {
	chain := newFakeChain()
	v, _ := newTestVenue(t, chain)

	require.NoError(t, v.Supply(context.Background(), user, decimal.NewFromBigInt(e(1, 18), 0)))
	assert.Equal(t, []string{"approve", "supply"}, chain.methods())

	got := chain.last()
	assert.Equal(t, wethAddr, got.args[0])
	assert.Equal(t, e(1, 18).String(), got.args[1].(*big.Int).String())
	assert.Equal(t, common.HexToAddress(user), got.args[2])
}

func TestVenueRepayCapsAtDebt(t *testing.T) {
	chain := newFakeChain()
	chain.handle(poolAddr, "getUserAccountData", func([]any) []any {
		return []any{e(3000, 8), e(1500, 8), big.NewInt(0), big.NewInt(8250), big.NewInt(8000), e(16, 17)}
	})
	v, _ := newTestVenue(t, chain)

	paid, err := v.Repay(context.Background(), user, decimal.NewFromBigInt(e(1, 18), 0))
	require.NoError(t, err)
	assert.Equal(t, e(75, 16).String(), paid.String())
	assert.Equal(t, []string{"approve", "repay"}, chain.methods())
	assert.Equal(t, e(1500, 6).String(), chain.last().args[1].(*big.Int).String())
}

func TestVenueWithdrawPullsATokens(t *testing.T) {
	chain := newFakeChain()
	chain.handle(poolAddr, "getUserAccountData", func([]any) []any {
		return []any{e(3000, 8), e(1500, 8), big.NewInt(0), big.NewInt(8250), big.NewInt(8000), e(16, 17)}
	})
	v, _ := newTestVenue(t, chain)

	out, err := v.Withdraw(context.Background(), user, decimal.NewFromBigInt(e(1, 17), 0))
	require.NoError(t, err)
	assert.Equal(t, e(1, 17).String(), out.String())
	assert.Equal(t, []string{"transferFrom", "withdraw"}, chain.methods())
	assert.Equal(t, v.tx.Operator(), chain.last().args[2])
}

func TestVenueRevertIsReported(t *testing.T) {
	chain := newFakeChain()
	chain.revert = "supply"
	v, _ := newTestVenue(t, chain)

	err := v.Supply(context.Background(), user, decimal.NewFromBigInt(e(1, 18), 0))
	require.ErrorIs(t, err, ErrReverted)
}

// quoteAtPar prices USDC -> WETH at $2000 less a 0.3% fee.
func quoteAtPar(args []any) []any {
	p := abi.ConvertType(args[0], new(quoteParams)).(*quoteParams)
	out := new(big.Int).Mul(p.AmountIn, e(1, 12))
	out.Div(out, big.NewInt(2000))
	out.Mul(out, big.NewInt(997))
	out.Div(out, big.NewInt(1000))
	return []any{out, big.NewInt(0), uint32(1), big.NewInt(90000)}
}

func TestRouterQuoteDebtToCollateral(t *testing.T) {
	chain := newFakeChain()
	chain.handle(quoterAddr, "quoteExactInputSingle", quoteAtPar)
	_, r := newTestVenue(t, chain)

	out, err := r.Quote(context.Background(), domain.SwapDebtToCollateral, decimal.NewFromBigInt(e(1, 18), 0))
	require.NoError(t, err)
	assert.Equal(t, e(997, 15).String(), out.String())
}

func TestRouterSwapRejectsThinQuote(t *testing.T) {
	chain := newFakeChain()
	chain.handle(quoterAddr, "quoteExactInputSingle", quoteAtPar)
	_, r := newTestVenue(t, chain)

	_, err := r.Swap(context.Background(), domain.SwapDebtToCollateral,
		decimal.NewFromBigInt(e(1, 18), 0), decimal.NewFromBigInt(e(999, 15), 0))
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Empty(t, chain.methods())
}

func TestRouterSwapMeasuresBalanceChange(t *testing.T) {
	chain := newFakeChain()
	chain.handle(quoterAddr, "quoteExactInputSingle", quoteAtPar)

	var mu sync.Mutex
	balance := e(5, 18)
	chain.handle(wethAddr, "balanceOf", func([]any) []any {
		mu.Lock()
		defer mu.Unlock()
		return []any{new(big.Int).Set(balance)}
	})
	chain.onSend = func(s sentTx) {
		if s.method != "exactInputSingle" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		// the pool delivers slightly less than quoted but above the minimum
		balance = new(big.Int).Add(balance, e(996, 15))
	}
	_, r := newTestVenue(t, chain)

	out, err := r.Swap(context.Background(), domain.SwapDebtToCollateral,
		decimal.NewFromBigInt(e(1, 18), 0), decimal.NewFromBigInt(e(990, 15), 0))
	require.NoError(t, err)
	assert.Equal(t, e(996, 15).String(), out.String())
	assert.Equal(t, []string{"approve", "exactInputSingle"}, chain.methods())

	params := abi.ConvertType(chain.last().args[0], new(exactInputSingleParams)).(*exactInputSingleParams)
	assert.Equal(t, usdcAddr, params.TokenIn)
	assert.Equal(t, wethAddr, params.TokenOut)
	assert.Equal(t, e(2000, 6).String(), params.AmountIn.String())
	assert.Equal(t, e(990, 15).String(), params.AmountOutMinimum.String())
	assert.Equal(t, int64(3000), params.Fee.Int64())
}
