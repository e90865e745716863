package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var _ domain.SwapRouter = (*Router)(nil)

// RouterConfig holds the Uniswap v3 periphery addresses and pool fee tier.
type RouterConfig struct {
	SwapRouter common.Address
	Quoter     common.Address
	FeeTier    uint32
}

type quoteParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	AmountIn          *big.Int
	Fee               *big.Int
	SqrtPriceLimitX96 *big.Int
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Router swaps between the venue's collateral and debt assets through a
// single Uniswap v3 pool. Amounts are in collateral base units on both sides
// of the interface; the debt leg is converted at oracle prices.
type Router struct {
	tx    *Transactor
	venue *Venue
	cfg   RouterConfig
}

// NewRouter creates a Router that shares the venue's assets and oracle.
func NewRouter(tx *Transactor, venue *Venue, cfg RouterConfig) *Router {
	return &Router{tx: tx, venue: venue, cfg: cfg}
}

// leg describes one swap in native token units.
type leg struct {
	tokenIn, tokenOut common.Address
	amountIn          *big.Int
	prices            priceSet
	outIsDebt         bool
}

func (r *Router) leg(ctx context.Context, dir domain.SwapDirection, amountIn decimal.Decimal) (leg, error) {
	p, err := r.venue.prices(ctx)
	if err != nil {
		return leg{}, err
	}
	l := leg{prices: p}
	switch dir {
	case domain.SwapDebtToCollateral:
		l.tokenIn, l.tokenOut = r.venue.cfg.DebtAsset, r.venue.cfg.CollateralAsset
		l.amountIn, err = toUnits(p.toDebt(amountIn))
	case domain.SwapCollateralToDebt:
		l.tokenIn, l.tokenOut = r.venue.cfg.CollateralAsset, r.venue.cfg.DebtAsset
		l.amountIn, err = toUnits(amountIn)
		l.outIsDebt = true
	default:
		return leg{}, fmt.Errorf("evm: unknown swap direction %q", dir)
	}
	return l, err
}

// accounting converts a native output amount into collateral base units.
func (l leg) accounting(out *big.Int) decimal.Decimal {
	d := decimal.NewFromBigInt(out, 0)
	if l.outIsDebt {
		return l.prices.toCollateral(d)
	}
	return d
}

// native converts collateral base units into the output token's units.
func (l leg) native(amount decimal.Decimal) decimal.Decimal {
	if l.outIsDebt {
		return l.prices.toDebt(amount)
	}
	return amount.Floor()
}

func (r *Router) Quote(ctx context.Context, dir domain.SwapDirection, amountIn decimal.Decimal) (decimal.Decimal, error) {
	l, err := r.leg(ctx, dir, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := r.quote(ctx, l)
	if err != nil {
		return decimal.Zero, err
	}
	return l.accounting(out), nil
}

func (r *Router) quote(ctx context.Context, l leg) (*big.Int, error) {
	return r.tx.CallBig(ctx, quoterABI, r.cfg.Quoter, "quoteExactInputSingle", quoteParams{
		TokenIn:           l.tokenIn,
		TokenOut:          l.tokenOut,
		AmountIn:          l.amountIn,
		Fee:               new(big.Int).SetUint64(uint64(r.cfg.FeeTier)),
		SqrtPriceLimitX96: new(big.Int),
	})
}

// Swap sells amountIn and returns what the operator actually received,
// measured as the change in its output-token balance. A fresh quote below
// minAmountOut fails before anything is sent.
func (r *Router) Swap(ctx context.Context, dir domain.SwapDirection, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, error) {
	l, err := r.leg(ctx, dir, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	minNative, err := toUnits(l.native(minAmountOut))
	if err != nil {
		return decimal.Zero, err
	}

	quoted, err := r.quote(ctx, l)
	if err != nil {
		return decimal.Zero, err
	}
	if quoted.Cmp(minNative) < 0 {
		return decimal.Zero, fmt.Errorf("evm: swap %s: quote %s below minimum %s: %w",
			dir, quoted, minNative, domain.ErrSlippageExceeded)
	}

	operator := r.tx.Operator()
	before, err := r.tx.CallBig(ctx, erc20ABI, l.tokenOut, "balanceOf", operator)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := r.tx.Send(ctx, erc20ABI, l.tokenIn, "approve", r.cfg.SwapRouter, l.amountIn); err != nil {
		return decimal.Zero, err
	}
	if _, err := r.tx.Send(ctx, routerABI, r.cfg.SwapRouter, "exactInputSingle", exactInputSingleParams{
		TokenIn:           l.tokenIn,
		TokenOut:          l.tokenOut,
		Fee:               new(big.Int).SetUint64(uint64(r.cfg.FeeTier)),
		Recipient:         operator,
		AmountIn:          l.amountIn,
		AmountOutMinimum:  minNative,
		SqrtPriceLimitX96: new(big.Int),
	}); err != nil {
		return decimal.Zero, err
	}
	after, err := r.tx.CallBig(ctx, erc20ABI, l.tokenOut, "balanceOf", operator)
	if err != nil {
		return decimal.Zero, err
	}
	return l.accounting(new(big.Int).Sub(after, before)), nil
}
