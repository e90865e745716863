package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// AccountData is the venue's view of a user's account.
type AccountData struct {
	Collateral   decimal.Decimal `json:"collateral"`
	Debt         decimal.Decimal `json:"debt"`
	HealthFactor decimal.Decimal `json:"health_factor"`
}

// LTV returns the account's loan-to-value in basis points.
func (a AccountData) LTV() int64 {
	return ComputeLTV(a.Collateral, a.Debt)
}

// LendingVenue is the capability surface of the lending protocol. Repay and
// Withdraw return the amount the venue actually moved, which can be less
// than requested when the remaining balance is smaller.
type LendingVenue interface {
	Supply(ctx context.Context, user string, amount decimal.Decimal) error
	Borrow(ctx context.Context, user string, amount decimal.Decimal) error
	Repay(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error)
	Withdraw(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error)
	GetAccountData(ctx context.Context, user string) (AccountData, error)
}

// SwapDirection selects which leg of the pair is sold.
type SwapDirection string

const (
	// SwapDebtToCollateral sells borrowed asset for collateral (looping).
	SwapDebtToCollateral SwapDirection = "debt_to_collateral"
	// SwapCollateralToDebt sells withdrawn collateral to repay debt (unwinding).
	SwapCollateralToDebt SwapDirection = "collateral_to_debt"
)

// SwapRouter quotes and executes swaps between the collateral and debt assets.
type SwapRouter interface {
	Quote(ctx context.Context, dir SwapDirection, amountIn decimal.Decimal) (decimal.Decimal, error)
	Swap(ctx context.Context, dir SwapDirection, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, error)
}
