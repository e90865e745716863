// Package sim provides deterministic in-process lending and swap venues used
// by simulate mode and by tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var (
	_ domain.LendingVenue = (*Venue)(nil)
	_ domain.SwapRouter   = (*Router)(nil)
)

// ErrCapacity is returned when a borrow or withdrawal would leave the account
// with a health factor below one.
var ErrCapacity = errors.New("sim: health factor would drop below 1")

type account struct {
	collateral decimal.Decimal
	debt       decimal.Decimal
}

// Venue is a single-asset lending pool. Balances are kept in the accounting
// unit; the health factor uses a fixed liquidation threshold.
type Venue struct {
	mu                   sync.Mutex
	accounts             map[string]*account
	liquidationThreshold int64
	failures             map[string]error
}

// NewVenue creates a Venue with the given liquidation threshold in basis points.
func NewVenue(liquidationThresholdBps int64) *Venue {
	return &Venue{
		accounts:             make(map[string]*account),
		liquidationThreshold: liquidationThresholdBps,
		failures:             make(map[string]error),
	}
}

// FailNext makes the next call to op ("supply", "borrow", "repay",
// "withdraw", "account_data") return err.
func (v *Venue) FailNext(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = err
}

// Shock marks every account's collateral down by bps, as a price drop would.
func (v *Venue) Shock(bps int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, a := range v.accounts {
		a.collateral = domain.ApplyBps(a.collateral, domain.BpsDenominator-bps)
	}
}

func (v *Venue) take(op, user string) (*account, error) {
	if err, ok := v.failures[op]; ok {
		delete(v.failures, op)
		return nil, fmt.Errorf("sim: %s: %w", op, err)
	}
	a, ok := v.accounts[user]
	if !ok {
		a = &account{}
		v.accounts[user] = a
	}
	return a, nil
}

func (v *Venue) Supply(_ context.Context, user string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := v.take("supply", user)
	if err != nil {
		return err
	}
	a.collateral = a.collateral.Add(amount)
	return nil
}

func (v *Venue) Borrow(_ context.Context, user string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := v.take("borrow", user)
	if err != nil {
		return err
	}
	if v.healthFactor(a.collateral, a.debt.Add(amount)).LessThan(decimal.NewFromInt(1)) {
		return ErrCapacity
	}
	a.debt = a.debt.Add(amount)
	return nil
}

// Repay pays down at most the outstanding debt and returns what was applied.
func (v *Venue) Repay(_ context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := v.take("repay", user)
	if err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Min(amount, a.debt)
	a.debt = a.debt.Sub(paid)
	return paid, nil
}

// Withdraw releases at most the supplied collateral and returns what was sent.
func (v *Venue) Withdraw(_ context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := v.take("withdraw", user)
	if err != nil {
		return decimal.Zero, err
	}
	out := decimal.Min(amount, a.collateral)
	if a.debt.IsPositive() && v.healthFactor(a.collateral.Sub(out), a.debt).LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, ErrCapacity
	}
	a.collateral = a.collateral.Sub(out)
	return out, nil
}

func (v *Venue) GetAccountData(_ context.Context, user string) (domain.AccountData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, err := v.take("account_data", user)
	if err != nil {
		return domain.AccountData{}, err
	}
	return domain.AccountData{
		Collateral:   a.collateral,
		Debt:         a.debt,
		HealthFactor: v.healthFactor(a.collateral, a.debt),
	}, nil
}

// healthFactor is zero for an account without debt; callers treat no debt as
// no risk.
func (v *Venue) healthFactor(collateral, debt decimal.Decimal) decimal.Decimal {
	if !debt.IsPositive() {
		return decimal.Zero
	}
	return domain.ApplyBps(collateral, v.liquidationThreshold).DivRound(debt, 18)
}

// Router swaps between the two assets at par less a fee, and can be told to
// deliver less than it quoted.
type Router struct {
	mu        sync.Mutex
	feeBps    int64
	shortfall int64
}

// NewRouter creates a Router charging feeBps on every swap.
func NewRouter(feeBps int64) *Router {
	return &Router{feeBps: feeBps}
}

// SetShortfall makes executed swaps deliver bps less than the quote.
func (r *Router) SetShortfall(bps int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shortfall = bps
}

func (r *Router) Quote(_ context.Context, _ domain.SwapDirection, amountIn decimal.Decimal) (decimal.Decimal, error) {
	return domain.ApplyBps(amountIn, domain.BpsDenominator-r.feeBps), nil
}

func (r *Router) Swap(ctx context.Context, dir domain.SwapDirection, amountIn, minOut decimal.Decimal) (decimal.Decimal, error) {
	quoted, _ := r.Quote(ctx, dir, amountIn)
	r.mu.Lock()
	out := domain.ApplyBps(quoted, domain.BpsDenominator-r.shortfall)
	r.mu.Unlock()
	if out.LessThan(minOut) {
		return decimal.Zero, fmt.Errorf("sim: swap %s: got %s below minimum %s: %w",
			dir, out, minOut, domain.ErrSlippageExceeded)
	}
	return out, nil
}
