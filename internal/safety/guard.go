// Package safety evaluates whether a loop sequence may continue, whether a
// position is at risk, and whether a swap respected the slippage limit.
// Everything here is pure: no I/O and no clock.
package safety

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// Decision is the guard's verdict for one snapshot.
type Decision struct {
	Continue bool
	Reason   domain.StopReason
}

// Guard holds the immutable loop parameters.
type Guard struct {
	params domain.LoopParams
}

// NewGuard creates a Guard over params.
func NewGuard(params domain.LoopParams) *Guard {
	return &Guard{params: params}
}

// Params returns the parameters the guard was built with.
func (g *Guard) Params() domain.LoopParams {
	return g.params
}

// CanContinueLooping decides whether another step should be authorized.
// Checks run in a fixed order and the first failing one names the reason.
func (g *Guard) CanContinueLooping(pos domain.Position) Decision {
	return g.evaluate(pos, true)
}

// CanStartLooping is CanContinueLooping without the progress check, for a
// sequence that has no previous step of its own yet.
func (g *Guard) CanStartLooping(pos domain.Position) Decision {
	return g.evaluate(pos, false)
}

func (g *Guard) evaluate(pos domain.Position, checkProgress bool) Decision {
	switch {
	case pos.CurrentLTV >= g.params.TargetLTV:
		return Decision{Reason: domain.StopTargetReached}
	case pos.LoopsCompleted >= g.params.AbsoluteMaxLoops:
		return Decision{Reason: domain.StopLoopCapReached}
	case checkProgress && pos.LoopsCompleted > 0 && pos.CurrentLTV-pos.PreviousLTV < g.params.MinLTVDelta:
		return Decision{Reason: domain.StopNoProgress}
	}
	if next := g.NextBorrowAmount(pos); next.IsZero() || next.LessThan(g.params.MinBorrowAmount) {
		return Decision{Reason: domain.StopBelowMinBorrow}
	}
	return Decision{Continue: true}
}

// NextBorrowAmount is the borrow headroom up to TargetLTV at the current
// collateral, floored at zero.
func (g *Guard) NextBorrowAmount(pos domain.Position) decimal.Decimal {
	ceiling := domain.ApplyBps(pos.TotalCollateral, g.params.TargetLTV)
	next := ceiling.Sub(pos.TotalDebt)
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}

// IsAtRisk reports whether a health factor is below the safe threshold.
// Venues report a zero health factor for accounts without debt, which is
// never at risk.
func (g *Guard) IsAtRisk(healthFactor decimal.Decimal, debt decimal.Decimal) bool {
	if debt.Sign() <= 0 {
		return false
	}
	return healthFactor.LessThan(g.params.SafeHealthFactor)
}

// MinAmountOut is the worst acceptable output for a quoted swap.
func (g *Guard) MinAmountOut(quoted decimal.Decimal) decimal.Decimal {
	return domain.ApplyBps(quoted, domain.BpsDenominator-g.params.MaxSlippage)
}

// CheckSlippage fails when the executed output is below MinAmountOut.
func (g *Guard) CheckSlippage(quoted, executed decimal.Decimal) error {
	minOut := g.MinAmountOut(quoted)
	if executed.LessThan(minOut) {
		return fmt.Errorf("executed %s below min %s (quoted %s): %w",
			executed, minOut, quoted, domain.ErrSlippageExceeded)
	}
	return nil
}

// UnwindIncrement is how much collateral can be withdrawn while keeping LTV
// at or below UnwindLTVCeiling. With no debt left all collateral is free.
func (g *Guard) UnwindIncrement(acct domain.AccountData) decimal.Decimal {
	if acct.Debt.Sign() <= 0 {
		return acct.Collateral
	}
	ceiling := decimal.NewFromInt(g.params.UnwindLTVCeiling)
	required := acct.Debt.Mul(decimal.NewFromInt(domain.BpsDenominator)).Div(ceiling).Ceil()
	free := acct.Collateral.Sub(required)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}
