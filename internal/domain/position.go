package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BpsDenominator is the basis-point scale used for every ratio.
const BpsDenominator = 10000

var bps = decimal.NewFromInt(BpsDenominator)

// Position is the per-user leveraged position record owned by the ledger.
// Amounts are integer quantities in venue-native units.
type Position struct {
	User            string          `json:"user"`
	TotalCollateral decimal.Decimal `json:"total_collateral"`
	TotalDebt       decimal.Decimal `json:"total_debt"`
	CurrentLTV      int64           `json:"current_ltv"`
	PreviousLTV     int64           `json:"previous_ltv"`
	LoopsCompleted  int             `json:"loops_completed"`
	IsActive        bool            `json:"is_active"`
	IsLooping       bool            `json:"is_looping"`
	IsUnwinding     bool            `json:"is_unwinding"`
	OpenedAt        time.Time       `json:"opened_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ComputeLTV returns debt/collateral in basis points, floored. A position
// without collateral has an LTV of zero.
func ComputeLTV(collateral, debt decimal.Decimal) int64 {
	if collateral.Sign() <= 0 {
		return 0
	}
	q, _ := debt.Mul(bps).QuoRem(collateral, 0)
	return q.IntPart()
}

// ApplyBps returns amount * b / 10000, floored to an integer.
func ApplyBps(amount decimal.Decimal, b int64) decimal.Decimal {
	q, _ := amount.Mul(decimal.NewFromInt(b)).QuoRem(bps, 0)
	return q
}

// LoopParams are the immutable safety limits for every loop sequence.
type LoopParams struct {
	TargetLTV        int64           `json:"target_ltv"`
	MaxSlippage      int64           `json:"max_slippage"`
	MinLTVDelta      int64           `json:"min_ltv_delta"`
	AbsoluteMaxLoops int             `json:"absolute_max_loops"`
	SafeHealthFactor decimal.Decimal `json:"safe_health_factor"`
	MinBorrowAmount  decimal.Decimal `json:"min_borrow_amount"`
	UnwindLTVCeiling int64           `json:"unwind_ltv_ceiling"`
	MaxUnwindSteps   int             `json:"max_unwind_steps"`
}

// Validate checks the parameters for internal consistency.
func (p LoopParams) Validate() error {
	var errs []error
	if p.TargetLTV <= 0 || p.TargetLTV >= BpsDenominator {
		errs = append(errs, fmt.Errorf("target_ltv must be in (0, %d), got %d", BpsDenominator, p.TargetLTV))
	}
	if p.MaxSlippage < 0 || p.MaxSlippage >= BpsDenominator {
		errs = append(errs, fmt.Errorf("max_slippage must be in [0, %d), got %d", BpsDenominator, p.MaxSlippage))
	}
	if p.MinLTVDelta < 0 {
		errs = append(errs, fmt.Errorf("min_ltv_delta must be non-negative, got %d", p.MinLTVDelta))
	}
	if p.AbsoluteMaxLoops <= 0 {
		errs = append(errs, fmt.Errorf("absolute_max_loops must be positive, got %d", p.AbsoluteMaxLoops))
	}
	if !p.SafeHealthFactor.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("safe_health_factor must exceed 1, got %s", p.SafeHealthFactor))
	}
	if p.MinBorrowAmount.IsNegative() {
		errs = append(errs, fmt.Errorf("min_borrow_amount must be non-negative, got %s", p.MinBorrowAmount))
	}
	if p.UnwindLTVCeiling <= p.TargetLTV || p.UnwindLTVCeiling >= BpsDenominator {
		errs = append(errs, fmt.Errorf("unwind_ltv_ceiling must be in (target_ltv, %d), got %d", BpsDenominator, p.UnwindLTVCeiling))
	}
	if p.MaxUnwindSteps <= 0 {
		errs = append(errs, fmt.Errorf("max_unwind_steps must be positive, got %d", p.MaxUnwindSteps))
	}
	return errors.Join(errs...)
}

// StepRecord is the outcome of one borrow/swap/supply iteration.
type StepRecord struct {
	User         string          `json:"user"`
	LoopNumber   int             `json:"loop_number"`
	Borrowed     decimal.Decimal `json:"borrowed"`
	Swapped      decimal.Decimal `json:"swapped"`
	Supplied     decimal.Decimal `json:"supplied"`
	CurrentLTV   int64           `json:"current_ltv"`
	HealthFactor decimal.Decimal `json:"health_factor"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// UnwindRecord is the outcome of one withdraw/swap/repay iteration.
type UnwindRecord struct {
	User                string          `json:"user"`
	StepNumber          int             `json:"step_number"`
	Withdrawn           decimal.Decimal `json:"withdrawn"`
	Swapped             decimal.Decimal `json:"swapped"`
	Repaid              decimal.Decimal `json:"repaid"`
	RemainingCollateral decimal.Decimal `json:"remaining_collateral"`
	RemainingDebt       decimal.Decimal `json:"remaining_debt"`
	ExecutedAt          time.Time       `json:"executed_at"`
}
