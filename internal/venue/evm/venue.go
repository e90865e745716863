package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var _ domain.LendingVenue = (*Venue)(nil)

// variableRate is Aave's interestRateMode for variable debt.
var variableRate = big.NewInt(2)

// Config holds the deployed contract addresses.
type Config struct {
	Pool             common.Address
	Oracle           common.Address
	CollateralAsset  common.Address
	CollateralAToken common.Address
	DebtAsset        common.Address
}

// Venue is an Aave v3 pool acting on behalf of users. Amounts cross the
// interface in collateral base units; debt-side calls are converted with the
// pool oracle. Borrowing on behalf of a user requires that user's credit
// delegation to the operator, and withdrawing requires an aToken allowance.
type Venue struct {
	tx  *Transactor
	cfg Config

	collateralDecimals int32
	debtDecimals       int32

	logger *slog.Logger
}

// NewVenue creates a Venue, reading both assets' decimals from chain.
func NewVenue(ctx context.Context, tx *Transactor, cfg Config, logger *slog.Logger) (*Venue, error) {
	cd, err := tokenDecimals(ctx, tx, cfg.CollateralAsset)
	if err != nil {
		return nil, err
	}
	dd, err := tokenDecimals(ctx, tx, cfg.DebtAsset)
	if err != nil {
		return nil, err
	}
	return &Venue{
		tx:                 tx,
		cfg:                cfg,
		collateralDecimals: cd,
		debtDecimals:       dd,
		logger:             logger.With(slog.String("component", "evm_venue")),
	}, nil
}

func tokenDecimals(ctx context.Context, tx *Transactor, token common.Address) (int32, error) {
	values, err := tx.Call(ctx, erc20ABI, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("evm: decimals of %s returned %T", token.Hex(), values[0])
	}
	return int32(d), nil
}

func (v *Venue) Supply(ctx context.Context, user string, amount decimal.Decimal) error {
	units, err := toUnits(amount)
	if err != nil {
		return err
	}
	if err := v.approve(ctx, v.cfg.CollateralAsset, v.cfg.Pool, units); err != nil {
		return err
	}
	_, err = v.tx.Send(ctx, poolABI, v.cfg.Pool, "supply",
		v.cfg.CollateralAsset, units, common.HexToAddress(user), uint16(0))
	return err
}

func (v *Venue) Borrow(ctx context.Context, user string, amount decimal.Decimal) error {
	p, err := v.prices(ctx)
	if err != nil {
		return err
	}
	units, err := toUnits(p.toDebt(amount))
	if err != nil {
		return err
	}
	v.logger.DebugContext(ctx, "borrowing",
		slog.String("user", user),
		slog.String("amount", amount.String()),
		slog.String("debt_units", units.String()),
	)
	_, err = v.tx.Send(ctx, poolABI, v.cfg.Pool, "borrow",
		v.cfg.DebtAsset, units, variableRate, uint16(0), common.HexToAddress(user))
	return err
}

// Repay pays down at most the outstanding debt and returns what was applied.
func (v *Venue) Repay(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	acct, err := v.GetAccountData(ctx, user)
	if err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Min(amount, acct.Debt)
	if !paid.IsPositive() {
		return decimal.Zero, nil
	}
	p, err := v.prices(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	units, err := toUnits(p.toDebt(paid))
	if err != nil {
		return decimal.Zero, err
	}
	if err := v.approve(ctx, v.cfg.DebtAsset, v.cfg.Pool, units); err != nil {
		return decimal.Zero, err
	}
	if _, err := v.tx.Send(ctx, poolABI, v.cfg.Pool, "repay",
		v.cfg.DebtAsset, units, variableRate, common.HexToAddress(user)); err != nil {
		return decimal.Zero, err
	}
	return paid, nil
}

// Withdraw pulls the user's aTokens to the operator and redeems them, so the
// released collateral lands with the operator for the repay swap.
func (v *Venue) Withdraw(ctx context.Context, user string, amount decimal.Decimal) (decimal.Decimal, error) {
	acct, err := v.GetAccountData(ctx, user)
	if err != nil {
		return decimal.Zero, err
	}
	out := decimal.Min(amount, acct.Collateral)
	if !out.IsPositive() {
		return decimal.Zero, nil
	}
	units, err := toUnits(out)
	if err != nil {
		return decimal.Zero, err
	}
	operator := v.tx.Operator()
	if _, err := v.tx.Send(ctx, erc20ABI, v.cfg.CollateralAToken, "transferFrom",
		common.HexToAddress(user), operator, units); err != nil {
		return decimal.Zero, err
	}
	if _, err := v.tx.Send(ctx, poolABI, v.cfg.Pool, "withdraw",
		v.cfg.CollateralAsset, units, operator); err != nil {
		return decimal.Zero, err
	}
	return out, nil
}

func (v *Venue) GetAccountData(ctx context.Context, user string) (domain.AccountData, error) {
	values, err := v.tx.Call(ctx, poolABI, v.cfg.Pool, "getUserAccountData", common.HexToAddress(user))
	if err != nil {
		return domain.AccountData{}, err
	}
	if len(values) != 6 {
		return domain.AccountData{}, fmt.Errorf("evm: getUserAccountData returned %d values", len(values))
	}
	collateralBase, _ := values[0].(*big.Int)
	debtBase, _ := values[1].(*big.Int)
	hf, _ := values[5].(*big.Int)
	if collateralBase == nil || debtBase == nil || hf == nil {
		return domain.AccountData{}, fmt.Errorf("evm: getUserAccountData returned unexpected types")
	}

	collateralPrice, err := v.tx.CallBig(ctx, oracleABI, v.cfg.Oracle, "getAssetPrice", v.cfg.CollateralAsset)
	if err != nil {
		return domain.AccountData{}, err
	}
	return accountData(collateralBase, debtBase, hf, collateralPrice, v.collateralDecimals)
}

// accountData converts Aave base-currency totals into collateral units.
func accountData(collateralBase, debtBase, hf, collateralPrice *big.Int, collateralDecimals int32) (domain.AccountData, error) {
	if collateralPrice.Sign() <= 0 {
		return domain.AccountData{}, fmt.Errorf("evm: oracle returned non-positive collateral price")
	}
	price := decimal.NewFromBigInt(collateralPrice, 0)
	scale := decimal.New(1, collateralDecimals)
	toCollateral := func(base *big.Int) decimal.Decimal {
		return decimal.NewFromBigInt(base, 0).Mul(scale).Div(price).Floor()
	}

	data := domain.AccountData{
		Collateral: toCollateral(collateralBase),
		Debt:       toCollateral(debtBase),
	}
	// The pool reports type(uint256).max for accounts without debt.
	if debtBase.Sign() > 0 && hf.Cmp(math.MaxBig256) != 0 {
		data.HealthFactor = decimal.NewFromBigInt(hf, -18)
	}
	return data, nil
}

func (v *Venue) approve(ctx context.Context, token, spender common.Address, units *big.Int) error {
	_, err := v.tx.Send(ctx, erc20ABI, token, "approve", spender, units)
	return err
}

// priceSet converts between collateral and debt base units at oracle prices.
type priceSet struct {
	collateral, debt                 decimal.Decimal
	collateralDecimals, debtDecimals int32
}

func (v *Venue) prices(ctx context.Context) (priceSet, error) {
	pc, err := v.tx.CallBig(ctx, oracleABI, v.cfg.Oracle, "getAssetPrice", v.cfg.CollateralAsset)
	if err != nil {
		return priceSet{}, err
	}
	pd, err := v.tx.CallBig(ctx, oracleABI, v.cfg.Oracle, "getAssetPrice", v.cfg.DebtAsset)
	if err != nil {
		return priceSet{}, err
	}
	if pc.Sign() <= 0 || pd.Sign() <= 0 {
		return priceSet{}, fmt.Errorf("evm: oracle returned non-positive price")
	}
	return priceSet{
		collateral:         decimal.NewFromBigInt(pc, 0),
		debt:               decimal.NewFromBigInt(pd, 0),
		collateralDecimals: v.collateralDecimals,
		debtDecimals:       v.debtDecimals,
	}, nil
}

// toDebt converts collateral base units to debt base units, rounding down.
func (p priceSet) toDebt(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.collateral).Mul(decimal.New(1, p.debtDecimals)).
		Div(p.debt.Mul(decimal.New(1, p.collateralDecimals))).Floor()
}

// toCollateral converts debt base units to collateral base units, rounding down.
func (p priceSet) toCollateral(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.debt).Mul(decimal.New(1, p.collateralDecimals)).
		Div(p.collateral.Mul(decimal.New(1, p.debtDecimals))).Floor()
}

func toUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("evm: negative amount %s: %w", amount, domain.ErrInvalidAmount)
	}
	return amount.Floor().BigInt(), nil
}
