package looper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var errVenueDown = errors.New("rpc unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedVenue keeps simple balances and, when a script is loaded,
// answers GetAccountData from it in order.
type scriptedVenue struct {
	mu         sync.Mutex
	collateral decimal.Decimal
	debt       decimal.Decimal
	script     []domain.AccountData
	failOp     string
	calls      []string
}

func (v *scriptedVenue) record(op string) error {
	v.calls = append(v.calls, op)
	if v.failOp == op {
		return errVenueDown
	}
	return nil
}

func (v *scriptedVenue) Supply(_ context.Context, _ string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("supply"); err != nil {
		return err
	}
	v.collateral = v.collateral.Add(amount)
	return nil
}

func (v *scriptedVenue) Borrow(_ context.Context, _ string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("borrow"); err != nil {
		return err
	}
	v.debt = v.debt.Add(amount)
	return nil
}

func (v *scriptedVenue) Repay(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("repay"); err != nil {
		return decimal.Zero, err
	}
	amount = decimal.Min(amount, v.debt)
	v.debt = v.debt.Sub(amount)
	return amount, nil
}

func (v *scriptedVenue) Withdraw(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("withdraw"); err != nil {
		return decimal.Zero, err
	}
	amount = decimal.Min(amount, v.collateral)
	v.collateral = v.collateral.Sub(amount)
	return amount, nil
}

func (v *scriptedVenue) GetAccountData(_ context.Context, _ string) (domain.AccountData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("account_data"); err != nil {
		return domain.AccountData{}, err
	}
	if len(v.script) > 0 {
		a := v.script[0]
		v.script = v.script[1:]
		return a, nil
	}
	return domain.AccountData{Collateral: v.collateral, Debt: v.debt, HealthFactor: decimal.NewFromInt(2)}, nil
}

// ltvAccount builds account data whose LTV is exactly ltv bps.
func ltvAccount(ltv int64, hf string) domain.AccountData {
	return domain.AccountData{
		Collateral:   decimal.NewFromInt(domain.BpsDenominator),
		Debt:         decimal.NewFromInt(ltv),
		HealthFactor: decimal.RequireFromString(hf),
	}
}

// fakeRouter quotes 1:1 and delivers shortfall bps less than quoted.
type fakeRouter struct {
	shortfall int64
	err       error
}

func (r *fakeRouter) Quote(_ context.Context, _ domain.SwapDirection, amountIn decimal.Decimal) (decimal.Decimal, error) {
	return amountIn, nil
}

func (r *fakeRouter) Swap(_ context.Context, _ domain.SwapDirection, amountIn, _ decimal.Decimal) (decimal.Decimal, error) {
	if r.err != nil {
		return decimal.Zero, r.err
	}
	return domain.ApplyBps(amountIn, domain.BpsDenominator-r.shortfall), nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) PublishEvent(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type pendingSet map[string]bool

func (p pendingSet) Pending(user string) bool { return p[user] }
