package unwind

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/keylock"
	"github.com/alanyoungcy/loopvault/internal/ledger"
	"github.com/alanyoungcy/loopvault/internal/safety"
	"github.com/alanyoungcy/loopvault/internal/store/memory"
)

const bob = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

var errRPC = errors.New("execution reverted")

type balanceVenue struct {
	mu         sync.Mutex
	collateral decimal.Decimal
	debt       decimal.Decimal
	failOnce   map[string]bool
}

func (v *balanceVenue) fail(op string) error {
	if v.failOnce[op] {
		delete(v.failOnce, op)
		return errRPC
	}
	return nil
}

func (v *balanceVenue) Supply(_ context.Context, _ string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail("supply"); err != nil {
		return err
	}
	v.collateral = v.collateral.Add(amount)
	return nil
}

func (v *balanceVenue) Borrow(_ context.Context, _ string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.debt = v.debt.Add(amount)
	return nil
}

func (v *balanceVenue) Repay(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail("repay"); err != nil {
		return decimal.Zero, err
	}
	amount = decimal.Min(amount, v.debt)
	v.debt = v.debt.Sub(amount)
	return amount, nil
}

func (v *balanceVenue) Withdraw(_ context.Context, _ string, amount decimal.Decimal) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.fail("withdraw"); err != nil {
		return decimal.Zero, err
	}
	amount = decimal.Min(amount, v.collateral)
	v.collateral = v.collateral.Sub(amount)
	return amount, nil
}

func (v *balanceVenue) GetAccountData(_ context.Context, _ string) (domain.AccountData, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return domain.AccountData{Collateral: v.collateral, Debt: v.debt, HealthFactor: decimal.NewFromInt(1)}, nil
}

type parRouter struct {
	failSwap bool
}

func (r *parRouter) Quote(_ context.Context, _ domain.SwapDirection, in decimal.Decimal) (decimal.Decimal, error) {
	return in, nil
}

func (r *parRouter) Swap(_ context.Context, _ domain.SwapDirection, in, _ decimal.Decimal) (decimal.Decimal, error) {
	if r.failSwap {
		r.failSwap = false
		return decimal.Zero, errRPC
	}
	return in, nil
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

func (r *recorder) ofKind(k domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type resetRecorder struct{ users []string }

func (r *resetRecorder) Reset(user string) { r.users = append(r.users, user) }

type harness struct {
	ctrl   *Controller
	ledger *ledger.Ledger
	venue  *balanceVenue
	router *parRouter
	events *recorder
	resets *resetRecorder
}

func testParams() domain.LoopParams {
	return domain.LoopParams{
		TargetLTV:        7500,
		MaxSlippage:      50,
		MinLTVDelta:      100,
		AbsoluteMaxLoops: 10,
		SafeHealthFactor: decimal.RequireFromString("1.5"),
		MinBorrowAmount:  decimal.NewFromInt(1),
		UnwindLTVCeiling: 8000,
		MaxUnwindSteps:   20,
	}
}

// newHarness opens a position of 100000 collateral / 75000 debt in both the
// venue and the ledger.
func newHarness(t *testing.T, params domain.LoopParams) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(memory.NewPositionStore(), memory.NewAuditStore(), params.AbsoluteMaxLoops, logger)

	_, err := l.ApplyDeposit(ctx, bob, decimal.NewFromInt(25_000))
	require.NoError(t, err)
	_, err = l.BeginLoop(ctx, bob)
	require.NoError(t, err)
	_, err = l.ApplyLoopStep(ctx, bob, domain.StepRecord{
		User:       bob,
		LoopNumber: 1,
		Borrowed:   decimal.NewFromInt(75_000),
		Swapped:    decimal.NewFromInt(75_000),
		Supplied:   decimal.NewFromInt(75_000),
		CurrentLTV: 7500,
	})
	require.NoError(t, err)
	_, err = l.EndLoop(ctx, bob)
	require.NoError(t, err)

	venue := &balanceVenue{
		collateral: decimal.NewFromInt(100_000),
		debt:       decimal.NewFromInt(75_000),
		failOnce:   map[string]bool{},
	}
	h := &harness{
		ledger: l,
		venue:  venue,
		router: &parRouter{},
		events: &recorder{},
		resets: &resetRecorder{},
	}
	h.ctrl = NewController(l, safety.NewGuard(params), h.venue, h.router, memory.NewStepStore(), h.events, keylock.New(), h.resets, logger)
	return h
}

func assertDebtNonIncreasing(t *testing.T, events []domain.Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		prev := events[i-1].Unwind.RemainingDebt
		cur := events[i].Unwind.RemainingDebt
		assert.True(t, cur.LessThanOrEqual(prev), "debt grew from %s to %s", prev, cur)
	}
}

func TestUnwindCompletes(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	session, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
	require.NoError(t, err)
	assert.Equal(t, domain.UnwindStateRequested, session.State)
	assert.True(t, h.ctrl.Pending(bob))

	session, err = h.ctrl.Execute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.UnwindStateCompleted, session.State)
	assert.Greater(t, session.Steps, 1)
	assert.False(t, h.ctrl.Pending(bob))

	pos, err := h.ledger.Get(ctx, bob)
	require.NoError(t, err)
	assert.False(t, pos.IsActive)
	assert.False(t, pos.IsUnwinding)
	assert.True(t, pos.TotalDebt.IsZero())
	assert.True(t, pos.TotalCollateral.IsZero())

	assert.True(t, h.venue.debt.IsZero())
	assert.True(t, h.venue.collateral.IsZero())
	assert.Equal(t, []string{bob}, h.resets.users)

	steps := h.events.ofKind(domain.EventUnwindStepCompleted)
	require.Len(t, steps, session.Steps)
	assertDebtNonIncreasing(t, steps)
	require.Len(t, h.events.ofKind(domain.EventUnwindCompleted), 1)
}

func TestRequestUnwindIsIdempotent(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	_, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerRisk)
	require.NoError(t, err)
	session, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
	require.NoError(t, err)

	assert.Equal(t, domain.UnwindStateRequested, session.State)
	assert.Equal(t, domain.TriggerRisk, session.Trigger)
	assert.Len(t, h.events.ofKind(domain.EventUnwindRequested), 1)
}

func TestRequestUnwindWhileLooping(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	_, err := h.ledger.BeginLoop(ctx, bob)
	require.NoError(t, err)

	session, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerRisk)
	require.NoError(t, err)
	assert.Equal(t, domain.UnwindStateRequested, session.State)

	ev := h.events.ofKind(domain.EventUnwindRequested)
	require.Len(t, ev, 1)
	assert.True(t, ev[0].Position.IsLooping)

	_, err = h.ctrl.Execute(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.UnwindStateRequested, h.ctrl.Session(bob).State)
}

func TestRequestUnwindWithoutPosition(t *testing.T) {
	h := newHarness(t, testParams())
	_, err := h.ctrl.RequestUnwind(context.Background(), "0x0000000000000000000000000000000000000001", domain.TriggerUser)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestExecuteRequiresRequest(t *testing.T) {
	h := newHarness(t, testParams())
	_, err := h.ctrl.Execute(context.Background(), bob)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRepeatedUnwindConverges(t *testing.T) {
	params := testParams()
	params.MaxUnwindSteps = 2
	h := newHarness(t, params)
	ctx := context.Background()

	lastDebt := h.venue.debt
	for attempt := 0; attempt < 10; attempt++ {
		_, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
		require.NoError(t, err)

		session, err := h.ctrl.Execute(ctx, bob)
		if err == nil {
			assert.Equal(t, domain.UnwindStateCompleted, session.State)
			break
		}
		assert.ErrorIs(t, err, domain.ErrUnwindFailed)
		assert.Equal(t, domain.UnwindStateFailed, session.State)
		assert.True(t, h.venue.debt.LessThan(lastDebt), "attempt %d made no progress", attempt)
		lastDebt = h.venue.debt

		pos, err := h.ledger.Get(ctx, bob)
		require.NoError(t, err)
		assert.True(t, pos.IsActive)
		assert.False(t, pos.IsUnwinding)
	}

	assert.Equal(t, domain.UnwindStateCompleted, h.ctrl.Session(bob).State)
	assert.True(t, h.venue.debt.IsZero())
	assertDebtNonIncreasing(t, h.events.ofKind(domain.EventUnwindStepCompleted))
	assert.NotEmpty(t, h.events.ofKind(domain.EventUnwindFailed))
}

func TestVenueFailureKeepsPartialProgress(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.failOnce["withdraw"] = true

	_, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
	require.NoError(t, err)
	session, err := h.ctrl.Execute(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrUnwindFailed)
	assert.ErrorIs(t, err, domain.ErrVenue)
	assert.Equal(t, domain.UnwindStateFailed, session.State)
	assert.Contains(t, session.Reason, "withdraw")

	failed := h.events.ofKind(domain.EventUnwindFailed)
	require.Len(t, failed, 1)

	_, err = h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
	require.NoError(t, err)
	session, err = h.ctrl.Execute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, domain.UnwindStateCompleted, session.State)
}

func TestSwapFailureRestoresCollateral(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.router.failSwap = true

	_, err := h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
	require.NoError(t, err)
	_, err = h.ctrl.Execute(ctx, bob)
	assert.ErrorIs(t, err, domain.ErrUnwindFailed)

	assert.Equal(t, "100000", h.venue.collateral.String())
	pos, err := h.ledger.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "100000", pos.TotalCollateral.String())
	assert.Equal(t, "75000", pos.TotalDebt.String())
}

func TestUnwindWithoutDebtWithdrawsEverything(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.debt = decimal.Zero
	_, err := h.ledger.Reconcile(ctx, bob, domain.AccountData{Collateral: h.venue.collateral})
	require.NoError(t, err)

	_, err = h.ctrl.RequestUnwind(ctx, bob, domain.TriggerUser)
	require.NoError(t, err)
	session, err := h.ctrl.Execute(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 0, session.Steps)
	assert.True(t, h.venue.collateral.IsZero())
}
