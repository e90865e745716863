package looper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/keylock"
	"github.com/alanyoungcy/loopvault/internal/ledger"
	"github.com/alanyoungcy/loopvault/internal/safety"
	"github.com/alanyoungcy/loopvault/internal/store/memory"
)

const alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

var deposit = decimal.RequireFromString("50000000000000000") // 0.05 ETH

func testParams() domain.LoopParams {
	return domain.LoopParams{
		TargetLTV:        7500,
		MaxSlippage:      50,
		MinLTVDelta:      100,
		AbsoluteMaxLoops: 10,
		SafeHealthFactor: decimal.RequireFromString("1.5"),
		MinBorrowAmount:  decimal.RequireFromString("1000000000000000"),
		UnwindLTVCeiling: 8000,
		MaxUnwindSteps:   20,
	}
}

type harness struct {
	ctrl    *Controller
	ledger  *ledger.Ledger
	venue   *scriptedVenue
	router  *fakeRouter
	events  *recorder
	steps   *memory.StepStore
	pending pendingSet
}

func newHarness(t *testing.T, params domain.LoopParams) *harness {
	t.Helper()
	logger := discardLogger()
	l := ledger.New(memory.NewPositionStore(), memory.NewAuditStore(), params.AbsoluteMaxLoops, logger)
	h := &harness{
		ledger:  l,
		venue:   &scriptedVenue{},
		router:  &fakeRouter{},
		events:  &recorder{},
		steps:   memory.NewStepStore(),
		pending: pendingSet{},
	}
	h.ctrl = NewController(l, safety.NewGuard(params), h.venue, h.router, h.steps, h.events, keylock.New(), logger)
	h.ctrl.SetUnwindTracker(h.pending)
	return h
}

// step executes loopNumber of the current sequence.
func (h *harness) step(ctx context.Context, loopNumber int) error {
	return h.ctrl.ExecuteStep(ctx, alice, h.ctrl.Session(alice).Sequence, loopNumber)
}

func (h *harness) abort(ctx context.Context, loopNumber int, reason error) error {
	return h.ctrl.Abort(ctx, alice, h.ctrl.Session(alice).Sequence, loopNumber, reason)
}

func (h *harness) position(t *testing.T) domain.Position {
	t.Helper()
	pos, err := h.ledger.Get(context.Background(), alice)
	require.NoError(t, err)
	return pos
}

func TestDepositOpensSequence(t *testing.T) {
	h := newHarness(t, testParams())

	session, err := h.ctrl.RequestDeposit(context.Background(), alice, deposit)
	require.NoError(t, err)
	assert.Equal(t, domain.LoopStateRequested, session.State)
	assert.Equal(t, 1, session.NextLoopNumber())
	assert.Equal(t, int64(7500), session.TargetLTV)

	pos := h.position(t)
	assert.True(t, pos.IsActive)
	assert.True(t, pos.IsLooping)

	ev := h.events.last()
	assert.Equal(t, domain.EventLoopRequested, ev.Kind)
	assert.Equal(t, deposit.String(), ev.InitialAmount.String())
	assert.NotEmpty(t, ev.ID)
}

func TestLoopReachesTarget(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.script = []domain.AccountData{
		ltvAccount(3000, "2.6"),
		ltvAccount(5800, "1.9"),
		ltvAccount(7600, "1.6"),
	}

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)

	for n := 1; n <= 3; n++ {
		require.NoError(t, h.step(ctx, n))
	}

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateCompleted, session.State)
	assert.Equal(t, string(domain.StopTargetReached), session.Reason)

	pos := h.position(t)
	assert.Equal(t, 3, pos.LoopsCompleted)
	assert.Equal(t, int64(7600), pos.CurrentLTV)
	assert.False(t, pos.IsLooping)

	assert.Equal(t, []domain.EventKind{
		domain.EventLoopRequested,
		domain.EventLoopStepCompleted,
		domain.EventLoopStepCompleted,
		domain.EventLoopStepCompleted,
		domain.EventLoopingCompleted,
	}, h.events.kinds())

	recs, err := h.steps.ListSteps(ctx, alice, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 3, recs[0].LoopNumber)
	assert.Equal(t, "37500000000000000", recs[2].Borrowed.String())

	assert.ErrorIs(t, h.step(ctx, 4), domain.ErrStaleStep)
}

func TestLoopHaltsWithoutProgress(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.script = []domain.AccountData{
		ltvAccount(3000, "2.6"),
		ltvAccount(3050, "2.5"),
	}

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	require.NoError(t, h.step(ctx, 1))
	require.NoError(t, h.step(ctx, 2))

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateHalted, session.State)
	assert.Equal(t, string(domain.StopNoProgress), session.Reason)
	assert.Equal(t, 2, h.position(t).LoopsCompleted)
	assert.Equal(t, domain.EventLoopHalted, h.events.last().Kind)
}

func TestLoopStopsAtCap(t *testing.T) {
	params := testParams()
	params.AbsoluteMaxLoops = 3
	h := newHarness(t, params)
	ctx := context.Background()
	h.venue.script = []domain.AccountData{
		ltvAccount(1000, "4"),
		ltvAccount(2000, "3"),
		ltvAccount(3000, "2.5"),
	}

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	for n := 1; n <= 3; n++ {
		require.NoError(t, h.step(ctx, n))
	}

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateHalted, session.State)
	assert.Equal(t, string(domain.StopLoopCapReached), session.Reason)
	assert.Equal(t, 3, h.position(t).LoopsCompleted)
	assert.ErrorIs(t, h.step(ctx, 4), domain.ErrStaleStep)
}

func TestSlippageFailsSequence(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.router.shortfall = 100

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)

	err = h.step(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateFailed, session.State)
	assert.Contains(t, session.Reason, "slippage exceeded")

	ev := h.events.last()
	assert.Equal(t, domain.EventLoopFailed, ev.Kind)
	assert.Equal(t, 1, ev.LoopNumber)

	pos := h.position(t)
	assert.Equal(t, 0, pos.LoopsCompleted)
	assert.False(t, pos.IsLooping)
	// borrowed funds are reflected after reconciliation with the venue
	assert.Equal(t, "37500000000000000", pos.TotalDebt.String())

	assert.ErrorIs(t, h.step(ctx, 1), domain.ErrStaleStep)
}

func TestVenueErrorFailsSequence(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	h.venue.failOp = "borrow"

	err = h.step(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrVenue)

	var stepErr *domain.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "borrow", stepErr.Op)
	assert.Equal(t, domain.LoopStateFailed, h.ctrl.Session(alice).State)
}

func TestDepositVenueErrorLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t, testParams())
	h.venue.failOp = "supply"

	_, err := h.ctrl.RequestDeposit(context.Background(), alice, deposit)
	assert.ErrorIs(t, err, domain.ErrVenue)

	_, err = h.ledger.Get(context.Background(), alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.events.kinds())
}

func TestStaleStepIsIgnored(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	assert.ErrorIs(t, h.step(ctx, 1), domain.ErrStaleStep)

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	before := len(h.events.kinds())

	assert.ErrorIs(t, h.step(ctx, 2), domain.ErrStaleStep)
	assert.ErrorIs(t, h.step(ctx, 0), domain.ErrStaleStep)
	assert.Len(t, h.events.kinds(), before)
	assert.Equal(t, domain.LoopStateRequested, h.ctrl.Session(alice).State)
	assert.Equal(t, 0, h.position(t).LoopsCompleted)
}

func TestDepositRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)

	_, err = h.ctrl.RequestDeposit(ctx, alice, deposit)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = h.ctrl.Continue(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDepositRejectedWhileUnwindPending(t *testing.T) {
	h := newHarness(t, testParams())
	h.pending[alice] = true

	_, err := h.ctrl.RequestDeposit(context.Background(), alice, deposit)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDepositRejectsNonPositiveAmount(t *testing.T) {
	h := newHarness(t, testParams())
	_, err := h.ctrl.RequestDeposit(context.Background(), alice, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestHaltStopsSequence(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)

	session, err := h.ctrl.Halt(ctx, alice, domain.StopHaltRequested)
	require.NoError(t, err)
	assert.Equal(t, domain.LoopStateHalted, session.State)
	assert.False(t, h.position(t).IsLooping)
	assert.Equal(t, domain.EventLoopHalted, h.events.last().Kind)

	again, err := h.ctrl.Halt(ctx, alice, domain.StopHaltRequested)
	require.NoError(t, err)
	assert.Equal(t, session.State, again.State)
}

func TestPendingUnwindHaltsNextStep(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.script = []domain.AccountData{ltvAccount(3000, "1.2")}

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	require.NoError(t, h.step(ctx, 1))

	h.pending[alice] = true
	require.NoError(t, h.step(ctx, 2))

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateHalted, session.State)
	assert.Equal(t, string(domain.StopUnwindRequested), session.Reason)
	assert.Equal(t, 1, h.position(t).LoopsCompleted)
}

func TestAbortOnConfirmationTimeout(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)

	require.NoError(t, h.abort(ctx, 1, domain.ErrConfirmationTimeout))

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateFailed, session.State)
	assert.Contains(t, session.Reason, domain.ErrConfirmationTimeout.Error())
	assert.ErrorIs(t, h.step(ctx, 1), domain.ErrStaleStep)
	assert.ErrorIs(t, h.abort(ctx, 1, nil), domain.ErrStaleStep)
}

func TestReplayedAbortLeavesNewerSequenceAlone(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.script = []domain.AccountData{ltvAccount(3000, "2.6")}

	first, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	require.NoError(t, h.step(ctx, 1))
	require.NoError(t, h.ctrl.Abort(ctx, alice, first.Sequence, 2, domain.ErrConfirmationTimeout))
	require.Equal(t, domain.LoopStateFailed, h.ctrl.Session(alice).State)

	second, err := h.ctrl.Continue(ctx, alice)
	require.NoError(t, err)
	require.Greater(t, second.Sequence, first.Sequence)

	h.venue.script = []domain.AccountData{ltvAccount(4500, "2.1")}
	require.NoError(t, h.ctrl.ExecuteStep(ctx, alice, second.Sequence, 2))
	require.Equal(t, domain.LoopStateStepping, h.ctrl.Session(alice).State)
	before := len(h.events.kinds())

	// the stream redelivers the old abort and the old authorization
	assert.ErrorIs(t, h.ctrl.Abort(ctx, alice, first.Sequence, 2, domain.ErrConfirmationTimeout), domain.ErrStaleStep)
	assert.ErrorIs(t, h.ctrl.ExecuteStep(ctx, alice, first.Sequence, 3), domain.ErrStaleStep)
	// an abort for a step that was already confirmed
	assert.ErrorIs(t, h.ctrl.Abort(ctx, alice, second.Sequence, 2, domain.ErrConfirmationTimeout), domain.ErrStaleStep)

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateStepping, session.State)
	assert.Equal(t, 3, session.NextLoopNumber())
	assert.Empty(t, session.Reason)
	assert.Len(t, h.events.kinds(), before)
	assert.True(t, h.position(t).IsLooping)
}

func TestExpireStaleFailsUnauthorizedSequence(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	clock := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h.ctrl.now = func() time.Time { return clock }

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	assert.Equal(t, 0, h.ctrl.ExpireStale(ctx, 10*time.Minute))

	clock = clock.Add(11 * time.Minute)
	assert.Equal(t, 1, h.ctrl.ExpireStale(ctx, 10*time.Minute))

	session := h.ctrl.Session(alice)
	assert.Equal(t, domain.LoopStateFailed, session.State)
	assert.Contains(t, session.Reason, domain.ErrConfirmationTimeout.Error())
	assert.False(t, h.position(t).IsLooping)
	assert.Equal(t, domain.EventLoopFailed, h.events.last().Kind)

	// the user can start again
	_, err = h.ctrl.Continue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 0, h.ctrl.ExpireStale(ctx, 10*time.Minute))
}

func TestRunExpiryDisabled(t *testing.T) {
	h := newHarness(t, testParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.ctrl.RunExpiry(ctx, time.Second, 0), context.Canceled)
}

func TestContinueAfterHalt(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()
	h.venue.script = []domain.AccountData{
		ltvAccount(3000, "2.6"),
		ltvAccount(3050, "2.5"),
		ltvAccount(4500, "2.1"),
	}

	first, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)
	require.NoError(t, h.step(ctx, 1))
	require.NoError(t, h.step(ctx, 2))
	require.Equal(t, domain.LoopStateHalted, h.ctrl.Session(alice).State)

	session, err := h.ctrl.Continue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.LoopStateRequested, session.State)
	assert.Greater(t, session.Sequence, first.Sequence)
	assert.Equal(t, 3, session.NextLoopNumber())

	require.NoError(t, h.step(ctx, 3))
	assert.Equal(t, 3, h.position(t).LoopsCompleted)
	assert.Equal(t, domain.LoopStateStepping, h.ctrl.Session(alice).State)
}

func TestContinueWithoutPosition(t *testing.T) {
	h := newHarness(t, testParams())
	_, err := h.ctrl.Continue(context.Background(), alice)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRecoverFailsInterruptedSequence(t *testing.T) {
	h := newHarness(t, testParams())
	ctx := context.Background()

	_, err := h.ctrl.RequestDeposit(ctx, alice, deposit)
	require.NoError(t, err)

	restarted := NewController(h.ledger, safety.NewGuard(testParams()), h.venue, h.router, h.steps, h.events, keylock.New(), discardLogger())
	require.NoError(t, restarted.Recover(ctx))

	assert.Equal(t, domain.LoopStateFailed, restarted.Session(alice).State)
	assert.False(t, h.position(t).IsLooping)
	assert.Equal(t, domain.EventLoopFailed, h.events.last().Kind)
}
