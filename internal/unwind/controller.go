// Package unwind repays a position's debt and withdraws its collateral:
// NotRequested -> Requested -> Repaying -> Completed, or Failed with the
// partial progress kept so a later attempt continues from there.
package unwind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/keylock"
	"github.com/alanyoungcy/loopvault/internal/ledger"
	"github.com/alanyoungcy/loopvault/internal/safety"
)

// LoopResetter clears a user's loop session once the position is closed.
type LoopResetter interface {
	Reset(user string)
}

// Controller owns the unwind state machine for every user.
type Controller struct {
	ledger *ledger.Ledger
	guard  *safety.Guard
	venue  domain.LendingVenue
	router domain.SwapRouter
	steps  domain.StepStore
	events domain.EventPublisher
	locks  *keylock.Locker
	loops  LoopResetter

	mu       sync.RWMutex
	sessions map[string]*domain.UnwindSession

	now    func() time.Time
	logger *slog.Logger
}

// NewController creates a Controller sharing locks with the loop controller.
func NewController(
	l *ledger.Ledger,
	guard *safety.Guard,
	venue domain.LendingVenue,
	router domain.SwapRouter,
	steps domain.StepStore,
	events domain.EventPublisher,
	locks *keylock.Locker,
	loops LoopResetter,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		ledger:   l,
		guard:    guard,
		venue:    venue,
		router:   router,
		steps:    steps,
		events:   events,
		locks:    locks,
		loops:    loops,
		sessions: make(map[string]*domain.UnwindSession),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "unwind")),
	}
}

// Session returns the user's unwind session.
func (c *Controller) Session(user string) domain.UnwindSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.sessions[user]; ok {
		return *s
	}
	return domain.UnwindSession{User: user, State: domain.UnwindStateNotRequested}
}

// Pending reports whether an unwind is requested or executing.
func (c *Controller) Pending(user string) bool {
	return c.Session(user).State.Pending()
}

// RequestUnwind records the request immediately, even while a loop step is
// executing; it does not take the user lock. Requesting again while one is
// pending is a no-op.
func (c *Controller) RequestUnwind(ctx context.Context, user string, trigger domain.UnwindTrigger) (domain.UnwindSession, error) {
	pos, err := c.ledger.Get(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.UnwindSession{}, fmt.Errorf("unwind: request %s: no position: %w", user, domain.ErrInvalidState)
		}
		return domain.UnwindSession{}, fmt.Errorf("unwind: request: %w", err)
	}
	if !pos.IsActive {
		return domain.UnwindSession{}, fmt.Errorf("unwind: request %s: inactive position: %w", user, domain.ErrInvalidState)
	}

	c.mu.Lock()
	s, ok := c.sessions[user]
	if ok && s.State.Pending() {
		current := *s
		c.mu.Unlock()
		return current, nil
	}
	if !ok {
		s = &domain.UnwindSession{User: user}
		c.sessions[user] = s
	}
	s.State = domain.UnwindStateRequested
	s.Trigger = trigger
	s.Reason = ""
	s.UpdatedAt = c.now()
	session := *s
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "unwind requested",
		slog.String("user", user),
		slog.String("trigger", string(trigger)),
		slog.Bool("looping", pos.IsLooping),
		slog.Int64("ltv", pos.CurrentLTV),
	)
	c.emit(ctx, domain.Event{
		Kind:     domain.EventUnwindRequested,
		User:     user,
		Position: pos,
		Trigger:  trigger,
	})
	return session, nil
}

// Execute runs a requested unwind to completion or failure. The loop
// sequence must have ended first.
func (c *Controller) Execute(ctx context.Context, user string) (domain.UnwindSession, error) {
	unlock := c.locks.Lock(user)
	defer unlock()

	if s := c.Session(user); s.State != domain.UnwindStateRequested {
		return s, fmt.Errorf("unwind: execute %s in state %s: %w", user, s.State, domain.ErrInvalidState)
	}

	if _, err := c.ledger.BeginUnwind(ctx, user); err != nil {
		return c.Session(user), fmt.Errorf("unwind: execute: %w", err)
	}
	c.update(user, func(s *domain.UnwindSession) { s.State = domain.UnwindStateRepaying })

	if err := c.repayAll(ctx, user); err != nil {
		return c.fail(ctx, user, err), fmt.Errorf("unwind: execute %s: %w: %w", user, domain.ErrUnwindFailed, err)
	}
	if err := c.withdrawRest(ctx, user); err != nil {
		return c.fail(ctx, user, err), fmt.Errorf("unwind: execute %s: %w: %w", user, domain.ErrUnwindFailed, err)
	}

	pos, err := c.ledger.EndUnwind(ctx, user)
	if err != nil {
		c.logger.WarnContext(ctx, "end unwind failed", slog.String("user", user), slog.String("error", err.Error()))
	}
	session := c.update(user, func(s *domain.UnwindSession) { s.State = domain.UnwindStateCompleted })
	if c.loops != nil {
		c.loops.Reset(user)
	}

	c.logger.InfoContext(ctx, "unwind completed",
		slog.String("user", user),
		slog.Int("steps", session.Steps),
	)
	c.emit(ctx, domain.Event{
		Kind:     domain.EventUnwindCompleted,
		User:     user,
		Position: pos,
		Trigger:  session.Trigger,
	})
	return session, nil
}

// repayAll withdraws collateral within the LTV ceiling, swaps it to the
// debt asset and repays, until the venue reports no debt.
func (c *Controller) repayAll(ctx context.Context, user string) error {
	params := c.guard.Params()
	for i := 0; ; i++ {
		acct, err := c.venue.GetAccountData(ctx, user)
		if err != nil {
			return domain.VenueFailure(user, "account_data", err)
		}
		if acct.Debt.Sign() <= 0 {
			return nil
		}
		if i >= params.MaxUnwindSteps {
			return fmt.Errorf("debt %s left after %d steps", acct.Debt, i)
		}

		// Cover the debt plus the worst tolerated slippage, but never more
		// than the ceiling allows.
		need := acct.Debt.Mul(decimal.NewFromInt(domain.BpsDenominator)).
			Div(decimal.NewFromInt(domain.BpsDenominator - params.MaxSlippage)).Ceil()
		amount := decimal.Min(c.guard.UnwindIncrement(acct), need)
		if !amount.IsPositive() {
			return fmt.Errorf("no withdrawable collateral at ltv %d", acct.LTV())
		}

		rec, err := c.step(ctx, user, amount, acct.Debt)
		if err != nil {
			return err
		}
		if !rec.Repaid.IsPositive() {
			return fmt.Errorf("unwind step %d repaid nothing", rec.StepNumber)
		}
	}
}

func (c *Controller) step(ctx context.Context, user string, amount, debt decimal.Decimal) (domain.UnwindRecord, error) {
	withdrawn, err := c.venue.Withdraw(ctx, user, amount)
	if err != nil {
		return domain.UnwindRecord{}, domain.VenueFailure(user, "withdraw", err)
	}

	quoted, err := c.router.Quote(ctx, domain.SwapCollateralToDebt, withdrawn)
	if err != nil {
		return domain.UnwindRecord{}, c.restore(ctx, user, withdrawn, domain.VenueFailure(user, "quote", err))
	}
	out, err := c.router.Swap(ctx, domain.SwapCollateralToDebt, withdrawn, c.guard.MinAmountOut(quoted))
	if err != nil {
		return domain.UnwindRecord{}, c.restore(ctx, user, withdrawn, domain.VenueFailure(user, "swap", err))
	}
	if err := c.guard.CheckSlippage(quoted, out); err != nil {
		return domain.UnwindRecord{}, c.partial(ctx, user, withdrawn, &domain.StepError{User: user, Op: "swap", Err: err})
	}

	repaid, err := c.venue.Repay(ctx, user, decimal.Min(out, debt))
	if err != nil {
		return domain.UnwindRecord{}, c.partial(ctx, user, withdrawn, domain.VenueFailure(user, "repay", err))
	}

	pos, err := c.ledger.ApplyUnwindStep(ctx, user, repaid, withdrawn)
	if err != nil {
		return domain.UnwindRecord{}, err
	}

	session := c.update(user, func(s *domain.UnwindSession) { s.Steps++ })
	rec := domain.UnwindRecord{
		User:                user,
		StepNumber:          session.Steps,
		Withdrawn:           withdrawn,
		Swapped:             out,
		Repaid:              repaid,
		RemainingCollateral: pos.TotalCollateral,
		RemainingDebt:       pos.TotalDebt,
		ExecutedAt:          c.now(),
	}
	if err := c.steps.InsertUnwindStep(ctx, rec); err != nil {
		c.logger.WarnContext(ctx, "persist unwind record failed",
			slog.String("user", user),
			slog.Int("step", rec.StepNumber),
			slog.String("error", err.Error()),
		)
	}

	c.logger.InfoContext(ctx, "unwind step completed",
		slog.String("user", user),
		slog.Int("step", rec.StepNumber),
		slog.String("withdrawn", withdrawn.String()),
		slog.String("repaid", repaid.String()),
		slog.String("remaining_debt", pos.TotalDebt.String()),
	)
	c.emit(ctx, domain.Event{
		Kind:     domain.EventUnwindStepCompleted,
		User:     user,
		Unwind:   &rec,
		Position: pos,
	})
	return rec, nil
}

// restore puts withdrawn collateral back when the swap never happened. If
// that also fails the withdrawal is recorded as partial progress.
func (c *Controller) restore(ctx context.Context, user string, withdrawn decimal.Decimal, cause error) error {
	if err := c.venue.Supply(ctx, user, withdrawn); err != nil {
		return c.partial(ctx, user, withdrawn, cause)
	}
	return cause
}

// partial records collateral that left the venue before a later leg of the
// step failed, so the ledger never overstates what is still supplied.
func (c *Controller) partial(ctx context.Context, user string, withdrawn decimal.Decimal, cause error) error {
	if _, err := c.ledger.ApplyUnwindStep(ctx, user, decimal.Zero, withdrawn); err != nil {
		c.logger.WarnContext(ctx, "record partial withdraw failed",
			slog.String("user", user),
			slog.String("withdrawn", withdrawn.String()),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// withdrawRest pulls the remaining collateral once the debt is gone and
// aligns the ledger with the emptied account.
func (c *Controller) withdrawRest(ctx context.Context, user string) error {
	acct, err := c.venue.GetAccountData(ctx, user)
	if err != nil {
		return domain.VenueFailure(user, "account_data", err)
	}
	if acct.Collateral.IsPositive() {
		if _, err := c.venue.Withdraw(ctx, user, acct.Collateral); err != nil {
			return domain.VenueFailure(user, "withdraw", err)
		}
	}

	acct, err = c.venue.GetAccountData(ctx, user)
	if err != nil {
		return domain.VenueFailure(user, "account_data", err)
	}
	if _, err := c.ledger.Reconcile(ctx, user, acct); err != nil {
		return err
	}
	return nil
}

// fail moves the session to Failed and clears the ledger's unwinding flag.
// Everything already repaid stays repaid.
func (c *Controller) fail(ctx context.Context, user string, cause error) domain.UnwindSession {
	pos, err := c.ledger.EndUnwind(ctx, user)
	if err != nil {
		c.logger.WarnContext(ctx, "end unwind failed", slog.String("user", user), slog.String("error", err.Error()))
	}
	session := c.update(user, func(s *domain.UnwindSession) {
		s.State = domain.UnwindStateFailed
		s.Reason = cause.Error()
	})

	c.logger.WarnContext(ctx, "unwind failed",
		slog.String("user", user),
		slog.Int("steps", session.Steps),
		slog.String("error", cause.Error()),
	)
	c.emit(ctx, domain.Event{
		Kind:     domain.EventUnwindFailed,
		User:     user,
		Position: pos,
		Trigger:  session.Trigger,
		Reason:   cause.Error(),
	})
	return session
}

func (c *Controller) update(user string, fn func(s *domain.UnwindSession)) domain.UnwindSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[user]
	if !ok {
		s = &domain.UnwindSession{User: user, State: domain.UnwindStateNotRequested}
		c.sessions[user] = s
	}
	fn(s)
	s.UpdatedAt = c.now()
	return *s
}

func (c *Controller) emit(ctx context.Context, ev domain.Event) {
	ev.ID = uuid.NewString()
	ev.Timestamp = c.now()
	if err := c.events.PublishEvent(ctx, ev); err != nil {
		c.logger.WarnContext(ctx, "publish event failed",
			slog.String("user", ev.User),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
