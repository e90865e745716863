// Package looper drives a user's loop sequence from deposit to a terminal
// state: Idle -> Requested -> Stepping(n) -> Completed | Failed | Halted.
// Each authorization runs at most one borrow/swap/supply step.
package looper

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

// UnwindTracker reports whether an unwind is pending for a user.
type UnwindTracker interface {
	Pending(user string) bool
}

// Controller owns the loop state machine for every user.
type Controller struct {
	ledger  *ledger.Ledger
	guard   *safety.Guard
	venue   domain.LendingVenue
	router  domain.SwapRouter
	steps   domain.StepStore
	events  domain.EventPublisher
	locks   *keylock.Locker
	unwinds UnwindTracker

	mu       sync.RWMutex
	sessions map[string]*domain.LoopSession

	now    func() time.Time
	logger *slog.Logger
}

// NewController creates a Controller. locks must be the same Locker the
// unwind controller uses so loop and unwind work for one user never overlap.
func NewController(
	l *ledger.Ledger,
	guard *safety.Guard,
	venue domain.LendingVenue,
	router domain.SwapRouter,
	steps domain.StepStore,
	events domain.EventPublisher,
	locks *keylock.Locker,
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
		sessions: make(map[string]*domain.LoopSession),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "looper")),
	}
}

// SetUnwindTracker wires the unwind controller after both are constructed.
func (c *Controller) SetUnwindTracker(t UnwindTracker) {
	c.unwinds = t
}

// Session returns the user's current loop session. Users that never
// deposited are Idle.
func (c *Controller) Session(user string) domain.LoopSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.sessions[user]; ok {
		return *s
	}
	return domain.LoopSession{User: user, State: domain.LoopStateIdle}
}

// RequestDeposit supplies amount to the venue, credits the ledger and opens
// a new loop sequence.
func (c *Controller) RequestDeposit(ctx context.Context, user string, amount decimal.Decimal) (domain.LoopSession, error) {
	if !amount.IsPositive() {
		return domain.LoopSession{}, fmt.Errorf("looper: deposit %s: %w", amount, domain.ErrInvalidAmount)
	}

	unlock := c.locks.Lock(user)
	defer unlock()

	if err := c.checkStartable(user); err != nil {
		return domain.LoopSession{}, fmt.Errorf("looper: deposit: %w", err)
	}

	if err := c.venue.Supply(ctx, user, amount); err != nil {
		return domain.LoopSession{}, fmt.Errorf("looper: deposit: %w", domain.VenueFailure(user, "supply", err))
	}

	pos, err := c.ledger.ApplyDeposit(ctx, user, amount)
	if err != nil {
		c.logger.ErrorContext(ctx, "deposit supplied but not recorded",
			slog.String("user", user),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		return domain.LoopSession{}, fmt.Errorf("looper: deposit: %w", err)
	}

	return c.startSequence(ctx, user, pos, amount)
}

// Continue re-opens a sequence after a Completed, Failed or Halted one,
// without a new deposit.
func (c *Controller) Continue(ctx context.Context, user string) (domain.LoopSession, error) {
	unlock := c.locks.Lock(user)
	defer unlock()

	if err := c.checkStartable(user); err != nil {
		return domain.LoopSession{}, fmt.Errorf("looper: continue: %w", err)
	}

	pos, err := c.ledger.Get(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.LoopSession{}, fmt.Errorf("looper: continue %s: no position: %w", user, domain.ErrInvalidState)
		}
		return domain.LoopSession{}, fmt.Errorf("looper: continue: %w", err)
	}
	if !pos.IsActive {
		return domain.LoopSession{}, fmt.Errorf("looper: continue %s: inactive position: %w", user, domain.ErrInvalidState)
	}

	return c.startSequence(ctx, user, pos, decimal.Zero)
}

func (c *Controller) checkStartable(user string) error {
	if s := c.Session(user); s.State.InFlight() {
		return fmt.Errorf("sequence already %s for %s: %w", s.State, user, domain.ErrInvalidState)
	}
	if c.unwinds != nil && c.unwinds.Pending(user) {
		return fmt.Errorf("unwind pending for %s: %w", user, domain.ErrInvalidState)
	}
	return nil
}

// startSequence runs with the user lock held.
func (c *Controller) startSequence(ctx context.Context, user string, pos domain.Position, amount decimal.Decimal) (domain.LoopSession, error) {
	// Sequence numbers never repeat for a user, also across restarts.
	seq := c.Session(user).Sequence + 1
	if floor := c.now().UnixMilli(); seq < floor {
		seq = floor
	}
	session := domain.LoopSession{
		User:          user,
		State:         domain.LoopStateRequested,
		Sequence:      seq,
		LoopNumber:    pos.LoopsCompleted,
		InitialAmount: amount,
		TargetLTV:     c.guard.Params().TargetLTV,
		UpdatedAt:     c.now(),
	}

	if d := c.guard.CanStartLooping(pos); !d.Continue {
		c.store(session)
		return c.finish(ctx, user, pos, d.Reason), nil
	}

	pos, err := c.ledger.BeginLoop(ctx, user)
	if err != nil {
		return domain.LoopSession{}, fmt.Errorf("looper: begin loop: %w", err)
	}
	c.store(session)

	c.logger.InfoContext(ctx, "loop requested",
		slog.String("user", user),
		slog.Int64("sequence", session.Sequence),
		slog.String("initial_amount", amount.String()),
		slog.Int64("target_ltv", session.TargetLTV),
	)
	c.emit(ctx, domain.Event{
		Kind:          domain.EventLoopRequested,
		User:          user,
		Sequence:      session.Sequence,
		LoopNumber:    session.LoopNumber,
		InitialAmount: amount,
		TargetLTV:     session.TargetLTV,
		Position:      pos,
	})
	return session, nil
}

// current reports whether (sequence, loopNumber) names the step the user's
// in-flight sequence is waiting for.
func current(session domain.LoopSession, sequence int64, loopNumber int) bool {
	return session.State.InFlight() &&
		session.Sequence == sequence &&
		loopNumber == session.NextLoopNumber()
}

// ExecuteStep runs the step numbered loopNumber of sequence. Anything but the
// next expected step of the current sequence is stale and leaves all state
// untouched.
func (c *Controller) ExecuteStep(ctx context.Context, user string, sequence int64, loopNumber int) error {
	unlock := c.locks.Lock(user)
	defer unlock()

	session := c.Session(user)
	if !current(session, sequence, loopNumber) {
		c.logger.DebugContext(ctx, "stale step ignored",
			slog.String("user", user),
			slog.Int64("sequence", sequence),
			slog.Int("loop_number", loopNumber),
			slog.String("state", string(session.State)),
			slog.Int64("current_sequence", session.Sequence),
			slog.Int("expected", session.NextLoopNumber()),
		)
		return fmt.Errorf("looper: step %d of sequence %d for %s: %w", loopNumber, sequence, user, domain.ErrStaleStep)
	}

	pos, err := c.ledger.Get(ctx, user)
	if err != nil {
		c.fail(ctx, user, err)
		return fmt.Errorf("looper: step %d: %w", loopNumber, err)
	}

	if c.unwinds != nil && c.unwinds.Pending(user) {
		c.finish(ctx, user, pos, domain.StopUnwindRequested)
		return nil
	}

	borrow := c.guard.NextBorrowAmount(pos)
	if borrow.IsZero() {
		c.finish(ctx, user, pos, domain.StopBelowMinBorrow)
		return nil
	}

	rec, err := c.runStep(ctx, user, loopNumber, borrow)
	if err != nil {
		c.fail(ctx, user, err)
		return fmt.Errorf("looper: step %d: %w", loopNumber, err)
	}

	pos, err = c.ledger.ApplyLoopStep(ctx, user, rec)
	if err != nil {
		c.fail(ctx, user, err)
		return fmt.Errorf("looper: step %d: %w", loopNumber, err)
	}

	if err := c.steps.InsertStep(ctx, rec); err != nil {
		c.logger.WarnContext(ctx, "persist step record failed",
			slog.String("user", user),
			slog.Int("loop_number", loopNumber),
			slog.String("error", err.Error()),
		)
	}

	c.update(user, func(s *domain.LoopSession) {
		s.State = domain.LoopStateStepping
		s.LoopNumber = pos.LoopsCompleted
	})

	c.logger.InfoContext(ctx, "loop step completed",
		slog.String("user", user),
		slog.Int("loop_number", rec.LoopNumber),
		slog.String("borrowed", rec.Borrowed.String()),
		slog.String("supplied", rec.Supplied.String()),
		slog.Int64("ltv", rec.CurrentLTV),
		slog.String("health_factor", rec.HealthFactor.String()),
	)
	c.emit(ctx, domain.Event{
		Kind:         domain.EventLoopStepCompleted,
		User:         user,
		Sequence:     session.Sequence,
		LoopNumber:   rec.LoopNumber,
		Step:         &rec,
		Position:     pos,
		HealthFactor: rec.HealthFactor,
	})

	if d := c.guard.CanContinueLooping(pos); !d.Continue {
		c.finish(ctx, user, pos, d.Reason)
	}
	return nil
}

// runStep performs borrow -> quote -> swap -> supply -> account read.
func (c *Controller) runStep(ctx context.Context, user string, loopNumber int, borrow decimal.Decimal) (domain.StepRecord, error) {
	if err := c.venue.Borrow(ctx, user, borrow); err != nil {
		return domain.StepRecord{}, domain.VenueFailure(user, "borrow", err)
	}

	quoted, err := c.router.Quote(ctx, domain.SwapDebtToCollateral, borrow)
	if err != nil {
		return domain.StepRecord{}, domain.VenueFailure(user, "quote", err)
	}
	out, err := c.router.Swap(ctx, domain.SwapDebtToCollateral, borrow, c.guard.MinAmountOut(quoted))
	if err != nil {
		return domain.StepRecord{}, domain.VenueFailure(user, "swap", err)
	}
	if err := c.guard.CheckSlippage(quoted, out); err != nil {
		return domain.StepRecord{}, &domain.StepError{User: user, Op: "swap", Err: err}
	}

	if err := c.venue.Supply(ctx, user, out); err != nil {
		return domain.StepRecord{}, domain.VenueFailure(user, "supply", err)
	}

	acct, err := c.venue.GetAccountData(ctx, user)
	if err != nil {
		return domain.StepRecord{}, domain.VenueFailure(user, "account_data", err)
	}

	return domain.StepRecord{
		User:         user,
		LoopNumber:   loopNumber,
		Borrowed:     borrow,
		Swapped:      out,
		Supplied:     out,
		CurrentLTV:   acct.LTV(),
		HealthFactor: acct.HealthFactor,
		ExecutedAt:   c.now(),
	}, nil
}

// Halt stops authorizing further steps. A halt arriving while a step is
// executing takes effect once that step finishes. Halting a sequence that
// is not in flight is a no-op.
func (c *Controller) Halt(ctx context.Context, user string, reason domain.StopReason) (domain.LoopSession, error) {
	unlock := c.locks.Lock(user)
	defer unlock()

	session := c.Session(user)
	if !session.State.InFlight() {
		return session, nil
	}
	pos, err := c.ledger.Get(ctx, user)
	if err != nil {
		return session, fmt.Errorf("looper: halt: %w", err)
	}
	return c.finish(ctx, user, pos, reason), nil
}

// Abort fails the sequence when the dispatcher gave up waiting for the
// confirmation of loopNumber. It only acts while that exact step of that
// sequence is still awaited, so a redelivered abort is a no-op.
func (c *Controller) Abort(ctx context.Context, user string, sequence int64, loopNumber int, reason error) error {
	unlock := c.locks.Lock(user)
	defer unlock()

	session := c.Session(user)
	if !current(session, sequence, loopNumber) {
		return fmt.Errorf("looper: abort %d of sequence %d for %s: %w", loopNumber, sequence, user, domain.ErrStaleStep)
	}
	if reason == nil {
		reason = domain.ErrConfirmationTimeout
	}
	c.fail(ctx, user, fmt.Errorf("step %d: %w", loopNumber, reason))
	return nil
}

// ExpireStale fails every in-flight sequence that has waited longer than
// maxIdle for its next authorization and returns how many it failed. It
// covers authorizations the reactive side lost, for example across a
// restart.
func (c *Controller) ExpireStale(ctx context.Context, maxIdle time.Duration) int {
	cutoff := c.now().Add(-maxIdle)

	c.mu.RLock()
	var candidates []string
	for user, s := range c.sessions {
		if s.State.InFlight() && s.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, user)
		}
	}
	c.mu.RUnlock()

	expired := 0
	for _, user := range candidates {
		unlock := c.locks.Lock(user)
		// A step may have run while we waited for the lock.
		if s := c.Session(user); s.State.InFlight() && s.UpdatedAt.Before(cutoff) {
			c.fail(ctx, user, fmt.Errorf("step %d: no authorization within %s: %w",
				s.NextLoopNumber(), maxIdle, domain.ErrConfirmationTimeout))
			expired++
		}
		unlock()
	}
	return expired
}

// RunExpiry calls ExpireStale every interval until ctx is cancelled. A
// non-positive maxIdle disables it.
func (c *Controller) RunExpiry(ctx context.Context, interval, maxIdle time.Duration) error {
	if maxIdle <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if interval <= 0 {
		interval = maxIdle / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.ExpireStale(ctx, maxIdle); n > 0 {
				c.logger.WarnContext(ctx, "stale sequences failed",
					slog.Int("count", n),
					slog.Duration("max_idle", maxIdle),
				)
			}
		}
	}
}

// Reset returns a user's session to Idle once the position is closed. The
// sequence number is kept.
func (c *Controller) Reset(user string) {
	c.update(user, func(s *domain.LoopSession) {
		*s = domain.LoopSession{User: user, State: domain.LoopStateIdle, Sequence: s.Sequence}
	})
}

// Recover fails any sequence that was in flight when the process stopped.
// Session state lives in memory, so the ledger flag is all that survives.
func (c *Controller) Recover(ctx context.Context) error {
	positions, err := c.ledger.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("looper: recover: %w", err)
	}
	for _, pos := range positions {
		if !pos.IsLooping {
			continue
		}
		unlock := c.locks.Lock(pos.User)
		c.store(domain.LoopSession{
			User:       pos.User,
			State:      domain.LoopStateStepping,
			LoopNumber: pos.LoopsCompleted,
			UpdatedAt:  c.now(),
		})
		c.fail(ctx, pos.User, errors.New("sequence interrupted by restart"))
		unlock()
	}
	return nil
}

// finish moves the session to Completed or Halted and emits the terminal
// event. Runs with the user lock held.
func (c *Controller) finish(ctx context.Context, user string, pos domain.Position, reason domain.StopReason) domain.LoopSession {
	if ended, err := c.ledger.EndLoop(ctx, user); err != nil {
		c.logger.WarnContext(ctx, "end loop failed", slog.String("user", user), slog.String("error", err.Error()))
	} else {
		pos = ended
	}

	state, kind := domain.LoopStateHalted, domain.EventLoopHalted
	if reason == domain.StopTargetReached {
		state, kind = domain.LoopStateCompleted, domain.EventLoopingCompleted
	}
	session := c.update(user, func(s *domain.LoopSession) {
		s.State = state
		s.Reason = string(reason)
		s.LoopNumber = pos.LoopsCompleted
	})

	c.logger.InfoContext(ctx, "loop sequence ended",
		slog.String("user", user),
		slog.String("state", string(state)),
		slog.String("reason", string(reason)),
		slog.Int("loops", pos.LoopsCompleted),
		slog.Int64("ltv", pos.CurrentLTV),
	)
	c.emit(ctx, domain.Event{
		Kind:       kind,
		User:       user,
		Sequence:   session.Sequence,
		LoopNumber: pos.LoopsCompleted,
		Position:   pos,
		Reason:     string(reason),
	})
	return session
}

// fail moves the session to Failed, reconciles the ledger with the venue and
// emits LoopFailed. Runs with the user lock held.
func (c *Controller) fail(ctx context.Context, user string, cause error) {
	var pos domain.Position
	if acct, err := c.venue.GetAccountData(ctx, user); err == nil {
		if p, err := c.ledger.Reconcile(ctx, user, acct); err == nil {
			pos = p
		}
	}
	if ended, err := c.ledger.EndLoop(ctx, user); err != nil {
		c.logger.WarnContext(ctx, "end loop failed", slog.String("user", user), slog.String("error", err.Error()))
	} else {
		pos = ended
	}

	session := c.update(user, func(s *domain.LoopSession) {
		s.State = domain.LoopStateFailed
		s.Reason = cause.Error()
	})

	c.logger.WarnContext(ctx, "loop sequence failed",
		slog.String("user", user),
		slog.Int("loop_number", session.NextLoopNumber()),
		slog.String("error", cause.Error()),
	)
	c.emit(ctx, domain.Event{
		Kind:       domain.EventLoopFailed,
		User:       user,
		Sequence:   session.Sequence,
		LoopNumber: session.NextLoopNumber(),
		Position:   pos,
		Reason:     cause.Error(),
	})
}

func (c *Controller) store(s domain.LoopSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.User] = &s
}

func (c *Controller) update(user string, fn func(s *domain.LoopSession)) domain.LoopSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[user]
	if !ok {
		s = &domain.LoopSession{User: user, State: domain.LoopStateIdle}
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
