// Package ledger owns the per-user position records. Every mutation is a
// read-modify-write under a per-user lock, so updates for one user are
// linearizable while different users never block each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/keylock"
)

// Ledger applies deposits, loop steps and unwind steps to positions.
type Ledger struct {
	store    domain.PositionStore
	audit    domain.AuditStore
	maxLoops int
	locks    *keylock.Locker
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Ledger persisting to store. maxLoops is the per-lifecycle
// cap on completed loop steps.
func New(store domain.PositionStore, audit domain.AuditStore, maxLoops int, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:    store,
		audit:    audit,
		maxLoops: maxLoops,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "ledger")),
	}
}

// Get returns the current snapshot for user.
func (l *Ledger) Get(ctx context.Context, user string) (domain.Position, error) {
	pos, err := l.store.Get(ctx, user)
	if err != nil {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", user, err)
	}
	return pos, nil
}

// List returns stored positions, newest update first.
func (l *Ledger) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := l.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return positions, nil
}

// ListActive returns every position that still holds collateral.
func (l *Ledger) ListActive(ctx context.Context) ([]domain.Position, error) {
	positions, err := l.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list active: %w", err)
	}
	return positions, nil
}

// ApplyDeposit adds collateral. A deposit into an inactive position opens a
// new lifecycle with a fresh loop counter.
func (l *Ledger) ApplyDeposit(ctx context.Context, user string, amount decimal.Decimal) (domain.Position, error) {
	if !amount.IsPositive() {
		return domain.Position{}, fmt.Errorf("ledger: deposit %s: %w", amount, domain.ErrInvalidAmount)
	}
	return l.mutate(ctx, user, "deposit", true, func(pos *domain.Position, now time.Time) error {
		if pos.IsUnwinding || pos.IsLooping {
			return fmt.Errorf("deposit while looping=%t unwinding=%t: %w", pos.IsLooping, pos.IsUnwinding, domain.ErrInvalidState)
		}
		if !pos.IsActive {
			*pos = domain.Position{User: user, OpenedAt: now}
		}
		pos.TotalCollateral = pos.TotalCollateral.Add(amount)
		pos.CurrentLTV = domain.ComputeLTV(pos.TotalCollateral, pos.TotalDebt)
		pos.IsActive = true
		return nil
	}, map[string]any{"amount": amount.String()})
}

// BeginLoop marks a loop sequence as in flight.
func (l *Ledger) BeginLoop(ctx context.Context, user string) (domain.Position, error) {
	return l.mutate(ctx, user, "begin_loop", false, func(pos *domain.Position, _ time.Time) error {
		if !pos.IsActive || pos.IsLooping || pos.IsUnwinding {
			return fmt.Errorf("begin loop active=%t looping=%t unwinding=%t: %w",
				pos.IsActive, pos.IsLooping, pos.IsUnwinding, domain.ErrInvalidState)
		}
		pos.IsLooping = true
		return nil
	}, nil)
}

// ApplyLoopStep folds one completed step into the position.
func (l *Ledger) ApplyLoopStep(ctx context.Context, user string, rec domain.StepRecord) (domain.Position, error) {
	return l.mutate(ctx, user, "loop_step", false, func(pos *domain.Position, _ time.Time) error {
		if !pos.IsLooping {
			return fmt.Errorf("loop step without active sequence: %w", domain.ErrInvalidState)
		}
		if pos.LoopsCompleted >= l.maxLoops {
			return fmt.Errorf("loop step beyond cap %d: %w", l.maxLoops, domain.ErrInvalidState)
		}
		pos.TotalCollateral = pos.TotalCollateral.Add(rec.Supplied)
		pos.TotalDebt = pos.TotalDebt.Add(rec.Borrowed)
		pos.PreviousLTV = pos.CurrentLTV
		pos.CurrentLTV = rec.CurrentLTV
		pos.LoopsCompleted++
		return nil
	}, map[string]any{
		"loop_number": rec.LoopNumber,
		"borrowed":    rec.Borrowed.String(),
		"supplied":    rec.Supplied.String(),
		"current_ltv": rec.CurrentLTV,
	})
}

// EndLoop clears the in-flight flag. Ending a sequence that is not running
// is a no-op.
func (l *Ledger) EndLoop(ctx context.Context, user string) (domain.Position, error) {
	return l.mutate(ctx, user, "end_loop", false, func(pos *domain.Position, _ time.Time) error {
		pos.IsLooping = false
		return nil
	}, nil)
}

// BeginUnwind marks an unwind as executing. It is rejected while a loop
// sequence is in flight.
func (l *Ledger) BeginUnwind(ctx context.Context, user string) (domain.Position, error) {
	return l.mutate(ctx, user, "begin_unwind", false, func(pos *domain.Position, _ time.Time) error {
		if !pos.IsActive {
			return fmt.Errorf("begin unwind on inactive position: %w", domain.ErrInvalidState)
		}
		if pos.IsLooping {
			return fmt.Errorf("begin unwind while looping: %w", domain.ErrInvalidState)
		}
		pos.IsUnwinding = true
		return nil
	}, nil)
}

// ApplyUnwindStep reduces debt and collateral, floored at zero. Once both
// reach zero the position becomes inactive.
func (l *Ledger) ApplyUnwindStep(ctx context.Context, user string, repaid, withdrawn decimal.Decimal) (domain.Position, error) {
	if repaid.IsNegative() || withdrawn.IsNegative() {
		return domain.Position{}, fmt.Errorf("ledger: unwind step repaid=%s withdrawn=%s: %w", repaid, withdrawn, domain.ErrInvalidAmount)
	}
	return l.mutate(ctx, user, "unwind_step", false, func(pos *domain.Position, _ time.Time) error {
		if !pos.IsActive {
			return fmt.Errorf("unwind step on inactive position: %w", domain.ErrInvalidState)
		}
		pos.TotalDebt = floorZero(pos.TotalDebt.Sub(repaid))
		pos.TotalCollateral = floorZero(pos.TotalCollateral.Sub(withdrawn))
		pos.PreviousLTV = pos.CurrentLTV
		pos.CurrentLTV = domain.ComputeLTV(pos.TotalCollateral, pos.TotalDebt)
		if pos.TotalDebt.IsZero() && pos.TotalCollateral.IsZero() {
			pos.IsActive = false
			pos.IsUnwinding = false
			pos.CurrentLTV = 0
		}
		return nil
	}, map[string]any{
		"repaid":    repaid.String(),
		"withdrawn": withdrawn.String(),
	})
}

// EndUnwind clears the unwinding flag after a completed or failed unwind.
func (l *Ledger) EndUnwind(ctx context.Context, user string) (domain.Position, error) {
	return l.mutate(ctx, user, "end_unwind", false, func(pos *domain.Position, _ time.Time) error {
		pos.IsUnwinding = false
		return nil
	}, nil)
}

// Reconcile overwrites the ledger totals with the venue's account view. It
// is used after a partially executed step so the record matches what the
// venue actually holds. A fully empty account closes the position.
func (l *Ledger) Reconcile(ctx context.Context, user string, acct domain.AccountData) (domain.Position, error) {
	return l.mutate(ctx, user, "reconcile", false, func(pos *domain.Position, _ time.Time) error {
		pos.TotalCollateral = floorZero(acct.Collateral)
		pos.TotalDebt = floorZero(acct.Debt)
		pos.CurrentLTV = domain.ComputeLTV(pos.TotalCollateral, pos.TotalDebt)
		if pos.TotalCollateral.IsZero() && pos.TotalDebt.IsZero() {
			pos.IsActive = false
			pos.IsLooping = false
			pos.IsUnwinding = false
		}
		return nil
	}, map[string]any{
		"collateral": acct.Collateral.String(),
		"debt":       acct.Debt.String(),
	})
}

// mutate runs fn against the stored position under the user's lock and
// persists the result. With create set, a missing position starts empty.
func (l *Ledger) mutate(
	ctx context.Context,
	user, op string,
	create bool,
	fn func(pos *domain.Position, now time.Time) error,
	detail map[string]any,
) (domain.Position, error) {
	unlock := l.locks.Lock(user)
	defer unlock()

	pos, err := l.store.Get(ctx, user)
	switch {
	case errors.Is(err, domain.ErrNotFound) && create:
		pos = domain.Position{User: user}
	case errors.Is(err, domain.ErrNotFound):
		return domain.Position{}, fmt.Errorf("ledger: %s %s: no position: %w", op, user, domain.ErrInvalidState)
	case err != nil:
		return domain.Position{}, fmt.Errorf("ledger: %s %s: load: %w", op, user, err)
	}

	now := l.now()
	if err := fn(&pos, now); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: %s %s: %w", op, user, err)
	}
	pos.UpdatedAt = now

	if err := l.store.Upsert(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: %s %s: save: %w", op, user, err)
	}

	if l.audit != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["user"] = user
		detail["loops_completed"] = pos.LoopsCompleted
		detail["current_ltv"] = pos.CurrentLTV
		if auditErr := l.audit.Log(ctx, "ledger."+op, detail); auditErr != nil {
			l.logger.WarnContext(ctx, "audit log failed",
				slog.String("user", user),
				slog.String("op", op),
				slog.String("error", auditErr.Error()),
			)
		}
	}

	l.logger.DebugContext(ctx, "position updated",
		slog.String("user", user),
		slog.String("op", op),
		slog.String("collateral", pos.TotalCollateral.String()),
		slog.String("debt", pos.TotalDebt.String()),
		slog.Int64("ltv", pos.CurrentLTV),
		slog.Int("loops", pos.LoopsCompleted),
	)
	return pos, nil
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
