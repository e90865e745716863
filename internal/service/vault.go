// Package service is the command and read surface over the controllers,
// shared by the HTTP API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/ledger"
	"github.com/alanyoungcy/loopvault/internal/looper"
	"github.com/alanyoungcy/loopvault/internal/safety"
	"github.com/alanyoungcy/loopvault/internal/unwind"
)

// DefaultRecentSteps is how many step records a view carries.
const DefaultRecentSteps = 20

// NormalizeUser validates an EVM address and returns its lower-case hex
// form, which is the key every store uses.
func NormalizeUser(user string) (string, error) {
	if !common.IsHexAddress(user) {
		return "", fmt.Errorf("service: %q is not an address: %w", user, domain.ErrInvalidUser)
	}
	return strings.ToLower(common.HexToAddress(user).Hex()), nil
}

// VaultService accepts user commands and builds position views.
type VaultService struct {
	ledger  *ledger.Ledger
	guard   *safety.Guard
	loops   *looper.Controller
	unwinds *unwind.Controller
	venue   domain.LendingVenue
	steps   domain.StepStore
	recent  int
	logger  *slog.Logger
}

// NewVaultService creates a VaultService. recent <= 0 uses DefaultRecentSteps.
func NewVaultService(
	l *ledger.Ledger,
	guard *safety.Guard,
	loops *looper.Controller,
	unwinds *unwind.Controller,
	venue domain.LendingVenue,
	steps domain.StepStore,
	recent int,
	logger *slog.Logger,
) *VaultService {
	if recent <= 0 {
		recent = DefaultRecentSteps
	}
	return &VaultService{
		ledger:  l,
		guard:   guard,
		loops:   loops,
		unwinds: unwinds,
		venue:   venue,
		steps:   steps,
		recent:  recent,
		logger:  logger.With(slog.String("component", "vault_service")),
	}
}

// Deposit supplies amount for user and opens a loop sequence. amount is a
// decimal string in collateral units.
func (s *VaultService) Deposit(ctx context.Context, user, amount string) (domain.LoopSession, error) {
	user, err := NormalizeUser(user)
	if err != nil {
		return domain.LoopSession{}, err
	}
	amt, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return domain.LoopSession{}, fmt.Errorf("service: deposit amount %q: %w", amount, domain.ErrInvalidAmount)
	}
	if !amt.Equal(amt.Truncate(0)) {
		return domain.LoopSession{}, fmt.Errorf("service: deposit amount %s is fractional: %w", amt, domain.ErrInvalidAmount)
	}

	session, err := s.loops.RequestDeposit(ctx, user, amt)
	if err != nil {
		return domain.LoopSession{}, err
	}
	s.logger.InfoContext(ctx, "deposit accepted",
		slog.String("user", user),
		slog.String("amount", amt.String()),
		slog.Int64("sequence", session.Sequence),
	)
	return session, nil
}

// Continue re-opens looping without a new deposit.
func (s *VaultService) Continue(ctx context.Context, user string) (domain.LoopSession, error) {
	user, err := NormalizeUser(user)
	if err != nil {
		return domain.LoopSession{}, err
	}
	return s.loops.Continue(ctx, user)
}

// RequestUnwind records a user-initiated unwind. The dispatcher starts it
// once no step is in flight.
func (s *VaultService) RequestUnwind(ctx context.Context, user string) (domain.UnwindSession, error) {
	user, err := NormalizeUser(user)
	if err != nil {
		return domain.UnwindSession{}, err
	}
	return s.unwinds.RequestUnwind(ctx, user, domain.TriggerUser)
}

// View builds the read projection for user. A venue error leaves the health
// factor at zero rather than failing the read.
func (s *VaultService) View(ctx context.Context, user string) (domain.PositionView, error) {
	user, err := NormalizeUser(user)
	if err != nil {
		return domain.PositionView{}, err
	}
	pos, err := s.ledger.Get(ctx, user)
	if err != nil {
		return domain.PositionView{}, err
	}

	view := domain.PositionView{
		Position: pos,
		Loop:     s.loops.Session(user),
		Unwind:   s.unwinds.Session(user),
	}
	view.NeedsMoreLoops = s.NeedsMoreLoops(pos)

	if view.RecentSteps, err = s.steps.ListSteps(ctx, user, s.recent); err != nil {
		return domain.PositionView{}, fmt.Errorf("service: view %s steps: %w", user, err)
	}

	if pos.TotalDebt.IsPositive() {
		acct, err := s.venue.GetAccountData(ctx, user)
		if err != nil {
			s.logger.WarnContext(ctx, "health factor unavailable",
				slog.String("user", user),
				slog.String("error", err.Error()),
			)
		} else {
			view.HealthFactor = acct.HealthFactor
		}
	}
	return view, nil
}

// NeedsMoreLoops reports whether an active, idle position is still short
// of the target and could take another step.
func (s *VaultService) NeedsMoreLoops(pos domain.Position) bool {
	if !pos.IsActive || pos.IsLooping || pos.IsUnwinding {
		return false
	}
	return s.guard.CanStartLooping(pos).Continue
}

// List returns stored positions.
func (s *VaultService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return s.ledger.List(ctx, opts)
}

// Params returns the loop parameters in force.
func (s *VaultService) Params() domain.LoopParams {
	return s.guard.Params()
}

// IsNotFound reports whether err means the user has no position.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
