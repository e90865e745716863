// Package origin executes dispatcher instructions against the lending venue
// and reports account health back to the reactive side.
package origin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/looper"
	"github.com/alanyoungcy/loopvault/internal/unwind"
)

// AgentConfig controls the distributed per-user lock taken around each
// instruction.
type AgentConfig struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	LockInterval time.Duration
}

// Agent maps instructions onto the loop and unwind controllers.
type Agent struct {
	loops   *looper.Controller
	unwinds *unwind.Controller
	locks   domain.LockManager
	cfg     AgentConfig
	logger  *slog.Logger
}

// NewAgent creates an Agent. locks may be nil when only one origin process
// runs.
func NewAgent(loops *looper.Controller, unwinds *unwind.Controller, locks domain.LockManager, cfg AgentConfig, logger *slog.Logger) *Agent {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	if cfg.LockInterval <= 0 {
		cfg.LockInterval = 100 * time.Millisecond
	}
	return &Agent{
		loops:   loops,
		unwinds: unwinds,
		locks:   locks,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "origin_agent")),
	}
}

// Handle executes one instruction. Outcomes that the controllers already
// reported as events (failed steps, failed unwinds, stale numbers) are
// logged and swallowed; only infrastructure errors are returned so the
// consumer retries the entry.
func (a *Agent) Handle(ctx context.Context, in domain.Instruction) error {
	if in.User == "" {
		return fmt.Errorf("origin: %s instruction without user", in.Kind)
	}

	// An unwind request is recorded without waiting for a running step.
	if in.Kind == domain.InstructionRequestUnwind {
		return a.requestUnwind(ctx, in)
	}

	unlock, err := a.acquire(ctx, in.User)
	if err != nil {
		return err
	}
	defer unlock()

	switch in.Kind {
	case domain.InstructionExecuteStep:
		err := a.loops.ExecuteStep(ctx, in.User, in.Sequence, in.LoopNumber)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrStaleStep):
			a.logger.DebugContext(ctx, "stale execute dropped",
				slog.String("user", in.User),
				slog.Int64("sequence", in.Sequence),
				slog.Int("loop_number", in.LoopNumber),
			)
		default:
			a.logger.WarnContext(ctx, "loop step failed",
				slog.String("user", in.User),
				slog.Int("loop_number", in.LoopNumber),
				slog.String("error", err.Error()),
			)
		}

	case domain.InstructionHaltLoop:
		reason := domain.StopReason(in.Reason)
		if reason == "" {
			reason = domain.StopHaltRequested
		}
		if _, err := a.loops.Halt(ctx, in.User, reason); err != nil {
			a.logger.WarnContext(ctx, "halt failed",
				slog.String("user", in.User),
				slog.String("error", err.Error()),
			)
		}

	case domain.InstructionAbortStep:
		if err := a.loops.Abort(ctx, in.User, in.Sequence, in.LoopNumber, domain.ErrConfirmationTimeout); err != nil {
			a.logger.DebugContext(ctx, "abort ignored",
				slog.String("user", in.User),
				slog.Int("loop_number", in.LoopNumber),
				slog.String("error", err.Error()),
			)
		}

	case domain.InstructionStartUnwind:
		if a.loops.Session(in.User).State.InFlight() {
			a.logger.InfoContext(ctx, "unwind deferred until sequence ends", slog.String("user", in.User))
			return nil
		}
		session, err := a.unwinds.Execute(ctx, in.User)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, domain.ErrInvalidState) {
				level = slog.LevelDebug
			}
			a.logger.Log(ctx, level, "unwind not completed",
				slog.String("user", in.User),
				slog.String("state", string(session.State)),
				slog.String("error", err.Error()),
			)
		}

	default:
		a.logger.WarnContext(ctx, "unknown instruction kind",
			slog.String("kind", string(in.Kind)),
			slog.String("user", in.User),
		)
	}
	return nil
}

func (a *Agent) requestUnwind(ctx context.Context, in domain.Instruction) error {
	_, err := a.unwinds.RequestUnwind(ctx, in.User, domain.TriggerRisk)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			a.logger.InfoContext(ctx, "risk unwind not applicable",
				slog.String("user", in.User),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("origin: request unwind: %w", err)
	}
	return nil
}

// acquire waits up to LockWait for the distributed user lock.
func (a *Agent) acquire(ctx context.Context, user string) (func(), error) {
	if a.locks == nil {
		return func() {}, nil
	}
	key := "user:" + user
	deadline := time.Now().Add(a.cfg.LockWait)
	for {
		unlock, err := a.locks.Acquire(ctx, key, a.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("origin: lock %s: %w", key, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("origin: lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.cfg.LockInterval):
		}
	}
}
