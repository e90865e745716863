package origin_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/cache/memory"
	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/origin"
)

func TestAgentIgnoresStaleExecute(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	ctx := context.Background()

	_, err := s.loops.RequestDeposit(ctx, carol, decimal.NewFromInt(1_000_000))
	require.NoError(t, err)

	err = s.agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionExecuteStep, User: carol, LoopNumber: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, s.loops.Session(carol).NextLoopNumber())
}

func TestAgentAbortFailsSequence(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	ctx := context.Background()

	opened, err := s.loops.RequestDeposit(ctx, carol, decimal.NewFromInt(1_000_000))
	require.NoError(t, err)

	err = s.agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionAbortStep, User: carol, Sequence: opened.Sequence, LoopNumber: 1})
	require.NoError(t, err)
	session := s.loops.Session(carol)
	assert.Equal(t, domain.LoopStateFailed, session.State)
	assert.Contains(t, session.Reason, domain.ErrConfirmationTimeout.Error())
}

func TestAgentIgnoresAbortForOtherSequence(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	ctx := context.Background()

	opened, err := s.loops.RequestDeposit(ctx, carol, decimal.NewFromInt(1_000_000))
	require.NoError(t, err)

	err = s.agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionAbortStep, User: carol, Sequence: opened.Sequence - 1, LoopNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.LoopStateRequested, s.loops.Session(carol).State)

	err = s.agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionExecuteStep, User: carol, Sequence: opened.Sequence, LoopNumber: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, s.loops.Session(carol).NextLoopNumber())
}

func TestAgentDefersUnwindWhileLooping(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	ctx := context.Background()

	_, err := s.loops.RequestDeposit(ctx, carol, decimal.NewFromInt(1_000_000))
	require.NoError(t, err)
	_, err = s.unwinds.RequestUnwind(ctx, carol, domain.TriggerUser)
	require.NoError(t, err)

	require.NoError(t, s.agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionStartUnwind, User: carol}))
	assert.Equal(t, domain.UnwindStateRequested, s.unwinds.Session(carol).State)

	require.NoError(t, s.agent.Handle(ctx, domain.Instruction{
		Kind: domain.InstructionHaltLoop, User: carol, Reason: string(domain.StopUnwindRequested),
	}))
	assert.Equal(t, domain.LoopStateHalted, s.loops.Session(carol).State)

	require.NoError(t, s.agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionStartUnwind, User: carol}))
	assert.Equal(t, domain.UnwindStateCompleted, s.unwinds.Session(carol).State)
}

func TestAgentRiskUnwindWithoutPosition(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	err := s.agent.Handle(context.Background(), domain.Instruction{Kind: domain.InstructionRequestUnwind, User: carol})
	require.NoError(t, err)
	assert.Equal(t, domain.UnwindStateNotRequested, s.unwinds.Session(carol).State)
}

func TestAgentGivesUpOnHeldLock(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	ctx := context.Background()
	locks := memory.NewLockManager()
	agent := origin.NewAgent(s.loops, s.unwinds, locks, origin.AgentConfig{
		LockWait:     20 * time.Millisecond,
		LockInterval: 5 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	unlock, err := locks.Acquire(ctx, "user:"+carol, time.Minute)
	require.NoError(t, err)

	err = agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionHaltLoop, User: carol})
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	assert.NoError(t, agent.Handle(ctx, domain.Instruction{Kind: domain.InstructionHaltLoop, User: carol}))
}

func TestAgentRejectsMissingUser(t *testing.T) {
	s := newSystem(t, params("1.1", 8000))
	err := s.agent.Handle(context.Background(), domain.Instruction{Kind: domain.InstructionExecuteStep})
	assert.Error(t, err)
}
