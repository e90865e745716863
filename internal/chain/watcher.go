package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/domain"
)

// LogSource is the subset of *ethclient.Client the watcher uses.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config configures a Watcher.
type Config struct {
	Vault         common.Address
	StartBlock    uint64
	Confirmations uint64
	MaxBlockRange uint64
	PollInterval  time.Duration
}

type userState struct {
	sequence   int64
	collateral decimal.Decimal
	debt       decimal.Decimal
	lastLTV    int64
	openedAt   time.Time
}

// Watcher scans confirmed blocks for LooperVault logs in bounded ranges and
// publishes them as chain-sourced signals, which the dispatcher observes
// without instructing. The next block to scan is checkpointed only after
// every signal in the range was published, so a crash rescans the range and
// the stable log IDs let the dispatcher drop the repeats.
type Watcher struct {
	src        LogSource
	checkpoint bridge.Checkpoint
	events     domain.EventPublisher
	venue      domain.LendingVenue
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	users    map[string]*userState
	caughtUp bool
}

// NewWatcher creates a Watcher. venue is optional; when set, step signals
// carry the account's collateral, debt and health factor as read from it.
func NewWatcher(src LogSource, checkpoint bridge.Checkpoint, events domain.EventPublisher, venue domain.LendingVenue, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	return &Watcher{
		src:        src,
		checkpoint: checkpoint,
		events:     events,
		venue:      venue,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "chain_watcher")),
		now:        time.Now,
		users:      make(map[string]*userState),
	}
}

func (w *Watcher) checkpointName() string {
	return "chain:" + w.cfg.Vault.Hex()
}

func (w *Watcher) cursor(ctx context.Context) (uint64, error) {
	raw, err := w.checkpoint.Load(ctx, w.checkpointName())
	if err != nil {
		return 0, fmt.Errorf("chain: load checkpoint: %w", err)
	}
	if raw == "" {
		return w.cfg.StartBlock, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chain: bad checkpoint %q: %w", raw, err)
	}
	return n, nil
}

// Poll scans the next block range and returns the number of signals
// published.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	from, err := w.cursor(ctx)
	if err != nil {
		return 0, err
	}
	head, err := w.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: head: %w", err)
	}
	if head < w.cfg.Confirmations {
		w.caughtUp = true
		return 0, nil
	}
	safe := head - w.cfg.Confirmations
	if from > safe {
		w.caughtUp = true
		return 0, nil
	}
	to := min(from+w.cfg.MaxBlockRange-1, safe)
	w.caughtUp = to == safe

	logs, err := w.src.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.Vault},
		Topics:    [][]common.Hash{Topics()},
	})
	if err != nil {
		return 0, fmt.Errorf("chain: filter logs %d-%d: %w", from, to, err)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	published := 0
	for _, l := range logs {
		if l.Removed {
			continue
		}
		d, ok, err := decodeLog(l)
		if err != nil {
			w.logger.WarnContext(ctx, "undecodable vault log skipped",
				slog.String("tx", l.TxHash.Hex()),
				slog.Uint64("block", l.BlockNumber),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		ev := w.apply(ctx, d)
		ev.ID = LogID(l)
		if err := w.events.PublishEvent(ctx, ev); err != nil {
			return published, fmt.Errorf("chain: publish %s: %w", ev.Kind, err)
		}
		published++
	}

	if err := w.checkpoint.Save(ctx, w.checkpointName(), strconv.FormatUint(to+1, 10)); err != nil {
		return published, fmt.Errorf("chain: save checkpoint: %w", err)
	}
	if published > 0 {
		w.logger.InfoContext(ctx, "vault logs published",
			slog.Uint64("from", from),
			slog.Uint64("to", to),
			slog.Int("signals", published),
		)
	}
	return published, nil
}

// apply folds d into the user's running state and builds the signal.
func (w *Watcher) apply(ctx context.Context, d decoded) domain.Event {
	now := w.now().UTC()
	s, ok := w.users[d.user]
	if !ok {
		s = &userState{openedAt: now}
		w.users[d.user] = s
	}

	ev := domain.Event{
		Kind:      d.kind,
		Source:    domain.SourceChain,
		User:      d.user,
		Timestamp: now,
	}
	pos := domain.Position{
		User:     d.user,
		IsActive: true,
		OpenedAt: s.openedAt,
	}

	switch d.kind {
	case domain.EventLoopRequested:
		seq := requestTime(d.requestedAt, now).Unix()
		if seq <= s.sequence {
			seq = s.sequence + 1
		}
		s.sequence = seq
		s.collateral = s.collateral.Add(d.initialAmount)
		s.lastLTV = domain.ComputeLTV(s.collateral, s.debt)

		ev.InitialAmount = d.initialAmount
		ev.TargetLTV = d.targetLTV
		pos.IsLooping = true
		pos.CurrentLTV = s.lastLTV

	case domain.EventLoopStepCompleted:
		s.collateral = s.collateral.Add(d.supplied)
		s.debt = s.debt.Add(d.borrowed)
		previous := s.lastLTV
		s.lastLTV = d.ltv

		step := domain.StepRecord{
			User:       d.user,
			LoopNumber: d.loopNumber,
			Borrowed:   d.borrowed,
			Swapped:    d.swapped,
			Supplied:   d.supplied,
			CurrentLTV: d.ltv,
			ExecutedAt: now,
		}
		w.enrich(ctx, d.user, s, &step.HealthFactor)

		ev.LoopNumber = d.loopNumber
		ev.Step = &step
		ev.HealthFactor = step.HealthFactor
		pos.IsLooping = true
		pos.CurrentLTV = d.ltv
		pos.PreviousLTV = previous
		pos.LoopsCompleted = d.loopNumber

	case domain.EventLoopingCompleted:
		s.collateral = d.totalCollateral
		s.debt = d.totalDebt
		s.lastLTV = d.ltv

		ev.LoopNumber = d.loopNumber
		pos.CurrentLTV = d.ltv
		pos.LoopsCompleted = d.loopNumber
	}

	ev.Sequence = s.sequence
	pos.TotalCollateral = s.collateral
	pos.TotalDebt = s.debt
	pos.UpdatedAt = now
	ev.Position = pos
	return ev
}

// enrich replaces the running totals with the venue's account data when a
// venue is configured. A failed read keeps the log-derived totals.
func (w *Watcher) enrich(ctx context.Context, user string, s *userState, hf *decimal.Decimal) {
	if w.venue == nil {
		return
	}
	acct, err := w.venue.GetAccountData(ctx, user)
	if err != nil {
		w.logger.WarnContext(ctx, "account read failed",
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		return
	}
	s.collateral = acct.Collateral
	s.debt = acct.Debt
	*hf = acct.HealthFactor
}

// Run polls until ctx is cancelled. Ranges are scanned back to back while the
// watcher is behind the confirmed head.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "chain watcher started",
		slog.String("vault", w.cfg.Vault.Hex()),
		slog.Uint64("confirmations", w.cfg.Confirmations),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.WarnContext(ctx, "chain poll failed", slog.String("error", err.Error()))
			w.caughtUp = true
		}
		if w.caughtUp {
			timer.Reset(w.cfg.PollInterval)
		} else {
			timer.Reset(0)
		}
	}
}
