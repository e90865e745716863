package origin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/ledger"
)

// HealthPoller reads the venue health factor of every active position and
// publishes HealthObserved when it changes or sits below the safe level.
type HealthPoller struct {
	ledger   *ledger.Ledger
	venue    domain.LendingVenue
	events   domain.EventPublisher
	safe     decimal.Decimal
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]decimal.Decimal
}

// NewHealthPoller creates a HealthPoller. safe is the health factor below
// which every observation is published.
func NewHealthPoller(l *ledger.Ledger, venue domain.LendingVenue, events domain.EventPublisher, safe decimal.Decimal, interval time.Duration, logger *slog.Logger) *HealthPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthPoller{
		ledger:   l,
		venue:    venue,
		events:   events,
		safe:     safe,
		interval: interval,
		logger:   logger.With(slog.String("component", "health_poller")),
		last:     make(map[string]decimal.Decimal),
	}
}

// Poll checks every active position once and returns how many observations
// were published.
func (p *HealthPoller) Poll(ctx context.Context) (int, error) {
	positions, err := p.ledger.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("origin: health poll: %w", err)
	}

	published := 0
	for _, pos := range positions {
		if pos.IsUnwinding {
			continue
		}
		acct, err := p.venue.GetAccountData(ctx, pos.User)
		if err != nil {
			p.logger.WarnContext(ctx, "account data unavailable",
				slog.String("user", pos.User),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !p.changed(pos.User, acct.HealthFactor) {
			continue
		}

		ev := domain.Event{
			ID:           uuid.NewString(),
			Kind:         domain.EventHealthObserved,
			User:         pos.User,
			Position:     pos,
			HealthFactor: acct.HealthFactor,
			Timestamp:    time.Now().UTC(),
		}
		if err := p.events.PublishEvent(ctx, ev); err != nil {
			p.logger.ErrorContext(ctx, "publish health failed",
				slog.String("user", pos.User),
				slog.String("error", err.Error()),
			)
			p.forget(pos.User)
			continue
		}
		published++
	}
	return published, nil
}

// changed records hf and reports whether it should be published.
func (p *HealthPoller) changed(user string, hf decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, seen := p.last[user]
	p.last[user] = hf
	if !seen || !prev.Equal(hf) {
		return true
	}
	return hf.IsPositive() && hf.LessThan(p.safe)
}

func (p *HealthPoller) forget(user string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, user)
}

// Run polls on the configured interval until ctx is cancelled.
func (p *HealthPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "health poller started", slog.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.ErrorContext(ctx, "health poll failed", slog.String("error", err.Error()))
			}
		}
	}
}
