package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/domain"
)

// DefaultEvents are the event kinds alerted on when none are configured.
var DefaultEvents = []string{
	string(domain.EventLoopFailed),
	string(domain.EventLoopHalted),
	string(domain.EventUnwindRequested),
	string(domain.EventUnwindCompleted),
	string(domain.EventUnwindFailed),
	domain.AlertObservedRisk,
}

// Alerter turns origin events into notifications.
type Alerter struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewAlerter creates an Alerter.
func NewAlerter(n *Notifier, logger *slog.Logger) *Alerter {
	return &Alerter{notifier: n, logger: logger.With(slog.String("component", "alerter"))}
}

// Handle notifies about a single event. Only risk-triggered unwind requests
// alert; a user asking to unwind is routine.
func (a *Alerter) Handle(ctx context.Context, ev domain.Event) error {
	title, message, ok := describe(ev)
	if !ok {
		return nil
	}
	return a.notifier.Notify(ctx, string(ev.Kind), title, message)
}

// Run subscribes to channel and alerts on every decodable event until ctx is
// cancelled.
func (a *Alerter) Run(ctx context.Context, bus domain.SignalBus, channel string) error {
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", channel, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := bridge.DecodeEvent(payload)
			if err != nil {
				a.logger.WarnContext(ctx, "dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			if err := a.Handle(ctx, ev); err != nil {
				a.logger.WarnContext(ctx, "alert failed",
					slog.String("kind", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func describe(ev domain.Event) (title, message string, ok bool) {
	pos := ev.Position
	summary := fmt.Sprintf("user %s\ncollateral %s debt %s ltv %d bps loops %d",
		ev.User, pos.TotalCollateral, pos.TotalDebt, pos.CurrentLTV, pos.LoopsCompleted)

	switch ev.Kind {
	case domain.EventLoopFailed:
		return "Loop failed", fmt.Sprintf("%s\nloop %d: %s", summary, ev.LoopNumber, ev.Reason), true
	case domain.EventLoopHalted:
		return "Loop halted", fmt.Sprintf("%s\nreason: %s", summary, ev.Reason), true
	case domain.EventUnwindRequested:
		if ev.Trigger != domain.TriggerRisk {
			return "", "", false
		}
		return "Risk unwind", fmt.Sprintf("%s\nhealth factor %s", summary, ev.HealthFactor.StringFixed(4)), true
	case domain.EventUnwindCompleted:
		return "Unwind completed", summary, true
	case domain.EventUnwindFailed:
		return "Unwind failed", fmt.Sprintf("%s\nreason: %s", summary, ev.Reason), true
	default:
		return "", "", false
	}
}
