package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/domain"
)

// Viewer builds a position view.
type Viewer interface {
	View(ctx context.Context, user string) (domain.PositionView, error)
}

// Projector keeps the projection cache current by rebuilding a user's view
// whenever one of their events is published.
type Projector struct {
	views  Viewer
	cache  domain.ProjectionCache
	logger *slog.Logger
}

// NewProjector creates a Projector.
func NewProjector(views Viewer, cache domain.ProjectionCache, logger *slog.Logger) *Projector {
	return &Projector{views: views, cache: cache, logger: logger.With(slog.String("component", "projector"))}
}

// Refresh rebuilds and stores the view for user.
func (p *Projector) Refresh(ctx context.Context, user string) error {
	view, err := p.views.View(ctx, user)
	if err != nil {
		return fmt.Errorf("projector: view %s: %w", user, err)
	}
	if err := p.cache.Set(ctx, view); err != nil {
		return fmt.Errorf("projector: cache %s: %w", user, err)
	}
	return nil
}

// Run refreshes on every event received on channel until ctx is cancelled.
func (p *Projector) Run(ctx context.Context, bus domain.SignalBus, channel string) error {
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("projector: subscribe %s: %w", channel, err)
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
				p.logger.WarnContext(ctx, "dropping undecodable event", slog.String("error", err.Error()))
				continue
			}
			if err := p.Refresh(ctx, ev.User); err != nil {
				p.logger.WarnContext(ctx, "refresh failed",
					slog.String("user", ev.User),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
