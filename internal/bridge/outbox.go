package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var (
	_ domain.EventPublisher       = (*Outbox)(nil)
	_ domain.InstructionPublisher = (*Outbox)(nil)
)

// Outbox appends events and instructions to their streams. Events are also
// fanned out on a pub/sub channel for live observers such as the websocket
// hub and the notifier; that copy is best-effort.
type Outbox struct {
	bus               domain.SignalBus
	signalStream      string
	instructionStream string
	eventChannel      string
	logger            *slog.Logger
}

// NewOutbox creates an Outbox using the default stream names.
func NewOutbox(bus domain.SignalBus, logger *slog.Logger) *Outbox {
	return &Outbox{
		bus:               bus,
		signalStream:      SignalStream,
		instructionStream: InstructionStream,
		eventChannel:      EventChannel,
		logger:            logger.With(slog.String("component", "bridge_outbox")),
	}
}

// PublishEvent appends ev to the signal stream.
func (o *Outbox) PublishEvent(ctx context.Context, ev domain.Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := o.bus.StreamAppend(ctx, o.signalStream, payload); err != nil {
		return fmt.Errorf("bridge: publish %s for %s: %w", ev.Kind, ev.User, err)
	}
	if err := o.bus.Publish(ctx, o.eventChannel, payload); err != nil {
		o.logger.WarnContext(ctx, "event fan-out failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// PublishInstruction appends in to the instruction stream.
func (o *Outbox) PublishInstruction(ctx context.Context, in domain.Instruction) error {
	payload, err := EncodeInstruction(in)
	if err != nil {
		return err
	}
	if err := o.bus.StreamAppend(ctx, o.instructionStream, payload); err != nil {
		return fmt.Errorf("bridge: publish %s for %s: %w", in.Kind, in.User, err)
	}
	return nil
}
