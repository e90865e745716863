package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// Checkpoint stores the last stream entry a consumer finished handling.
type Checkpoint interface {
	Load(ctx context.Context, name string) (string, error)
	Save(ctx context.Context, name, id string) error
}

// Handler processes one stream payload.
type Handler func(ctx context.Context, payload []byte) error

// ConsumerConfig controls how a Consumer polls its stream.
type ConsumerConfig struct {
	Name         string
	Stream       string
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

// Consumer reads a stream in order and hands each entry to a Handler. The
// checkpoint advances only after an entry was handled, so a crash replays
// the tail of the stream rather than losing it.
type Consumer struct {
	bus        domain.SignalBus
	checkpoint Checkpoint
	cfg        ConsumerConfig
	logger     *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(bus domain.SignalBus, checkpoint Checkpoint, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Stream
	}
	return &Consumer{
		bus:        bus,
		checkpoint: checkpoint,
		cfg:        cfg,
		logger: logger.With(
			slog.String("component", "bridge_consumer"),
			slog.String("stream", cfg.Stream),
		),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	lastID, err := c.checkpoint.Load(ctx, c.cfg.Name)
	if err != nil {
		return fmt.Errorf("bridge: load checkpoint %s: %w", c.cfg.Name, err)
	}
	if lastID == "" {
		lastID = "0"
	}
	c.logger.InfoContext(ctx, "consumer started", slog.String("from", lastID))

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		next, err := c.Poll(ctx, lastID, handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.ErrorContext(ctx, "stream poll failed", slog.String("error", err.Error()))
		}
		lastID = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads one batch after lastID and returns the new position.
func (c *Consumer) Poll(ctx context.Context, lastID string, handle Handler) (string, error) {
	msgs, err := c.bus.StreamRead(ctx, c.cfg.Stream, lastID, c.cfg.BatchSize)
	if err != nil {
		return lastID, err
	}
	for _, msg := range msgs {
		c.deliver(ctx, msg, handle)
		lastID = msg.ID
		if err := c.checkpoint.Save(ctx, c.cfg.Name, lastID); err != nil {
			c.logger.WarnContext(ctx, "checkpoint save failed",
				slog.String("id", lastID),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastID, nil
}

// deliver retries a failing handler a few times, then skips the entry so
// one poisoned payload cannot stall the stream.
func (c *Consumer) deliver(ctx context.Context, msg domain.StreamMessage, handle Handler) {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err = handle(ctx, msg.Payload); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	c.logger.ErrorContext(ctx, "stream entry skipped",
		slog.String("id", msg.ID),
		slog.Int("attempts", c.cfg.MaxAttempts),
		slog.String("error", err.Error()),
	)
}

// EventHandler adapts a signal handler to a stream Handler.
func EventHandler(fn func(ctx context.Context, ev domain.Event) error) Handler {
	return func(ctx context.Context, payload []byte) error {
		ev, err := DecodeEvent(payload)
		if err != nil {
			return err
		}
		return fn(ctx, ev)
	}
}

// InstructionHandler adapts an instruction handler to a stream Handler.
func InstructionHandler(fn func(ctx context.Context, in domain.Instruction) error) Handler {
	return func(ctx context.Context, payload []byte) error {
		in, err := DecodeInstruction(payload)
		if err != nil {
			return err
		}
		return fn(ctx, in)
	}
}
