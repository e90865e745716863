package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// PositionView is the read projection served to clients: the ledger record
// plus recent steps and controller states.
type PositionView struct {
	Position       Position        `json:"position"`
	Loop           LoopSession     `json:"loop"`
	Unwind         UnwindSession   `json:"unwind"`
	RecentSteps    []StepRecord    `json:"recent_steps"`
	NeedsMoreLoops bool            `json:"needs_more_loops"`
	HealthFactor   decimal.Decimal `json:"health_factor"`
}

// ProjectionCache keeps the latest PositionView per user.
type ProjectionCache interface {
	Set(ctx context.Context, view PositionView) error
	Get(ctx context.Context, user string) (PositionView, error)
}
