package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists the per-user position records.
type PositionStore interface {
	Get(ctx context.Context, user string) (Position, error)
	Upsert(ctx context.Context, pos Position) error
	List(ctx context.Context, opts ListOpts) ([]Position, error)
	ListActive(ctx context.Context) ([]Position, error)
}

// StepStore persists loop and unwind step history.
type StepStore interface {
	InsertStep(ctx context.Context, rec StepRecord) error
	ListSteps(ctx context.Context, user string, limit int) ([]StepRecord, error)
	InsertUnwindStep(ctx context.Context, rec UnwindRecord) error
	ListUnwindSteps(ctx context.Context, user string, limit int) ([]UnwindRecord, error)
	StepsBefore(ctx context.Context, before time.Time) ([]StepRecord, error)
	UnwindStepsBefore(ctx context.Context, before time.Time) ([]UnwindRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
