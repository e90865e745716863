// Package memory provides process-local implementations of the domain
// stores for simulate mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.StepStore     = (*StepStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)

// PositionStore keeps positions in a map keyed by user.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

func (s *PositionStore) Get(_ context.Context, user string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[user]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", user, domain.ErrNotFound)
	}
	return pos, nil
}

func (s *PositionStore) Upsert(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[pos.User] = pos
	return nil
}

func (s *PositionStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, opts), nil
}

func (s *PositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

// StepStore keeps step history in append order.
type StepStore struct {
	mu      sync.RWMutex
	steps   []domain.StepRecord
	unwinds []domain.UnwindRecord
}

// NewStepStore creates an empty StepStore.
func NewStepStore() *StepStore {
	return &StepStore{}
}

func (s *StepStore) InsertStep(_ context.Context, rec domain.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, rec)
	return nil
}

// ListSteps returns the newest records first.
func (s *StepStore) ListSteps(_ context.Context, user string, limit int) ([]domain.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StepRecord
	for i := len(s.steps) - 1; i >= 0; i-- {
		if s.steps[i].User != user {
			continue
		}
		out = append(out, s.steps[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *StepStore) InsertUnwindStep(_ context.Context, rec domain.UnwindRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unwinds = append(s.unwinds, rec)
	return nil
}

func (s *StepStore) ListUnwindSteps(_ context.Context, user string, limit int) ([]domain.UnwindRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UnwindRecord
	for i := len(s.unwinds) - 1; i >= 0; i-- {
		if s.unwinds[i].User != user {
			continue
		}
		out = append(out, s.unwinds[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *StepStore) StepsBefore(_ context.Context, before time.Time) ([]domain.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StepRecord
	for _, r := range s.steps {
		if r.ExecutedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *StepStore) UnwindStepsBefore(_ context.Context, before time.Time) ([]domain.UnwindRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UnwindRecord
	for _, r := range s.unwinds {
		if r.ExecutedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first, filtered by opts.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return page(out, opts), nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
