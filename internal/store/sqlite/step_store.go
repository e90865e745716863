package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// StepStore implements domain.StepStore on SQLite.
type StepStore struct {
	db *sql.DB
}

// NewStepStore creates a StepStore.
func NewStepStore(db *sql.DB) *StepStore {
	return &StepStore{db: db}
}

const (
	stepCols   = `user_address, loop_number, borrowed, swapped, supplied, current_ltv, health_factor, executed_at`
	unwindCols = `user_address, step_number, withdrawn, swapped, repaid, remaining_collateral, remaining_debt, executed_at`
)

func (s *StepStore) InsertStep(ctx context.Context, rec domain.StepRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO loop_steps ("+stepCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.User, rec.LoopNumber, rec.Borrowed, rec.Swapped, rec.Supplied,
		rec.CurrentLTV, rec.HealthFactor, rec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert step %s/%d: %w", rec.User, rec.LoopNumber, err)
	}
	return nil
}

func (s *StepStore) ListSteps(ctx context.Context, user string, limit int) ([]domain.StepRecord, error) {
	query, args := paginate("SELECT "+stepCols+" FROM loop_steps WHERE user_address = ? ORDER BY executed_at DESC, id DESC",
		[]any{user}, domain.ListOpts{Limit: limit})
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps %s: %w", user, err)
	}
	return collectSteps(rows)
}

func (s *StepStore) StepsBefore(ctx context.Context, before time.Time) ([]domain.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stepCols+" FROM loop_steps WHERE executed_at < ? ORDER BY executed_at, id", before)
	if err != nil {
		return nil, fmt.Errorf("sqlite: steps before: %w", err)
	}
	return collectSteps(rows)
}

func (s *StepStore) InsertUnwindStep(ctx context.Context, rec domain.UnwindRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO unwind_steps ("+unwindCols+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		rec.User, rec.StepNumber, rec.Withdrawn, rec.Swapped, rec.Repaid,
		rec.RemainingCollateral, rec.RemainingDebt, rec.ExecutedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert unwind step %s/%d: %w", rec.User, rec.StepNumber, err)
	}
	return nil
}

func (s *StepStore) ListUnwindSteps(ctx context.Context, user string, limit int) ([]domain.UnwindRecord, error) {
	query, args := paginate("SELECT "+unwindCols+" FROM unwind_steps WHERE user_address = ? ORDER BY executed_at DESC, id DESC",
		[]any{user}, domain.ListOpts{Limit: limit})
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list unwind steps %s: %w", user, err)
	}
	return collectUnwinds(rows)
}

func (s *StepStore) UnwindStepsBefore(ctx context.Context, before time.Time) ([]domain.UnwindRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+unwindCols+" FROM unwind_steps WHERE executed_at < ? ORDER BY executed_at, id", before)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unwind steps before: %w", err)
	}
	return collectUnwinds(rows)
}

func collectSteps(rows *sql.Rows) ([]domain.StepRecord, error) {
	defer rows.Close()
	var out []domain.StepRecord
	for rows.Next() {
		var r domain.StepRecord
		if err := rows.Scan(&r.User, &r.LoopNumber, &r.Borrowed, &r.Swapped, &r.Supplied,
			&r.CurrentLTV, &r.HealthFactor, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: step rows: %w", err)
	}
	return out, nil
}

func collectUnwinds(rows *sql.Rows) ([]domain.UnwindRecord, error) {
	defer rows.Close()
	var out []domain.UnwindRecord
	for rows.Next() {
		var r domain.UnwindRecord
		if err := rows.Scan(&r.User, &r.StepNumber, &r.Withdrawn, &r.Swapped, &r.Repaid,
			&r.RemainingCollateral, &r.RemainingDebt, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan unwind step: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: unwind step rows: %w", err)
	}
	return out, nil
}

var _ domain.StepStore = (*StepStore)(nil)
