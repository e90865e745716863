package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// StepStore implements domain.StepStore using PostgreSQL.
type StepStore struct {
	pool *pgxpool.Pool
}

// NewStepStore creates a StepStore backed by the given pool.
func NewStepStore(pool *pgxpool.Pool) *StepStore {
	return &StepStore{pool: pool}
}

const (
	stepSelectCols = `user_address, loop_number, borrowed, swapped, supplied,
		current_ltv, health_factor, executed_at`
	unwindSelectCols = `user_address, step_number, withdrawn, swapped, repaid,
		remaining_collateral, remaining_debt, executed_at`
)

// InsertStep appends a loop step record.
func (s *StepStore) InsertStep(ctx context.Context, rec domain.StepRecord) error {
	const query = `
		INSERT INTO loop_steps (` + stepSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		rec.User, rec.LoopNumber, rec.Borrowed, rec.Swapped, rec.Supplied,
		rec.CurrentLTV, rec.HealthFactor, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert step %s/%d: %w", rec.User, rec.LoopNumber, err)
	}
	return nil
}

// ListSteps returns a user's most recent loop steps, newest first.
func (s *StepStore) ListSteps(ctx context.Context, user string, limit int) ([]domain.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+stepSelectCols+" FROM loop_steps WHERE user_address = $1 ORDER BY executed_at DESC, id DESC LIMIT $2",
		user, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps %s: %w", user, err)
	}
	return collectSteps(rows)
}

// StepsBefore returns every loop step executed before the cutoff.
func (s *StepStore) StepsBefore(ctx context.Context, before time.Time) ([]domain.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+stepSelectCols+" FROM loop_steps WHERE executed_at < $1 ORDER BY executed_at, id", before)
	if err != nil {
		return nil, fmt.Errorf("postgres: steps before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectSteps(rows)
}

// InsertUnwindStep appends an unwind step record.
func (s *StepStore) InsertUnwindStep(ctx context.Context, rec domain.UnwindRecord) error {
	const query = `
		INSERT INTO unwind_steps (` + unwindSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		rec.User, rec.StepNumber, rec.Withdrawn, rec.Swapped, rec.Repaid,
		rec.RemainingCollateral, rec.RemainingDebt, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert unwind step %s/%d: %w", rec.User, rec.StepNumber, err)
	}
	return nil
}

// ListUnwindSteps returns a user's most recent unwind steps, newest first.
func (s *StepStore) ListUnwindSteps(ctx context.Context, user string, limit int) ([]domain.UnwindRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+unwindSelectCols+" FROM unwind_steps WHERE user_address = $1 ORDER BY executed_at DESC, id DESC LIMIT $2",
		user, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list unwind steps %s: %w", user, err)
	}
	return collectUnwinds(rows)
}

// UnwindStepsBefore returns every unwind step executed before the cutoff.
func (s *StepStore) UnwindStepsBefore(ctx context.Context, before time.Time) ([]domain.UnwindRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+unwindSelectCols+" FROM unwind_steps WHERE executed_at < $1 ORDER BY executed_at, id", before)
	if err != nil {
		return nil, fmt.Errorf("postgres: unwind steps before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectUnwinds(rows)
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func collectSteps(rows pgx.Rows) ([]domain.StepRecord, error) {
	defer rows.Close()
	var out []domain.StepRecord
	for rows.Next() {
		var r domain.StepRecord
		if err := rows.Scan(&r.User, &r.LoopNumber, &r.Borrowed, &r.Swapped, &r.Supplied,
			&r.CurrentLTV, &r.HealthFactor, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: step rows: %w", err)
	}
	return out, nil
}

func collectUnwinds(rows pgx.Rows) ([]domain.UnwindRecord, error) {
	defer rows.Close()
	var out []domain.UnwindRecord
	for rows.Next() {
		var r domain.UnwindRecord
		if err := rows.Scan(&r.User, &r.StepNumber, &r.Withdrawn, &r.Swapped, &r.Repaid,
			&r.RemainingCollateral, &r.RemainingDebt, &r.ExecutedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan unwind step: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: unwind step rows: %w", err)
	}
	return out, nil
}

var _ domain.StepStore = (*StepStore)(nil)
