package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `user_address, total_collateral, total_debt,
	current_ltv, previous_ltv, loops_completed,
	is_active, is_looping, is_unwinding, opened_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.User, &p.TotalCollateral, &p.TotalDebt,
		&p.CurrentLTV, &p.PreviousLTV, &p.LoopsCompleted,
		&p.IsActive, &p.IsLooping, &p.IsUnwinding,
		&p.OpenedAt, &p.UpdatedAt,
	)
	return p, err
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns the position for user or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, user string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+positionSelectCols+" FROM positions WHERE user_address = $1", user)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", user, err)
	}
	return p, nil
}

// Upsert writes the whole record.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			user_address, total_collateral, total_debt,
			current_ltv, previous_ltv, loops_completed,
			is_active, is_looping, is_unwinding, opened_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_address) DO UPDATE SET
			total_collateral = EXCLUDED.total_collateral,
			total_debt       = EXCLUDED.total_debt,
			current_ltv      = EXCLUDED.current_ltv,
			previous_ltv     = EXCLUDED.previous_ltv,
			loops_completed  = EXCLUDED.loops_completed,
			is_active        = EXCLUDED.is_active,
			is_looping       = EXCLUDED.is_looping,
			is_unwinding     = EXCLUDED.is_unwinding,
			opened_at        = EXCLUDED.opened_at,
			updated_at       = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		p.User, p.TotalCollateral, p.TotalDebt,
		p.CurrentLTV, p.PreviousLTV, p.LoopsCompleted,
		p.IsActive, p.IsLooping, p.IsUnwinding,
		p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.User, err)
	}
	return nil
}

// List returns positions, most recently updated first.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := "SELECT " + positionSelectCols + " FROM positions WHERE 1=1"
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return out, nil
}

// ListActive returns every active position ordered by user.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+positionSelectCols+" FROM positions WHERE is_active ORDER BY user_address")
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	out, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
