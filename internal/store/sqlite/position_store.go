package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// PositionStore implements domain.PositionStore on SQLite.
type PositionStore struct {
	db *sql.DB
}

// NewPositionStore creates a PositionStore.
func NewPositionStore(db *sql.DB) *PositionStore {
	return &PositionStore{db: db}
}

const positionCols = `user_address, total_collateral, total_debt, current_ltv, previous_ltv,
	loops_completed, is_active, is_looping, is_unwinding, opened_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(&p.User, &p.TotalCollateral, &p.TotalDebt, &p.CurrentLTV, &p.PreviousLTV,
		&p.LoopsCompleted, &p.IsActive, &p.IsLooping, &p.IsUnwinding, &p.OpenedAt, &p.UpdatedAt)
	return p, err
}

// Get returns the position for user or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, user string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+positionCols+" FROM positions WHERE user_address = ?", user)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", user, err)
	}
	return p, nil
}

// Upsert writes the whole record.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions (`+positionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_address) DO UPDATE SET
			total_collateral = excluded.total_collateral,
			total_debt = excluded.total_debt,
			current_ltv = excluded.current_ltv,
			previous_ltv = excluded.previous_ltv,
			loops_completed = excluded.loops_completed,
			is_active = excluded.is_active,
			is_looping = excluded.is_looping,
			is_unwinding = excluded.is_unwinding,
			opened_at = excluded.opened_at,
			updated_at = excluded.updated_at`,
		p.User, p.TotalCollateral, p.TotalDebt, p.CurrentLTV, p.PreviousLTV,
		p.LoopsCompleted, p.IsActive, p.IsLooping, p.IsUnwinding, p.OpenedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upsert position %s: %w", p.User, err)
	}
	return nil
}

// List returns positions, most recently updated first.
func (s *PositionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := "SELECT " + positionCols + " FROM positions WHERE 1=1"
	var args []any
	if opts.Since != nil {
		query += " AND updated_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND updated_at <= ?"
		args = append(args, *opts.Until)
	}
	query += " ORDER BY updated_at DESC"
	query, args = paginate(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	return collectPositions(rows)
}

// ListActive returns every active position ordered by user.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+positionCols+" FROM positions WHERE is_active = 1 ORDER BY user_address")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active positions: %w", err)
	}
	return collectPositions(rows)
}

func collectPositions(rows *sql.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: position rows: %w", err)
	}
	return out, nil
}

// paginate appends LIMIT/OFFSET. SQLite needs a LIMIT before OFFSET; -1 means
// unbounded.
func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit <= 0 && opts.Offset <= 0 {
		return query, args
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}

var _ domain.PositionStore = (*PositionStore)(nil)
