package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite with JSON text details.
type AuditStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	data, err := sonnet.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)",
		event, string(data), s.now()); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := "SELECT id, event, detail, created_at FROM audit_log WHERE 1=1"
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, *opts.Until)
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = paginate(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := sonnet.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: audit rows: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
