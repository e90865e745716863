package sqlite

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

const dave = "0xdddddddddddddddddddddddddddddddddddddddd"

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func positionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"user_address", "total_collateral", "total_debt", "current_ltv", "previous_ltv",
		"loops_completed", "is_active", "is_looping", "is_unwinding", "opened_at", "updated_at",
	})
}

func TestMigrateAppliesSchema(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS positions")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), db))
}

func TestPositionGet(t *testing.T) {
	db, mock := newMockDB(t)
	opened := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM positions WHERE user_address = ?")).
		WithArgs(dave).
		WillReturnRows(positionRows().AddRow(dave, "1750000", "750000", int64(4285), int64(0),
			int64(1), true, true, false, opened, opened))

	pos, err := NewPositionStore(db).Get(context.Background(), dave)
	require.NoError(t, err)
	assert.Equal(t, "1750000", pos.TotalCollateral.String())
	assert.Equal(t, "750000", pos.TotalDebt.String())
	assert.Equal(t, int64(4285), pos.CurrentLTV)
	assert.Equal(t, 1, pos.LoopsCompleted)
	assert.True(t, pos.IsLooping)
	assert.Equal(t, opened, pos.OpenedAt)
}

func TestPositionGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM positions WHERE user_address = ?")).
		WithArgs(dave).
		WillReturnRows(positionRows())

	_, err := NewPositionStore(db).Get(context.Background(), dave)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionUpsert(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO positions")).
		WithArgs(dave, "1000", "0", int64(0), int64(0), 0, true, false, false, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := NewPositionStore(db).Upsert(context.Background(), domain.Position{
		User:            dave,
		TotalCollateral: decimal.NewFromInt(1000),
		IsActive:        true,
		OpenedAt:        now,
		UpdatedAt:       now,
	})
	require.NoError(t, err)
}

func TestPositionListPaginates(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY updated_at DESC LIMIT ? OFFSET ?")).
		WithArgs(-1, 20).
		WillReturnRows(positionRows())

	out, err := NewPositionStore(db).List(context.Background(), domain.ListOpts{Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestListStepsNewestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"user_address", "loop_number", "borrowed", "swapped", "supplied",
		"current_ltv", "health_factor", "executed_at",
	}).
		AddRow(dave, int64(2), "562500", "562500", "562500", int64(5675), "1.4976", at.Add(time.Minute)).
		AddRow(dave, int64(1), "750000", "750000", "750000", int64(4285), "1.9833", at)
	mock.ExpectQuery(regexp.QuoteMeta("FROM loop_steps WHERE user_address = ? ORDER BY executed_at DESC, id DESC LIMIT ?")).
		WithArgs(dave, 2).
		WillReturnRows(rows)

	steps, err := NewStepStore(db).ListSteps(context.Background(), dave, 2)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[0].LoopNumber)
	assert.Equal(t, "1.4976", steps[0].HealthFactor.String())
}

func TestInsertUnwindStep(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO unwind_steps")).
		WithArgs(dave, 1, "10", "10", "10", "90", "0", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := NewStepStore(db).InsertUnwindStep(context.Background(), domain.UnwindRecord{
		User:                dave,
		StepNumber:          1,
		Withdrawn:           decimal.NewFromInt(10),
		Swapped:             decimal.NewFromInt(10),
		Repaid:              decimal.NewFromInt(10),
		RemainingCollateral: decimal.NewFromInt(90),
		RemainingDebt:       decimal.Zero,
		ExecutedAt:          at,
	})
	require.NoError(t, err)
}

func TestAuditRoundTripsDetail(t *testing.T) {
	db, mock := newMockDB(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewAuditStore(db)
	store.now = func() time.Time { return at }

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("ledger.deposit", `{"amount":"5"}`, at).
		WillReturnResult(sqlmock.NewResult(7, 1))
	require.NoError(t, store.Log(context.Background(), "ledger.deposit", map[string]any{"amount": "5"}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log WHERE 1=1 AND created_at <= ? ORDER BY created_at DESC, id DESC")).
		WithArgs(at).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event", "detail", "created_at"}).
			AddRow(int64(7), "ledger.deposit", `{"amount":"5"}`, at))

	entries, err := store.List(context.Background(), domain.ListOpts{Until: &at})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "5", entries[0].Detail["amount"])
}
