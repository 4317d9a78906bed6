package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/forge/pkg/apierr"
)

func newMockGateway(t *testing.T) (*PostgresGateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresGateway{db: sqlx.NewDb(db, "sqlmock")}, mock
}

func TestDispatchNextWorkItemReturnsNilWhenEmpty(t *testing.T) {
	gw, mock := newMockGateway(t)
	mock.ExpectQuery("UPDATE work_items").WillReturnRows(sqlmock.NewRows(nil))

	item, err := gw.DispatchNextWorkItem(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchNextWorkItemReturnsRow(t *testing.T) {
	gw, mock := newMockGateway(t)
	cols := []string{"id", "repo", "branch", "spec", "description", "priority", "status", "worker_id",
		"iteration", "max_iterations", "retry_count", "max_retries", "next_retry_at",
		"created_at", "updated_at", "completed_at", "error", "pr_url", "metadata", "type"}
	now := time.Now()
	rows := sqlmock.NewRows(cols).AddRow(
		"item-1", "o/r", "main", "do X", nil, "high", "assigned", nil,
		0, 10, 0, 3, nil, now, now, nil, nil, nil, []byte(`{}`), "execution")
	mock.ExpectQuery("UPDATE work_items").WillReturnRows(rows)

	item, err := gw.DispatchNextWorkItem(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "item-1", item.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslateErrMapsUniqueViolationToLockConflict(t *testing.T) {
	err := translateErr(&pgconn.PgError{Code: pgUniqueViolation, Message: "duplicate key"})
	assert.ErrorIs(t, err, apierr.ErrLockConflict)
}

func TestTranslateErrMapsOtherPgErrorsToTransient(t *testing.T) {
	err := translateErr(&pgconn.PgError{Code: "08006", Message: "connection failure"})
	assert.ErrorIs(t, err, apierr.ErrTransient)
}

func TestNoRowsToInvalidStateOnZeroRowsAffected(t *testing.T) {
	gw, mock := newMockGateway(t)
	mock.ExpectExec("UPDATE work_items SET spec").WillReturnResult(sqlmock.NewResult(0, 0))

	err := gw.UpdateWorkItemSpec(context.Background(), "missing", "spec", "branch")
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidState, apiErr.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
