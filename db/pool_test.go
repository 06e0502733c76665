package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/internal/backoff"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newMockPool(t *testing.T, opts ...PoolOption) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts = append([]PoolOption{WithRetryPolicy(backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep})}, opts...)
	return NewPool(db, opts...), mock
}

func TestWithTxCommits(t *testing.T) {
	pool, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE scheduled_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pool.WithTx(context.Background(), func(q Querier) error {
		_, err := q.ExecContext(context.Background(), "UPDATE scheduled_jobs SET is_active = 0")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	pool, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := pool.WithTx(context.Background(), func(Querier) error { return boom })
	assert.True(t, errors.Is(err, boom))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	pool, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = pool.WithTx(context.Background(), func(Querier) error { panic("scan exploded") })
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRetriesBusyThenSucceeds(t *testing.T) {
	pool, mock := newMockPool(t)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dispatch_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := pool.WithTx(context.Background(), func(q Querier) error {
		_, err := q.ExecContext(context.Background(), "INSERT INTO dispatch_history (id) VALUES ('r1')")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxContentionExhausted(t *testing.T) {
	var hookAttempts int
	pool, mock := newMockPool(t, WithContentionHook(func(n int) { hookAttempts = n }))

	for i := 0; i < 3; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	}

	err := pool.WithTx(context.Background(), func(Querier) error { return nil })
	require.Error(t, err)
	assert.True(t, IsStoreContention(err))
	assert.Contains(t, err.Error(), "store busy after 3 attempts")
	assert.Equal(t, 3, hookAttempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxDoesNotRetryOtherErrors(t *testing.T) {
	pool, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnError(errors.New("no such column: bogus"))
	mock.ExpectRollback()

	err := pool.WithTx(context.Background(), func(q Querier) error {
		_, err := q.ExecContext(context.Background(), "UPDATE scheduled_jobs SET bogus = 1")
		return err
	})
	require.Error(t, err)
	assert.False(t, IsStoreContention(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithConnRetriesBusyQuery(t *testing.T) {
	pool, mock := newMockPool(t)

	mock.ExpectQuery("SELECT id FROM scheduled_jobs").WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery("SELECT id FROM scheduled_jobs").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))

	var id string
	err := pool.WithConn(context.Background(), func(q Querier) error {
		return q.QueryRowContext(context.Background(), "SELECT id FROM scheduled_jobs").Scan(&id)
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
