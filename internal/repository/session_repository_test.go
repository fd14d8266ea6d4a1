package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestSessionRepositoryRotateToken(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("sess-1", "NEWTOKEN", sqlmock.AnyArg(), "OPEN").
		WillReturnRows(sqlmock.NewRows([]string{"token_seq"}).AddRow(int64(7)))

	seq, err := repo.RotateToken(context.Background(), "sess-1", "NEWTOKEN")
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryRotateTokenClosedSession(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("sess-1", "NEWTOKEN", sqlmock.AnyArg(), "OPEN").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.RotateToken(context.Background(), "sess-1", "NEWTOKEN")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCloseIdempotent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	now := time.Now()

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("sess-1", "CLOSED", sqlmock.AnyArg(), "OPEN").
		WillReturnResult(sqlmock.NewResult(0, 1))
	closed, err := repo.Close(context.Background(), "sess-1", now)
	require.NoError(t, err)
	require.True(t, closed)

	// Second call matches no open row and reports false without error.
	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("sess-1", "CLOSED", sqlmock.AnyArg(), "OPEN").
		WillReturnResult(sqlmock.NewResult(0, 0))
	closed, err = repo.Close(context.Background(), "sess-1", now)
	require.NoError(t, err)
	require.False(t, closed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryIncrementSigned(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSessionRepository(db)

	mock.ExpectExec(`UPDATE sessions SET signed_count = signed_count \+ 1`).
		WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.IncrementSigned(context.Background(), "sess-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
