package repository

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

func TestRecordRepositoryInsert(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordRepository(db)

	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-1"))

	record := &models.AttendanceRecord{
		ID:          "rec-1",
		SessionID:   "sess-1",
		AttendeeID:  "stu-1",
		Disposition: models.DispositionPresent,
		SubmittedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Insert(context.Background(), record))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepositoryInsertConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordRepository(db)

	// No row back from the guarded insert, and the composite key already
	// holds a record: a concurrent submission won.
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM attendance_records`).
		WithArgs("sess-1", "stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rec-existing"))

	record := &models.AttendanceRecord{
		SessionID:   "sess-1",
		AttendeeID:  "stu-1",
		Disposition: models.DispositionLate,
		SubmittedAt: time.Now().UTC(),
	}
	err := repo.Insert(context.Background(), record)
	require.ErrorIs(t, err, ErrRecordExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepositoryInsertSessionClosed(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordRepository(db)

	// No row back and no prior record either: the status guard filtered
	// the session out, so a close beat the insert.
	mock.ExpectQuery(`INSERT INTO attendance_records`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT id FROM attendance_records`).
		WithArgs("sess-1", "stu-1").
		WillReturnError(sql.ErrNoRows)

	record := &models.AttendanceRecord{
		SessionID:   "sess-1",
		AttendeeID:  "stu-1",
		Disposition: models.DispositionPresent,
		SubmittedAt: time.Now().UTC(),
	}
	err := repo.Insert(context.Background(), record)
	require.ErrorIs(t, err, ErrSessionNotOpen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepositoryListBySessionUnpaginated(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordRepository(db)

	rows := sqlmock.NewRows([]string{"id", "session_id", "attendee_id", "disposition"})
	for i := 0; i < 250; i++ {
		rows.AddRow(fmt.Sprintf("rec-%d", i), "sess-1", fmt.Sprintf("stu-%d", i), "PRESENT")
	}
	mock.ExpectQuery(`SELECT (.+) FROM attendance_records WHERE session_id = \$1 ORDER BY attendee_name`).
		WithArgs("sess-1").
		WillReturnRows(rows)

	records, err := repo.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 250)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepositoryInsertAbsenteesSkipsConflicts(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewRecordRepository(db)

	session := &models.Session{ID: "sess-1", CourseID: "course-1", CourseName: "Calculus"}
	members := []models.CourseMember{
		{CourseID: "course-1", StudentID: "stu-1", StudentName: "A"},
		{CourseID: "course-1", StudentID: "stu-2", StudentName: "B"},
	}

	// stu-1 already holds a record; the conflicting insert affects zero rows.
	mock.ExpectExec(`INSERT INTO attendance_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO attendance_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := repo.InsertAbsentees(context.Background(), session, members, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}
