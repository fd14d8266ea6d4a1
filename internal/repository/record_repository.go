package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

// ErrRecordExists signals a conflicting insert for (session_id, attendee_id).
var ErrRecordExists = fmt.Errorf("attendance record already exists")

// ErrSessionNotOpen signals that the session row left OPEN before the insert
// landed, so no record was written.
var ErrSessionNotOpen = fmt.Errorf("session is no longer open")

// RecordRepository handles persistence of attendance records.
type RecordRepository struct {
	db *sqlx.DB
}

// NewRecordRepository constructs the repository.
func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

const recordColumns = `id, session_id, attendee_id, attendee_name, course_id, course_name,
        disposition, distance_m, token_match, biometric_match, submitted_at,
        correction_id, created_at, updated_at`

// Insert creates exactly one record per (session, attendee). The duplicate
// check and the insert are a single conditional write so racing submissions
// cannot both succeed, and the insert sources its session row with a status
// guard so a close that commits first leaves nothing behind. Returns
// ErrRecordExists on conflict and ErrSessionNotOpen when the status guard
// rejected the write.
func (r *RecordRepository) Insert(ctx context.Context, record *models.AttendanceRecord) error {
	now := time.Now().UTC()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	const query = `INSERT INTO attendance_records (id, session_id, attendee_id, attendee_name,
        course_id, course_name, disposition, distance_m, token_match, biometric_match,
        submitted_at, created_at, updated_at)
        SELECT $1, s.id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        FROM sessions s
        WHERE s.id = $2 AND s.status = $14
        ON CONFLICT (session_id, attendee_id) DO NOTHING
        RETURNING id`
	var insertedID string
	err := r.db.QueryRowxContext(ctx, query,
		record.ID, record.SessionID, record.AttendeeID, record.AttendeeName,
		record.CourseID, record.CourseName, record.Disposition, record.DistanceM,
		record.TokenMatch, record.BiometricMatch, record.SubmittedAt,
		record.CreatedAt, record.UpdatedAt, models.SessionStatusOpen,
	).Scan(&insertedID)
	if err != nil {
		if err == sql.ErrNoRows {
			// No row means either the composite key conflicted or the
			// status guard filtered the session out; a follow-up lookup
			// tells the two apart without weakening the write itself.
			var existingID string
			lookupErr := r.db.GetContext(ctx, &existingID,
				`SELECT id FROM attendance_records WHERE session_id = $1 AND attendee_id = $2`,
				record.SessionID, record.AttendeeID)
			switch {
			case lookupErr == nil:
				return ErrRecordExists
			case errors.Is(lookupErr, sql.ErrNoRows):
				return ErrSessionNotOpen
			default:
				return fmt.Errorf("classify rejected insert: %w", lookupErr)
			}
		}
		return fmt.Errorf("insert attendance record: %w", err)
	}
	return nil
}

// FindBySessionAndAttendee returns the record for a composite key.
func (r *RecordRepository) FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.AttendanceRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM attendance_records WHERE session_id = $1 AND attendee_id = $2", recordColumns)
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, sessionID, attendeeID); err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByID returns the record carrying the given external reference id.
func (r *RecordRepository) FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM attendance_records WHERE id = $1", recordColumns)
	var record models.AttendanceRecord
	if err := r.db.GetContext(ctx, &record, query, id); err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns records matching the filter plus a total count.
func (r *RecordRepository) List(ctx context.Context, filter models.RecordFilter) ([]models.AttendanceRecord, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.SessionID != "" {
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	if filter.AttendeeID != "" {
		where = append(where, fmt.Sprintf("attendee_id = $%d", len(args)+1))
		args = append(args, filter.AttendeeID)
	}
	if filter.Disposition != nil && filter.Disposition.Valid() {
		where = append(where, fmt.Sprintf("disposition = $%d", len(args)+1))
		args = append(args, *filter.Disposition)
	}
	whereClause := strings.Join(where, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s FROM attendance_records WHERE %s ORDER BY submitted_at DESC LIMIT %d OFFSET %d",
		recordColumns, whereClause, size, offset)
	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list attendance records: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM attendance_records WHERE %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count attendance records: %w", err)
	}
	return records, total, nil
}

// ListBySession returns every record for a session, unpaginated, ordered by
// attendee name. Serves the export path, which must not truncate the sheet.
func (r *RecordRepository) ListBySession(ctx context.Context, sessionID string) ([]models.AttendanceRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM attendance_records WHERE session_id = $1 ORDER BY attendee_name ASC, attendee_id ASC", recordColumns)
	var records []models.AttendanceRecord
	if err := r.db.SelectContext(ctx, &records, query, sessionID); err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	return records, nil
}

// ListAttendeeIDsBySession returns the attendee ids holding a record.
func (r *RecordRepository) ListAttendeeIDsBySession(ctx context.Context, sessionID string) ([]string, error) {
	const query = `SELECT attendee_id FROM attendance_records WHERE session_id = $1`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, sessionID); err != nil {
		return nil, fmt.Errorf("list session attendee ids: %w", err)
	}
	return ids, nil
}

// InsertAbsentees inserts ABSENT records for roster members with no record
// yet. Conflicts are skipped, so re-running reconciliation is safe.
func (r *RecordRepository) InsertAbsentees(ctx context.Context, session *models.Session, members []models.CourseMember, closedAt time.Time) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	const query = `INSERT INTO attendance_records (id, session_id, attendee_id, attendee_name,
        course_id, course_name, disposition, token_match, biometric_match,
        submitted_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, false, false, $8, $9, $9)
        ON CONFLICT (session_id, attendee_id) DO NOTHING`
	now := time.Now().UTC()
	inserted := 0
	for _, member := range members {
		res, err := r.db.ExecContext(ctx, query,
			uuid.NewString(), session.ID, member.StudentID, member.StudentName,
			session.CourseID, session.CourseName, models.DispositionAbsent,
			closedAt.UTC(), now,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert absent record: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// SummaryBySession aggregates disposition counts for a session.
func (r *RecordRepository) SummaryBySession(ctx context.Context, sessionID string) (*models.SessionRecordSummary, error) {
	const query = `SELECT disposition, COUNT(*) AS cnt FROM attendance_records WHERE session_id = $1 GROUP BY disposition`
	rows := []struct {
		Disposition string `db:"disposition"`
		Count       int    `db:"cnt"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("session record summary: %w", err)
	}
	summary := &models.SessionRecordSummary{}
	for _, row := range rows {
		switch models.Disposition(row.Disposition) {
		case models.DispositionPresent:
			summary.Present += row.Count
		case models.DispositionLate:
			summary.Late += row.Count
		case models.DispositionAbsent:
			summary.Absent += row.Count
		case models.DispositionExcused:
			summary.Excused += row.Count
		}
		summary.Total += row.Count
	}
	return summary, nil
}
