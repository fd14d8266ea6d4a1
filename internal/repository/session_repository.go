package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

// SessionRepository handles persistence of attendance sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, course_id, course_name, mode, start_time, end_time,
        anchor_lat, anchor_lng, anchor_radius_m, token, token_seq,
        rotation_interval_s, auto_close_grace_s, expected_count, signed_count,
        status, created_by, created_at, updated_at, closed_at`

// Create persists a new open session.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	now := time.Now().UTC()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.CreatedAt = now
	session.UpdatedAt = now
	const query = `INSERT INTO sessions (id, course_id, course_name, mode, start_time, end_time,
        anchor_lat, anchor_lng, anchor_radius_m, token, token_seq,
        rotation_interval_s, auto_close_grace_s, expected_count, signed_count,
        status, created_by, created_at, updated_at)
        VALUES (:id, :course_id, :course_name, :mode, :start_time, :end_time,
        :anchor_lat, :anchor_lng, :anchor_radius_m, :token, :token_seq,
        :rotation_interval_s, :auto_close_grace_s, :expected_count, :signed_count,
        :status, :created_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID returns a session by its ID.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	query := fmt.Sprintf("SELECT %s FROM sessions WHERE id = $1", sessionColumns)
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindLatestByCourse returns the most recently started session for a course.
func (r *SessionRepository) FindLatestByCourse(ctx context.Context, courseID string) (*models.Session, error) {
	query := fmt.Sprintf("SELECT %s FROM sessions WHERE course_id = $1 ORDER BY start_time DESC LIMIT 1", sessionColumns)
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, courseID); err != nil {
		return nil, err
	}
	return &session, nil
}

// RotateToken swaps in a fresh token and bumps the rotation sequence in one
// conditional write. Returns the new sequence number, or sql.ErrNoRows when
// the session is already closed.
func (r *SessionRepository) RotateToken(ctx context.Context, id, newToken string) (int64, error) {
	const query = `UPDATE sessions
        SET token = $2, token_seq = token_seq + 1, updated_at = $3
        WHERE id = $1 AND status = $4
        RETURNING token_seq`
	var seq int64
	err := r.db.GetContext(ctx, &seq, query, id, newToken, time.Now().UTC(), models.SessionStatusOpen)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, err
		}
		return 0, fmt.Errorf("rotate session token: %w", err)
	}
	return seq, nil
}

// Close transitions an open session to closed. Returns true when this call
// performed the transition, false when the session was already closed.
func (r *SessionRepository) Close(ctx context.Context, id string, closedAt time.Time) (bool, error) {
	const query = `UPDATE sessions
        SET status = $2, closed_at = $3, updated_at = $3
        WHERE id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, id, models.SessionStatusClosed, closedAt.UTC(), models.SessionStatusOpen)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close session affected rows: %w", err)
	}
	return affected == 1, nil
}

// IncrementSigned bumps the counted-submissions counter atomically on the
// database side; concurrent submissions never lose updates.
func (r *SessionRepository) IncrementSigned(ctx context.Context, id string) error {
	const query = `UPDATE sessions SET signed_count = signed_count + 1, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("increment signed count: %w", err)
	}
	return nil
}

// ListOpen returns all currently open sessions; used to resume rotation
// schedules after a restart.
func (r *SessionRepository) ListOpen(ctx context.Context) ([]models.Session, error) {
	query := fmt.Sprintf("SELECT %s FROM sessions WHERE status = $1", sessionColumns)
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, query, models.SessionStatusOpen); err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	return sessions, nil
}
