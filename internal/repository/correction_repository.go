package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

// ErrStaleTransition signals that the conditional state update matched no
// row: the workflow already moved on.
var ErrStaleTransition = fmt.Errorf("correction request not in expected state")

// CorrectionRepository handles persistence of correction requests.
type CorrectionRepository struct {
	db *sqlx.DB
}

// NewCorrectionRepository constructs the repository.
func NewCorrectionRepository(db *sqlx.DB) *CorrectionRepository {
	return &CorrectionRepository{db: db}
}

const correctionColumns = `id, record_id, session_id, attendee_id, requester_id, category,
        justification, evidence, status, reviewer_id, reviewer_remark, reviewed_at,
        instructor_id, instructor_remark, decided_at, created_at, updated_at`

// Create persists a new request in the OPENED state.
func (r *CorrectionRepository) Create(ctx context.Context, request *models.CorrectionRequest) error {
	now := time.Now().UTC()
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	request.Status = models.CorrectionOpened
	request.CreatedAt = now
	request.UpdatedAt = now
	const query = `INSERT INTO correction_requests (id, record_id, session_id, attendee_id,
        requester_id, category, justification, evidence, status, created_at, updated_at)
        VALUES (:id, :record_id, :session_id, :attendee_id, :requester_id, :category,
        :justification, :evidence, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create correction request: %w", err)
	}
	return nil
}

// FindByID returns a request by its ID.
func (r *CorrectionRepository) FindByID(ctx context.Context, id string) (*models.CorrectionRequest, error) {
	query := fmt.Sprintf("SELECT %s FROM correction_requests WHERE id = $1", correctionColumns)
	var request models.CorrectionRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// OpenExistsForRecord checks whether a non-terminal request references the record.
func (r *CorrectionRepository) OpenExistsForRecord(ctx context.Context, recordID string) (bool, error) {
	const query = `SELECT 1 FROM correction_requests WHERE record_id = $1 AND status IN ($2, $3) LIMIT 1`
	var exists int
	err := r.db.GetContext(ctx, &exists, query, recordID, models.CorrectionOpened, models.CorrectionReviewerApproved)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check open correction request: %w", err)
	}
	return true, nil
}

// List returns requests matching the filter plus a total count.
func (r *CorrectionRepository) List(ctx context.Context, filter models.CorrectionFilter) ([]models.CorrectionRequest, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.RequesterID != "" {
		where = append(where, fmt.Sprintf("requester_id = $%d", len(args)+1))
		args = append(args, filter.RequesterID)
	}
	if filter.SessionID != "" {
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)+1))
		args = append(args, filter.SessionID)
	}
	whereClause := strings.Join(where, " AND ")

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s FROM correction_requests WHERE %s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		correctionColumns, whereClause, size, offset)
	var requests []models.CorrectionRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list correction requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM correction_requests WHERE %s", whereClause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count correction requests: %w", err)
	}
	return requests, total, nil
}

// ReviewerDecision moves an OPENED request to the reviewer's verdict. The
// update is guarded on the source state; ErrStaleTransition when it matched
// nothing.
func (r *CorrectionRepository) ReviewerDecision(ctx context.Context, id string, next models.CorrectionStatus, reviewerID string, remark *string, at time.Time) error {
	const query = `UPDATE correction_requests
        SET status = $2, reviewer_id = $3, reviewer_remark = $4, reviewed_at = $5, updated_at = $5
        WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, next, reviewerID, remark, at.UTC(), models.CorrectionOpened)
	if err != nil {
		return fmt.Errorf("apply reviewer decision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reviewer decision affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// InstructorReject moves a REVIEWER_APPROVED request to INSTRUCTOR_REJECTED.
// The referenced record is untouched.
func (r *CorrectionRepository) InstructorReject(ctx context.Context, id, instructorID string, remark *string, at time.Time) error {
	const query = `UPDATE correction_requests
        SET status = $2, instructor_id = $3, instructor_remark = $4, decided_at = $5, updated_at = $5
        WHERE id = $1 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, id, models.CorrectionInstructorRejected, instructorID, remark, at.UTC(), models.CorrectionReviewerApproved)
	if err != nil {
		return fmt.Errorf("apply instructor rejection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("instructor rejection affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// InstructorApprove finalises the workflow: the request moves to
// INSTRUCTOR_APPROVED and the referenced record's disposition becomes
// EXCUSED with a back-link to the request, in one transaction. Either both
// writes commit or neither does.
func (r *CorrectionRepository) InstructorApprove(ctx context.Context, request *models.CorrectionRequest, instructorID string, remark *string, at time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin instructor approval: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const requestQuery = `UPDATE correction_requests
        SET status = $2, instructor_id = $3, instructor_remark = $4, decided_at = $5, updated_at = $5
        WHERE id = $1 AND status = $6`
	res, err := tx.ExecContext(ctx, requestQuery, request.ID, models.CorrectionInstructorApproved, instructorID, remark, at.UTC(), models.CorrectionReviewerApproved)
	if err != nil {
		return fmt.Errorf("apply instructor approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("instructor approval affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}

	const recordQuery = `UPDATE attendance_records
        SET disposition = $2, correction_id = $3, updated_at = $4
        WHERE id = $1`
	if _, err := tx.ExecContext(ctx, recordQuery, request.RecordID, models.DispositionExcused, request.ID, at.UTC()); err != nil {
		return fmt.Errorf("excuse attendance record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit instructor approval: %w", err)
	}
	committed = true
	return nil
}
