package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/repository"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
)

type correctionStore interface {
	Create(ctx context.Context, request *models.CorrectionRequest) error
	FindByID(ctx context.Context, id string) (*models.CorrectionRequest, error)
	OpenExistsForRecord(ctx context.Context, recordID string) (bool, error)
	List(ctx context.Context, filter models.CorrectionFilter) ([]models.CorrectionRequest, int, error)
	ReviewerDecision(ctx context.Context, id string, next models.CorrectionStatus, reviewerID string, remark *string, at time.Time) error
	InstructorReject(ctx context.Context, id, instructorID string, remark *string, at time.Time) error
	InstructorApprove(ctx context.Context, request *models.CorrectionRequest, instructorID string, remark *string, at time.Time) error
}

type recordReader interface {
	FindByID(ctx context.Context, id string) (*models.AttendanceRecord, error)
}

type courseLookup interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type correctionMetrics interface {
	ObserveCorrectionDecision(transition string)
}

// OpenCorrectionRequest is an attendee's contest of a non-present record.
type OpenCorrectionRequest struct {
	RecordID      string                `json:"record_id" validate:"required"`
	Category      models.ReasonCategory `json:"category" validate:"required,oneof=SICK_LEAVE PERSONAL_LEAVE OFFICIAL_DUTY DEVICE_FAILURE OTHER"`
	Justification string                `json:"justification" validate:"required,min=5,max=500"`
	Evidence      *string               `json:"evidence"`
}

// DecisionRequest carries a reviewer's or instructor's verdict.
type DecisionRequest struct {
	Approve bool    `json:"approve"`
	Remark  *string `json:"remark" validate:"omitempty,max=500"`
}

// CorrectionService drives the two-stage correction approval workflow:
// reviewer first, instructor last, instructor approval is the only step that
// touches the underlying record.
type CorrectionService struct {
	repo      correctionStore
	records   recordReader
	courses   courseLookup
	notify    notifier
	metrics   correctionMetrics
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewCorrectionService constructs CorrectionService.
func NewCorrectionService(repo correctionStore, records recordReader, courses courseLookup, notify notifier, metrics correctionMetrics, validate *validator.Validate, logger *zap.Logger) *CorrectionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorrectionService{
		repo:      repo,
		records:   records,
		courses:   courses,
		notify:    notify,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open files a correction request against a LATE or ABSENT record owned by
// the requester. At most one non-terminal request may reference a record.
func (s *CorrectionService) Open(ctx context.Context, req OpenCorrectionRequest, requester *models.JWTClaims) (*models.CorrectionRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid correction payload")
	}

	record, err := s.records.FindByID(ctx, req.RecordID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "attendance record not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load record")
	}
	if record.AttendeeID != requester.UserID && requester.Role != models.RoleAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "record belongs to another attendee")
	}
	if !record.Disposition.Contestable() {
		return nil, appErrors.ErrInvalidRecordState
	}

	open, err := s.repo.OpenExistsForRecord(ctx, record.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check open requests")
	}
	if open {
		return nil, appErrors.ErrDuplicateRequest
	}

	request := &models.CorrectionRequest{
		RecordID:      record.ID,
		SessionID:     record.SessionID,
		AttendeeID:    record.AttendeeID,
		RequesterID:   requester.UserID,
		Category:      req.Category,
		Justification: req.Justification,
		Evidence:      req.Evidence,
	}
	if err := s.repo.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create correction request")
	}

	s.logger.Info("correction request opened",
		zap.String("request_id", request.ID),
		zap.String("record_id", record.ID),
		zap.String("category", string(request.Category)))
	if s.notify != nil {
		s.notify.Dispatch(models.Notification{
			TargetID:  request.AttendeeID,
			Title:     "Correction request filed",
			Content:   "Your correction request is awaiting review.",
			Category:  models.NotifyCorrectionOpened,
			SessionID: &request.SessionID,
		})
	}
	return request, nil
}

// DecideAsReviewer applies the first-stage verdict on an OPENED request.
func (s *CorrectionService) DecideAsReviewer(ctx context.Context, requestID string, req DecisionRequest, reviewer *models.JWTClaims) (*models.CorrectionRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	request, err := s.findRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.CorrectionOpened {
		return nil, appErrors.ErrInvalidTransition
	}

	next := models.CorrectionReviewerRejected
	if req.Approve {
		next = models.CorrectionReviewerApproved
	}
	if err := s.repo.ReviewerDecision(ctx, requestID, next, reviewer.UserID, req.Remark, s.now()); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, appErrors.ErrInvalidTransition
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply reviewer decision")
	}
	s.afterDecision(request, next)
	return s.findRequest(ctx, requestID)
}

// DecideAsInstructor applies the final verdict on a REVIEWER_APPROVED
// request. Approval excuses the record in the same transaction; rejection
// leaves the record untouched. Only the course instructor (or an admin) may
// decide.
func (s *CorrectionService) DecideAsInstructor(ctx context.Context, requestID string, req DecisionRequest, instructor *models.JWTClaims) (*models.CorrectionRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid decision payload")
	}
	request, err := s.findRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.CorrectionReviewerApproved {
		return nil, appErrors.ErrInvalidTransition
	}

	record, err := s.records.FindByID(ctx, request.RecordID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load record")
	}
	if instructor.Role != models.RoleAdmin {
		course, err := s.courses.FindByID(ctx, record.CourseID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
		}
		if course.TeacherID != instructor.UserID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "request belongs to another instructor's course")
		}
	}

	var next models.CorrectionStatus
	if req.Approve {
		next = models.CorrectionInstructorApproved
		err = s.repo.InstructorApprove(ctx, request, instructor.UserID, req.Remark, s.now())
	} else {
		next = models.CorrectionInstructorRejected
		err = s.repo.InstructorReject(ctx, requestID, instructor.UserID, req.Remark, s.now())
	}
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, appErrors.ErrInvalidTransition
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply instructor decision")
	}
	s.afterDecision(request, next)
	return s.findRequest(ctx, requestID)
}

// Get returns one request, visible to its requester and to staff roles.
func (s *CorrectionService) Get(ctx context.Context, requestID string, actor *models.JWTClaims) (*models.CorrectionRequest, error) {
	request, err := s.findRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleStudent && request.RequesterID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	return request, nil
}

// List returns requests scoped by the caller's role: students see their own,
// staff see the filter as given.
func (s *CorrectionService) List(ctx context.Context, filter models.CorrectionFilter, actor *models.JWTClaims) ([]models.CorrectionRequest, int, error) {
	if actor.Role == models.RoleStudent {
		filter.RequesterID = actor.UserID
	}
	requests, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list correction requests")
	}
	return requests, total, nil
}

func (s *CorrectionService) findRequest(ctx context.Context, requestID string) (*models.CorrectionRequest, error) {
	request, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "correction request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load correction request")
	}
	return request, nil
}

func (s *CorrectionService) afterDecision(request *models.CorrectionRequest, next models.CorrectionStatus) {
	if s.metrics != nil {
		s.metrics.ObserveCorrectionDecision(string(next))
	}
	s.logger.Info("correction request decided",
		zap.String("request_id", request.ID),
		zap.String("status", string(next)))
	if s.notify != nil {
		s.notify.Dispatch(models.Notification{
			TargetID:  request.AttendeeID,
			Title:     "Correction request update",
			Content:   fmt.Sprintf("Your correction request is now %s.", next),
			Category:  models.NotifyCorrectionDecided,
			SessionID: &request.SessionID,
		})
	}
}
