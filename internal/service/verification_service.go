package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/repository"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
	"github.com/rollcall-app/rollcall-api/pkg/geo"
)

type sessionResolver interface {
	GetActive(ctx context.Context, sessionID string) (*models.Session, error)
	IncrementSigned(ctx context.Context, sessionID string) error
}

type recordStore interface {
	Insert(ctx context.Context, record *models.AttendanceRecord) error
	FindBySessionAndAttendee(ctx context.Context, sessionID, attendeeID string) (*models.AttendanceRecord, error)
}

type submissionMetrics interface {
	ObserveSubmission(result string)
}

// VerificationDefaults carries the tunable verification thresholds.
type VerificationDefaults struct {
	OnTimeBuffer      time.Duration
	DefaultRadiusM    float64
	StorageMaxRetries int
	StorageRetryDelay time.Duration
}

// SubmitRequest is one attendee's sign-in attempt.
type SubmitRequest struct {
	SessionID         string   `json:"session_id" validate:"required"`
	Token             string   `json:"token" validate:"required"`
	Lat               *float64 `json:"lat"`
	Lng               *float64 `json:"lng"`
	BiometricVerified bool     `json:"biometric_verified"`
}

// VerificationService runs the submission checks in order and persists the
// resulting record. Exactly one record per (session, attendee) ever wins;
// the store's conditional insert is the authoritative arbiter.
type VerificationService struct {
	sessions  sessionResolver
	records   recordStore
	metrics   submissionMetrics
	defaults  VerificationDefaults
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewVerificationService constructs VerificationService.
func NewVerificationService(sessions sessionResolver, records recordStore, metrics submissionMetrics, defaults VerificationDefaults, validate *validator.Validate, logger *zap.Logger) *VerificationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.OnTimeBuffer <= 0 {
		defaults.OnTimeBuffer = 10 * time.Minute
	}
	if defaults.DefaultRadiusM <= 0 {
		defaults.DefaultRadiusM = 50
	}
	if defaults.StorageMaxRetries <= 0 {
		defaults.StorageMaxRetries = 3
	}
	if defaults.StorageRetryDelay <= 0 {
		defaults.StorageRetryDelay = 100 * time.Millisecond
	}
	return &VerificationService{
		sessions:  sessions,
		records:   records,
		metrics:   metrics,
		defaults:  defaults,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates a sign-in attempt against the session's security mode and
// persists the outcome. Checks run in a fixed order so a failing attempt
// always reports the earliest applicable rejection.
func (s *VerificationService) Submit(ctx context.Context, req SubmitRequest, attendeeID, attendeeName string) (*models.AttendanceRecord, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid submission payload")
	}

	session, err := s.sessions.GetActive(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionStatusClosed {
		return nil, s.reject(appErrors.ErrSessionClosed, "closed")
	}

	// Fast duplicate check. The conditional insert below still decides races.
	if _, err := s.records.FindBySessionAndAttendee(ctx, session.ID, attendeeID); err == nil {
		return nil, s.reject(appErrors.ErrDuplicateSubmission, "duplicate")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check prior submission")
	}

	if req.Token != session.Token {
		return nil, s.reject(appErrors.ErrTokenExpired, "token_expired")
	}

	var distance *float64
	if session.HasAnchor() && session.Mode != models.ModeRelaxed {
		if req.Lat == nil || req.Lng == nil {
			return nil, s.reject(appErrors.ErrLocationRequired, "location_required")
		}
		radius := s.defaults.DefaultRadiusM
		if session.AnchorRadius != nil {
			radius = *session.AnchorRadius
		}
		d := geo.DistanceMeters(
			geo.Point{Lat: *session.AnchorLat, Lng: *session.AnchorLng},
			geo.Point{Lat: *req.Lat, Lng: *req.Lng},
		)
		distance = &d
		if d > radius {
			return nil, s.reject(appErrors.ErrOutOfRange, "out_of_range")
		}
	}

	if session.Mode == models.ModeHighSecurity && !req.BiometricVerified {
		return nil, s.reject(appErrors.ErrBiometricRequired, "biometric_required")
	}

	now := s.now()
	disposition := models.DispositionPresent
	if now.After(session.StartTime.Add(s.defaults.OnTimeBuffer)) {
		disposition = models.DispositionLate
	}

	record := &models.AttendanceRecord{
		SessionID:      session.ID,
		AttendeeID:     attendeeID,
		AttendeeName:   attendeeName,
		CourseID:       session.CourseID,
		CourseName:     session.CourseName,
		Disposition:    disposition,
		DistanceM:      distance,
		TokenMatch:     true,
		BiometricMatch: req.BiometricVerified,
		SubmittedAt:    now,
	}
	if err := s.insertWithRetry(ctx, record); err != nil {
		switch {
		case errors.Is(err, repository.ErrRecordExists):
			return nil, s.reject(appErrors.ErrDuplicateSubmission, "duplicate")
		case errors.Is(err, repository.ErrSessionNotOpen):
			// A close committed between the session read and the insert;
			// the status-guarded write left nothing behind.
			return nil, s.reject(appErrors.ErrSessionClosed, "closed")
		default:
			s.observe("error")
			return nil, err
		}
	}

	if err := s.sessions.IncrementSigned(ctx, session.ID); err != nil {
		// The record is the source of truth; the counter is advisory.
		s.logger.Warn("failed to bump submission counter",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	s.observe(resultLabel(disposition))
	s.logger.Info("submission accepted",
		zap.String("session_id", session.ID),
		zap.String("attendee_id", attendeeID),
		zap.String("disposition", string(disposition)))
	return record, nil
}

func (s *VerificationService) insertWithRetry(ctx context.Context, record *models.AttendanceRecord) error {
	var lastErr error
	for attempt := 0; attempt < s.defaults.StorageMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.defaults.StorageRetryDelay):
			}
		}
		lastErr = s.records.Insert(ctx, record)
		if lastErr == nil || errors.Is(lastErr, repository.ErrRecordExists) || errors.Is(lastErr, repository.ErrSessionNotOpen) {
			return lastErr
		}
		s.logger.Warn("record insert failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return appErrors.Wrap(lastErr, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, appErrors.ErrStorageUnavailable.Message)
}

func (s *VerificationService) reject(base *appErrors.Error, result string) error {
	s.observe(result)
	return base
}

func (s *VerificationService) observe(result string) {
	if s.metrics != nil {
		s.metrics.ObserveSubmission(result)
	}
}

func resultLabel(d models.Disposition) string {
	if d == models.DispositionLate {
		return "late"
	}
	return "present"
}
