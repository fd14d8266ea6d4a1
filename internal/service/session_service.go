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
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
	"github.com/rollcall-app/rollcall-api/pkg/token"
)

type sessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindLatestByCourse(ctx context.Context, courseID string) (*models.Session, error)
	RotateToken(ctx context.Context, id, newToken string) (int64, error)
	Close(ctx context.Context, id string, closedAt time.Time) (bool, error)
	IncrementSigned(ctx context.Context, id string) error
	ListOpen(ctx context.Context) ([]models.Session, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	ListMembers(ctx context.Context, courseID string) ([]models.CourseMember, error)
}

type absenteeWriter interface {
	InsertAbsentees(ctx context.Context, session *models.Session, members []models.CourseMember, closedAt time.Time) (int, error)
	ListAttendeeIDsBySession(ctx context.Context, sessionID string) ([]string, error)
}

type notifier interface {
	Dispatch(n models.Notification)
}

type sessionMetrics interface {
	ObserveTokenRotation()
	ObserveSessionClosed(trigger string)
}

// SessionDefaults carries the tunable lifecycle defaults.
type SessionDefaults struct {
	RotationInterval time.Duration
	AutoCloseGrace   time.Duration
	DefaultRadiusM   float64
}

// CreateSessionRequest describes the instructor's session creation payload.
type CreateSessionRequest struct {
	CourseID      string              `json:"course_id" validate:"required"`
	Mode          models.SecurityMode `json:"mode" validate:"omitempty,oneof=STANDARD HIGH_SECURITY RELAXED"`
	StartTime     time.Time           `json:"start_time" validate:"required"`
	EndTime       time.Time           `json:"end_time" validate:"required"`
	AnchorLat     *float64            `json:"anchor_lat"`
	AnchorLng     *float64            `json:"anchor_lng"`
	AnchorRadiusM *float64            `json:"anchor_radius_m"`
	ExpectedCount *int                `json:"expected_count"`
	RotationSecs  int                 `json:"rotation_interval_s"`
	GraceSecs     *int                `json:"auto_close_grace_s"`
}

// SessionService orchestrates session creation, token rotation and closing.
// It is the single writer of session rows.
type SessionService struct {
	repo      sessionStore
	courses   courseReader
	records   absenteeWriter
	notify    notifier
	metrics   sessionMetrics
	defaults  SessionDefaults
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewSessionService constructs SessionService.
func NewSessionService(repo sessionStore, courses courseReader, records absenteeWriter, notify notifier, metrics sessionMetrics, defaults SessionDefaults, validate *validator.Validate, logger *zap.Logger) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.RotationInterval <= 0 {
		defaults.RotationInterval = 30 * time.Second
	}
	if defaults.DefaultRadiusM <= 0 {
		defaults.DefaultRadiusM = 50
	}
	return &SessionService{
		repo:      repo,
		courses:   courses,
		records:   records,
		notify:    notify,
		metrics:   metrics,
		defaults:  defaults,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a new session for a course meeting and issues the initial token.
func (s *SessionService) Create(ctx context.Context, req CreateSessionRequest, creatorID string) (*models.SessionSnapshot, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, appErrors.ErrInvalidWindow
	}

	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeStandard
	}
	rotationSecs := req.RotationSecs
	if rotationSecs <= 0 {
		rotationSecs = int(s.defaults.RotationInterval.Seconds())
	}
	graceSecs := int(s.defaults.AutoCloseGrace.Seconds())
	if req.GraceSecs != nil && *req.GraceSecs >= 0 {
		graceSecs = *req.GraceSecs
	}

	anchorLat, anchorLng, anchorRadius := req.AnchorLat, req.AnchorLng, req.AnchorRadiusM
	if anchorLat == nil || anchorLng == nil {
		// Fall back to the course directory anchor when the creator gave none.
		anchorLat, anchorLng, anchorRadius = course.AnchorLat, course.AnchorLng, course.AnchorRadiusM
	}
	if anchorLat != nil && anchorLng != nil && anchorRadius == nil {
		radius := s.defaults.DefaultRadiusM
		anchorRadius = &radius
	}

	expected := course.ExpectedStudents
	if req.ExpectedCount != nil && *req.ExpectedCount > 0 {
		expected = *req.ExpectedCount
	}

	initialToken, err := token.NewOpaque()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate session token")
	}

	session := &models.Session{
		CourseID:     course.ID,
		CourseName:   course.Name,
		Mode:         mode,
		StartTime:    req.StartTime.UTC(),
		EndTime:      req.EndTime.UTC(),
		AnchorLat:    anchorLat,
		AnchorLng:    anchorLng,
		AnchorRadius: anchorRadius,
		Token:        initialToken,
		TokenSeq:     1,
		RotationSecs: rotationSecs,
		GraceSecs:    graceSecs,
		ExpectedCnt:  expected,
		SignedCnt:    0,
		Status:       models.SessionStatusOpen,
		CreatedBy:    creatorID,
	}
	if err := s.repo.Create(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}

	s.logger.Info("session opened",
		zap.String("session_id", session.ID),
		zap.String("course_id", session.CourseID),
		zap.String("mode", string(session.Mode)))

	return session.Snapshot(s.now()), nil
}

// GetActive resolves a session by id and applies the lazy auto-close: an
// open session past its cutoff transitions to closed before being returned.
// This path is authoritative; the background timer is only an optimization.
func (s *SessionService) GetActive(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return s.lazyClose(ctx, session)
}

// GetActiveByCourse resolves the most recent session for a course, applying
// the same lazy auto-close.
func (s *SessionService) GetActiveByCourse(ctx context.Context, courseID string) (*models.Session, error) {
	session, err := s.repo.FindLatestByCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrSessionNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return s.lazyClose(ctx, session)
}

func (s *SessionService) lazyClose(ctx context.Context, session *models.Session) (*models.Session, error) {
	if session.Status == models.SessionStatusOpen && session.Expired(s.now()) {
		if err := s.Close(ctx, session.ID, "auto"); err != nil {
			return nil, err
		}
		closedAt := s.now()
		session.Status = models.SessionStatusClosed
		session.ClosedAt = &closedAt
	}
	return session, nil
}

// RotateToken replaces the session token with a fresh opaque value and bumps
// the rotation sequence. Fails with SessionClosed once the session is closed.
func (s *SessionService) RotateToken(ctx context.Context, sessionID string) (string, int64, error) {
	newToken, err := token.NewOpaque()
	if err != nil {
		return "", 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate token")
	}
	seq, err := s.repo.RotateToken(ctx, sessionID, newToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, appErrors.ErrSessionClosed
		}
		return "", 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate token")
	}
	if s.metrics != nil {
		s.metrics.ObserveTokenRotation()
	}
	return newToken, seq, nil
}

// Close transitions a session to closed and reconciles non-submitters to
// ABSENT. Closing an already-closed session is a no-op, and reconciliation
// is safe to re-run.
func (s *SessionService) Close(ctx context.Context, sessionID, trigger string) error {
	session, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrSessionNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}

	closedAt := s.now()
	transitioned, err := s.repo.Close(ctx, sessionID, closedAt)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close session")
	}

	if err := s.Reconcile(ctx, session, closedAt); err != nil {
		return err
	}

	if transitioned {
		if s.metrics != nil {
			s.metrics.ObserveSessionClosed(trigger)
		}
		s.logger.Info("session closed",
			zap.String("session_id", sessionID),
			zap.String("trigger", trigger))
		if s.notify != nil {
			s.notify.Dispatch(models.Notification{
				TargetID:  session.CreatedBy,
				Title:     "Session closed",
				Content:   fmt.Sprintf("Attendance for %s is closed.", session.CourseName),
				Category:  models.NotifySessionClosed,
				SessionID: &session.ID,
			})
		}
	}
	return nil
}

// Reconcile inserts ABSENT records for every roster member without a record.
// Idempotent: members already holding a record are skipped by the store.
func (s *SessionService) Reconcile(ctx context.Context, session *models.Session, closedAt time.Time) error {
	members, err := s.courses.ListMembers(ctx, session.CourseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course roster")
	}
	if len(members) == 0 {
		return nil
	}
	inserted, err := s.records.InsertAbsentees(ctx, session, members, closedAt)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reconcile absentees")
	}
	if inserted > 0 {
		s.logger.Info("absent records reconciled",
			zap.String("session_id", session.ID),
			zap.Int("inserted", inserted))
	}
	return nil
}

// IncrementSigned bumps the counted-submissions counter for a session.
func (s *SessionService) IncrementSigned(ctx context.Context, sessionID string) error {
	if err := s.repo.IncrementSigned(ctx, sessionID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update submission counter")
	}
	return nil
}

// OpenSessions lists currently open sessions, used to resume rotation
// schedules after a restart.
func (s *SessionService) OpenSessions(ctx context.Context) ([]models.Session, error) {
	sessions, err := s.repo.ListOpen(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list open sessions")
	}
	return sessions, nil
}

// Remind asks every roster member without a record yet to sign in.
func (s *SessionService) Remind(ctx context.Context, sessionID, message string) (int, error) {
	session, err := s.GetActive(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if session.Status == models.SessionStatusClosed {
		return 0, appErrors.ErrSessionClosed
	}
	members, err := s.courses.ListMembers(ctx, session.CourseID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course roster")
	}
	signed, err := s.records.ListAttendeeIDsBySession(ctx, sessionID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load signed attendees")
	}
	signedSet := make(map[string]struct{}, len(signed))
	for _, id := range signed {
		signedSet[id] = struct{}{}
	}
	if message == "" {
		message = "Please complete your attendance sign-in."
	}
	reminded := 0
	for _, member := range members {
		if _, ok := signedSet[member.StudentID]; ok {
			continue
		}
		if s.notify != nil {
			s.notify.Dispatch(models.Notification{
				TargetID:  member.StudentID,
				Title:     "Sign-in reminder",
				Content:   message,
				Category:  models.NotifySignReminder,
				SessionID: &session.ID,
			})
		}
		reminded++
	}
	return reminded, nil
}
