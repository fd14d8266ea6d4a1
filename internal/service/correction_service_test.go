package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/repository"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
)

type memCorrectionStore struct {
	mu       sync.Mutex
	requests map[string]*models.CorrectionRequest
	excused  []string
}

func newMemCorrectionStore(requests ...*models.CorrectionRequest) *memCorrectionStore {
	store := &memCorrectionStore{requests: make(map[string]*models.CorrectionRequest)}
	for _, r := range requests {
		store.requests[r.ID] = r
	}
	return store
}

func (s *memCorrectionStore) Create(_ context.Context, request *models.CorrectionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if request.ID == "" {
		request.ID = "req-created"
	}
	request.Status = models.CorrectionOpened
	s.requests[request.ID] = request
	return nil
}

func (s *memCorrectionStore) FindByID(_ context.Context, id string) (*models.CorrectionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *request
	return &copied, nil
}

func (s *memCorrectionStore) OpenExistsForRecord(_ context.Context, recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, request := range s.requests {
		if request.RecordID == recordID && !request.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *memCorrectionStore) List(_ context.Context, filter models.CorrectionFilter) ([]models.CorrectionRequest, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CorrectionRequest
	for _, request := range s.requests {
		if filter.RequesterID != "" && request.RequesterID != filter.RequesterID {
			continue
		}
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		out = append(out, *request)
	}
	return out, len(out), nil
}

func (s *memCorrectionStore) ReviewerDecision(_ context.Context, id string, next models.CorrectionStatus, reviewerID string, remark *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok || request.Status != models.CorrectionOpened {
		return repository.ErrStaleTransition
	}
	request.Status = next
	request.ReviewerID = &reviewerID
	request.ReviewerRemark = remark
	request.ReviewedAt = &at
	return nil
}

func (s *memCorrectionStore) InstructorReject(_ context.Context, id, instructorID string, remark *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request, ok := s.requests[id]
	if !ok || request.Status != models.CorrectionReviewerApproved {
		return repository.ErrStaleTransition
	}
	request.Status = models.CorrectionInstructorRejected
	request.InstructorID = &instructorID
	request.InstructorRemark = remark
	request.DecidedAt = &at
	return nil
}

func (s *memCorrectionStore) InstructorApprove(_ context.Context, request *models.CorrectionRequest, instructorID string, remark *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[request.ID]
	if !ok || stored.Status != models.CorrectionReviewerApproved {
		return repository.ErrStaleTransition
	}
	stored.Status = models.CorrectionInstructorApproved
	stored.InstructorID = &instructorID
	stored.InstructorRemark = remark
	stored.DecidedAt = &at
	s.excused = append(s.excused, stored.RecordID)
	return nil
}

type stubRecordReader struct {
	records map[string]*models.AttendanceRecord
}

func (s *stubRecordReader) FindByID(_ context.Context, id string) (*models.AttendanceRecord, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return record, nil
}

type stubCourseLookup struct {
	course *models.Course
}

func (s *stubCourseLookup) FindByID(_ context.Context, id string) (*models.Course, error) {
	if s.course == nil || s.course.ID != id {
		return nil, sql.ErrNoRows
	}
	return s.course, nil
}

func claims(userID string, role models.UserRole) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: role}
}

func lateRecord() *models.AttendanceRecord {
	return &models.AttendanceRecord{
		ID:          "rec-1",
		SessionID:   "sess-1",
		AttendeeID:  "stu-1",
		CourseID:    "course-1",
		Disposition: models.DispositionLate,
	}
}

func newCorrectionService(store *memCorrectionStore, records *stubRecordReader, courses *stubCourseLookup, notify *capturedNotifier, metrics *stubDomainMetrics) *CorrectionService {
	return NewCorrectionService(store, records, courses, notify, metrics, nil, nil)
}

func validOpenRequest() OpenCorrectionRequest {
	return OpenCorrectionRequest{
		RecordID:      "rec-1",
		Category:      models.ReasonSickLeave,
		Justification: "Hospitalized during the session window.",
	}
}

func TestCorrectionServiceOpen(t *testing.T) {
	store := newMemCorrectionStore()
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	notify := &capturedNotifier{}
	svc := newCorrectionService(store, records, &stubCourseLookup{}, notify, newStubDomainMetrics())

	request, err := svc.Open(context.Background(), validOpenRequest(), claims("stu-1", models.RoleStudent))
	require.NoError(t, err)
	require.Equal(t, models.CorrectionOpened, request.Status)
	require.Equal(t, "stu-1", request.RequesterID)
	require.Equal(t, "sess-1", request.SessionID)
	require.Len(t, notify.sent, 1)
	require.Equal(t, models.NotifyCorrectionOpened, notify.sent[0].Category)
}

func TestCorrectionServiceOpenRejectsPresentRecord(t *testing.T) {
	record := lateRecord()
	record.Disposition = models.DispositionPresent
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": record}}
	svc := newCorrectionService(newMemCorrectionStore(), records, &stubCourseLookup{}, &capturedNotifier{}, newStubDomainMetrics())

	_, err := svc.Open(context.Background(), validOpenRequest(), claims("stu-1", models.RoleStudent))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidRecordState))
}

func TestCorrectionServiceOpenRejectsForeignRecord(t *testing.T) {
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	svc := newCorrectionService(newMemCorrectionStore(), records, &stubCourseLookup{}, &capturedNotifier{}, newStubDomainMetrics())

	_, err := svc.Open(context.Background(), validOpenRequest(), claims("stu-2", models.RoleStudent))
	require.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))
}

func TestCorrectionServiceOpenRejectsSecondOpenRequest(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-0", RecordID: "rec-1", Status: models.CorrectionOpened,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	svc := newCorrectionService(store, records, &stubCourseLookup{}, &capturedNotifier{}, newStubDomainMetrics())

	_, err := svc.Open(context.Background(), validOpenRequest(), claims("stu-1", models.RoleStudent))
	require.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateRequest))
}

func TestCorrectionServiceOpenAllowsNewRequestAfterTerminal(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-0", RecordID: "rec-1", Status: models.CorrectionReviewerRejected,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	svc := newCorrectionService(store, records, &stubCourseLookup{}, &capturedNotifier{}, newStubDomainMetrics())

	request, err := svc.Open(context.Background(), validOpenRequest(), claims("stu-1", models.RoleStudent))
	require.NoError(t, err)
	require.Equal(t, models.CorrectionOpened, request.Status)
}

func TestCorrectionServiceReviewerApproves(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-1", RecordID: "rec-1", SessionID: "sess-1", AttendeeID: "stu-1", Status: models.CorrectionOpened,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	notify := &capturedNotifier{}
	metrics := newStubDomainMetrics()
	svc := newCorrectionService(store, records, &stubCourseLookup{}, notify, metrics)

	request, err := svc.DecideAsReviewer(context.Background(), "req-1", DecisionRequest{Approve: true}, claims("rev-1", models.RoleReviewer))
	require.NoError(t, err)
	require.Equal(t, models.CorrectionReviewerApproved, request.Status)
	require.Equal(t, "rev-1", *request.ReviewerID)
	require.Len(t, notify.sent, 1)
	require.Equal(t, 1, metrics.decisions["REVIEWER_APPROVED"])
	require.Empty(t, store.excused)
}

func TestCorrectionServiceReviewerRejectsOnlyOnce(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-1", RecordID: "rec-1", Status: models.CorrectionOpened,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	svc := newCorrectionService(store, records, &stubCourseLookup{}, &capturedNotifier{}, newStubDomainMetrics())

	_, err := svc.DecideAsReviewer(context.Background(), "req-1", DecisionRequest{Approve: false}, claims("rev-1", models.RoleReviewer))
	require.NoError(t, err)

	_, err = svc.DecideAsReviewer(context.Background(), "req-1", DecisionRequest{Approve: true}, claims("rev-1", models.RoleReviewer))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
}

func TestCorrectionServiceInstructorApproveExcusesRecord(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-1", RecordID: "rec-1", SessionID: "sess-1", AttendeeID: "stu-1", Status: models.CorrectionReviewerApproved,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	courses := &stubCourseLookup{course: &models.Course{ID: "course-1", TeacherID: "tch-1"}}
	metrics := newStubDomainMetrics()
	svc := newCorrectionService(store, records, courses, &capturedNotifier{}, metrics)

	request, err := svc.DecideAsInstructor(context.Background(), "req-1", DecisionRequest{Approve: true}, claims("tch-1", models.RoleTeacher))
	require.NoError(t, err)
	require.Equal(t, models.CorrectionInstructorApproved, request.Status)
	require.Equal(t, []string{"rec-1"}, store.excused)
	require.Equal(t, 1, metrics.decisions["INSTRUCTOR_APPROVED"])
}

func TestCorrectionServiceInstructorRejectLeavesRecordAlone(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-1", RecordID: "rec-1", SessionID: "sess-1", AttendeeID: "stu-1", Status: models.CorrectionReviewerApproved,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	courses := &stubCourseLookup{course: &models.Course{ID: "course-1", TeacherID: "tch-1"}}
	svc := newCorrectionService(store, records, courses, &capturedNotifier{}, newStubDomainMetrics())

	request, err := svc.DecideAsInstructor(context.Background(), "req-1", DecisionRequest{Approve: false}, claims("tch-1", models.RoleTeacher))
	require.NoError(t, err)
	require.Equal(t, models.CorrectionInstructorRejected, request.Status)
	require.Empty(t, store.excused)
}

func TestCorrectionServiceInstructorCannotDecideOpenedRequest(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-1", RecordID: "rec-1", Status: models.CorrectionOpened,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	courses := &stubCourseLookup{course: &models.Course{ID: "course-1", TeacherID: "tch-1"}}
	svc := newCorrectionService(store, records, courses, &capturedNotifier{}, newStubDomainMetrics())

	_, err := svc.DecideAsInstructor(context.Background(), "req-1", DecisionRequest{Approve: true}, claims("tch-1", models.RoleTeacher))
	require.True(t, appErrors.HasCode(err, appErrors.ErrInvalidTransition))
}

func TestCorrectionServiceInstructorMustOwnCourse(t *testing.T) {
	store := newMemCorrectionStore(&models.CorrectionRequest{
		ID: "req-1", RecordID: "rec-1", Status: models.CorrectionReviewerApproved,
	})
	records := &stubRecordReader{records: map[string]*models.AttendanceRecord{"rec-1": lateRecord()}}
	courses := &stubCourseLookup{course: &models.Course{ID: "course-1", TeacherID: "tch-other"}}
	svc := newCorrectionService(store, records, courses, &capturedNotifier{}, newStubDomainMetrics())

	_, err := svc.DecideAsInstructor(context.Background(), "req-1", DecisionRequest{Approve: true}, claims("tch-1", models.RoleTeacher))
	require.True(t, appErrors.HasCode(err, appErrors.ErrForbidden))
}

func TestCorrectionServiceListScopesStudents(t *testing.T) {
	store := newMemCorrectionStore(
		&models.CorrectionRequest{ID: "req-1", RecordID: "rec-1", RequesterID: "stu-1", Status: models.CorrectionOpened},
		&models.CorrectionRequest{ID: "req-2", RecordID: "rec-2", RequesterID: "stu-2", Status: models.CorrectionOpened},
	)
	svc := newCorrectionService(store, &stubRecordReader{}, &stubCourseLookup{}, &capturedNotifier{}, newStubDomainMetrics())

	requests, total, err := svc.List(context.Background(), models.CorrectionFilter{}, claims("stu-1", models.RoleStudent))
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "req-1", requests[0].ID)
}
