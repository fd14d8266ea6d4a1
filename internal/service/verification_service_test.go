package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/internal/repository"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
)

type staticSessions struct {
	session *models.Session
	signed  int
	mu      sync.Mutex
}

func (s *staticSessions) GetActive(_ context.Context, id string) (*models.Session, error) {
	if s.session == nil || s.session.ID != id {
		return nil, appErrors.ErrSessionNotFound
	}
	copied := *s.session
	return &copied, nil
}

func (s *staticSessions) IncrementSigned(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signed++
	return nil
}

// memRecordStore mimics the conditional insert: the first write for a
// composite key wins, every other writer observes a conflict.
type memRecordStore struct {
	mu       sync.Mutex
	records  map[string]*models.AttendanceRecord
	failures int
	failErr  error
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]*models.AttendanceRecord)}
}

func recordKey(sessionID, attendeeID string) string {
	return sessionID + "/" + attendeeID
}

func (s *memRecordStore) Insert(_ context.Context, record *models.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}
	key := recordKey(record.SessionID, record.AttendeeID)
	if _, ok := s.records[key]; ok {
		return repository.ErrRecordExists
	}
	s.records[key] = record
	return nil
}

func (s *memRecordStore) FindBySessionAndAttendee(_ context.Context, sessionID, attendeeID string) (*models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[recordKey(sessionID, attendeeID)]; ok {
		return record, nil
	}
	return nil, sql.ErrNoRows
}

func anchoredSession(mode models.SecurityMode) *models.Session {
	now := time.Now().UTC()
	lat, lng, radius := 31.2304, 121.4737, 50.0
	return &models.Session{
		ID:           "sess-1",
		CourseID:     "course-1",
		CourseName:   "Calculus",
		Mode:         mode,
		StartTime:    now.Add(-5 * time.Minute),
		EndTime:      now.Add(time.Hour),
		AnchorLat:    &lat,
		AnchorLng:    &lng,
		AnchorRadius: &radius,
		Token:        "TOKEN1",
		TokenSeq:     1,
		Status:       models.SessionStatusOpen,
	}
}

func newVerificationService(sessions *staticSessions, records *memRecordStore, metrics *stubDomainMetrics) *VerificationService {
	return NewVerificationService(sessions, records, metrics, VerificationDefaults{
		StorageRetryDelay: time.Millisecond,
	}, nil, nil)
}

func TestVerificationServiceSubmitPresent(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	metrics := newStubDomainMetrics()
	svc := newVerificationService(sessions, records, metrics)

	record, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.NoError(t, err)
	require.Equal(t, models.DispositionPresent, record.Disposition)
	require.True(t, record.TokenMatch)
	require.NotNil(t, record.DistanceM)
	require.Equal(t, 1, sessions.signed)
	require.Equal(t, 1, metrics.submissions["present"])
}

func TestVerificationServiceSubmitLateAfterBuffer(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	session.StartTime = time.Now().UTC().Add(-30 * time.Minute)
	sessions := &staticSessions{session: session}
	svc := newVerificationService(sessions, newMemRecordStore(), newStubDomainMetrics())

	record, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.NoError(t, err)
	require.Equal(t, models.DispositionLate, record.Disposition)
}

func TestVerificationServiceSubmitStaleToken(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	svc := newVerificationService(sessions, newMemRecordStore(), newStubDomainMetrics())

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN0",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrTokenExpired))
}

func TestVerificationServiceSubmitGeofence(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	svc := newVerificationService(sessions, newMemRecordStore(), newStubDomainMetrics())

	// Missing coordinates on an anchored session.
	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrLocationRequired))

	// Roughly one kilometre north of the anchor.
	farLat := *session.AnchorLat + 0.009
	_, err = svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       &farLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrOutOfRange))
}

func TestVerificationServiceSubmitRelaxedSkipsGeofence(t *testing.T) {
	session := anchoredSession(models.ModeRelaxed)
	sessions := &staticSessions{session: session}
	svc := newVerificationService(sessions, newMemRecordStore(), newStubDomainMetrics())

	record, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
	}, "stu-1", "Alice")
	require.NoError(t, err)
	require.Nil(t, record.DistanceM)
}

func TestVerificationServiceSubmitHighSecurityRequiresBiometric(t *testing.T) {
	session := anchoredSession(models.ModeHighSecurity)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	svc := newVerificationService(sessions, records, newStubDomainMetrics())

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrBiometricRequired))

	record, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID:         "sess-1",
		Token:             "TOKEN1",
		Lat:               session.AnchorLat,
		Lng:               session.AnchorLng,
		BiometricVerified: true,
	}, "stu-1", "Alice")
	require.NoError(t, err)
	require.True(t, record.BiometricMatch)
}

func TestVerificationServiceSubmitClosedSession(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	session.Status = models.SessionStatusClosed
	sessions := &staticSessions{session: session}
	svc := newVerificationService(sessions, newMemRecordStore(), newStubDomainMetrics())

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrSessionClosed))
}

func TestVerificationServiceSubmitDuplicate(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	svc := newVerificationService(sessions, records, newStubDomainMetrics())

	req := SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}
	_, err := svc.Submit(context.Background(), req, "stu-1", "Alice")
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), req, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateSubmission))
}

func TestVerificationServiceSubmitConcurrentSingleWinner(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	svc := newVerificationService(sessions, records, newStubDomainMetrics())

	const attempts = 32
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Submit(context.Background(), SubmitRequest{
				SessionID: "sess-1",
				Token:     "TOKEN1",
				Lat:       session.AnchorLat,
				Lng:       session.AnchorLng,
			}, "stu-1", "Alice")
		}(i)
	}
	wg.Wait()

	wins, duplicates := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case appErrors.HasCode(err, appErrors.ErrDuplicateSubmission):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, attempts-1, duplicates)
	require.Len(t, records.records, 1)
	require.Equal(t, 1, sessions.signed)
}

func TestVerificationServiceSubmitCloseRacingInsert(t *testing.T) {
	// The session reads OPEN, but a close commits before the insert; the
	// store's status-guarded write rejects it and no record may remain.
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	records.failures = 1
	records.failErr = repository.ErrSessionNotOpen
	svc := newVerificationService(sessions, records, newStubDomainMetrics())

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrSessionClosed))
	require.Empty(t, records.records)
	require.Equal(t, 0, sessions.signed)
}

func TestVerificationServiceSubmitRetriesTransientStorageFailure(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	records.failures = 1
	records.failErr = fmt.Errorf("connection reset")
	svc := newVerificationService(sessions, records, newStubDomainMetrics())

	record, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.NoError(t, err)
	require.Equal(t, models.DispositionPresent, record.Disposition)
}

func TestVerificationServiceSubmitStorageExhaustion(t *testing.T) {
	session := anchoredSession(models.ModeStandard)
	sessions := &staticSessions{session: session}
	records := newMemRecordStore()
	records.failures = 10
	records.failErr = fmt.Errorf("connection reset")
	svc := newVerificationService(sessions, records, newStubDomainMetrics())

	_, err := svc.Submit(context.Background(), SubmitRequest{
		SessionID: "sess-1",
		Token:     "TOKEN1",
		Lat:       session.AnchorLat,
		Lng:       session.AnchorLng,
	}, "stu-1", "Alice")
	require.True(t, appErrors.HasCode(err, appErrors.ErrStorageUnavailable))
}
