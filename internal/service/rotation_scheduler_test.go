package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall-api/internal/models"
)

type stubLifecycle struct {
	mu      sync.Mutex
	open    []models.Session
	rotated map[string]int
	closed  map[string]string
}

func newStubLifecycle(open ...models.Session) *stubLifecycle {
	return &stubLifecycle{
		open:    open,
		rotated: make(map[string]int),
		closed:  make(map[string]string),
	}
}

func (s *stubLifecycle) RotateToken(_ context.Context, sessionID string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotated[sessionID]++
	return "TOKEN", int64(s.rotated[sessionID]), nil
}

func (s *stubLifecycle) Close(_ context.Context, sessionID, trigger string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[sessionID] = trigger
	return nil
}

func (s *stubLifecycle) OpenSessions(_ context.Context) ([]models.Session, error) {
	return s.open, nil
}

func (s *stubLifecycle) closedTrigger(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trigger, ok := s.closed[sessionID]
	return trigger, ok
}

func TestRotationSchedulerAutoClosesAtCutoff(t *testing.T) {
	now := time.Now().UTC()
	session := models.Session{
		ID:           "sess-1",
		RotationSecs: 3600,
		EndTime:      now.Add(-time.Second),
		Status:       models.SessionStatusOpen,
	}
	lifecycle := newStubLifecycle()
	scheduler := NewRotationScheduler(lifecycle, nil)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop()

	scheduler.Track(&session)
	require.Eventually(t, func() bool {
		trigger, ok := lifecycle.closedTrigger("sess-1")
		return ok && trigger == "auto"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRotationSchedulerResumesOpenSessions(t *testing.T) {
	now := time.Now().UTC()
	lifecycle := newStubLifecycle(models.Session{
		ID:           "sess-resumed",
		RotationSecs: 3600,
		EndTime:      now.Add(-time.Second),
		Status:       models.SessionStatusOpen,
	})
	scheduler := NewRotationScheduler(lifecycle, nil)
	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		_, ok := lifecycle.closedTrigger("sess-resumed")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRotationSchedulerTrackBeforeStartIsNoop(t *testing.T) {
	lifecycle := newStubLifecycle()
	scheduler := NewRotationScheduler(lifecycle, nil)

	scheduler.Track(&models.Session{ID: "sess-1", Status: models.SessionStatusOpen})
	scheduler.Stop()
	_, closed := lifecycle.closedTrigger("sess-1")
	require.False(t, closed)
}
