package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rollcall-app/rollcall-api/internal/models"
	appErrors "github.com/rollcall-app/rollcall-api/pkg/errors"
)

type sessionLifecycle interface {
	RotateToken(ctx context.Context, sessionID string) (string, int64, error)
	Close(ctx context.Context, sessionID, trigger string) error
	OpenSessions(ctx context.Context) ([]models.Session, error)
}

// RotationScheduler runs one goroutine per tracked open session: it rotates
// the token on the session's interval and fires the auto-close at the cutoff.
// The timer is an optimization only; the lazy close on the read path remains
// authoritative, so a missed or late timer never violates correctness.
type RotationScheduler struct {
	lifecycle sessionLifecycle
	logger    *zap.Logger

	mu      sync.Mutex
	tracked map[string]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRotationScheduler constructs RotationScheduler.
func NewRotationScheduler(lifecycle sessionLifecycle, logger *zap.Logger) *RotationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RotationScheduler{
		lifecycle: lifecycle,
		logger:    logger,
		tracked:   make(map[string]context.CancelFunc),
	}
}

// Start makes the scheduler accept sessions and resumes schedules for
// sessions that were open before a restart.
func (r *RotationScheduler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.mu.Unlock()

	sessions, err := r.lifecycle.OpenSessions(ctx)
	if err != nil {
		return err
	}
	for i := range sessions {
		r.Track(&sessions[i])
	}
	r.logger.Info("rotation scheduler started", zap.Int("resumed", len(sessions)))
	return nil
}

// Stop cancels every per-session goroutine and waits for them.
func (r *RotationScheduler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.started = false
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Info("rotation scheduler stopped")
}

// Track begins rotating and auto-closing the given open session. Tracking an
// already-tracked session is a no-op.
func (r *RotationScheduler) Track(session *models.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	if _, ok := r.tracked[session.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.tracked[session.ID] = cancel
	r.wg.Add(1)
	go r.run(ctx, session.ID, session.RotationSecs, session.CloseCutoff())
}

// Untrack stops the per-session goroutine, used when a session is closed
// manually before its cutoff.
func (r *RotationScheduler) Untrack(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.tracked[sessionID]; ok {
		cancel()
		delete(r.tracked, sessionID)
	}
}

func (r *RotationScheduler) run(ctx context.Context, sessionID string, rotationSecs int, cutoff time.Time) {
	defer r.wg.Done()
	defer r.Untrack(sessionID)

	interval := time.Duration(rotationSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	closeTimer := time.NewTimer(time.Until(cutoff))
	defer closeTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closeTimer.C:
			if err := r.lifecycle.Close(ctx, sessionID, "auto"); err != nil {
				r.logger.Warn("timed auto-close failed",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return
		case <-ticker.C:
			if _, _, err := r.lifecycle.RotateToken(ctx, sessionID); err != nil {
				if appErrors.HasCode(err, appErrors.ErrSessionClosed) {
					// Closed out of band; nothing left to rotate.
					return
				}
				r.logger.Warn("token rotation failed",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
		}
	}
}
