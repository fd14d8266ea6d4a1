package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rollcall-app/rollcall-api/internal/models"
	"github.com/rollcall-app/rollcall-api/pkg/jobs"
)

type notificationStore interface {
	Insert(ctx context.Context, n *models.Notification) error
}

// NotificationService hands messages to a background worker pool which
// persists them for the external dispatcher. Delivery is best-effort and
// never blocks or fails the calling operation.
type NotificationService struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewNotificationService builds the service and its backing queue.
func NewNotificationService(store notificationStore, cfg jobs.QueueConfig, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NotificationService{logger: logger}
	s.queue = jobs.NewQueue("notifications", func(ctx context.Context, job jobs.Job) error {
		n, ok := job.Payload.(models.Notification)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		return store.Insert(ctx, &n)
	}, cfg)
	return s
}

// Start launches the worker pool.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Dispatch enqueues one notification. Failures are logged and swallowed.
func (s *NotificationService) Dispatch(n models.Notification) {
	err := s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    string(n.Category),
		Payload: n,
	})
	if err != nil {
		s.logger.Warn("failed to enqueue notification",
			zap.String("target_id", n.TargetID),
			zap.String("category", string(n.Category)),
			zap.Error(err))
	}
}
