package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/subscription-api/internal/models"
	"github.com/noah-isme/subscription-api/pkg/jobs"
)

// JobTypeStatusChanged is the queue job type for subscription status changes.
const JobTypeStatusChanged = "subscription.status_changed"

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// Notifier delivers a status change to the outside world.
type Notifier interface {
	Notify(ctx context.Context, change models.StatusChange) error
}

// LogNotifier writes status changes to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, change models.StatusChange) error {
	n.logger.Info("subscription status changed",
		zap.String("event_id", change.EventID),
		zap.String("subscription_id", change.SubscriptionID),
		zap.String("user_id", change.UserID),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
	)
	return nil
}

// NotificationService publishes status changes onto the dispatch queue.
// Publishing never blocks reconciliation; a full queue drops the change.
type NotificationService struct {
	queue  jobDispatcher
	logger *zap.Logger
}

// NewNotificationService constructs the publisher. A nil queue disables dispatch.
func NewNotificationService(queue jobDispatcher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{queue: queue, logger: logger}
}

// Publish enqueues change for asynchronous delivery.
func (s *NotificationService) Publish(change models.StatusChange) error {
	if s == nil || s.queue == nil {
		return nil
	}
	if err := s.queue.Enqueue(jobs.Job{
		ID:      change.EventID,
		Type:    JobTypeStatusChanged,
		Payload: change,
	}); err != nil {
		s.logger.Warn("failed to enqueue status change", zap.String("event_id", change.EventID), zap.Error(err))
		return err
	}
	return nil
}

// NotificationWorker consumes status change jobs.
type NotificationWorker struct {
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationWorker constructs a worker.
func NewNotificationWorker(notifier Notifier, logger *zap.Logger) *NotificationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &NotificationWorker{notifier: notifier, logger: logger}
}

// Handle processes a queue job.
func (w *NotificationWorker) Handle(ctx context.Context, job jobs.Job) error {
	if job.Type != JobTypeStatusChanged {
		w.logger.Sugar().Warnw("dropping unknown notification job", "job_id", job.ID, "type", job.Type)
		return nil
	}
	change, ok := job.Payload.(models.StatusChange)
	if !ok {
		return fmt.Errorf("notification job %s: unexpected payload %T", job.ID, job.Payload)
	}
	return w.notifier.Notify(ctx, change)
}
