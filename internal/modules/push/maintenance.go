package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mx-space/social/internal/pkg/taskqueue"
	"go.uber.org/zap"
)

// NotificationJanitor prunes notification history.
type NotificationJanitor interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
	DeleteOrphans(ctx context.Context) (int64, error)
}

// PresenceJanitor drops presence entries left behind by crashed instances and
// reports how many users it took offline.
type PresenceJanitor interface {
	PurgeOrphans(ctx context.Context) (int, error)
}

type Retention struct {
	Notifications  time.Duration
	InactiveTokens time.Duration
	FinishedJobs   time.Duration
}

// Maintenance owns the recurring cleanup jobs. They run through the queue so that
// every replica can schedule them while each slot executes once.
type Maintenance struct {
	queue         *taskqueue.Queue
	notifications NotificationJanitor
	tokens        TokenStore
	presence      PresenceJanitor
	retention     Retention
	logger        *zap.Logger
}

func NewMaintenance(
	queue *taskqueue.Queue,
	notifications NotificationJanitor,
	tokens TokenStore,
	presence PresenceJanitor,
	retention Retention,
	logger *zap.Logger,
) *Maintenance {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{
		queue:         queue,
		notifications: notifications,
		tokens:        tokens,
		presence:      presence,
		retention:     retention,
		logger:        logger,
	}
}

// Definitions lists the recurring jobs.
func (m *Maintenance) Definitions() []taskqueue.Repeatable {
	return []taskqueue.Repeatable{
		{Name: "purge_notifications", Type: JobPurgeNotifications, Interval: 24 * time.Hour},
		{Name: "purge_device_tokens", Type: JobPurgeDeviceTokens, Interval: 24 * time.Hour},
		{Name: "purge_orphans", Type: JobPurgeOrphans, Interval: time.Hour},
	}
}

// Sync replaces the stored recurring definitions with the current ones.
func (m *Maintenance) Sync(ctx context.Context) error {
	return m.queue.SyncRepeatable(ctx, m.Definitions())
}

// Trigger enqueues def for the current interval slot. A slot that was already
// enqueued (by this or another instance) is skipped, and so is a definition that
// is no longer registered.
func (m *Maintenance) Trigger(ctx context.Context, def taskqueue.Repeatable, now time.Time) (bool, error) {
	ok, err := m.queue.IsRepeatable(ctx, def.Name)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	slot := now.Truncate(def.Interval).Unix()
	_, err = m.queue.Enqueue(ctx, def.Type, map[string]string{"name": def.Name}, taskqueue.EnqueueOptions{
		MaxAttempts: 1,
		UniqueKey:   def.Name + ":" + strconv.FormatInt(slot, 10),
		UniqueFor:   def.Interval,
	})
	if errors.Is(err, taskqueue.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Register binds the maintenance handlers to a worker.
func (m *Maintenance) Register(w *taskqueue.Worker) {
	w.Handle(JobPurgeNotifications, m.purgeNotifications)
	w.Handle(JobPurgeDeviceTokens, m.purgeDeviceTokens)
	w.Handle(JobPurgeOrphans, m.purgeOrphans)
}

func (m *Maintenance) purgeNotifications(ctx context.Context, _ *taskqueue.Job) (interface{}, error) {
	n, err := m.notifications.DeleteOlderThan(ctx, time.Now().Add(-m.retention.Notifications))
	if err != nil {
		return nil, fmt.Errorf("purge notifications: %w", err)
	}
	m.logger.Info("purged old notifications", zap.Int64("count", n))
	return map[string]int64{"notifications": n}, nil
}

func (m *Maintenance) purgeDeviceTokens(ctx context.Context, _ *taskqueue.Job) (interface{}, error) {
	n, err := m.tokens.PurgeInactive(ctx, time.Now().Add(-m.retention.InactiveTokens))
	if err != nil {
		return nil, fmt.Errorf("purge device tokens: %w", err)
	}
	m.logger.Info("purged inactive device tokens", zap.Int64("count", n))
	return map[string]int64{"deviceTokens": n}, nil
}

func (m *Maintenance) purgeOrphans(ctx context.Context, _ *taskqueue.Job) (interface{}, error) {
	result := map[string]int64{}

	n, err := m.notifications.DeleteOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("purge orphaned notifications: %w", err)
	}
	result["notifications"] = n

	if n, err = m.tokens.PurgeOrphans(ctx); err != nil {
		return nil, fmt.Errorf("purge orphaned device tokens: %w", err)
	}
	result["deviceTokens"] = n

	users, err := m.presence.PurgeOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("purge orphaned presence: %w", err)
	}
	result["presence"] = int64(users)

	jobs, err := m.queue.DeleteFinished(ctx, time.Now().Add(-m.retention.FinishedJobs))
	if err != nil {
		return nil, fmt.Errorf("purge finished jobs: %w", err)
	}
	result["jobs"] = int64(jobs)

	m.logger.Info("purged orphans",
		zap.Int64("notifications", result["notifications"]),
		zap.Int64("device_tokens", result["deviceTokens"]),
		zap.Int64("presence", result["presence"]),
		zap.Int64("jobs", result["jobs"]),
	)
	return result, nil
}
