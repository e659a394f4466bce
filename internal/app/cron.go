package app

import (
	"context"
	"fmt"
	"time"

	"github.com/mx-space/social/internal/modules/push"
	pkgcron "github.com/mx-space/social/internal/pkg/cron"
	"go.uber.org/zap"
)

// checksPerSlot is how often the scheduler looks at each interval slot. Trigger is
// idempotent per slot, so checking more than once keeps clock drift from skipping one.
const checksPerSlot = 4

var maintenanceDescriptions = map[string]string{
	"purge_notifications": "delete notifications past the retention window",
	"purge_device_tokens": "delete device tokens inactive past the retention window",
	"purge_orphans":       "drop orphaned notifications, device tokens, presence entries and finished jobs",
}

// registerCronJobs stores the recurring maintenance definitions and schedules a
// local trigger for each. Every instance schedules them; the queue runs each slot once.
func registerCronJobs(ctx context.Context, sched *pkgcron.Scheduler, maint *push.Maintenance, logger *zap.Logger) error {
	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := maint.Sync(syncCtx); err != nil {
		return fmt.Errorf("sync recurring jobs: %w", err)
	}

	for _, def := range maint.Definitions() {
		def := def
		err := sched.Register(pkgcron.Job{
			Name:        def.Name,
			Description: maintenanceDescriptions[def.Name],
			Interval:    def.Interval / checksPerSlot,
			Fn: func(ctx context.Context) error {
				enqueued, err := maint.Trigger(ctx, def, time.Now())
				if err != nil {
					return err
				}
				if enqueued {
					logger.Info("maintenance job enqueued", zap.String("job", def.Name), zap.String("every", humanizeDuration(def.Interval)))
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
