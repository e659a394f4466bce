package push

import (
	"context"
	"time"

	"github.com/mx-space/social/internal/pkg/taskqueue"
)

const QueueName = "push"

// Queue enqueues push.send jobs with the configured retry policy.
type Queue struct {
	tq          *taskqueue.Queue
	maxAttempts int
	backoff     time.Duration
}

func NewQueue(tq *taskqueue.Queue, maxAttempts int, backoff time.Duration) *Queue {
	return &Queue{tq: tq, maxAttempts: maxAttempts, backoff: backoff}
}

// Enqueue stores one durable push job and returns its id. A second job for the
// same notification is rejected with taskqueue.ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, error) {
	opts := taskqueue.EnqueueOptions{
		MaxAttempts: q.maxAttempts,
		Backoff:     q.backoff,
	}
	if p.NotificationID != "" {
		opts.UniqueKey = "notification:" + p.NotificationID
	}
	job, err := q.tq.Enqueue(ctx, JobSend, p, opts)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Job looks up a job by id.
func (q *Queue) Job(ctx context.Context, id string) (*taskqueue.Job, error) {
	return q.tq.GetByID(ctx, id)
}
