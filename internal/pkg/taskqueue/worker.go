package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mx-space/social/internal/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler executes one attempt of a job. The returned value becomes the job result.
type Handler func(ctx context.Context, job *Job) (interface{}, error)

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Worker claims due jobs from a Queue and dispatches them by type.
type Worker struct {
	queue        *Queue
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(q *Queue, opts WorkerOptions) *Worker {
	w := &Worker{
		queue:        q,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		handlers:     make(map[string]Handler),
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Handle registers the handler for a job type. Must be called before Run.
func (w *Worker) Handle(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// Run processes jobs until ctx is cancelled. One extra goroutine returns jobs with
// expired leases to the queue.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(w.queue.lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				requeued, failed, err := w.queue.RequeueStalled(ctx)
				if err != nil {
					w.logger.Warn("requeue stalled jobs failed", zap.Error(err))
				} else if requeued+failed > 0 {
					w.logger.Info("stalled jobs handled", zap.Int("requeued", requeued), zap.Int("failed", failed))
				}
			}
		}
	})
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("queue poll failed", zap.String("queue", w.queue.Name()), zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessOne claims and runs at most one due job. It reports whether a job was claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}

	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	w.mu.RUnlock()

	var result interface{}
	if !ok {
		err = Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	} else {
		result, err = w.invoke(ctx, h, job)
	}

	if err == nil {
		if cerr := w.queue.Complete(ctx, job, result); cerr != nil {
			return true, w.settleError(job, cerr)
		}
		metrics.QueueJobs.WithLabelValues(job.Type, "completed").Inc()
		return true, nil
	}

	retry, ferr := w.queue.Fail(ctx, job, err)
	if ferr != nil {
		return true, w.settleError(job, ferr)
	}
	if retry {
		metrics.QueueJobs.WithLabelValues(job.Type, "retried").Inc()
		w.logger.Info("job attempt failed, retrying",
			zap.String("id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Time("next_attempt_at", job.NextAttemptAt),
			zap.Error(err),
		)
	} else {
		metrics.QueueJobs.WithLabelValues(job.Type, "failed").Inc()
		w.logger.Error("job failed permanently",
			zap.String("id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
	}
	return true, nil
}

// settleError drops the outcome of an attempt that outlived its lease; the job
// already moved on without it.
func (w *Worker) settleError(job *Job, err error) error {
	if !errors.Is(err, ErrLeaseLost) {
		return err
	}
	metrics.QueueJobs.WithLabelValues(job.Type, "lease_lost").Inc()
	w.logger.Warn("job attempt outlived its lease, outcome discarded",
		zap.String("id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
	)
	return nil
}

func (w *Worker) invoke(ctx context.Context, h Handler, job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
