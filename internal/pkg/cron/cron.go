package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrUnknownJob = errors.New("cron: unknown job")

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is a task repeated every Interval. Timeout bounds one run; zero means Interval.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	Timeout     time.Duration
	Fn          func(ctx context.Context) error
}

// Snapshot is the operator-facing view of a job.
type Snapshot struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Interval    time.Duration `json:"interval"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt   time.Time     `json:"next_run_at"`
}

type entry struct {
	Job

	mu      sync.Mutex
	status  Status
	lastErr string
	lastRun *time.Time
	nextRun time.Time
}

// Scheduler runs registered jobs on their own tickers. A run that would overlap a
// previous run of the same job is skipped.
type Scheduler struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *zap.Logger
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{entries: map[string]*entry{}, log: log}
}

// Register adds job. Jobs registered after Start are not scheduled.
func (s *Scheduler) Register(job Job) error {
	switch {
	case job.Name == "":
		return errors.New("cron: job name is required")
	case job.Fn == nil || job.Interval <= 0:
		return fmt.Errorf("cron: job %q needs a func and a positive interval", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = job.Interval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name]; dup {
		return fmt.Errorf("cron: job %q registered twice", job.Name)
	}
	s.entries[job.Name] = &entry{Job: job, status: StatusIdle, nextRun: time.Now().Add(job.Interval)}
	return nil
}

// Start schedules every registered job until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		go s.loop(ctx, e)
	}
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, e)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.status == StatusRunning {
		e.mu.Unlock()
		s.log.Debug("cron job still running, skipped", zap.String("job", e.Name))
		return
	}
	e.status = StatusRunning
	e.mu.Unlock()

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	err := e.Fn(runCtx)
	cancel()

	e.mu.Lock()
	e.lastRun = &started
	e.nextRun = time.Now().Add(e.Interval)
	e.status, e.lastErr = StatusSucceeded, ""
	if err != nil {
		e.status, e.lastErr = StatusFailed, err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.log.Warn("cron job failed", zap.String("job", e.Name), zap.Error(err))
		return
	}
	s.log.Debug("cron job done", zap.String("job", e.Name), zap.Duration("took", time.Since(started)))
}

// Run executes name now and waits for it to finish.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	s.execute(ctx, e)
	return nil
}

// List returns every job ordered by name.
func (s *Scheduler) List() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		out = append(out, Snapshot{
			Name:        e.Name,
			Description: e.Description,
			Interval:    e.Interval,
			Status:      e.status,
			Error:       e.lastErr,
			LastRunAt:   e.lastRun,
			NextRunAt:   e.nextRun,
		})
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
