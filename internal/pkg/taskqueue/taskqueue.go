package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redisc "github.com/mx-space/social/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Finished reports whether the job reached a terminal state.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a unit of background work stored in Redis.
type Job struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	BackoffMS     int64           `json:"backoff_ms"`
	UniqueKey     string          `json:"unique_key,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	// LeaseUntil is the active-set score written by the claim that owns the
	// current attempt, in unix milliseconds.
	LeaseUntil    int64           `json:"lease_until,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

var (
	ErrDuplicate = errors.New("taskqueue: duplicate job")
	ErrNotFound  = errors.New("taskqueue: job not found")
	// ErrLeaseLost means the attempt outlived its lease and the job was requeued
	// or failed in the meantime; the caller's outcome is discarded.
	ErrLeaseLost = errors.New("taskqueue: lease lost")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Fail moves the job straight to failed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Second
	DefaultJobTTL      = 7 * 24 * time.Hour
	DefaultLease       = 2 * time.Minute
)

type Options struct {
	JobTTL time.Duration
	Lease  time.Duration
	Now    func() time.Time
}

// EnqueueOptions controls retries, delay and deduplication of a single job.
type EnqueueOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Delay       time.Duration
	// UniqueKey rejects a second job with the same key while the marker lives.
	UniqueKey string
	UniqueFor time.Duration
}

// Queue is a Redis-backed job queue. A job id lives in exactly one of the
// waiting zset (scored by due time) or the active zset (scored by lease deadline)
// until it finishes.
type Queue struct {
	rc     *redisc.Client
	name   string
	jobTTL time.Duration
	lease  time.Duration
	now    func() time.Time
}

func New(rc *redisc.Client, name string, opts Options) *Queue {
	q := &Queue{
		rc:     rc,
		name:   name,
		jobTTL: opts.JobTTL,
		lease:  opts.Lease,
		now:    opts.Now,
	}
	if q.jobTTL <= 0 {
		q.jobTTL = DefaultJobTTL
	}
	if q.lease <= 0 {
		q.lease = DefaultLease
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) prefix() string { return "mx:queue:" + q.name + ":" }
func (q *Queue) jobKey(id string) string { return q.prefix() + "job:" + id }
func (q *Queue) uniqueKey(key string) string { return q.prefix() + "unique:" + key }
func (q *Queue) waitingKey() string { return q.prefix() + "waiting" }
func (q *Queue) activeKey() string { return q.prefix() + "active" }
func (q *Queue) indexKey() string { return q.prefix() + "index" }
func (q *Queue) repeatKey() string { return q.prefix() + "repeat" }

// Enqueue persists a new job and makes it due after opts.Delay.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts EnqueueOptions) (*Job, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	now := q.now()
	job := &Job{
		ID:            uuid.New().String(),
		Type:          jobType,
		Payload:       payloadBytes,
		Status:        StatusWaiting,
		MaxAttempts:   opts.MaxAttempts,
		BackoffMS:     opts.Backoff.Milliseconds(),
		UniqueKey:     opts.UniqueKey,
		NextAttemptAt: now.Add(opts.Delay),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.Delay > 0 {
		job.Status = StatusDelayed
	}

	var uniqueTTL int64
	if opts.UniqueKey != "" {
		uniqueTTL = opts.UniqueFor.Milliseconds()
		if uniqueTTL <= 0 {
			uniqueTTL = q.jobTTL.Milliseconds()
		}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	ok, err := enqueueScript.Run(ctx, q.rc.Raw(),
		[]string{q.uniqueKey(opts.UniqueKey), q.jobKey(job.ID), q.waitingKey(), q.indexKey()},
		job.ID, data, q.jobTTL.Milliseconds(), job.NextAttemptAt.UnixMilli(), now.UnixMilli(), uniqueTTL,
	).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, ErrDuplicate
	}
	return job, nil
}

// enqueueScript claims the unique marker, when one is requested, and stores the
// job in the same step, so a retried enqueue whose first reply was lost is
// reported as a duplicate rather than stored twice.
//
// KEYS: unique, job, waiting, index
// ARGV: id, data, jobTTLms, dueMs, createdMs, uniqueTTLms (0 for none)
var enqueueScript = redis.NewScript(`
if ARGV[6] ~= '0' then
  if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[6]) then
    return 0
  end
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[5], ARGV[1])
return 1
`)

// claimScript moves the earliest due job from waiting to active under a lease.
//
// KEYS: waiting, active
// ARGV: nowMs, leaseDeadlineMs
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

// Claim leases the next due job. It returns (nil, nil) when nothing is due.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	for {
		now := q.now()
		id, err := claimScript.Run(ctx, q.rc.Raw(),
			[]string{q.waitingKey(), q.activeKey()},
			now.UnixMilli(), now.Add(q.lease).UnixMilli(),
		).Text()
		if redisc.IsNil(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		job, err := q.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			// record expired underneath the index; drop the id and keep looking
			q.rc.Raw().ZRem(ctx, q.activeKey(), id)
			q.rc.Raw().ZRem(ctx, q.indexKey(), id)
			continue
		}

		job.Status = StatusActive
		job.Attempts++
		job.LeaseUntil = now.Add(q.lease).UnixMilli()
		job.UpdatedAt = now
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
}

// settleScript writes the outcome of an attempt, but only while the attempt still
// holds its lease.
//
// KEYS: active, waiting, job
// ARGV: id, leaseUntilMs, data, jobTTLms, retryAtMs ("" for terminal states)
var settleScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
if ARGV[5] ~= '' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
end
redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
return 1
`)

func (q *Queue) settle(ctx context.Context, job *Job, retryAt string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := settleScript.Run(ctx, q.rc.Raw(),
		[]string{q.activeKey(), q.waitingKey(), q.jobKey(job.ID)},
		job.ID, job.LeaseUntil, data, q.jobTTL.Milliseconds(), retryAt,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete finishes a job successfully with an optional result. It returns
// ErrLeaseLost when the attempt no longer owns the job.
func (q *Queue) Complete(ctx context.Context, job *Job, result interface{}) error {
	now := q.now()
	job.Status = StatusCompleted
	job.Error = ""
	job.UpdatedAt = now
	job.FinishedAt = &now
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		job.Result = data
	}
	return q.settle(ctx, job, "")
}

// Fail records a failed attempt. The job is rescheduled with exponential backoff
// until MaxAttempts is reached or cause is Permanent, then it is failed for good.
// It returns whether the job will be retried, or ErrLeaseLost when the attempt no
// longer owns the job.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	job.UpdatedAt = now
	if cause != nil {
		job.Error = cause.Error()
	}

	retry := !IsPermanent(cause) && job.Attempts < job.MaxAttempts
	retryAt := ""
	if retry {
		job.Status = StatusDelayed
		job.NextAttemptAt = now.Add(Backoff(time.Duration(job.BackoffMS)*time.Millisecond, job.Attempts))
		retryAt = strconv.FormatInt(job.NextAttemptAt.UnixMilli(), 10)
	} else {
		job.Status = StatusFailed
		job.FinishedAt = &now
	}
	if err := q.settle(ctx, job, retryAt); err != nil {
		return false, err
	}
	return retry, nil
}

// Backoff returns base·2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		attempt = 20
	}
	return base << (attempt - 1)
}

// RequeueStalled handles jobs whose lease expired (worker crashed or overran the
// lease). The interrupted attempt counts: a job with attempts left goes back to
// waiting, one without is failed. It returns how many were requeued and failed.
func (q *Queue) RequeueStalled(ctx context.Context) (requeued, failed int, err error) {
	now := q.now()
	ids, err := q.rc.Raw().ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, 0, err
	}

	for _, id := range ids {
		job, err := q.GetByID(ctx, id)
		if err != nil {
			return requeued, failed, err
		}
		if job == nil {
			q.rc.Raw().ZRem(ctx, q.activeKey(), id)
			continue
		}

		job.UpdatedAt = now
		retryAt := ""
		if job.Attempts < job.MaxAttempts {
			job.Status = StatusWaiting
			job.NextAttemptAt = now
			retryAt = strconv.FormatInt(now.UnixMilli(), 10)
		} else {
			job.Status = StatusFailed
			job.Error = "lease expired"
			job.FinishedAt = &now
		}
		switch err := q.settle(ctx, job, retryAt); {
		case errors.Is(err, ErrLeaseLost):
			// settled by its worker in the meantime
		case err != nil:
			return requeued, failed, err
		case retryAt != "":
			requeued++
		default:
			failed++
		}
	}
	return requeued, failed, nil
}

// GetByID retrieves a job by its ID, or (nil, nil) when it does not exist.
func (q *Queue) GetByID(ctx context.Context, id string) (*Job, error) {
	data, err := q.rc.Raw().Get(ctx, q.jobKey(id)).Bytes()
	if redisc.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs matching optional filters, newest first.
func (q *Queue) List(ctx context.Context, page, size int, jobType string, status Status) ([]*Job, int64, error) {
	ids, err := q.rc.Raw().ZRevRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}

	var jobs []*Job
	for _, id := range ids {
		job, err := q.GetByID(ctx, id)
		if err != nil || job == nil {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}

	total := int64(len(jobs))
	start := (page - 1) * size
	if page < 1 || size < 1 || start >= len(jobs) {
		return []*Job{}, total, nil
	}
	end := start + size
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[start:end], total, nil
}

// DeleteByID removes a job from every index.
func (q *Queue) DeleteByID(ctx context.Context, id string) error {
	job, err := q.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return ErrNotFound
	}
	pipe := q.rc.Raw().TxPipeline()
	pipe.Del(ctx, q.jobKey(id))
	pipe.ZRem(ctx, q.indexKey(), id)
	pipe.ZRem(ctx, q.waitingKey(), id)
	pipe.ZRem(ctx, q.activeKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

// DeleteFinished removes completed and failed jobs that finished before the cutoff,
// plus index entries whose record already expired.
func (q *Queue) DeleteFinished(ctx context.Context, before time.Time) (int, error) {
	ids, err := q.rc.Raw().ZRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	pipe := q.rc.Raw().TxPipeline()
	for _, id := range ids {
		job, err := q.GetByID(ctx, id)
		if err != nil {
			return 0, err
		}
		if job == nil {
			pipe.ZRem(ctx, q.indexKey(), id)
			continue
		}
		if !job.Status.Finished() || job.FinishedAt == nil || !job.FinishedAt.Before(before) {
			continue
		}
		pipe.Del(ctx, q.jobKey(id))
		pipe.ZRem(ctx, q.indexKey(), id)
		removed++
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	return removed, nil
}

// Counts reports the number of waiting (including delayed) and active jobs.
func (q *Queue) Counts(ctx context.Context) (waiting, active int64, err error) {
	pipe := q.rc.Raw().Pipeline()
	w := pipe.ZCard(ctx, q.waitingKey())
	a := pipe.ZCard(ctx, q.activeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return w.Val(), a.Val(), nil
}

// Repeatable is a recurring job definition.
type Repeatable struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Interval time.Duration `json:"interval"`
}

// SyncRepeatable replaces every stored recurring definition with defs, so
// definitions dropped from the code stop firing after the next boot.
func (q *Queue) SyncRepeatable(ctx context.Context, defs []Repeatable) error {
	pipe := q.rc.Raw().TxPipeline()
	pipe.Del(ctx, q.repeatKey())
	for _, def := range defs {
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, q.repeatKey(), def.Name, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("taskqueue: sync repeatable: %w", err)
	}
	return nil
}

// IsRepeatable reports whether name is a current recurring definition.
func (q *Queue) IsRepeatable(ctx context.Context, name string) (bool, error) {
	return q.rc.Raw().HExists(ctx, q.repeatKey(), name).Result()
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rc.Raw().Set(ctx, q.jobKey(job.ID), data, q.jobTTL).Err()
}
