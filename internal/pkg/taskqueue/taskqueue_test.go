package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mx-space/social/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	rc, _ := testutil.NewRedis(t)
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	return New(rc, "test", Options{Lease: time.Minute, Now: c.now}), c
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(1s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(ctx, "demo", map[string]string{"k": "v"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", job.MaxAttempts, DefaultMaxAttempts)
	}

	claimed, err := q.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}
	if claimed.ID != job.ID || claimed.Attempts != 1 || claimed.Status != StatusActive {
		t.Errorf("Claim() = %+v", claimed)
	}
	var payload map[string]string
	if err := claimed.Decode(&payload); err != nil || payload["k"] != "v" {
		t.Errorf("Decode() = %v, %v", payload, err)
	}

	if again, _ := q.Claim(ctx); again != nil {
		t.Errorf("second Claim() = %+v, want nil", again)
	}

	if err := q.Complete(ctx, claimed, map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	stored, _ := q.GetByID(ctx, job.ID)
	if stored.Status != StatusCompleted || stored.FinishedAt == nil || string(stored.Result) != `{"n":1}` {
		t.Errorf("stored = %+v", stored)
	}
	if w, a, _ := q.Counts(ctx); w != 0 || a != 0 {
		t.Errorf("Counts() = %d, %d, want 0, 0", w, a)
	}
}

func TestDelayedJobIsNotDueEarly(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "demo", nil, EnqueueOptions{Delay: time.Minute}); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.Claim(ctx); job != nil {
		t.Fatalf("Claim() before delay = %+v", job)
	}
	c.advance(time.Minute)
	if job, _ := q.Claim(ctx); job == nil {
		t.Fatalf("Claim() after delay = nil")
	}
}

func TestFailRetriesThenGivesUp(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	job, _ := q.Enqueue(ctx, "demo", nil, EnqueueOptions{MaxAttempts: 3, Backoff: time.Second})
	cause := errors.New("provider unavailable")

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range wantDelays {
		claimed, _ := q.Claim(ctx)
		if claimed == nil {
			t.Fatalf("attempt %d: Claim() = nil", i+1)
		}
		retry, err := q.Fail(ctx, claimed, cause)
		if err != nil || !retry {
			t.Fatalf("attempt %d: Fail() = %v, %v; want retry", i+1, retry, err)
		}
		if got := claimed.NextAttemptAt.Sub(c.now()); got != delay {
			t.Errorf("attempt %d: backoff = %v, want %v", i+1, got, delay)
		}
		if early, _ := q.Claim(ctx); early != nil {
			t.Fatalf("attempt %d: claimed during backoff", i+1)
		}
		c.advance(delay)
	}

	last, _ := q.Claim(ctx)
	retry, err := q.Fail(ctx, last, cause)
	if err != nil || retry {
		t.Fatalf("final Fail() = %v, %v; want give up", retry, err)
	}
	stored, _ := q.GetByID(ctx, job.ID)
	if stored.Status != StatusFailed || stored.Attempts != 3 || stored.Error != cause.Error() {
		t.Errorf("stored = %+v", stored)
	}

	c.advance(time.Hour)
	if again, _ := q.Claim(ctx); again != nil {
		t.Errorf("failed job claimed again")
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	q.Enqueue(ctx, "demo", nil, EnqueueOptions{MaxAttempts: 5})
	job, _ := q.Claim(ctx)
	retry, err := q.Fail(ctx, job, Permanent(errors.New("bad payload")))
	if err != nil || retry {
		t.Errorf("Fail(permanent) = %v, %v; want no retry", retry, err)
	}
}

func TestUniqueKey(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	opts := EnqueueOptions{UniqueKey: "slot-1", UniqueFor: time.Hour}
	if _, err := q.Enqueue(ctx, "demo", nil, opts); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "demo", nil, opts); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Enqueue() error = %v, want ErrDuplicate", err)
	}
}

func TestRequeueStalled(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	q.Enqueue(ctx, "demo", nil, EnqueueOptions{})
	if job, _ := q.Claim(ctx); job == nil {
		t.Fatal("Claim() = nil")
	}

	if requeued, failed, _ := q.RequeueStalled(ctx); requeued != 0 || failed != 0 {
		t.Errorf("RequeueStalled() within lease = %d, %d, want 0, 0", requeued, failed)
	}
	c.advance(2 * time.Minute)
	if requeued, failed, _ := q.RequeueStalled(ctx); requeued != 1 || failed != 0 {
		t.Errorf("RequeueStalled() after lease = %d, %d, want 1, 0", requeued, failed)
	}
	job, _ := q.Claim(ctx)
	if job == nil || job.Attempts != 2 {
		t.Errorf("reclaimed job = %+v, want attempt 2", job)
	}
}

func TestStalledJobsAreBounded(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	job, _ := q.Enqueue(ctx, "demo", nil, EnqueueOptions{MaxAttempts: 2})
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, _ := q.Claim(ctx)
		if claimed == nil {
			t.Fatalf("attempt %d: Claim() = nil", attempt)
		}
		c.advance(2 * time.Minute)
		requeued, failed, err := q.RequeueStalled(ctx)
		if err != nil {
			t.Fatal(err)
		}
		wantRequeued, wantFailed := 1, 0
		if attempt == 2 {
			wantRequeued, wantFailed = 0, 1
		}
		if requeued != wantRequeued || failed != wantFailed {
			t.Errorf("attempt %d: RequeueStalled() = %d, %d, want %d, %d",
				attempt, requeued, failed, wantRequeued, wantFailed)
		}
	}

	c.advance(time.Hour)
	if again, _ := q.Claim(ctx); again != nil {
		t.Fatalf("Claim() after attempts ran out = %+v, want nil", again)
	}
	stored, _ := q.GetByID(ctx, job.ID)
	if stored.Status != StatusFailed || stored.Attempts != 2 || stored.FinishedAt == nil {
		t.Errorf("stored = %+v, want failed after 2 attempts", stored)
	}
	if w, a, _ := q.Counts(ctx); w != 0 || a != 0 {
		t.Errorf("Counts() = %d, %d, want 0, 0", w, a)
	}
}

func TestSettleAfterLeaseLost(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	job, _ := q.Enqueue(ctx, "demo", nil, EnqueueOptions{MaxAttempts: 3})
	slow, _ := q.Claim(ctx)
	c.advance(2 * time.Minute)
	q.RequeueStalled(ctx)
	current, _ := q.Claim(ctx)
	if current == nil || current.Attempts != 2 {
		t.Fatalf("reclaimed job = %+v, want attempt 2", current)
	}

	// the first worker finally returns; its outcome must not touch the new attempt
	if err := q.Complete(ctx, slow, "late"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Complete() by stale attempt error = %v, want ErrLeaseLost", err)
	}
	if _, err := q.Fail(ctx, slow, errors.New("late")); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Fail() by stale attempt error = %v, want ErrLeaseLost", err)
	}
	stored, _ := q.GetByID(ctx, job.ID)
	if stored.Status != StatusActive || stored.Attempts != 2 {
		t.Errorf("stored after stale settle = %+v, want active attempt 2", stored)
	}
	if _, a, _ := q.Counts(ctx); a != 1 {
		t.Errorf("active = %d, want 1", a)
	}

	if err := q.Complete(ctx, current, nil); err != nil {
		t.Fatalf("Complete() by current attempt error = %v", err)
	}
	stored, _ = q.GetByID(ctx, job.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("stored.Status = %s, want completed", stored.Status)
	}
}

func TestListAndDeleteFinished(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t)

	q.Enqueue(ctx, "a", nil, EnqueueOptions{})
	q.Enqueue(ctx, "b", nil, EnqueueOptions{})
	job, _ := q.Claim(ctx)
	q.Complete(ctx, job, nil)

	all, total, err := q.List(ctx, 1, 10, "", "")
	if err != nil || total != 2 || len(all) != 2 {
		t.Fatalf("List() = %d jobs, total %d, err %v", len(all), total, err)
	}
	done, total, _ := q.List(ctx, 1, 10, "", StatusCompleted)
	if total != 1 || done[0].ID != job.ID {
		t.Errorf("List(completed) = %v", done)
	}

	if n, _ := q.DeleteFinished(ctx, c.now()); n != 0 {
		t.Errorf("DeleteFinished(now) = %d, want 0", n)
	}
	c.advance(time.Second)
	if n, _ := q.DeleteFinished(ctx, c.now()); n != 1 {
		t.Errorf("DeleteFinished(later) = %d, want 1", n)
	}
	if got, _ := q.GetByID(ctx, job.ID); got != nil {
		t.Errorf("finished job still stored")
	}
}

func TestRepeatable(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	q.SyncRepeatable(ctx, []Repeatable{{Name: "old", Type: "x", Interval: time.Hour}})
	if err := q.SyncRepeatable(ctx, []Repeatable{{Name: "new", Type: "x", Interval: time.Hour}}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := q.IsRepeatable(ctx, "old"); ok {
		t.Errorf("IsRepeatable(old) = true after resync")
	}
	if ok, _ := q.IsRepeatable(ctx, "new"); !ok {
		t.Errorf("IsRepeatable(new) = false")
	}
}

func TestWorkerProcessOne(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	w := NewWorker(q, WorkerOptions{})

	w.Handle("ok", func(ctx context.Context, job *Job) (interface{}, error) {
		return "done", nil
	})
	w.Handle("boom", func(ctx context.Context, job *Job) (interface{}, error) {
		panic("boom")
	})

	ok, _ := q.Enqueue(ctx, "ok", nil, EnqueueOptions{})
	boom, _ := q.Enqueue(ctx, "boom", nil, EnqueueOptions{MaxAttempts: 1})
	unknown, _ := q.Enqueue(ctx, "unknown", nil, EnqueueOptions{})

	for i := 0; i < 3; i++ {
		if processed, err := w.ProcessOne(ctx); !processed || err != nil {
			t.Fatalf("ProcessOne() = %v, %v", processed, err)
		}
	}
	if processed, _ := w.ProcessOne(ctx); processed {
		t.Errorf("ProcessOne() on empty queue = true")
	}

	tests := []struct {
		id   string
		want Status
	}{
		{ok.ID, StatusCompleted},
		{boom.ID, StatusFailed},
		{unknown.ID, StatusFailed},
	}
	for _, tt := range tests {
		job, _ := q.GetByID(ctx, tt.id)
		if job.Status != tt.want {
			t.Errorf("job %s status = %s, want %s", job.Type, job.Status, tt.want)
		}
	}
}
