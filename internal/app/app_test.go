package app

import (
	"context"
	"testing"
	"time"

	"github.com/mx-space/social/internal/modules/push"
	pkgcron "github.com/mx-space/social/internal/pkg/cron"
	"github.com/mx-space/social/internal/pkg/taskqueue"
	"github.com/mx-space/social/internal/testutil"
	"go.uber.org/zap"
)

func TestMatchOriginPattern(t *testing.T) {
	tests := []struct {
		pattern, origin string
		want            bool
	}{
		{"app.example.com", "https://app.example.com", true},
		{"https://app.example.com", "https://app.example.com", true},
		{"*.example.com", "https://m.example.com", true},
		{"*.example.com", "https://example.org", false},
		{"localhost:*", "http://localhost:3000", true},
		{"localhost:*", "http://localhost.evil.com", false},
		{"*", "https://anything.test", true},
		{"App.Example.com", "https://app.example.com", true},
	}
	for _, tt := range tests {
		if got := matchOriginPattern(tt.pattern, extractOriginHost(tt.origin)); got != tt.want {
			t.Errorf("matchOriginPattern(%q, %q) = %v, want %v", tt.pattern, tt.origin, got, tt.want)
		}
	}
}

func TestParseTimezoneLocation(t *testing.T) {
	tests := []struct {
		in         string
		wantOffset int
		wantErr    bool
	}{
		{"UTC", 0, false},
		{"+08:00", 8 * 3600, false},
		{"-03:30", -(3*3600 + 30*60), false},
		{"+25:00", 0, true},
		{"Mars/Olympus", 0, true},
	}
	for _, tt := range tests {
		loc, err := parseTimezoneLocation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimezoneLocation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if _, off := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone(); off != tt.wantOffset {
			t.Errorf("parseTimezoneLocation(%q) offset = %d, want %d", tt.in, off, tt.wantOffset)
		}
	}
}

func TestHumanizeDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{300 * time.Millisecond, "0s"},
		{1500 * time.Millisecond, "1s"},
		{90 * time.Second, "1m 30s"},
		{3*time.Hour + 5*time.Minute + 9*time.Second, "3h 5m"},
		{time.Hour + 5*time.Second, "1h"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := humanizeDuration(tt.in); got != tt.want {
			t.Errorf("humanizeDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegisterCronJobsEnqueuesOncePerSlot(t *testing.T) {
	ctx := context.Background()
	rc, _ := testutil.NewRedis(t)
	q := taskqueue.New(rc, "test", taskqueue.Options{})
	maint := push.NewMaintenance(q, nil, nil, nil, push.Retention{}, nil)
	sched := pkgcron.New(nil)

	if err := registerCronJobs(ctx, sched, maint, zap.NewNop()); err != nil {
		t.Fatalf("registerCronJobs() error = %v", err)
	}
	items := sched.List()
	if len(items) != len(maint.Definitions()) {
		t.Fatalf("scheduled %d jobs, want %d", len(items), len(maint.Definitions()))
	}
	for _, item := range items {
		if item.Description == "" {
			t.Errorf("job %s has no description", item.Name)
		}
	}

	// two manual runs inside the same slot enqueue one job
	for i := 0; i < 2; i++ {
		if err := sched.Run(ctx, "purge_orphans"); err != nil {
			t.Fatal(err)
		}
	}
	_, total, err := q.List(ctx, 1, 10, push.JobPurgeOrphans, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("enqueued %d purge_orphans jobs, want 1", total)
	}
}
