package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/modules/device"
	"github.com/mx-space/social/internal/modules/push"
	provider "github.com/mx-space/social/internal/pkg/push"
	"github.com/mx-space/social/internal/pkg/pagination"
	"github.com/mx-space/social/internal/pkg/taskqueue"
	"github.com/mx-space/social/internal/testutil"
	"gorm.io/gorm"
)

type emitted struct {
	userID string
	event  string
}

type fakeLive struct {
	online  map[string]bool
	emitErr error
	emits   []emitted
}

func (f *fakeLive) IsUserOnline(_ context.Context, userID string) (bool, error) {
	return f.online[userID], nil
}

func (f *fakeLive) EmitToUser(_ context.Context, userID, event string, _ any) error {
	f.emits = append(f.emits, emitted{userID: userID, event: event})
	return f.emitErr
}

type fakeQueue struct {
	failures int
	// lostReplies stores the job but reports a timeout, like a reply lost on the wire
	lostReplies int
	calls       int
	payloads    []push.Payload
}

func (f *fakeQueue) Enqueue(_ context.Context, p push.Payload) (string, error) {
	f.calls++
	for _, stored := range f.payloads {
		if p.NotificationID != "" && stored.NotificationID == p.NotificationID {
			return "", taskqueue.ErrDuplicate
		}
	}
	if f.calls <= f.failures {
		return "", errors.New("redis: connection refused")
	}
	f.payloads = append(f.payloads, p)
	if f.calls <= f.failures+f.lostReplies {
		return "", errors.New("redis: i/o timeout")
	}
	return "job", nil
}

func newService(t *testing.T, queue Enqueuer) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewService(db, queue, WithEnqueueRetry(3, 0)), db
}

func createUser(t *testing.T, db *gorm.DB, username string) string {
	t.Helper()
	u := models.UserModel{Username: username}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func countNotifications(t *testing.T, db *gorm.DB, recipient string) int64 {
	t.Helper()
	var n int64
	db.Model(&models.NotificationModel{}).Where("recipient_id = ?", recipient).Count(&n)
	return n
}

func TestCreateAndRouteDeliversExactlyOnce(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		emitErr    error
		wantEmits  int
		wantQueued int
	}{
		{name: "online gets live emit", online: true, wantEmits: 1},
		{name: "offline gets push job", online: false, wantQueued: 1},
		{name: "emit failure is swallowed", online: true, emitErr: errors.New("socket closed"), wantEmits: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &fakeQueue{}
			svc, db := newService(t, queue)
			live := &fakeLive{online: map[string]bool{"bob": tt.online}, emitErr: tt.emitErr}
			svc.SetLive(live)

			row, err := svc.CreateAndRoute(context.Background(), Event{
				Type:        models.NotificationLike,
				RecipientID: "bob",
				Vars:        map[string]string{"target": "post"},
			})
			if err != nil {
				t.Fatalf("CreateAndRoute() error = %v", err)
			}
			if row == nil || row.ID == "" {
				t.Fatalf("CreateAndRoute() row = %v", row)
			}
			if got := countNotifications(t, db, "bob"); got != 1 {
				t.Errorf("persisted = %d, want 1", got)
			}
			if len(live.emits) != tt.wantEmits {
				t.Errorf("emits = %d, want %d", len(live.emits), tt.wantEmits)
			}
			if len(queue.payloads) != tt.wantQueued {
				t.Errorf("queued = %d, want %d", len(queue.payloads), tt.wantQueued)
			}
			if tt.wantEmits > 0 && live.emits[0].event != EventNotificationNew {
				t.Errorf("event = %q, want %q", live.emits[0].event, EventNotificationNew)
			}
		})
	}
}

func TestCreateAndRouteWithoutGateway(t *testing.T) {
	queue := &fakeQueue{}
	svc, _ := newService(t, queue)

	if _, err := svc.CreateAndRoute(context.Background(), Event{Type: models.NotificationSystem, RecipientID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if len(queue.payloads) != 1 {
		t.Errorf("queued = %d, want 1", len(queue.payloads))
	}
}

func TestPushDisabledPersistsOnly(t *testing.T) {
	ctx := context.Background()
	queue := &fakeQueue{}
	svc, db := newService(t, queue)
	live := &fakeLive{online: map[string]bool{}}
	svc.SetLive(live)

	off := false
	if _, err := svc.UpdatePreferences(ctx, "bob", &PreferencesDTO{PushEnabled: &off}); err != nil {
		t.Fatal(err)
	}
	row, err := svc.CreateAndRoute(ctx, Event{Type: models.NotificationMention, RecipientID: "bob"})
	if err != nil || row == nil {
		t.Fatalf("CreateAndRoute() = %v, %v", row, err)
	}
	if got := countNotifications(t, db, "bob"); got != 1 {
		t.Errorf("persisted = %d, want 1", got)
	}
	if len(live.emits) != 0 || queue.calls != 0 {
		t.Errorf("delivered despite push disabled: emits %d enqueues %d", len(live.emits), queue.calls)
	}
}

func TestCategoryPreference(t *testing.T) {
	ctx := context.Background()
	queue := &fakeQueue{}
	svc, _ := newService(t, queue)

	if _, err := svc.UpdatePreferences(ctx, "bob", &PreferencesDTO{
		Categories: map[models.NotificationType]bool{models.NotificationLike: false},
	}); err != nil {
		t.Fatal(err)
	}
	svc.CreateAndRoute(ctx, Event{Type: models.NotificationLike, RecipientID: "bob"})
	svc.CreateAndRoute(ctx, Event{Type: models.NotificationComment, RecipientID: "bob"})

	if len(queue.payloads) != 1 || queue.payloads[0].Data["type"] != string(models.NotificationComment) {
		t.Errorf("queued = %+v, want only the comment", queue.payloads)
	}

	if _, err := svc.UpdatePreferences(ctx, "bob", &PreferencesDTO{
		Categories: map[models.NotificationType]bool{"BOGUS": true},
	}); !errors.Is(err, ErrInvalidPrefs) {
		t.Errorf("UpdatePreferences() error = %v, want ErrInvalidPrefs", err)
	}
}

func TestSelfReactionsAreSkipped(t *testing.T) {
	ctx := context.Background()
	queue := &fakeQueue{}
	svc, db := newService(t, queue)

	for _, typ := range []models.NotificationType{
		models.NotificationFollow, models.NotificationLike, models.NotificationComment, models.NotificationReply,
	} {
		row, err := svc.CreateAndRoute(ctx, Event{Type: typ, RecipientID: "bob", SenderID: "bob"})
		if err != nil || row != nil {
			t.Errorf("CreateAndRoute(%s) = %v, %v; want nil, nil", typ, row, err)
		}
	}
	if got := countNotifications(t, db, "bob"); got != 0 {
		t.Errorf("persisted = %d, want 0", got)
	}

	// a mention of oneself is still delivered
	if row, _ := svc.CreateAndRoute(ctx, Event{Type: models.NotificationMention, RecipientID: "bob", SenderID: "bob"}); row == nil {
		t.Errorf("self mention skipped")
	}
}

func TestTemplates(t *testing.T) {
	ctx := context.Background()
	queue := &fakeQueue{}
	svc, db := newService(t, queue)
	alice := createUser(t, db, "alice")

	row, err := svc.CreateAndRoute(ctx, Event{
		Type:        models.NotificationOfferReceived,
		RecipientID: "bob",
		SenderID:    alice,
		Vars:        map[string]string{"amount": "$20"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if row.Title != "New offer" {
		t.Errorf("Title = %q", row.Title)
	}
	if want := "alice offered $20 for {{listing}}"; row.Body != want {
		t.Errorf("Body = %q, want %q", row.Body, want)
	}
	if row.SenderID == nil || *row.SenderID != alice {
		t.Errorf("SenderID = %v, want %s", row.SenderID, alice)
	}

	row, _ = svc.CreateAndRoute(ctx, Event{Type: models.NotificationFollow, RecipientID: "bob", SenderID: "ghost"})
	if want := "{{username}} started following you"; row.Body != want {
		t.Errorf("Body = %q, want %q", row.Body, want)
	}

	row, _ = svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "bob", Title: "Maintenance", Body: "Back at {{ time }}", Vars: map[string]string{"time": "9pm"}})
	if row.Title != "Maintenance" || row.Body != "Back at 9pm" {
		t.Errorf("row = %q / %q", row.Title, row.Body)
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		text string
		vars map[string]string
		want string
	}{
		{"hi {{name}}", map[string]string{"name": "bob"}, "hi bob"},
		{"hi {{ name }}!", map[string]string{"name": "bob"}, "hi bob!"},
		{"{{a}}{{b}}", map[string]string{"a": "1"}, "1{{b}}"},
		{"plain", nil, "plain"},
		{"{{}}", map[string]string{"": "x"}, "{{}}"},
	}
	for _, tt := range tests {
		if got := render(tt.text, tt.vars); got != tt.want {
			t.Errorf("render(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestEnqueueRetry(t *testing.T) {
	ctx := context.Background()

	queue := &fakeQueue{failures: 2}
	svc, _ := newService(t, queue)
	if _, err := svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "bob"}); err != nil {
		t.Fatalf("CreateAndRoute() error = %v", err)
	}
	if queue.calls != 3 || len(queue.payloads) != 1 {
		t.Errorf("calls = %d, queued = %d; want 3, 1", queue.calls, len(queue.payloads))
	}

	queue = &fakeQueue{failures: 10}
	svc, db := newService(t, queue)
	row, err := svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "bob"})
	if err == nil {
		t.Fatal("CreateAndRoute() error = nil, want enqueue failure")
	}
	if row == nil || countNotifications(t, db, "bob") != 1 {
		t.Errorf("notification not persisted after enqueue failure")
	}
	if queue.calls != 3 {
		t.Errorf("calls = %d, want 3", queue.calls)
	}
}

func TestEnqueueRetryAfterLostReply(t *testing.T) {
	ctx := context.Background()

	queue := &fakeQueue{lostReplies: 1}
	svc, _ := newService(t, queue)
	row, err := svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "bob"})
	if err != nil {
		t.Fatalf("CreateAndRoute() error = %v, want success once the retry sees the stored job", err)
	}
	if queue.calls != 2 || len(queue.payloads) != 1 {
		t.Errorf("calls = %d, queued = %d; want 2, 1", queue.calls, len(queue.payloads))
	}
	if queue.payloads[0].NotificationID != row.ID {
		t.Errorf("payload NotificationID = %q, want %q", queue.payloads[0].NotificationID, row.ID)
	}
}

func TestPushQueueOneJobPerNotification(t *testing.T) {
	ctx := context.Background()
	rc, _ := testutil.NewRedis(t)
	tq := taskqueue.New(rc, push.QueueName, taskqueue.Options{})
	queue := push.NewQueue(tq, 3, time.Second)

	p := push.Payload{NotificationID: "n1", UserID: "bob", Title: "hi"}
	if _, err := queue.Enqueue(ctx, p); err != nil {
		t.Fatal(err)
	}
	if _, err := queue.Enqueue(ctx, p); !errors.Is(err, taskqueue.ErrDuplicate) {
		t.Errorf("second Enqueue() error = %v, want ErrDuplicate", err)
	}
	if _, err := queue.Enqueue(ctx, push.Payload{UserID: "bob"}); err != nil {
		t.Errorf("Enqueue() without notification id error = %v", err)
	}
	if w, _, _ := tq.Counts(ctx); w != 2 {
		t.Errorf("waiting = %d, want 2", w)
	}
}

func TestPushPayload(t *testing.T) {
	ctx := context.Background()
	queue := &fakeQueue{}
	svc, _ := newService(t, queue)

	svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "bob"})
	row, _ := svc.CreateAndRoute(ctx, Event{
		Type:        models.NotificationNewMessage,
		RecipientID: "bob",
		Vars:        map[string]string{"username": "alice", "preview": "hey"},
		Data:        map[string]any{"conversationId": "c1"},
		ImageURL:    "https://img",
	})

	p := queue.payloads[1]
	if p.UserID != "bob" || p.Title != "alice" || p.Body != "hey" || p.ImageURL != "https://img" {
		t.Errorf("payload = %+v", p)
	}
	if p.Data["notificationId"] != row.ID || p.Data["conversationId"] != "c1" {
		t.Errorf("payload data = %v", p.Data)
	}
	if p.Badge == nil || *p.Badge != 2 {
		t.Errorf("badge = %v, want 2", p.Badge)
	}
}

// An offline recipient with no registered devices ends with a completed no-op job.
func TestOfflineRecipientWithoutDevices(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	rc, _ := testutil.NewRedis(t)

	tq := taskqueue.New(rc, push.QueueName, taskqueue.Options{})
	queue := push.NewQueue(tq, 3, time.Second)
	svc := NewService(db, queue)

	sender := &countingSender{}
	w := taskqueue.NewWorker(tq, taskqueue.WorkerOptions{})
	w.Handle(push.JobSend, push.NewProcessor(device.NewService(db), sender, nil).Handle)

	row, err := svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "carol", Title: "hello"})
	if err != nil || row == nil {
		t.Fatalf("CreateAndRoute() = %v, %v", row, err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed || err != nil {
		t.Fatalf("ProcessOne() = %v, %v", processed, err)
	}
	jobs, _, err := tq.List(ctx, 1, 10, push.JobSend, "")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("List() = %v, %v", jobs, err)
	}
	job := jobs[0]
	if job.Status != taskqueue.StatusCompleted || job.Attempts != 1 {
		t.Errorf("job = %s after %d attempts, want completed after 1", job.Status, job.Attempts)
	}
	var res push.Result
	if err := json.Unmarshal(job.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.SuccessCount != 0 || res.FailureCount != 0 {
		t.Errorf("result = %+v, want zero counts", res)
	}
	if sender.calls != 0 {
		t.Errorf("provider called %d times", sender.calls)
	}
}

type countingSender struct{ calls int }

func (s *countingSender) Send(context.Context, []provider.Message) (provider.Report, error) {
	s.calls++
	return provider.Report{}, nil
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, &fakeQueue{})
	bob := createUser(t, db, "bob")

	var ids []string
	for i := 0; i < 3; i++ {
		row, err := svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: bob})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, row.ID)
	}
	svc.CreateAndRoute(ctx, Event{Type: models.NotificationSystem, RecipientID: "deleted-user"})

	if n, _ := svc.UnreadCount(ctx, bob); n != 3 {
		t.Errorf("UnreadCount() = %d, want 3", n)
	}
	if ok, err := svc.MarkRead(ctx, bob, ids[0]); !ok || err != nil {
		t.Errorf("MarkRead() = %v, %v", ok, err)
	}
	if ok, _ := svc.MarkRead(ctx, "mallory", ids[1]); ok {
		t.Errorf("MarkRead() by another user succeeded")
	}

	rows, pag, err := svc.List(ctx, bob, pagination.Normalize(1, 2), ListQuery{UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || pag.Total != 2 {
		t.Errorf("List(unread) = %d rows, total %d; want 2, 2", len(rows), pag.Total)
	}

	if n, _ := svc.MarkAllRead(ctx, bob); n != 2 {
		t.Errorf("MarkAllRead() = %d, want 2", n)
	}
	if ok, _ := svc.Delete(ctx, bob, ids[2]); !ok {
		t.Errorf("Delete() = false")
	}
	if _, pag, _ := svc.List(ctx, bob, pagination.Normalize(1, 10), ListQuery{}); pag.Total != 2 {
		t.Errorf("total after delete = %d, want 2", pag.Total)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := svc.DeleteOrphans(cancelled); err == nil {
		t.Errorf("DeleteOrphans(cancelled) error = nil")
	}
	if n, _ := svc.DeleteOrphans(ctx); n != 1 {
		t.Errorf("DeleteOrphans() = %d, want 1", n)
	}
	if n, _ := svc.DeleteOlderThan(ctx, time.Now().Add(time.Hour)); n != 3 {
		t.Errorf("DeleteOlderThan() = %d, want 3", n)
	}
}
