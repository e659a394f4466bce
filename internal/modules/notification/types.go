package notification

import (
	"context"
	"errors"

	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/modules/push"
)

// EventNotificationNew is emitted to the recipient's personal room on live delivery.
const EventNotificationNew = "notification-new"

type Outcome string

const (
	OutcomeLive       Outcome = "live"
	OutcomeQueued     Outcome = "queued"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

var (
	ErrInvalidType  = errors.New("unknown notification type")
	ErrNoRecipient  = errors.New("notification has no recipient")
	ErrInvalidPrefs = errors.New("unknown notification category")
)

// Event is a domain event that should reach a user. Title and Body override the
// type's template when set; Vars feed template tokens.
type Event struct {
	Type        models.NotificationType
	RecipientID string
	SenderID    string
	Title       string
	Body        string
	Vars        map[string]string
	Data        map[string]any
	Badge       *int
	Sound       string
	ImageURL    string
}

// LiveDelivery is the realtime capability of the connection gateway.
type LiveDelivery interface {
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	EmitToUser(ctx context.Context, userID, event string, payload any) error
}

// NopLive is used until a gateway is wired; every recipient counts as offline.
type NopLive struct{}

func (NopLive) IsUserOnline(context.Context, string) (bool, error) { return false, nil }

func (NopLive) EmitToUser(context.Context, string, string, any) error { return nil }

// Enqueuer hands a push job to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload push.Payload) (string, error)
}

type PreferencesDTO struct {
	PushEnabled *bool                            `json:"push_enabled"`
	Categories  map[models.NotificationType]bool `json:"categories"`
}

type ListQuery struct {
	UnreadOnly bool
	Type       models.NotificationType
}
