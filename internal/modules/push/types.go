package push

import (
	"context"
	"time"

	provider "github.com/mx-space/social/internal/pkg/push"
)

const (
	JobSend               = "push.send"
	JobPurgeNotifications = "maintenance.purge-notifications"
	JobPurgeDeviceTokens  = "maintenance.purge-device-tokens"
	JobPurgeOrphans       = "maintenance.purge-orphans"
)

// Payload is the body of a push.send job. Tokens is optional; when empty the
// recipient's active tokens are resolved at attempt time.
//
// NotificationID, when set, makes the job unique per notification.
type Payload struct {
	NotificationID string                 `json:"notificationId,omitempty"`
	UserID         string                 `json:"userId"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Badge          *int                   `json:"badge,omitempty"`
	Sound          string                 `json:"sound,omitempty"`
	ImageURL       string                 `json:"imageUrl,omitempty"`
	Tokens         []string               `json:"tokens,omitempty"`
}

// Result is stored on a completed push.send job.
type Result struct {
	SuccessCount  int      `json:"successCount"`
	FailureCount  int      `json:"failureCount"`
	InvalidTokens []string `json:"invalidTokens"`
}

// TokenStore is the device-token surface push delivery needs.
type TokenStore interface {
	ActiveTokens(ctx context.Context, userID string) ([]string, error)
	Deactivate(ctx context.Context, tokens []string) (int64, error)
	Touch(ctx context.Context, tokens []string) error
	PurgeInactive(ctx context.Context, before time.Time) (int64, error)
	PurgeOrphans(ctx context.Context) (int64, error)
}

// Sender delivers messages to the push provider.
type Sender interface {
	Send(ctx context.Context, msgs []provider.Message) (provider.Report, error)
}
