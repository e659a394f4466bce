package models

import "time"

type NotificationType string

const (
	NotificationNewMessage     NotificationType = "NEW_MESSAGE"
	NotificationFollow         NotificationType = "FOLLOW"
	NotificationLike           NotificationType = "LIKE"
	NotificationComment        NotificationType = "COMMENT"
	NotificationReply          NotificationType = "REPLY"
	NotificationMention        NotificationType = "MENTION"
	NotificationListingInquiry NotificationType = "LISTING_INQUIRY"
	NotificationOfferReceived  NotificationType = "OFFER_RECEIVED"
	NotificationSystem         NotificationType = "SYSTEM"
)

// NotificationTypes lists every type in a stable order.
var NotificationTypes = []NotificationType{
	NotificationNewMessage,
	NotificationFollow,
	NotificationLike,
	NotificationComment,
	NotificationReply,
	NotificationMention,
	NotificationListingInquiry,
	NotificationOfferReceived,
	NotificationSystem,
}

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	for _, known := range NotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NotificationModel is the persisted record of a notification. It is written
// regardless of how (or whether) it was delivered.
type NotificationModel struct {
	Base
	RecipientID string           `json:"recipient_id" gorm:"type:char(36);index:idx_notifications_recipient_read;not null"`
	SenderID    *string          `json:"sender_id"    gorm:"type:char(36);index"`
	Type        NotificationType `json:"type"         gorm:"size:32;index;not null"`
	Title       string           `json:"title"        gorm:"not null"`
	Body        string           `json:"body"         gorm:"type:text"`
	Data        map[string]any   `json:"data"         gorm:"type:text;serializer:json"`
	IsRead      bool             `json:"is_read"      gorm:"index:idx_notifications_recipient_read;not null"`
	ReadAt      *time.Time       `json:"read_at"`
}

func (NotificationModel) TableName() string { return "notifications" }

// NotificationPreferenceModel holds per-user delivery switches. A missing row, or a
// missing category key, means delivery is allowed.
type NotificationPreferenceModel struct {
	Base
	UserID      string                    `json:"user_id"      gorm:"type:char(36);uniqueIndex;not null"`
	PushEnabled bool                      `json:"push_enabled" gorm:"not null"`
	Categories  map[NotificationType]bool `json:"categories"   gorm:"type:text;serializer:json"`
}

func (NotificationPreferenceModel) TableName() string { return "notification_preferences" }
