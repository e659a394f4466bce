package models

import "time"

const (
	DeviceIOS     = "ios"
	DeviceAndroid = "android"
	DeviceWeb     = "web"
)

// DeviceTokenModel is a push token registered by a user's device. A token value is
// active for at most one user at a time.
type DeviceTokenModel struct {
	Base
	UserID     string     `json:"user_id"      gorm:"type:char(36);uniqueIndex:idx_device_tokens_user_token;not null"`
	Token      string     `json:"token"        gorm:"size:191;uniqueIndex:idx_device_tokens_user_token;index;not null"`
	DeviceType string     `json:"device_type"  gorm:"size:16"`
	IsActive   bool       `json:"is_active"    gorm:"index;not null"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

func (DeviceTokenModel) TableName() string { return "device_tokens" }
