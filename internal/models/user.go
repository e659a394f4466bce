package models

import "time"

// UserModel is the account a connection authenticates as. Profile fields beyond the
// handle shown in notifications live in the profile service.
type UserModel struct {
	Base
	Username string `json:"username" gorm:"size:64;uniqueIndex;not null"`
	Name     string `json:"name"     gorm:"size:128"`
	Avatar   string `json:"avatar"   gorm:"size:512"`
}

func (UserModel) TableName() string { return "users" }

// APIToken is a long-lived credential for bots and scripts. Token is shown to the
// owner once, at creation.
type APIToken struct {
	Base
	UserID    string     `json:"-"          gorm:"size:36;index;not null"`
	Token     string     `json:"token"      gorm:"size:64;uniqueIndex;not null"`
	Name      string     `json:"name"       gorm:"size:64"`
	ExpiredAt *time.Time `json:"expired_at" gorm:"index"`
}

func (APIToken) TableName() string { return "api_tokens" }

// UserSession is the row behind a JWT's sid claim. Revoking it stops both HTTP
// requests and socket handshakes from authenticating.
type UserSession struct {
	Base
	UserID    string     `json:"user_id"    gorm:"size:36;index:idx_session_user_expiry,priority:1;not null"`
	UA        string     `json:"ua"         gorm:"type:text"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index:idx_session_user_expiry,priority:2;not null"`
	RevokedAt *time.Time `json:"revoked_at"`
}

func (UserSession) TableName() string { return "user_sessions" }
