package models

import "time"

const ConversationDirect = "direct"

type ConversationModel struct {
	Base
	Kind          string             `json:"kind"            gorm:"size:16;not null"`
	LastMessageAt *time.Time         `json:"last_message_at" gorm:"index"`
	Participants  []ParticipantModel `json:"participants,omitempty" gorm:"foreignKey:ConversationID"`
}

func (ConversationModel) TableName() string { return "conversations" }

type ParticipantModel struct {
	Base
	ConversationID    string     `json:"conversation_id"      gorm:"type:char(36);uniqueIndex:idx_participants_conv_user;not null"`
	UserID            string     `json:"user_id"              gorm:"type:char(36);uniqueIndex:idx_participants_conv_user;index;not null"`
	LastReadMessageID *string    `json:"last_read_message_id" gorm:"type:char(36)"`
	LastReadAt        *time.Time `json:"last_read_at"`
}

func (ParticipantModel) TableName() string { return "conversation_participants" }

type MessageModel struct {
	Base
	ConversationID string `json:"conversation_id" gorm:"type:char(36);index;not null"`
	SenderID       string `json:"sender_id"       gorm:"type:char(36);index;not null"`
	Content        string `json:"content"         gorm:"type:text;not null"`
}

func (MessageModel) TableName() string { return "messages" }
