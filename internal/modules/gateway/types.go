package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/modules/notification"
	"github.com/mx-space/social/internal/modules/presence"
)

// Client events.
const (
	EventJoinRoom      = "join-room"
	EventLeaveRoom     = "leave-room"
	EventSendMessage   = "send-message"
	EventMarkRead      = "mark-read"
	EventTypingStart   = "typing-start"
	EventTypingStop    = "typing-stop"
	EventPresenceQuery = "presence-query"
)

// Server events.
const (
	EventAuthSuccess  = "auth-success"
	EventAuthError    = "auth-error"
	EventUserOnline   = "user-online"
	EventUserOffline  = "user-offline"
	EventTypingUpdate = "typing-update"
	EventMessageNew   = "message-new"
	EventMessageRead  = "message-read"
)

var (
	// ErrAuth refuses a connection. It is never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrNotParticipant is returned when a user addresses a conversation they are not part of.
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrBadPayload     = errors.New("invalid payload")
	ErrUnknownEvent   = errors.New("unknown event")
)

func UserRoom(userID string) string { return "user:" + userID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// Conn is one live client connection as seen by the gateway.
type Conn interface {
	ID() string
	Join(room string)
	Leave(room string)
	Emit(event string, payload any) error
	Close()
}

// Credentials carries every place a client may put its token.
type Credentials struct {
	AuthToken  string
	QueryToken string
	Header     string
}

// Token picks the handshake auth field first, then the query string, then the
// Authorization header.
func (c Credentials) Token() string {
	for _, raw := range []string{c.AuthToken, c.QueryToken, c.Header} {
		if token := normalizeToken(raw); token != "" {
			return token
		}
	}
	return ""
}

func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

// Authenticator resolves a token to a user id.
type Authenticator func(ctx context.Context, token string) (string, error)

type PresenceRegistry interface {
	Register(ctx context.Context, userID, connID string) (presence.Change, error)
	Unregister(ctx context.Context, userID, connID string) (presence.Change, error)
	Touch(ctx context.Context, connIDs ...string) ([]string, error)
	PurgeOrphans(ctx context.Context) ([]presence.Change, error)
	IsVisiblyOnline(ctx context.Context, userID string) (bool, error)
	BatchStatus(ctx context.Context, userIDs []string) (map[string]presence.Status, error)
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
}

type ChatDirectory interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	GetOtherParticipantID(ctx context.Context, conversationID, userID string) (string, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*models.MessageModel, error)
	MarkRead(ctx context.Context, conversationID, userID, messageID string) (*models.ParticipantModel, error)
}

// Audience resolves who hears about a user's presence changes.
type Audience interface {
	Followers(ctx context.Context, userID string) ([]string, error)
}

type Router interface {
	CreateAndRoute(ctx context.Context, ev notification.Event) (*models.NotificationModel, error)
}

// Message is one emit. Empty Rooms means every connection.
type Message struct {
	Rooms   []string `json:"rooms,omitempty"`
	Except  string   `json:"except,omitempty"`
	Event   string   `json:"event"`
	Payload any      `json:"payload"`
}

// Emitter delivers a message to the connections held by this instance.
type Emitter interface {
	Deliver(msg Message)
}

// Publisher forwards messages to the other instances.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Ack answers a request-style event.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}
