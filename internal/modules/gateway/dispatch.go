package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mx-space/social/internal/models"
	"github.com/mx-space/social/internal/modules/notification"
	"go.uber.org/zap"
)

const (
	maxMessageLength  = 4000
	maxPresenceQuery  = 200
	previewRuneLength = 80
)

type handlerFunc func(ctx context.Context, s *Session, raw json.RawMessage) (any, error)

type route struct {
	handle handlerFunc
	oneWay bool
}

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type presenceQueryPayload struct {
	UserIDs []string `json:"userIds"`
}

func (g *Gateway) dispatchTable() map[string]route {
	return map[string]route{
		EventJoinRoom:      {handle: g.joinRoom},
		EventLeaveRoom:     {handle: g.leaveRoom},
		EventSendMessage:   {handle: g.sendMessage},
		EventMarkRead:      {handle: g.markRead},
		EventPresenceQuery: {handle: g.presenceQuery},
		EventTypingStart:   {handle: g.typing(true), oneWay: true},
		EventTypingStop:    {handle: g.typing(false), oneWay: true},
	}
}

// Events lists the client events the gateway handles.
func (g *Gateway) Events() []string {
	events := make([]string, 0, len(g.routes))
	for name := range g.routes {
		events = append(events, name)
	}
	sort.Strings(events)
	return events
}

// Dispatch runs a client event for connID. Request-style events always yield an
// ack, failed or not; one-way events yield nil.
func (g *Gateway) Dispatch(ctx context.Context, connID, event string, raw json.RawMessage) (*Ack, error) {
	r, ok := g.routes[event]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	s, ok := g.Session(connID)
	if !ok {
		if r.oneWay {
			return nil, ErrAuth
		}
		return &Ack{Error: ErrAuth.Error()}, ErrAuth
	}

	data, err := r.handle(ctx, s, raw)
	if r.oneWay {
		return nil, err
	}
	if err != nil {
		return &Ack{Error: g.ackError(event, s, err)}, err
	}
	return &Ack{Success: true, Data: data}, nil
}

func (g *Gateway) ackError(event string, s *Session, err error) string {
	switch {
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrBadPayload):
		return err.Error()
	default:
		g.logger.Error("gateway event failed",
			zap.String("event", event),
			zap.String("user", s.UserID),
			zap.Error(err),
		)
		return "internal error"
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty", ErrBadPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

func (g *Gateway) requireParticipant(ctx context.Context, s *Session, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrBadPayload)
	}
	ok, err := g.chat.IsParticipant(ctx, conversationID, s.UserID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

func (g *Gateway) joinRoom(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := g.requireParticipant(ctx, s, p.ConversationID); err != nil {
		return nil, err
	}
	s.conn.Join(ConversationRoom(p.ConversationID))
	s.mu.Lock()
	s.rooms[p.ConversationID] = struct{}{}
	s.mu.Unlock()
	return map[string]string{"conversationId": p.ConversationID}, nil
}

func (g *Gateway) leaveRoom(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var p roomPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrBadPayload)
	}
	if !s.joined(p.ConversationID) {
		return map[string]string{"conversationId": p.ConversationID}, nil
	}

	s.mu.Lock()
	delete(s.rooms, p.ConversationID)
	_, wasTyping := s.typing[p.ConversationID]
	delete(s.typing, p.ConversationID)
	s.mu.Unlock()

	if wasTyping {
		g.stopTyping(ctx, s, p.ConversationID)
	}
	s.conn.Leave(ConversationRoom(p.ConversationID))
	return map[string]string{"conversationId": p.ConversationID}, nil
}

func (g *Gateway) sendMessage(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var p sendMessagePayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrBadPayload)
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return nil, fmt.Errorf("%w: content is too long", ErrBadPayload)
	}
	if err := g.requireParticipant(ctx, s, p.ConversationID); err != nil {
		return nil, err
	}

	msg, err := g.chat.SendMessage(ctx, p.ConversationID, s.UserID, content)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	g.emit(ctx, Message{
		Rooms:   []string{ConversationRoom(p.ConversationID)},
		Event:   EventMessageNew,
		Payload: msg,
	})

	recipient, err := g.chat.GetOtherParticipantID(ctx, p.ConversationID, s.UserID)
	if err != nil || recipient == "" {
		g.logger.Warn("message recipient lookup failed",
			zap.String("conversation", p.ConversationID), zap.Error(err))
		return msg, nil
	}
	if _, err := g.router.CreateAndRoute(ctx, notification.Event{
		Type:        models.NotificationNewMessage,
		RecipientID: recipient,
		SenderID:    s.UserID,
		Vars:        map[string]string{"preview": preview(content)},
		Data: map[string]any{
			"conversationId": p.ConversationID,
			"messageId":      msg.ID,
		},
	}); err != nil {
		g.logger.Warn("message notification failed",
			zap.String("conversation", p.ConversationID), zap.Error(err))
	}
	return msg, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRuneLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRuneLength]) + "…"
}

func (g *Gateway) markRead(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var p markReadPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := g.requireParticipant(ctx, s, p.ConversationID); err != nil {
		return nil, err
	}
	participant, err := g.chat.MarkRead(ctx, p.ConversationID, s.UserID, p.MessageID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	readAt := g.now()
	if participant.LastReadAt != nil {
		readAt = *participant.LastReadAt
	}
	payload := map[string]any{
		"conversationId": p.ConversationID,
		"userId":         s.UserID,
		"messageId":      participant.LastReadMessageID,
		"readAt":         readAt.UTC().Format(time.RFC3339Nano),
	}
	g.emit(ctx, Message{
		Rooms:   []string{ConversationRoom(p.ConversationID)},
		Except:  s.ConnID,
		Event:   EventMessageRead,
		Payload: payload,
	})
	return payload, nil
}

func (g *Gateway) presenceQuery(ctx context.Context, _ *Session, raw json.RawMessage) (any, error) {
	var p presenceQueryPayload
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if len(p.UserIDs) > maxPresenceQuery {
		return nil, fmt.Errorf("%w: at most %d user ids", ErrBadPayload, maxPresenceQuery)
	}
	return g.registry.BatchStatus(ctx, p.UserIDs)
}

func (g *Gateway) typing(isTyping bool) handlerFunc {
	return func(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
		var p roomPayload
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if err := g.requireParticipant(ctx, s, p.ConversationID); err != nil {
			return nil, err
		}
		if !isTyping {
			s.mu.Lock()
			delete(s.typing, p.ConversationID)
			s.mu.Unlock()
			g.stopTyping(ctx, s, p.ConversationID)
			return nil, nil
		}

		if err := g.registry.SetTyping(ctx, p.ConversationID, s.UserID, true); err != nil {
			return nil, fmt.Errorf("set typing: %w", err)
		}
		s.mu.Lock()
		s.typing[p.ConversationID] = struct{}{}
		s.mu.Unlock()
		g.emitTyping(ctx, s, p.ConversationID, true)
		return nil, nil
	}
}

func (g *Gateway) stopTyping(ctx context.Context, s *Session, conversationID string) {
	if err := g.registry.SetTyping(ctx, conversationID, s.UserID, false); err != nil {
		g.logger.Debug("clear typing failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	g.emitTyping(ctx, s, conversationID, false)
}

func (g *Gateway) emitTyping(ctx context.Context, s *Session, conversationID string, isTyping bool) {
	g.emit(ctx, Message{
		Rooms:  []string{ConversationRoom(conversationID)},
		Except: s.ConnID,
		Event:  EventTypingUpdate,
		Payload: map[string]any{
			"conversationId": conversationID,
			"userId":         s.UserID,
			"isTyping":       isTyping,
		},
	})
}
