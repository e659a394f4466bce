package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mx-space/social/internal/modules/presence"
	"github.com/mx-space/social/internal/pkg/metrics"
	"go.uber.org/zap"
)

type Deps struct {
	Auth      Authenticator
	Registry  PresenceRegistry
	Chat      ChatDirectory
	Audience  Audience
	Router    Router
	Emitter   Emitter
	Publisher Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

// Session is the local, non-authoritative bookkeeping of one connection.
type Session struct {
	ConnID string
	UserID string

	conn   Conn
	mu     sync.Mutex
	rooms  map[string]struct{}
	typing map[string]struct{}
}

func (s *Session) joined(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[conversationID]
	return ok
}

// Gateway binds client connections to the presence registry and relays chat and
// notification events. It keeps no authoritative state of its own.
type Gateway struct {
	auth      Authenticator
	registry  PresenceRegistry
	chat      ChatDirectory
	audience  Audience
	router    Router
	out       Emitter
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	routes map[string]route
}

func New(d Deps) *Gateway {
	g := &Gateway{
		auth:      d.Auth,
		registry:  d.Registry,
		chat:      d.Chat,
		audience:  d.Audience,
		router:    d.Router,
		out:       d.Emitter,
		publisher: d.Publisher,
		logger:    d.Logger,
		now:       d.Now,
		sessions:  make(map[string]*Session),
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.routes = g.dispatchTable()
	return g
}

// Connect authenticates conn and registers it. A refused connection is told why
// and closed.
func (g *Gateway) Connect(ctx context.Context, conn Conn, creds Credentials) (*Session, error) {
	token := creds.Token()
	if token == "" {
		return nil, g.refuse(conn, "missing token")
	}
	userID, err := g.auth(ctx, token)
	if err != nil || userID == "" {
		g.logger.Debug("connection refused", zap.String("conn", conn.ID()), zap.Error(err))
		return nil, g.refuse(conn, "invalid token")
	}

	change, err := g.registry.Register(ctx, userID, conn.ID())
	if err != nil {
		_ = conn.Emit(EventAuthError, map[string]string{"message": "presence unavailable"})
		conn.Close()
		return nil, fmt.Errorf("register connection: %w", err)
	}

	s := &Session{
		ConnID: conn.ID(),
		UserID: userID,
		conn:   conn,
		rooms:  make(map[string]struct{}),
		typing: make(map[string]struct{}),
	}
	g.mu.Lock()
	g.sessions[s.ConnID] = s
	g.mu.Unlock()
	metrics.GatewayConnections.Inc()

	conn.Join(UserRoom(userID))
	_ = conn.Emit(EventAuthSuccess, map[string]any{"user": map[string]string{"id": userID}})

	if change.Announce {
		g.AnnouncePresence(ctx, change)
	}
	g.logger.Debug("connected", zap.String("user", userID), zap.String("conn", s.ConnID))
	return s, nil
}

func (g *Gateway) refuse(conn Conn, reason string) error {
	_ = conn.Emit(EventAuthError, map[string]string{"message": reason})
	conn.Close()
	return fmt.Errorf("%w: %s", ErrAuth, reason)
}

// Disconnect releases everything the connection held. Repeated calls for the same
// connection are no-ops.
func (g *Gateway) Disconnect(ctx context.Context, connID string) error {
	g.mu.Lock()
	s, ok := g.sessions[connID]
	delete(g.sessions, connID)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.GatewayConnections.Dec()

	s.mu.Lock()
	typing := make([]string, 0, len(s.typing))
	for conversationID := range s.typing {
		typing = append(typing, conversationID)
	}
	s.typing = map[string]struct{}{}
	s.mu.Unlock()
	for _, conversationID := range typing {
		g.stopTyping(ctx, s, conversationID)
	}

	change, err := g.registry.Unregister(ctx, s.UserID, connID)
	if err != nil {
		return fmt.Errorf("unregister connection: %w", err)
	}
	if change.Announce {
		g.AnnouncePresence(ctx, change)
	}
	g.logger.Debug("disconnected", zap.String("user", s.UserID), zap.String("conn", connID))
	return nil
}

// Heartbeat keeps this instance's connections alive in the registry. A connection
// whose record lapsed anyway (the instance stalled past the socket TTL) is
// registered again, announcing it if the audience was told it went offline.
func (g *Gateway) Heartbeat(ctx context.Context) error {
	g.mu.RLock()
	owners := make(map[string]string, len(g.sessions))
	ids := make([]string, 0, len(g.sessions))
	for id, s := range g.sessions {
		owners[id] = s.UserID
		ids = append(ids, id)
	}
	g.mu.RUnlock()
	if len(ids) == 0 {
		return nil
	}

	lost, err := g.registry.Touch(ctx, ids...)
	if err != nil {
		return err
	}
	for _, connID := range lost {
		if _, ok := g.Session(connID); !ok {
			continue
		}
		change, err := g.registry.Register(ctx, owners[connID], connID)
		if err != nil {
			return fmt.Errorf("re-register connection: %w", err)
		}
		g.logger.Warn("connection record lapsed, registered again",
			zap.String("user", owners[connID]), zap.String("conn", connID))
		if change.Announce {
			g.AnnouncePresence(ctx, change)
		}
	}
	return nil
}

// RunHeartbeat calls Heartbeat every interval until ctx is cancelled.
func (g *Gateway) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("presence heartbeat failed", zap.Error(err))
			}
		}
	}
}

// PurgeOrphans clears presence left behind by crashed instances and tells the
// affected audiences those users went offline. It returns the number of users
// taken offline.
func (g *Gateway) PurgeOrphans(ctx context.Context) (int, error) {
	changes, err := g.registry.PurgeOrphans(ctx)
	for _, change := range changes {
		if change.Announce {
			g.AnnouncePresence(ctx, change)
		}
	}
	return len(changes), err
}

// Session returns the local session of connID.
func (g *Gateway) Session(connID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[connID]
	return s, ok
}

// ConnectionCount is the number of connections held by this instance.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// AnnouncePresence tells the user's followers about a visible status change. When
// the audience cannot be resolved the change goes to everyone instead.
func (g *Gateway) AnnouncePresence(ctx context.Context, change presence.Change) {
	now := g.now()
	event := EventUserOffline
	payload := map[string]any{
		"userId":    change.UserID,
		"timestamp": now.UnixMilli(),
	}
	if change.Visible {
		event = EventUserOnline
	} else {
		payload["lastSeen"] = now.UTC().Format(time.RFC3339Nano)
	}

	msg := Message{Event: event, Payload: payload}
	followers, err := g.audience.Followers(ctx, change.UserID)
	if err != nil {
		g.logger.Warn("audience lookup failed, broadcasting to everyone",
			zap.String("user", change.UserID), zap.Error(err))
	} else {
		if len(followers) == 0 {
			return
		}
		msg.Rooms = make([]string, len(followers))
		for i, f := range followers {
			msg.Rooms[i] = UserRoom(f)
		}
	}
	metrics.PresenceAnnouncements.WithLabelValues(event).Inc()
	g.emit(ctx, msg)
}

// IsUserOnline reports the visible status of userID across all instances.
func (g *Gateway) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	return g.registry.IsVisiblyOnline(ctx, userID)
}

// EmitToUser sends event to every connection of userID on any instance.
func (g *Gateway) EmitToUser(ctx context.Context, userID, event string, payload any) error {
	return g.emit(ctx, Message{Rooms: []string{UserRoom(userID)}, Event: event, Payload: payload})
}

func (g *Gateway) emit(ctx context.Context, msg Message) error {
	g.out.Deliver(msg)
	if g.publisher == nil {
		return nil
	}
	if err := g.publisher.Publish(ctx, msg); err != nil {
		g.logger.Warn("gateway publish failed", zap.String("event", msg.Event), zap.Error(err))
		return err
	}
	return nil
}
