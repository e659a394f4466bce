package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

const dispatchTimeout = 10 * time.Second

// Hub binds the gateway to socket.io and delivers emits to local sockets.
type Hub struct {
	sio    *socketio.Server
	gw     *Gateway
	logger *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sio:    socketio.NewServer(nil, nil),
		logger: logger,
	}
}

// Attach starts accepting connections on behalf of gw.
func (h *Hub) Attach(gw *Gateway) {
	h.gw = gw
	_ = h.sio.Of("/", nil).On("connection", h.onConnection)
}

func (h *Hub) onConnection(args ...any) {
	if len(args) == 0 {
		return
	}
	client, ok := args[0].(*socketio.Socket)
	if !ok {
		return
	}
	conn := socketConn{s: client}
	connID := conn.ID()

	for _, event := range h.gw.Events() {
		event := event
		_ = client.On(event, func(eventArgs ...any) {
			h.dispatch(connID, event, eventArgs)
		})
	}
	_ = client.On("disconnect", func(...any) {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := h.gw.Disconnect(ctx, connID); err != nil {
			h.logger.Warn("disconnect cleanup failed", zap.String("conn", connID), zap.Error(err))
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if _, err := h.gw.Connect(ctx, conn, credentialsFrom(client)); err != nil {
		if !errors.Is(err, ErrAuth) {
			h.logger.Warn("connect failed", zap.String("conn", connID), zap.Error(err))
		}
		return
	}
	// the client may have gone away while it was being registered
	if client.Disconnected() {
		_ = h.gw.Disconnect(ctx, connID)
	}
}

func (h *Hub) dispatch(connID, event string, args []any) {
	var ack socketio.Ack
	if n := len(args); n > 0 {
		if fn, ok := args[n-1].(func([]any, error)); ok {
			ack = fn
			args = args[:n-1]
		}
	}

	var raw json.RawMessage
	if len(args) > 0 && args[0] != nil {
		data, err := json.Marshal(args[0])
		if err == nil {
			raw = data
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	res, err := h.gw.Dispatch(ctx, connID, event, raw)
	if err != nil {
		h.logger.Debug("event rejected", zap.String("event", event), zap.String("conn", connID), zap.Error(err))
	}
	if ack != nil && res != nil {
		ack([]any{res}, nil)
	}
}

// Deliver emits msg to the matching sockets of this instance.
func (h *Hub) Deliver(msg Message) {
	rooms := make([]socketio.Room, len(msg.Rooms))
	for i, r := range msg.Rooms {
		rooms[i] = socketio.Room(r)
	}
	op := h.sio.To(rooms...)
	if msg.Except != "" {
		op = op.Except(socketio.Room(msg.Except))
	}
	if err := op.Emit(msg.Event, msg.Payload); err != nil {
		h.logger.Debug("local emit failed", zap.String("event", msg.Event), zap.Error(err))
	}
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (h *Hub) Handler() http.Handler {
	return h.sio.ServeHandler(nil)
}

func (h *Hub) Close() {
	h.sio.Close(nil)
}

type socketConn struct {
	s *socketio.Socket
}

func (c socketConn) ID() string { return string(c.s.Id()) }

func (c socketConn) Join(room string) { c.s.Join(socketio.Room(room)) }

func (c socketConn) Leave(room string) { c.s.Leave(socketio.Room(room)) }

func (c socketConn) Emit(event string, payload any) error { return c.s.Emit(event, payload) }

func (c socketConn) Close() { c.s.Disconnect(true) }

func credentialsFrom(client *socketio.Socket) Credentials {
	handshake := client.Handshake()
	if handshake == nil {
		return Credentials{}
	}
	var creds Credentials
	if auth, ok := handshake.Auth.(map[string]any); ok {
		if token, ok := auth["token"].(string); ok {
			creds.AuthToken = token
		}
	}
	creds.QueryToken = firstValueFromMultiMap(handshake.Query, "token")
	creds.Header = firstValueFromMultiMap(handshake.Headers, "authorization")
	return creds
}

func firstValueFromMultiMap(values map[string][]string, key string) string {
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		if v := strings.TrimSpace(list[0]); v != "" {
			return v
		}
	}
	return ""
}
