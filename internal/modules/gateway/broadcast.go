package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	pkgredis "github.com/mx-space/social/internal/pkg/redis"
	"go.uber.org/zap"
)

const broadcastChannel = "mx:gateway:broadcast"

type envelope struct {
	Origin string  `json:"origin"`
	Msg    Message `json:"msg"`
}

// Broadcaster fans emits out to the other server instances over Redis pub/sub.
type Broadcaster struct {
	rc     *pkgredis.Client
	nodeID string
	logger *zap.Logger
	ready  chan struct{}
}

func NewBroadcaster(rc *pkgredis.Client, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		rc:     rc,
		nodeID: uuid.NewString(),
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (b *Broadcaster) NodeID() string { return b.nodeID }

// Ready is closed once Run holds a live subscription.
func (b *Broadcaster) Ready() <-chan struct{} { return b.ready }

func (b *Broadcaster) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(envelope{Origin: b.nodeID, Msg: msg})
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, broadcastChannel, string(data))
}

// Run delivers messages published by other instances until ctx is done.
func (b *Broadcaster) Run(ctx context.Context, out Emitter) error {
	pubsub := b.rc.Subscribe(ctx, broadcastChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	close(b.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case redisMsg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(redisMsg.Payload), &env); err != nil {
				b.logger.Debug("drop malformed broadcast", zap.Error(err))
				continue
			}
			if env.Origin == b.nodeID {
				continue
			}
			out.Deliver(env.Msg)
		}
	}
}
