package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban/domain"
)

// Broadcaster delivers a board event to every client in the board's room.
type Broadcaster interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

// frame is the wire shape sent to sockets.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(env domain.Envelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(frame{Event: env.Event, Data: env.Data})
}

// LocalBroadcaster fans events out to the rooms of this process. The
// originating client is not excluded.
type LocalBroadcaster struct {
	rooms *Rooms
	log   log.FieldLogger
}

func NewLocalBroadcaster(rooms *Rooms, logger log.FieldLogger) *LocalBroadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LocalBroadcaster{rooms: rooms, log: logger}
}

func (b *LocalBroadcaster) Publish(_ context.Context, env domain.Envelope) error {
	data, err := encodeFrame(env)
	if err != nil {
		return err
	}
	members := b.rooms.Members(env.BoardID)
	for _, c := range members {
		if !c.enqueue(data) {
			b.log.WithFields(log.Fields{
				"client_id": c.ID,
				"user_id":   c.User.UserID,
				"board_id":  env.BoardID,
				"event":     env.Event,
			}).Warn("send queue full; disconnecting client")
			b.rooms.Drop(c)
			c.kick()
		}
	}
	if env.Event == domain.BoardDeleted {
		b.rooms.Close(env.BoardID)
	}
	b.log.WithFields(log.Fields{"board_id": env.BoardID, "event": env.Event, "recipients": len(members)}).Debug("event broadcast")
	return nil
}

// RedisBroadcaster publishes events on a Redis channel so every instance can
// deliver them to its own rooms through Subscribe.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	local   *LocalBroadcaster
	log     log.FieldLogger
}

func NewRedisBroadcaster(client *redis.Client, channel string, local *LocalBroadcaster, logger log.FieldLogger) *RedisBroadcaster {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBroadcaster{client: client, channel: channel, local: local, log: logger}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := sonic.ConfigStd.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe listens for published events and delivers them locally until ctx
// is done. A closed subscription is re-established after a short pause.
// ready, when non-nil, is closed once the first subscription is confirmed.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, ready chan<- struct{}) {
	for {
		sub := b.client.Subscribe(ctx, b.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			b.log.WithError(err).Error("events subscription failed, retrying")
			time.Sleep(time.Second)
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env domain.Envelope
				if err := sonic.ConfigStd.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.WithError(err).Error("unable to parse event")
					continue
				}
				if err := b.local.Publish(ctx, env); err != nil {
					b.log.WithError(err).WithField("event", env.Event).Error("deliver event")
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.log.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
