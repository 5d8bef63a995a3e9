package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Manideepchopperla/Collaborative-Kanban-Board/internal/util"
)

// DefaultChannel is the Redis pub/sub channel carrying room events
// between instances.
const DefaultChannel = "kanban:room_events"

type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Bridge mirrors room events across instances over Redis pub/sub, so a
// room spans every process connected to the same Redis. Events received
// from the wire are delivered locally only; the origin tag suppresses
// echo of this instance's own publishes.
type Bridge struct {
	hub     *Hub
	client  *redis.Client
	channel string
	origin  string
	log     logrus.FieldLogger
}

func NewBridge(hub *Hub, client *redis.Client, log logrus.FieldLogger) *Bridge {
	b := &Bridge{
		hub:     hub,
		client:  client,
		channel: DefaultChannel,
		origin:  util.NewID("node"),
		log:     log,
	}
	hub.SetRelay(b.relay)
	return b
}

func (b *Bridge) relay(event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		b.log.WithError(err).Error("marshal relay payload")
		return
	}
	data, err := json.Marshal(envelope{
		Origin:  b.origin,
		Room:    event.Room,
		Type:    event.Type,
		Payload: payload,
	})
	if err != nil {
		b.log.WithError(err).Error("marshal relay envelope")
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, data).Err(); err != nil {
		b.log.WithError(err).Error("publish room event to redis")
	}
}

// Run consumes the pub/sub channel until ctx is cancelled, reconnecting
// with a short delay if the subscription drops.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.client.Subscribe(ctx, b.channel)
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
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.WithError(err).Error("unable to parse room event")
					continue
				}
				if env.Origin == b.origin {
					continue
				}
				b.hub.deliver(Event{Room: env.Room, Type: env.Type, Payload: env.Payload})
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
