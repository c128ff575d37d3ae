package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBridge relays bus events between server instances through a Redis
// pub/sub channel. Events received from Redis are published on the local bus
// with their origin set, so they are never forwarded back.
type RedisBridge struct {
	client   *redis.Client
	channel  string
	origin   string
	bus      *Bus
	outbound chan Event
}

// NewRedisBridge creates a bridge for bus over channel
func NewRedisBridge(client *redis.Client, channel string, bus *Bus) *RedisBridge {
	return &RedisBridge{
		client:   client,
		channel:  channel,
		origin:   uuid.NewString(),
		bus:      bus,
		outbound: make(chan Event, 256),
	}
}

// Origin returns the id stamped on events this instance forwards
func (r *RedisBridge) Origin() string {
	return r.origin
}

// Start subscribes to the channel and begins relaying until ctx is done
func (r *RedisBridge) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.bus.Listen(func(ev Event) {
		if ev.Origin != "" {
			return
		}
		ev.Origin = r.origin
		select {
		case r.outbound <- ev:
		default:
			log.Printf("RedisBridge: outbound queue full, dropping %s", ev.Type)
		}
	})

	go r.forward(ctx)
	go r.receive(ctx, pubsub)

	log.Printf("RedisBridge: relaying events on channel %s (origin %s)", r.channel, r.origin)
	return nil
}

func (r *RedisBridge) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.outbound:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("RedisBridge: failed to encode %s: %v", ev.Type, err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				log.Printf("RedisBridge: failed to publish %s: %v", ev.Type, err)
			}
		}
	}
}

func (r *RedisBridge) receive(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("RedisBridge: ignoring malformed message: %v", err)
				continue
			}
			if ev.Origin == r.origin || ev.Origin == "" {
				continue
			}
			r.bus.Publish(ev)
		}
	}
}
