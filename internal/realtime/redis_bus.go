package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "route:presence:"

// RedisBus implements Bus over Redis pub/sub channels plus a presence
// hash per group. The hash carries a TTL refreshed on every track so
// crashed clients age out even without an explicit untrack.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// never miss events published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Message, 16),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		s.events <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Events() <-chan Message {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func presenceKey(groupID string) string {
	return presenceKeyPrefix + groupID
}

func (b *RedisBus) PresenceTrack(ctx context.Context, groupID, sessionID string, state []byte, ttl time.Duration) error {
	key := presenceKey(groupID)
	if err := b.client.HSet(ctx, key, sessionID, state).Err(); err != nil {
		return fmt.Errorf("presence track %s: %w", groupID, err)
	}
	if ttl > 0 {
		if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("presence expire %s: %w", groupID, err)
		}
	}
	return nil
}

func (b *RedisBus) PresenceUntrack(ctx context.Context, groupID, sessionID string) error {
	if err := b.client.HDel(ctx, presenceKey(groupID), sessionID).Err(); err != nil {
		return fmt.Errorf("presence untrack %s: %w", groupID, err)
	}
	return nil
}

func (b *RedisBus) PresenceList(ctx context.Context, groupID string) (map[string][]byte, error) {
	entries, err := b.client.HGetAll(ctx, presenceKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list %s: %w", groupID, err)
	}
	decoded := make(map[string][]byte, len(entries))
	for sessionID, state := range entries {
		decoded[sessionID] = []byte(state)
	}
	return decoded, nil
}
