package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces the Redis channels carrying change events.
const ChannelPrefix = "tasklists:changed:"

// ErrEmptyRedisURL is returned by NewRedisBroker when no connection url was given.
var ErrEmptyRedisURL = errors.New("redis url must be set")

// RedisBroker publishes events to Redis and relays every event it hears, including its own, to
// a local Hub. Run one per process so that subscribers on any replica see every push.
type RedisBroker struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

// NewRedisBroker connects to url and verifies the connection with a ping.
func NewRedisBroker(ctx context.Context, url string, hub *Hub, logger *slog.Logger) (*RedisBroker, error) {
	if strings.TrimSpace(url) == "" {
		return nil, ErrEmptyRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, hub: hub, logger: logger}, nil
}

// Channel returns the Redis channel for listID.
func Channel(listID string) string {
	return ChannelPrefix + listID
}

func encodeEvent(ev Event) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEvent(channel, payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.ListID == "" {
		ev.ListID = strings.TrimPrefix(channel, ChannelPrefix)
	}
	return ev, nil
}

// Publish sends ev to every replica.
func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(ev.ListID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Run relays events from Redis into the hub until ctx is cancelled.
func (b *RedisBroker) Run(ctx context.Context) error {
	ps := b.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	b.logger.Info("relaying change notifications from redis")
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodeEvent(msg.Channel, msg.Payload)
			if err != nil {
				b.logger.Warn("ignoring undecodable change notification", "channel", msg.Channel, "err", err)
				continue
			}
			_ = b.hub.Publish(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases the Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
