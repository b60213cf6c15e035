package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// newRedisClient is swapped in tests to observe the client's lifecycle.
var newRedisClient = redis.NewClient

// RedisBus shares events between replicas over Redis pub/sub. Every event,
// including those published by this process, reaches local subscribers via
// the Redis channel so all dashboards see the same ordering.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *LocalBus
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// wireEvent keeps the payload as raw JSON so it is relayed untouched.
type wireEvent struct {
	ID      string          `json:"id"`
	Kind    Kind            `json:"type"`
	Time    time.Time       `json:"timestamp"`
	Payload json.RawMessage `json:"data"`
}

// NewRedisBus connects to redisURL and starts relaying channel to local
// subscribers. Close stops the relay.
//
// Example:
//
//	bus, err := NewRedisBus(ctx, "redis://localhost:6379/0", "incident:events", logger)
func NewRedisBus(ctx context.Context, redisURL, channel string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := newRedisClient(opts)
	bus, err := NewRedisBusWithClient(ctx, client, channel, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return bus, nil
}

// NewRedisBusWithClient is NewRedisBus for an existing client.
func NewRedisBusWithClient(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = "incident:events"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so no early event is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:  client,
		channel: channel,
		local:   NewLocalBus(),
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.relay(relayCtx, pubsub)
	return b, nil
}

func (b *RedisBus) relay(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				b.logger.Warn("dropping malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			_ = b.local.Publish(ctx, Event{ID: w.ID, Kind: w.Kind, Time: w.Time, Payload: w.Payload})
		}
	}
}

// Publish sends ev to every replica.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev = New(ev.Kind, ev.Payload)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.local.Subscribe(buffer)
}

// Close stops the relay, ends local subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.cancel()
	<-b.done
	_ = b.local.Close()
	return b.client.Close()
}
