package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is what the sync workflow pushes events into. Hub publishes
// locally; RedisRelay publishes through Redis so every node delivers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

var (
	_ Publisher = (*Hub)(nil)
	_ Publisher = (*RedisRelay)(nil)
)

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// RedisRelay fans events out through one pub/sub topic. The origin node does
// not deliver locally on success; it receives its own publish like every
// other node, so all nodes see one order per channel.
type RedisRelay struct {
	client *redis.Client
	topic  string
	hub    *Hub
	log    *zap.Logger
}

func NewRedisRelay(client *redis.Client, topic string, hub *Hub, log *zap.Logger) *RedisRelay {
	log = logger.OrNop(log)
	return &RedisRelay{client: client, topic: topic, hub: hub, log: log}
}

// Publish sends the event to the topic. When Redis is unreachable the event
// is still delivered to this node's connections.
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.topic, payload).Err(); err != nil {
		r.hub.Deliver(event)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run subscribes to the topic and delivers events to the local hub until ctx
// is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.topic)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.log.Info("event relay subscribed", zap.String("topic", r.topic))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.log.Warn("drop malformed event", zap.Error(err))
				continue
			}
			r.hub.Deliver(event)
		}
	}
}
