package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/halcyonlabs/specforge/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stream = "specforge:events"

// RedisBus publishes orchestration events to a Redis Stream so external
// consumers (dashboards, audit) can follow along. Publishing is fire
// and forget: a bus failure never blocks the core.
type RedisBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, logger: logger}, nil
}

// Publish appends the event to the stream.
func (b *RedisBus) Publish(ctx context.Context, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		b.logger.Warn("event publish failed",
			zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	b.logger.Debug("event published",
		zap.String("type", string(ev.Type)),
		zap.String("spec", ev.SpecID.String()))
}

// Subscribe emits events as they land on the stream. Cancel the context
// to stop.
func (b *RedisBus) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev domain.Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
