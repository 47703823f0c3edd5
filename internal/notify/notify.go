// Package notify publishes orchestration events to Redis Streams for
// external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const stream = "convoy:events"

// Event is one published notification.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink publishes events to a Redis stream. Delivery is best-effort: a
// publish failure is logged and never propagated to the emitting code path.
type Sink struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewSink connects to Redis and verifies the connection.
func NewSink(redisURL string, logger *zap.Logger) (*Sink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Sink{rdb: rdb, logger: logger}, nil
}

// Publish appends an event to the stream.
func (s *Sink) Publish(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Warn("event encode failed",
			zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("type", eventType), zap.Error(err))
		return
	}
	s.logger.Debug("event published", zap.String("type", eventType))
}

// Subscribe tails the event stream. Cancel the context to stop; the channel
// closes on exit.
func (s *Sink) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
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
					var e Event
					if json.Unmarshal([]byte(data), &e) == nil {
						e.ID = msg.ID
						ch <- &e
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (s *Sink) Close() error {
	return s.rdb.Close()
}
