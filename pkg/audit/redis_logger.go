package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultStream is the stream key used when none is configured
const DefaultStream = "tenantguard:audit"

// RedisStreamLogger appends audit events to a Redis stream with XADD
type RedisStreamLogger struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamLogger connects to redisURL and verifies the connection.
// maxLen caps the stream approximately; zero leaves it unbounded.
func NewRedisStreamLogger(ctx context.Context, redisURL, stream string, maxLen int64) (*RedisStreamLogger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Set connection timeouts
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStreamLoggerFromClient(client, stream, maxLen), nil
}

// NewRedisStreamLoggerFromClient wraps an existing client
func NewRedisStreamLoggerFromClient(client *redis.Client, stream string, maxLen int64) *RedisStreamLogger {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamLogger{client: client, stream: stream, maxLen: maxLen}
}

// Client returns the underlying client for health checks
func (l *RedisStreamLogger) Client() *redis.Client {
	return l.client
}

// Log appends the event. The stream entry carries the event type and the
// JSON-encoded event.
func (l *RedisStreamLogger) Log(ctx context.Context, event *AuditEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]interface{}{
			"event_type": string(event.EventType),
			"event":      data,
		},
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}

	if err := l.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Recent returns up to count events, newest first
func (l *RedisStreamLogger) Recent(ctx context.Context, count int64) ([]*AuditEvent, error) {
	msgs, err := l.client.XRevRangeN(ctx, l.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	events := make([]*AuditEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		event, err := FromJSON([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode audit entry %s: %w", msg.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the Redis client
func (l *RedisStreamLogger) Close() error {
	return l.client.Close()
}
