package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// FailureLimiter counts credential failures per client and reports when a
// client has exceeded its allowance for the current window.
type FailureLimiter interface {
	Blocked(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
}

// ThrottleConfig defines failure throttling
type ThrottleConfig struct {
	// Limit is the number of failures allowed per window
	Limit int
	// Window is how long failures are remembered
	Window time.Duration
}

// MemoryFailureLimiter keeps fixed-window counters in process memory
type MemoryFailureLimiter struct {
	config   ThrottleConfig
	now      func() time.Time
	counters map[string]*failureWindow
	mu       sync.Mutex
}

type failureWindow struct {
	count int
	start time.Time
}

// NewMemoryFailureLimiter creates an in-process limiter
func NewMemoryFailureLimiter(config ThrottleConfig) *MemoryFailureLimiter {
	return &MemoryFailureLimiter{
		config:   config,
		now:      time.Now,
		counters: make(map[string]*failureWindow),
	}
}

func (l *MemoryFailureLimiter) current(key string) *failureWindow {
	w, ok := l.counters[key]
	if !ok || l.now().Sub(w.start) >= l.config.Window {
		return nil
	}
	return w
}

// Blocked reports whether key has used up its allowance
func (l *MemoryFailureLimiter) Blocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(key)
	return w != nil && w.count >= l.config.Limit, nil
}

// RecordFailure counts one failure for key
func (l *MemoryFailureLimiter) RecordFailure(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(key)
	if w == nil {
		w = &failureWindow{start: l.now()}
		l.counters[key] = w
	}
	w.count++
	return nil
}

// Cleanup removes expired windows
func (l *MemoryFailureLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.counters {
		if l.current(key) == nil {
			delete(l.counters, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (l *MemoryFailureLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.Window)
	go func() {
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RedisFailureLimiter shares failure counters across instances
type RedisFailureLimiter struct {
	redis  *redis.Client
	config ThrottleConfig
	prefix string
}

// NewRedisFailureLimiter creates a Redis-backed limiter
func NewRedisFailureLimiter(client *redis.Client, config ThrottleConfig, prefix string) *RedisFailureLimiter {
	if prefix == "" {
		prefix = "tenantguard:authfail"
	}
	return &RedisFailureLimiter{redis: client, config: config, prefix: prefix}
}

func (l *RedisFailureLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Blocked reports whether key has used up its allowance
func (l *RedisFailureLimiter) Blocked(ctx context.Context, key string) (bool, error) {
	count, err := l.redis.Get(ctx, l.key(key)).Int()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return count >= l.config.Limit, nil
}

// RecordFailure counts one failure for key. The window restarts with each
// failure, so a client that keeps failing stays blocked.
func (l *RedisFailureLimiter) RecordFailure(ctx context.Context, key string) error {
	redisKey := l.key(key)

	pipe := l.redis.Pipeline()
	pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// clientKey identifies the TCP peer. Forwarding headers are ignored
// because the client controls them.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
