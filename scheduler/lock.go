package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a Redis-backed mutual-exclusion lock letting only one scheduler
// instance in a multi-process deployment run the dispatch tick at a time.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewLock connects to Redis and returns a lock scoped to name, held for ttl
// before it auto-expires (so a crashed holder doesn't wedge the schedule
// forever).
func NewLock(ctx context.Context, redisURL, name string, ttl time.Duration) (*Lock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: ping redis: %w", err)
	}
	return &Lock{client: client, key: "docwatch:lock:" + name, ttl: ttl}, nil
}

// Close closes the underlying Redis connection.
func (l *Lock) Close() error { return l.client.Close() }

// Acquire attempts to take the lock, returning false if another instance
// already holds it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, time.Now().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	return ok, nil
}

// Release gives up the lock early, ahead of its TTL.
func (l *Lock) Release(ctx context.Context) error {
	return l.client.Del(ctx, l.key).Err()
}

// Held reports whether the lock is currently taken by anyone.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: check lock: %w", err)
	}
	return n > 0, nil
}
