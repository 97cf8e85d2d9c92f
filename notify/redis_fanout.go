package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// FanoutJob is one queued change notification, held in Redis until a
// consumer pops it.
type FanoutJob struct {
	HandlerName string    `json:"handlerName"`
	DocID       string    `json:"docID"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	RetryCount  int       `json:"retryCount"`
}

// RedisFanout is a durable notification queue: Handler pushes (RPush) and
// consumers pop (BLPop), so change events wait in Redis while no consumer is
// running. Consume removes a job from the list when it pops it; a job popped
// by a consumer that then crashes is not put back.
type RedisFanout struct {
	client *redis.Client
	prefix string
}

// RedisFanoutConfig configures the Redis connection and key prefix.
type RedisFanoutConfig struct {
	RedisURL  string
	KeyPrefix string // defaults to "docwatch:notify:"
}

// NewRedisFanout connects to Redis and verifies reachability.
func NewRedisFanout(ctx context.Context, cfg RedisFanoutConfig) (*RedisFanout, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("notify/redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("notify/redis: ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "docwatch:notify:"
	}
	return &RedisFanout{client: client, prefix: prefix}, nil
}

// Close closes the underlying Redis connection.
func (f *RedisFanout) Close() error { return f.client.Close() }

func (f *RedisFanout) queueKey() string { return f.prefix + "queue" }

// Handler returns a notify.Handler that enqueues a FanoutJob for name rather
// than running it inline, letting a separate consumer process handle
// delivery (retries, dead-lettering, rate limiting) independently of the
// kernel's update pipeline.
func (f *RedisFanout) Handler(name string) Handler {
	return func(ctx context.Context, docID string) error {
		job := FanoutJob{HandlerName: name, DocID: docID, EnqueuedAt: time.Now()}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("notify/redis: marshal job: %w", err)
		}
		return f.client.RPush(ctx, f.queueKey(), data).Err()
	}
}

// Consume blocks up to timeout waiting for the next queued job. A nil job
// and nil error means the wait timed out with nothing available.
func (f *RedisFanout) Consume(ctx context.Context, timeout time.Duration) (*FanoutJob, error) {
	result, err := f.client.BLPop(ctx, timeout, f.queueKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("notify/redis: dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job FanoutJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("notify/redis: unmarshal job: %w", err)
	}
	return &job, nil
}

// Requeue re-enqueues a failed job with its retry count incremented.
func (f *RedisFanout) Requeue(ctx context.Context, job FanoutJob) error {
	job.RetryCount++
	job.EnqueuedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("notify/redis: marshal requeue: %w", err)
	}
	return f.client.RPush(ctx, f.queueKey(), data).Err()
}

// Depth reports how many jobs are currently queued.
func (f *RedisFanout) Depth(ctx context.Context) (int64, error) {
	return f.client.LLen(ctx, f.queueKey()).Result()
}
