package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultReportWindow bounds how long a report key outlives a worker that
// died before releasing it.
const DefaultReportWindow = 30 * time.Second

// NewRedisClient parses redisURL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// ReportThrottle holds a Redis key per payment while one of its reports is
// being handled.
type ReportThrottle struct {
	redis  redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewReportThrottle(client redis.Cmdable, prefix string, ttl time.Duration) *ReportThrottle {
	if ttl <= 0 {
		ttl = DefaultReportWindow
	}
	return &ReportThrottle{redis: client, prefix: prefix, ttl: ttl}
}

// Acquire returns false while key is held by a report still in flight.
func (t *ReportThrottle) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := t.redis.SetNX(ctx, t.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), t.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return ok, nil
}

func (t *ReportThrottle) Release(ctx context.Context, key string) error {
	if err := t.redis.Del(ctx, t.prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
