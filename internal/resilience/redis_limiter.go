package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	memerrors "github.com/trapias/memoria/internal/errors"
)

// RedisRateLimiter is a sliding-window limiter shared across process
// instances via a Redis sorted set, for deployments that run more than one
// server process against the same external dependency. Each member is a
// unique timestamp-derived score; Acquire trims expired members and checks
// cardinality atomically inside a single pipeline.
type RedisRateLimiter struct {
	client      *redis.Client
	keyPrefix   string
	maxRequests int
	window      time.Duration
}

// NewRedisRateLimiter builds a distributed limiter under keyPrefix.
func NewRedisRateLimiter(client *redis.Client, keyPrefix string, maxRequests int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, keyPrefix: keyPrefix, maxRequests: maxRequests, window: window}
}

// Acquire records one request for scope under the shared window, returning
// a RateLimitedError if the scope is already saturated.
func (r *RedisRateLimiter) Acquire(ctx context.Context, scope string) error {
	key := fmt.Sprintf("%s:ratelimit:%s", r.keyPrefix, scope)
	now := time.Now()
	cutoff := now.Add(-r.window)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return &memerrors.StoreError{Op: "ratelimit.acquire", Err: err}
	}

	if int(count.Val()) >= r.maxRequests {
		return &memerrors.RateLimitedError{RetryAfter: r.window}
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), scope)
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return &memerrors.StoreError{Op: "ratelimit.record", Err: err}
	}
	return nil
}
