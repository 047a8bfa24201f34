package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultRedisKey is the key the GitLab API budget is accounted under.
const DefaultRedisKey string = `release-pipeline:gitlab:api`

// Redis is a rate limiter backed by Redis, so that concurrent runs share one budget.
type Redis struct {
	*redis_rate.Limiter
	Key    string // Redis key the budget is accounted under
	MaxRPS int    // Maximum requests per second allowed
}

// NewRedisLimiter creates a new Redis-based rate limiter.
func NewRedisLimiter(redisClient *redis.Client, maxRPS int) Limiter {
	return Redis{
		Limiter: redis_rate.NewLimiter(redisClient),
		Key:     DefaultRedisKey,
		MaxRPS:  maxRPS,
	}
}

// Take implements Limiter.
func (r Redis) Take(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	for {
		res, err := r.Allow(ctx, r.Key, redis_rate.PerSecond(r.MaxRPS))
		if err != nil {
			return time.Since(start), err
		}

		if res.Allowed > 0 {
			return time.Since(start), nil
		}

		log.WithContext(ctx).
			WithFields(log.Fields{
				"for": res.RetryAfter.String(),
			}).
			Debug("throttled GitLab requests")

		t := time.NewTimer(res.RetryAfter)
		select {
		case <-ctx.Done():
			t.Stop()
			return time.Since(start), ctx.Err()
		case <-t.C:
		}
	}
}
