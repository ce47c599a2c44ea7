package notify

import (
	"context"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisThrottle allows a fixed number of emails per recipient per hour, shared
// across instances through Redis (GCRA via redis_rate).
type RedisThrottle struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
	prefix  string
}

// NewRedisThrottle returns nil when perHour is not positive
func NewRedisThrottle(rdb redis.UniversalClient, prefix string, perHour int) *RedisThrottle {
	if perHour <= 0 {
		return nil
	}
	return &RedisThrottle{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.PerHour(perHour),
		prefix:  prefix,
	}
}

// Allow consumes one email from key's budget
func (t *RedisThrottle) Allow(ctx context.Context, key string) (bool, error) {
	res, err := t.limiter.Allow(ctx, t.prefix+":mail:"+key, t.limit)
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}
