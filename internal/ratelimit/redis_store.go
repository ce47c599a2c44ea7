package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each window is a hash {count, start, warning, exceeded} whose TTL ends with the
// window. start is stored in Unix milliseconds.
var incrementScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'start')
if start and tonumber(ARGV[1]) < tonumber(start) + tonumber(ARGV[2]) then
	local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
	return {count, tonumber(start)}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'count', 1, 'start', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, tonumber(ARGV[1])}
`)

var markScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'start')
if (not start) or start ~= ARGV[1] then
	return 0
end
return redis.call('HSETNX', KEYS[1], ARGV[2], 1)
`)

// RedisStore keeps windows in Redis. Increments and alert marks run as Lua scripts,
// so each is atomic per key across every instance sharing the Redis server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are "<prefix>:<user>:<action>".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(userID, actionType string) string {
	return s.prefix + ":" + userID + ":" + actionType
}

// Increment implements Store
func (s *RedisStore) Increment(ctx context.Context, userID, actionType string, now time.Time, window time.Duration) (Window, error) {
	vals, err := incrementScript.Run(ctx, s.client,
		[]string{s.key(userID, actionType)},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
	).Int64Slice()
	if err != nil {
		return Window{}, err
	}
	if len(vals) != 2 {
		return Window{}, errors.New("unexpected increment script reply")
	}
	return Window{Count: int(vals[0]), Start: time.UnixMilli(vals[1])}, nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, userID, actionType string) (Window, bool, error) {
	vals, err := s.client.HMGet(ctx, s.key(userID, actionType), "count", "start").Result()
	if err != nil {
		return Window{}, false, err
	}
	countStr, ok1 := vals[0].(string)
	startStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Window{}, false, nil
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return Window{}, false, err
	}
	startMs, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return Window{}, false, err
	}
	return Window{Count: count, Start: time.UnixMilli(startMs)}, true, nil
}

// Reset implements Store
func (s *RedisStore) Reset(ctx context.Context, userID, actionType string) error {
	return s.client.Del(ctx, s.key(userID, actionType)).Err()
}

// Cleanup implements Store. Redis expires windows on its own, so there is nothing to do.
func (s *RedisStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// MarkAlerted implements AlertMarker
func (s *RedisStore) MarkAlerted(ctx context.Context, userID, actionType string, windowStart time.Time, tier Tier) (bool, error) {
	n, err := markScript.Run(ctx, s.client,
		[]string{s.key(userID, actionType)},
		strconv.FormatInt(windowStart.UnixMilli(), 10),
		string(tier),
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
