package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "swapvault:ratelimit:"

// consumeScript runs the whole check-reset-increment step inside Redis so it is
// atomic per key across processes.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset') or '0')
if reset <= now then
  count = 0
  reset = now + window
end
if count >= max then
  return {0, count, reset}
end
count = count + 1
redis.call('HSET', KEYS[1], 'count', count, 'reset', reset)
redis.call('PEXPIREAT', KEYS[1], reset)
return {1, count, reset}
`)

// RedisStore shares windows between processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Consume(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, bool, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		now.UnixMilli(), window.Milliseconds(), max).Int64Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("consume rate window: %w", err)
	}
	if len(res) != 3 {
		return Window{}, false, fmt.Errorf("consume rate window: unexpected reply %v", res)
	}
	return Window{Count: int(res[1]), ResetAt: time.UnixMilli(res[2])}, res[0] == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Window, bool, error) {
	vals, err := s.client.HMGet(ctx, redisKeyPrefix+key, "count", "reset").Result()
	if err != nil {
		return Window{}, false, fmt.Errorf("read rate window: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Window{}, false, nil
	}
	count, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return Window{}, false, fmt.Errorf("decode rate window count: %w", err)
	}
	reset, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return Window{}, false, fmt.Errorf("decode rate window reset: %w", err)
	}
	return Window{Count: count, ResetAt: time.UnixMilli(reset)}, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete rate window: %w", err)
	}
	return nil
}
