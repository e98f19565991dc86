package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript runs the whole reset-or-increment decision server side.
// KEYS[1] = counter key, ARGV[1] = window (ms), ARGV[2] = now (ms) or empty
// for the server clock. Replies {hits, reset_at, now}.
var fixedWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
if now == nil then
	local t = redis.call('TIME')
	now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
end
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset_at'))
if reset == nil or reset <= now then
	reset = now + window
	redis.call('HSET', KEYS[1], 'hits', 1, 'reset_at', reset)
	redis.call('PEXPIREAT', KEYS[1], reset)
	return {1, reset, now}
end
local hits = redis.call('HINCRBY', KEYS[1], 'hits', 1)
return {hits, reset, now}
`)

// RedisStore keeps counters as hashes that expire with their window.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	nowArg := ""
	if !now.IsZero() {
		nowArg = strconv.FormatInt(now.UnixMilli(), 10)
	}
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		window.Milliseconds(), nowArg).Int64Slice()
	if err != nil {
		return Record{}, fmt.Errorf("redis fixed window: %w", err)
	}
	if len(res) != 3 {
		return Record{}, fmt.Errorf("redis fixed window: unexpected reply length %d", len(res))
	}
	return Record{Key: key, Count: res[0], WindowResetAt: time.UnixMilli(res[1]), Now: time.UnixMilli(res[2])}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
