package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidateTagScript deletes every member of a tag set and the set itself
// atomically, so an entry tagged concurrently is either removed or keeps its
// membership. KEYS[1] = tag set, ARGV[1] = value key prefix.
var invalidateTagScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, k in ipairs(members) do
	n = n + redis.call('DEL', ARGV[1] .. k)
end
redis.call('DEL', KEYS[1])
return n
`)

// RedisMedium shares cache entries between instances. Values live at
// <prefix>v:<key>; tag sets at <prefix>t:<tag> hold the member keys. Tag set
// expiry is only ever extended (EXPIRE NX/GT, Redis >= 7).
type RedisMedium struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisMedium(client redis.UniversalClient, prefix string) *RedisMedium {
	return &RedisMedium{client: client, prefix: prefix}
}

func (r *RedisMedium) valueKey(key string) string { return r.prefix + "v:" + key }

func (r *RedisMedium) tagKey(tag string) string { return r.prefix + "t:" + tag }

func (r *RedisMedium) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return raw, true, nil
}

func (r *RedisMedium) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.valueKey(key), value, ttl)
		for _, tag := range tags {
			tk := r.tagKey(tag)
			pipe.SAdd(ctx, tk, key)
			if ttl > 0 {
				pipe.ExpireNX(ctx, tk, ttl)
				pipe.ExpireGT(ctx, tk, ttl)
			} else {
				pipe.Persist(ctx, tk)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisMedium) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.valueKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisMedium) InvalidateTag(ctx context.Context, tag string) (int, error) {
	n, err := invalidateTagScript.Run(ctx, r.client, []string{r.tagKey(tag)}, r.prefix+"v:").Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisMedium) Close() error { return nil }
