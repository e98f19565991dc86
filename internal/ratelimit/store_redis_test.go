package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func userID(t *testing.T, v string) ratelimit.Identifier {
	id, err := ratelimit.NewUserIdentifier(v)
	require.NoError(t, err)
	return id
}

func TestRedisStoreFixedWindow(t *testing.T) {
	mr, client := newMiniredis(t)
	store := ratelimit.NewRedisStore(client, "rl-test:")
	ctx := context.Background()
	now := time.UnixMilli(1_900_000_000_000)
	mr.SetTime(now)

	rec, err := store.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.Equal(t, now.Add(time.Minute), rec.WindowResetAt)
	assert.Equal(t, now, rec.Now)

	rec, err = store.Increment(ctx, "k", time.Minute, now.Add(59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)
	assert.Equal(t, now.Add(time.Minute), rec.WindowResetAt)

	// The window is over at exactly its reset time.
	edge := now.Add(time.Minute)
	rec, err = store.Increment(ctx, "k", time.Minute, edge)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.Equal(t, edge.Add(time.Minute), rec.WindowResetAt)

	assert.True(t, mr.Exists("rl-test:k"))
	require.NoError(t, store.Reset(ctx, "k"))
	assert.False(t, mr.Exists("rl-test:k"))
}

func TestRedisStoreUsesServerClock(t *testing.T) {
	mr, client := newMiniredis(t)
	store := ratelimit.NewRedisStore(client, "")
	ctx := context.Background()

	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(serverNow)

	rec, err := store.Increment(ctx, "k", time.Minute, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.Equal(t, serverNow.UnixMilli(), rec.Now.UnixMilli())
	assert.Equal(t, serverNow.Add(time.Minute).UnixMilli(), rec.WindowResetAt.UnixMilli())

	mr.SetTime(serverNow.Add(30 * time.Second))
	rec, err = store.Increment(ctx, "k", time.Minute, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)

	mr.SetTime(serverNow.Add(time.Minute))
	rec, err = store.Increment(ctx, "k", time.Minute, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
}

func TestRedisStoreUnavailableFailsClosed(t *testing.T) {
	mr, client := newMiniredis(t)
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(client, ""), ratelimit.MustTierTable(freeScripts),
		ratelimit.WithLogger(zap.NewNop()))
	mr.Close()

	d, err := limiter.Check(context.Background(), userID(t, "u1"), ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.False(t, d.Allowed)
}

func TestRedisDenyCacheUsesTTLOnly(t *testing.T) {
	mr, client := newMiniredis(t)
	deny := ratelimit.NewRedisDenyCache(client, "deny:")
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deny.Block(ctx, "k", now.Add(30*time.Second), now)
	assert.Equal(t, 30*time.Second, mr.TTL("deny:k"))

	// Another instance whose clock runs ahead still sees the remaining TTL.
	skewed := now.Add(time.Hour)
	until, ok := deny.Blocked(ctx, "k", skewed)
	require.True(t, ok)
	assert.Equal(t, skewed.Add(30*time.Second), until)

	mr.FastForward(31 * time.Second)
	_, ok = deny.Blocked(ctx, "k", now)
	assert.False(t, ok)

	deny.Block(ctx, "past", now, now)
	assert.False(t, mr.Exists("deny:past"))

	deny.Block(ctx, "gone", now.Add(time.Minute), now)
	deny.Forget(ctx, "gone")
	_, ok = deny.Blocked(ctx, "gone", now)
	assert.False(t, ok)
}

func TestRedisLimiterSharesDenialsAcrossInstances(t *testing.T) {
	mr, client := newMiniredis(t)
	mr.SetTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := ratelimit.NewRedisStore(client, "rl:")
	tiers := ratelimit.MustTierTable(freeScripts)
	newInstance := func() *ratelimit.Limiter {
		return ratelimit.NewLimiter(store, tiers,
			ratelimit.WithDenyCache(ratelimit.NewRedisDenyCache(client, "deny:")),
			ratelimit.WithLogger(zap.NewNop()))
	}
	a, b := newInstance(), newInstance()
	ctx := context.Background()
	id := userID(t, "shared")

	for i := 0; i < 3; i++ {
		_, err := a.Check(ctx, id, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		require.NoError(t, err)
	}
	d, err := b.Check(ctx, id, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.Equal(t, 60, d.RetryAfterSeconds)

	key := ratelimit.BuildKey(ratelimit.TierFree, id, ratelimit.ActionScriptsGenerate)
	assert.True(t, mr.Exists("deny:"+key))

	require.NoError(t, a.Reset(ctx, id, ratelimit.ActionScriptsGenerate, ratelimit.TierFree))
	assert.False(t, mr.Exists("deny:"+key))
	_, err = b.Check(ctx, id, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
}
