package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupTestDB opens a private in-memory database. SQLite gives every
// connection its own :memory: database, so the pool is pinned to one.
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newGormLimiter(t *testing.T, limits []ratelimit.TierLimit, opts ...ratelimit.Option) (*ratelimit.Limiter, *fakeClock) {
	store, err := ratelimit.NewGormStore(setupTestDB(t))
	require.NoError(t, err)
	clock := newFakeClock()
	opts = append([]ratelimit.Option{ratelimit.WithClock(clock), ratelimit.WithLogger(zap.NewNop())}, opts...)
	return ratelimit.NewLimiter(store, ratelimit.MustTierTable(limits), opts...), clock
}

var freeScripts = []ratelimit.TierLimit{
	{Tier: ratelimit.TierFree, Action: ratelimit.ActionScriptsGenerate, RequestsPerWindow: 3, WindowSeconds: 60},
}

func TestCheckSequentialDenialAndRetryAfter(t *testing.T) {
	limiter, clock := newGormLimiter(t, freeScripts)
	ctx := context.Background()
	user, err := ratelimit.NewUserIdentifier("user-42")
	require.NoError(t, err)

	var allowed []bool
	var last ratelimit.Decision
	for i := 0; i < 4; i++ {
		d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		if d.Allowed {
			assert.NoError(t, err)
		}
		allowed = append(allowed, d.Allowed)
		last = d
		clock.Advance(time.Second)
	}

	assert.Equal(t, []bool{true, true, true, false}, allowed)
	assert.Greater(t, last.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, last.RetryAfterSeconds, 60)
	assert.Equal(t, 57, last.RetryAfterSeconds)
}

func TestCheckDenialCarriesExceededError(t *testing.T) {
	limiter, _ := newGormLimiter(t, freeScripts)
	ctx := context.Background()
	user, _ := ratelimit.NewUserIdentifier("user-1")

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		require.NoError(t, err)
	}

	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	assert.False(t, d.Allowed)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	var exceeded *ratelimit.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, d.RetryAfterSeconds, exceeded.RetryAfter)
	assert.Equal(t, 3, exceeded.Limit)
}

func TestCheckConcurrentRequestsAdmitExactlyLimit(t *testing.T) {
	limits := []ratelimit.TierLimit{
		{Tier: ratelimit.TierAnonymous, Action: ratelimit.ActionHooksRead, RequestsPerWindow: 10, WindowSeconds: 60, AnonymousAllowed: true},
	}
	limiter, _ := newGormLimiter(t, limits)
	ip, err := ratelimit.NewIPIdentifier("203.0.113.7")
	require.NoError(t, err)

	var admitted, denied int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(context.Background(), ip, ratelimit.ActionHooksRead, ratelimit.TierAnonymous)
			if d.Allowed {
				atomic.AddInt32(&admitted, 1)
				return
			}
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				atomic.AddInt32(&denied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted)
	assert.Equal(t, int32(40), denied)
}

func TestCheckWindowResetStartsNewCount(t *testing.T) {
	limiter, clock := newGormLimiter(t, freeScripts)
	ctx := context.Background()
	user, _ := ratelimit.NewUserIdentifier("user-7")

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		require.NoError(t, err)
	}
	d, _ := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.False(t, d.Allowed)

	// Exactly at the reset instant the window has expired.
	clock.Advance(60 * time.Second)

	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, clock.Now().Add(60*time.Second).UnixMilli(), d.ResetAt.UnixMilli())
}

func TestCheckKeysAreIndependent(t *testing.T) {
	limits := []ratelimit.TierLimit{
		{Tier: ratelimit.TierFree, Action: ratelimit.ActionScriptsGenerate, RequestsPerWindow: 1, WindowSeconds: 60},
		{Tier: ratelimit.TierFree, Action: ratelimit.ActionHooksRead, RequestsPerWindow: 1, WindowSeconds: 60},
	}
	limiter, _ := newGormLimiter(t, limits)
	ctx := context.Background()
	a, _ := ratelimit.NewUserIdentifier("alice")
	b, _ := ratelimit.NewUserIdentifier("bob")

	d, err := limiter.Check(ctx, a, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Check(ctx, a, ratelimit.ActionHooksRead, ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Check(ctx, b, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type failingStore struct {
	calls int32
}

func (s *failingStore) Increment(context.Context, string, time.Duration, time.Time) (ratelimit.Record, error) {
	atomic.AddInt32(&s.calls, 1)
	return ratelimit.Record{}, errors.New("connection refused")
}

func TestCheckFailsClosedOnStoreError(t *testing.T) {
	store := &failingStore{}
	limiter := ratelimit.NewLimiter(store, ratelimit.MustTierTable(freeScripts))
	user, _ := ratelimit.NewUserIdentifier("user-1")

	d, err := limiter.Check(context.Background(), user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	assert.False(t, d.Allowed)
	require.ErrorIs(t, err, ratelimit.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int32(1), store.calls)
}

func TestCheckRejectsInvalidIdentifier(t *testing.T) {
	store := &failingStore{}
	limits := []ratelimit.TierLimit{
		{Tier: ratelimit.TierAnonymous, Action: ratelimit.ActionHooksRead, RequestsPerWindow: 10, WindowSeconds: 60, AnonymousAllowed: true},
	}
	limiter := ratelimit.NewLimiter(store, ratelimit.MustTierTable(limits))

	for _, raw := range []string{"", "not-an-ip", "0.0.0.0", "999.1.1.1"} {
		id := ratelimit.Identifier{Kind: ratelimit.KindIP, Value: raw}
		d, err := limiter.Check(context.Background(), id, ratelimit.ActionHooksRead, ratelimit.TierAnonymous)
		assert.False(t, d.Allowed, raw)
		assert.ErrorIs(t, err, ratelimit.ErrInvalidIdentifier, raw)
	}
	assert.Equal(t, int32(0), store.calls)
}

func TestCheckUnknownActionAndAnonymousPolicy(t *testing.T) {
	store := &failingStore{}
	limiter := ratelimit.NewLimiter(store, ratelimit.MustTierTable(freeScripts))
	ctx := context.Background()

	user, _ := ratelimit.NewUserIdentifier("user-1")
	d, err := limiter.Check(ctx, user, "billing.export", ratelimit.TierFree)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, err, ratelimit.ErrActionNotPermitted)

	ip, _ := ratelimit.NewIPIdentifier("198.51.100.1")
	d, err = limiter.Check(ctx, ip, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, err, ratelimit.ErrActionNotPermitted)

	assert.Equal(t, int32(0), store.calls)
}

func TestCheckWildcardActionFallback(t *testing.T) {
	limits := []ratelimit.TierLimit{
		{Tier: ratelimit.TierPro, Action: ratelimit.WildcardAction, RequestsPerWindow: 1, WindowSeconds: 60},
	}
	limiter, _ := newGormLimiter(t, limits)
	user, _ := ratelimit.NewUserIdentifier("pro-user")

	d, err := limiter.Check(context.Background(), user, "anything", ratelimit.TierPro)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
}

type countingStore struct {
	inner ratelimit.CounterStore
	calls int32
}

func (s *countingStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (ratelimit.Record, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.inner.Increment(ctx, key, window, now)
}

func TestDenyCacheShortCircuitsOnlyDenials(t *testing.T) {
	gormStore, err := ratelimit.NewGormStore(setupTestDB(t))
	require.NoError(t, err)
	store := &countingStore{inner: gormStore}
	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(store, ratelimit.MustTierTable(freeScripts),
		ratelimit.WithClock(clock),
		ratelimit.WithDenyCache(ratelimit.NewMemoryDenyCache(0)))
	ctx := context.Background()
	user, _ := ratelimit.NewUserIdentifier("user-9")

	for i := 0; i < 4; i++ {
		_, _ = limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	}
	require.Equal(t, int32(4), store.calls)

	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	assert.False(t, d.Allowed)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.Equal(t, int32(4), store.calls, "cached denial must not reach the store")

	clock.Advance(61 * time.Second)
	d, err = limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int32(5), store.calls)
}

func TestUpdateTiersAppliesToNextCheck(t *testing.T) {
	limiter, _ := newGormLimiter(t, freeScripts)
	ctx := context.Background()
	user, _ := ratelimit.NewUserIdentifier("user-3")

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		require.NoError(t, err)
	}

	limiter.UpdateTiers(ratelimit.MustTierTable([]ratelimit.TierLimit{
		{Tier: ratelimit.TierFree, Action: ratelimit.ActionScriptsGenerate, RequestsPerWindow: 5, WindowSeconds: 60},
	}))

	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(4), d.Count)
}

func TestResetAndPurge(t *testing.T) {
	limiter, clock := newGormLimiter(t, freeScripts)
	ctx := context.Background()
	user, _ := ratelimit.NewUserIdentifier("user-5")

	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		require.NoError(t, err)
	}
	require.NoError(t, limiter.Reset(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree))

	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Count)

	n, err := limiter.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.Advance(2 * time.Minute)
	n, err = limiter.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResetClearsCachedDenial(t *testing.T) {
	store, err := ratelimit.NewGormStore(setupTestDB(t))
	require.NoError(t, err)
	limiter := ratelimit.NewLimiter(store, ratelimit.MustTierTable(freeScripts),
		ratelimit.WithClock(newFakeClock()),
		ratelimit.WithDenyCache(ratelimit.NewMemoryDenyCache(0)))
	ctx := context.Background()
	user, _ := ratelimit.NewUserIdentifier("user-6")

	for i := 0; i < 4; i++ {
		_, _ = limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	}
	_, err = limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)

	require.NoError(t, limiter.Reset(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree))
	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Count)
}

func TestGormStoreDecidesWindowsOnDatabaseClock(t *testing.T) {
	store, err := ratelimit.NewGormStore(setupTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	rec, err := store.Increment(ctx, "k", time.Minute, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.WithinDuration(t, time.Now(), rec.Now, 5*time.Second)
	assert.Equal(t, time.Minute, rec.WindowResetAt.Sub(rec.Now))

	rec, err = store.Increment(ctx, "k", time.Minute, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)

	// A caller whose clock runs an hour ahead cannot end the window early
	// unless it pins the time explicitly.
	limiter := ratelimit.NewLimiter(store, ratelimit.MustTierTable(freeScripts), ratelimit.WithLogger(zap.NewNop()))
	user, _ := ratelimit.NewUserIdentifier("user-7")
	for i := 0; i < 3; i++ {
		_, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
		require.NoError(t, err)
	}
	d, err := limiter.Check(ctx, user, ratelimit.ActionScriptsGenerate, ratelimit.TierFree)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.GreaterOrEqual(t, d.RetryAfterSeconds, 59)
	assert.LessOrEqual(t, d.RetryAfterSeconds, 60)

	n, err := limiter.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
