package ratelimit_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPgxStore needs a disposable database in SCRIPTFORGE_TEST_POSTGRES_DSN.
func newPgxStore(t *testing.T) *ratelimit.PgxStore {
	dsn := os.Getenv("SCRIPTFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCRIPTFORGE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := ratelimit.NewPgxStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPgxStoreFixedWindow(t *testing.T) {
	store := newPgxStore(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	now := time.UnixMilli(1_900_000_000_000)
	t.Cleanup(func() { _ = store.Reset(ctx, key) })

	rec, err := store.Increment(ctx, key, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.Equal(t, now.Add(time.Minute), rec.WindowResetAt)

	rec, err = store.Increment(ctx, key, time.Minute, now.Add(59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Count)

	edge := now.Add(time.Minute)
	rec, err = store.Increment(ctx, key, time.Minute, edge)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.Equal(t, edge.Add(time.Minute), rec.WindowResetAt)

	n, err := store.Purge(ctx, edge.Add(2*time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestPgxStoreUsesDatabaseClock(t *testing.T) {
	store := newPgxStore(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	t.Cleanup(func() { _ = store.Reset(ctx, key) })

	rec, err := store.Increment(ctx, key, time.Minute, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Count)
	assert.WithinDuration(t, time.Now(), rec.Now, time.Minute)
	assert.Equal(t, time.Minute, rec.WindowResetAt.Sub(rec.Now))
}

func TestPgxStoreConcurrentIncrementsAreAtomic(t *testing.T) {
	store := newPgxStore(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	t.Cleanup(func() { _ = store.Reset(ctx, key) })

	const workers = 50
	var wg sync.WaitGroup
	counts := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.Increment(ctx, key, time.Minute, time.Time{})
			if assert.NoError(t, err) {
				counts <- rec.Count
			}
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]bool)
	for c := range counts {
		assert.False(t, seen[c], "count %d returned twice", c)
		seen[c] = true
	}
	assert.Len(t, seen, workers)
}
