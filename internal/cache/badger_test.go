package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/scriptforge/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerMediumTagInvalidation(t *testing.T) {
	m, err := cache.OpenBadgerMedium("")
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte(`"A"`), time.Hour, []string{"category:x", "categories"}))
	require.NoError(t, m.Set(ctx, "b", []byte(`"B"`), time.Hour, []string{"category:y"}))
	require.NoError(t, m.Set(ctx, "c", []byte(`"C"`), 0, []string{"category:xy"}))

	raw, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"A"`, string(raw))

	n, err := m.InvalidateTag(ctx, "category:x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ = m.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "b")
	assert.True(t, ok)
	_, ok, _ = m.Get(ctx, "c")
	assert.True(t, ok, "tag prefixes must not match longer tags")

	require.NoError(t, m.Delete(ctx, "b"))
	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok)
}

func TestBadgerBackedStore(t *testing.T) {
	m, err := cache.OpenBadgerMedium("")
	require.NoError(t, err)
	store := cache.NewStore(m)
	defer store.Close()
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		v, err := cache.WithCache(ctx, store, "hooks:categories", time.Hour, []string{cache.CategoriesTag},
			func(context.Context) ([]string, error) {
				calls++
				return []string{"fitness"}, nil
			})
		require.NoError(t, err)
		assert.Equal(t, []string{"fitness"}, v)
	}
	assert.Equal(t, 1, calls)

	store.InvalidateByTag(ctx, cache.CategoriesTag)
	var out []string
	assert.False(t, store.Get(ctx, "hooks:categories", &out))
}
