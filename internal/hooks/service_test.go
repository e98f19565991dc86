package hooks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Aidin1998/scriptforge/internal/cache"
	"github.com/Aidin1998/scriptforge/internal/hooks"
	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newService(t *testing.T) (*hooks.Service, *hooks.Repository, *resilience.Breaker) {
	repo, err := hooks.NewRepository(setupTestDB(t))
	require.NoError(t, err)
	breaker := resilience.NewBreaker(resilience.Settings{Name: resilience.DependencyStore}, zap.NewNop())
	store := cache.NewStore(cache.NewMemoryMedium())
	return hooks.NewService(repo, breaker, store, time.Minute, zap.NewNop()), repo, breaker
}

func TestListIsCachedUntilCategoryWrite(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, &hooks.Hook{Category: "Fitness", Text: "Nobody tells you this about squats"}))

	got, err := svc.List(ctx, "fitness")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fitness", got[0].Category)
	assert.NotEmpty(t, got[0].ID)

	// A write that bypasses the service is invisible until invalidation.
	require.NoError(t, repo.Create(ctx, &hooks.Hook{ID: "manual", Category: "fitness", Text: "Stop doing crunches"}))
	got, err = svc.List(ctx, "fitness")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, svc.Create(ctx, &hooks.Hook{Category: "fitness", Text: "3 moves for better posture"}))
	got, err = svc.List(ctx, "fitness")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestWriteKeepsOtherCategoriesCached(t *testing.T) {
	svc, repo, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, &hooks.Hook{Category: "cooking", Text: "One pan, five minutes"}))
	got, err := svc.List(ctx, "cooking")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Only a cache hit can still report one cooking hook after this.
	require.NoError(t, repo.Create(ctx, &hooks.Hook{ID: "manual", Category: "cooking", Text: "Knife skills in 60s"}))
	require.NoError(t, svc.Create(ctx, &hooks.Hook{Category: "fitness", Text: "Nobody tells you this about squats"}))

	got, err = svc.List(ctx, "cooking")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCategoriesInvalidatedByAnyCategoryWrite(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, &hooks.Hook{Category: "cooking", Text: "One pan, five minutes"}))
	cats, err := svc.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)

	require.NoError(t, svc.Create(ctx, &hooks.Hook{Category: "travel", Text: "Pack like a pilot"}))
	cats, err = svc.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "cooking", cats[0].Category)
	assert.Equal(t, int64(1), cats[1].Count)
}

func TestCreateRejectsInvalidHook(t *testing.T) {
	svc, _, _ := newService(t)
	err := svc.Create(context.Background(), &hooks.Hook{Category: "", Text: "x"})
	assert.True(t, errors.Is(err, hooks.ErrInvalidHook))

	err = svc.Create(context.Background(), &hooks.Hook{Category: "a", Text: "x", Platform: "myspace"})
	assert.ErrorIs(t, err, hooks.ErrInvalidHook)
}

func TestListFailsFastWhenStoreBreakerOpen(t *testing.T) {
	repo, err := hooks.NewRepository(setupTestDB(t))
	require.NoError(t, err)
	breaker := resilience.NewBreaker(resilience.Settings{Name: resilience.DependencyStore, FailureThreshold: 1}, nil)
	svc := hooks.NewService(repo, breaker, cache.NewStore(nil), time.Minute, nil)

	_, _ = resilience.Call(context.Background(), breaker, func(context.Context) (int, error) {
		return 0, errors.New("connection reset")
	})
	require.Equal(t, resilience.StateOpen, breaker.State())

	_, err = svc.List(context.Background(), "fitness")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
