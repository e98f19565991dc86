package main

import (
	"context"
	"fmt"

	"github.com/Aidin1998/scriptforge/internal/cache"
	"github.com/Aidin1998/scriptforge/internal/config"
	"github.com/Aidin1998/scriptforge/internal/database"
	"github.com/Aidin1998/scriptforge/internal/ratelimit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func noopClose() error { return nil }

// newCounterStore builds the configured counter store and a function that
// releases whatever connection it opened.
func newCounterStore(ctx context.Context, cfg *config.Config, db *gorm.DB) (ratelimit.CounterStore, func() error, error) {
	rl := cfg.RateLimit
	switch rl.Store {
	case config.StoreGorm:
		s, err := ratelimit.NewGormStore(db)
		return s, noopClose, err

	case config.StorePgx:
		if cfg.Database.Driver != "postgres" {
			return nil, nil, fmt.Errorf("pgx store requires the postgres driver, got %q", cfg.Database.Driver)
		}
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect pgx pool: %w", err)
		}
		s := ratelimit.NewPgxStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, func() error { pool.Close(); return nil }, nil

	case config.StoreRedis:
		client, err := database.NewRedisClient(ctx, rl.Redis.Options())
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.NewRedisStore(client, rl.KeyPrefix), client.Close, nil

	case config.StoreEtcd:
		client, err := database.NewEtcdClient(ctx, rl.Etcd.Endpoints, rl.Etcd.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.NewEtcdStore(client, rl.KeyPrefix), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown rate limit store %q", rl.Store)
}

// dialAdvisoryRedis connects a client for a component that degrades on its
// own when Redis is down, so a failed check only warns.
func dialAdvisoryRedis(ctx context.Context, opts database.RedisOptions, component string, lg *zap.Logger) redis.UniversalClient {
	client := database.DialRedis(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		lg.Warn("Redis unreachable, continuing degraded",
			zap.String("component", component),
			zap.Strings("addrs", opts.Addrs),
			zap.Error(err))
	}
	return client
}

// newDenyCache returns a nil cache for "none". Both the cache and its closer
// are safe to use when Redis is unreachable.
func newDenyCache(ctx context.Context, cfg *config.Config, lg *zap.Logger) (ratelimit.DenyCache, func() error) {
	rl := cfg.RateLimit
	switch rl.DenyCache {
	case "memory":
		return ratelimit.NewMemoryDenyCache(rl.DenyCacheSize), noopClose
	case "redis":
		client := dialAdvisoryRedis(ctx, rl.Redis.Options(), "deny_cache", lg)
		return ratelimit.NewRedisDenyCache(client, rl.KeyPrefix+"deny:"), client.Close
	}
	return nil, noopClose
}

// newCacheMedium returns nil for "none" or when the medium cannot be opened;
// a Store over a nil medium always misses.
func newCacheMedium(ctx context.Context, cfg *config.Config, lg *zap.Logger) (cache.Medium, func() error) {
	c := cfg.Cache
	switch c.Medium {
	case config.MediumMemory:
		return cache.NewMemoryMedium(cache.WithJanitor(c.JanitorTick)), noopClose
	case config.MediumRedis:
		client := dialAdvisoryRedis(ctx, c.Redis.Options(), "cache", lg)
		return cache.NewRedisMedium(client, c.KeyPrefix), client.Close
	case config.MediumBadger:
		m, err := cache.OpenBadgerMedium(c.BadgerDir)
		if err != nil {
			lg.Warn("Badger cache unavailable, caching disabled", zap.String("dir", c.BadgerDir), zap.Error(err))
			return nil, noopClose
		}
		return m, noopClose
	}
	return nil, noopClose
}
