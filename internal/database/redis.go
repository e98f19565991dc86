package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions holds connection and pool settings. Zero values keep the
// go-redis defaults.
type RedisOptions struct {
	Addrs        []string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DialRedis returns a single-node or cluster client depending on how many
// addresses are given. Connections are made lazily and re-established by the
// client, so an unreachable server only surfaces as command errors.
func DialRedis(opts RedisOptions) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        opts.Addrs,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
}

// NewRedisClient is DialRedis followed by a connection check.
func NewRedisClient(ctx context.Context, opts RedisOptions) (redis.UniversalClient, error) {
	client := DialRedis(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
