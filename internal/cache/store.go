package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/Aidin1998/scriptforge/pkg/metrics"
	"go.uber.org/zap"
)

// Store wraps a Medium with a JSON codec. Every medium failure degrades to a
// miss on reads and to a no-op on writes; callers never see a cache error.
// A Store with a nil medium is a valid always-miss cache.
type Store struct {
	medium      Medium
	logger      *zap.Logger
	broadcaster Broadcaster
}

type StoreOption func(*Store)

func WithStoreLogger(lg *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = lg }
}

// WithBroadcaster publishes every local tag invalidation to peer instances.
func WithBroadcaster(b Broadcaster) StoreOption {
	return func(s *Store) { s.broadcaster = b }
}

func NewStore(medium Medium, opts ...StoreOption) *Store {
	s := &Store{medium: medium}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger)
	return s
}

// Get decodes the entry for key into dst and reports whether it was a hit.
func (s *Store) Get(ctx context.Context, key string, dst any) bool {
	if s == nil || s.medium == nil {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return false
	}

	raw, ok, err := s.medium.Get(ctx, key)
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		s.logger.Debug("Cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		s.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = s.medium.Delete(ctx, key)
		return false
	}
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return true
}

// Set stores value under key for ttl with the given tags.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) {
	if s == nil || s.medium == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("Cache value not serialisable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.medium.Set(ctx, key, raw, ttl, tags); err != nil {
		s.logger.Debug("Cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) Delete(ctx context.Context, key string) {
	if s == nil || s.medium == nil {
		return
	}
	if err := s.medium.Delete(ctx, key); err != nil {
		s.logger.Debug("Cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateByTag removes all entries carrying tag locally and notifies peers.
func (s *Store) InvalidateByTag(ctx context.Context, tag string) {
	if s == nil {
		return
	}
	s.invalidate(ctx, tag, "local")
	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(ctx, tag); err != nil {
			s.logger.Warn("Failed to broadcast cache invalidation", zap.String("tag", tag), zap.Error(err))
		}
	}
}

// ApplyRemoteInvalidation handles an invalidation received from a peer. It is
// not re-broadcast.
func (s *Store) ApplyRemoteInvalidation(ctx context.Context, tag string) {
	if s == nil {
		return
	}
	s.invalidate(ctx, tag, "remote")
}

func (s *Store) invalidate(ctx context.Context, tag, origin string) {
	if s.medium == nil {
		return
	}
	n, err := s.medium.InvalidateTag(ctx, tag)
	if err != nil {
		s.logger.Warn("Cache tag invalidation failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	metrics.CacheInvalidations.WithLabelValues(origin).Inc()
	s.logger.Debug("Cache tag invalidated", zap.String("tag", tag), zap.String("origin", origin), zap.Int("entries", n))
}

func (s *Store) Close() error {
	if s == nil || s.medium == nil {
		return nil
	}
	return s.medium.Close()
}

// WithCache returns the cached value for key or computes, stores and returns
// it. Compute errors are returned and nothing is cached. Concurrent misses on
// the same key each run compute.
func WithCache[T any](ctx context.Context, s *Store, key string, ttl time.Duration, tags []string, compute func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if s.Get(ctx, key, &cached) {
		return cached, nil
	}

	v, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	s.Set(ctx, key, v, ttl, tags...)
	return v, nil
}
