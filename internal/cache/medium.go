// Package cache is a tagged read-through cache. Entries carry tags so that a
// write to one category can drop every derived entry in one call.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps medium failures. Store never surfaces it to callers.
var ErrUnavailable = errors.New("cache medium unavailable")

// Medium is a byte-level backing store with tag indexing. A ttl <= 0 means the
// entry does not expire.
type Medium interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, key string) error
	// InvalidateTag removes every entry carrying tag and returns how many were
	// removed, where the medium can tell.
	InvalidateTag(ctx context.Context, tag string) (int, error)
	Close() error
}
