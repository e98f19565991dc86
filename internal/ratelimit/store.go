package ratelimit

import (
	"context"
	"time"
)

// Clock overrides the store's time source. Without one, stores decide window
// expiry with their own clock so instances with skewed clocks agree.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Record is the post-increment state of one counter.
type Record struct {
	Key           string
	Count         int64
	WindowResetAt time.Time
	// Now is the time the store applied the increment at.
	Now time.Time
}

// CounterStore performs the fixed-window increment as one atomic operation:
// create the record with count 1, or reset it to 1 with a fresh window when
// WindowResetAt <= now, or increment it. The returned record is the
// post-update state. Implementations must never read-then-write in two steps
// without a conflict check. A zero now means the store's own clock.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error)
}

// Resetter is implemented by stores that can drop a single counter.
type Resetter interface {
	Reset(ctx context.Context, key string) error
}

// Purger is implemented by stores whose expired records do not age out on
// their own. A zero before means the store's own clock.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// counterUpsertTemplate renders the SQL fixed-window upsert. %[1]s is the time
// expression in unix milliseconds, %[2]s the key argument, %[3]s and %[4]s the
// window length argument. The time expression must be stable within one
// statement.
const counterUpsertTemplate = `INSERT INTO rate_limit_counters (bucket_key, hits, window_reset_at)
VALUES (%[2]s, 1, %[1]s + %[3]s)
ON CONFLICT (bucket_key) DO UPDATE SET
	hits = CASE WHEN rate_limit_counters.window_reset_at <= %[1]s THEN 1 ELSE rate_limit_counters.hits + 1 END,
	window_reset_at = CASE WHEN rate_limit_counters.window_reset_at <= %[1]s THEN %[1]s + %[4]s ELSE rate_limit_counters.window_reset_at END
RETURNING bucket_key, hits, window_reset_at, %[1]s AS store_now`

// SQL expressions for the database's current time in unix milliseconds.
const (
	postgresNowMs = "(extract(epoch from statement_timestamp()) * 1000)::bigint"
	sqliteNowMs   = "CAST(ROUND((julianday('now') - 2440587.5) * 86400000) AS INTEGER)"
)
