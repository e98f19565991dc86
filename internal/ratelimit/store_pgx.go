package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgxSchemaSQL = `CREATE UNLOGGED TABLE IF NOT EXISTS rate_limit_counters (
	bucket_key TEXT PRIMARY KEY,
	hits BIGINT NOT NULL,
	window_reset_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_window_reset_at ON rate_limit_counters (window_reset_at);`

var (
	// pgxUpsertSQL decides expiry on the database clock.
	pgxUpsertSQL = fmt.Sprintf(counterUpsertTemplate, postgresNowMs, "$1", "$2::bigint", "$2::bigint")
	// pgxUpsertAtSQL takes the time as $3.
	pgxUpsertAtSQL = fmt.Sprintf(counterUpsertTemplate, "$3::bigint", "$1", "$2::bigint", "$2::bigint")
)

// PgxStore is the PostgreSQL counter store on a native pgx pool.
type PgxStore struct {
	pool *pgxpool.Pool
}

func NewPgxStore(pool *pgxpool.Pool) *PgxStore {
	return &PgxStore{pool: pool}
}

// EnsureSchema creates the counter table if missing.
func (s *PgxStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgxSchemaSQL); err != nil {
		return fmt.Errorf("create rate limit schema: %w", err)
	}
	return nil
}

func (s *PgxStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	var row pgx.Row
	if now.IsZero() {
		row = s.pool.QueryRow(ctx, pgxUpsertSQL, key, window.Milliseconds())
	} else {
		row = s.pool.QueryRow(ctx, pgxUpsertAtSQL, key, window.Milliseconds(), now.UnixMilli())
	}

	var (
		bucket                 string
		hits, resetMs, storeMs int64
	)
	if err := row.Scan(&bucket, &hits, &resetMs, &storeMs); err != nil {
		return Record{}, fmt.Errorf("upsert counter: %w", err)
	}
	return Record{Key: bucket, Count: hits, WindowResetAt: time.UnixMilli(resetMs), Now: time.UnixMilli(storeMs)}, nil
}

func (s *PgxStore) Reset(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE bucket_key = $1`, key)
	return err
}

func (s *PgxStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if before.IsZero() {
		tag, err = s.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE window_reset_at <= `+postgresNowMs)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM rate_limit_counters WHERE window_reset_at <= $1`, before.UnixMilli())
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
