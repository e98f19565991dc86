package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// counterRow is the persisted counter. Timestamps are unix milliseconds so the
// comparison is identical on every SQL dialect.
type counterRow struct {
	BucketKey     string `gorm:"column:bucket_key;primaryKey;size:255"`
	Hits          int64  `gorm:"column:hits;not null"`
	WindowResetAt int64  `gorm:"column:window_reset_at;not null;index"`
}

func (counterRow) TableName() string { return "rate_limit_counters" }

type counterResult struct {
	BucketKey     string `gorm:"column:bucket_key"`
	Hits          int64  `gorm:"column:hits"`
	WindowResetAt int64  `gorm:"column:window_reset_at"`
	StoreNow      int64  `gorm:"column:store_now"`
}

// GormStore keeps counters in any SQL database gorm supports with
// INSERT ... ON CONFLICT ... RETURNING (PostgreSQL, SQLite >= 3.35).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the counter table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&counterRow{}); err != nil {
		return nil, fmt.Errorf("migrate rate limit counters: %w", err)
	}
	return &GormStore{db: db}, nil
}

// nowExpr returns the SQL time expression: the database clock, or now as a
// literal when the caller pins the time.
func (s *GormStore) nowExpr(now time.Time) string {
	if !now.IsZero() {
		return strconv.FormatInt(now.UnixMilli(), 10)
	}
	if s.db.Dialector.Name() == "sqlite" {
		return sqliteNowMs
	}
	return postgresNowMs
}

func (s *GormStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Record, error) {
	query := fmt.Sprintf(counterUpsertTemplate, s.nowExpr(now), "?", "?", "?")
	windowMs := window.Milliseconds()

	var row counterResult
	res := s.db.WithContext(ctx).Raw(query, key, windowMs, windowMs).Scan(&row)
	if res.Error != nil {
		return Record{}, fmt.Errorf("upsert counter: %w", res.Error)
	}
	if res.RowsAffected == 0 || row.BucketKey == "" {
		return Record{}, fmt.Errorf("upsert counter: no row returned for %s", key)
	}

	return Record{
		Key:           row.BucketKey,
		Count:         row.Hits,
		WindowResetAt: time.UnixMilli(row.WindowResetAt),
		Now:           time.UnixMilli(row.StoreNow),
	}, nil
}

func (s *GormStore) Reset(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("bucket_key = ?", key).Delete(&counterRow{}).Error
}

// Purge deletes counters whose window ended at or before before.
func (s *GormStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("window_reset_at <= " + s.nowExpr(before)).Delete(&counterRow{})
	return res.RowsAffected, res.Error
}
