// Package hooks is the hook library: short opening lines grouped by category.
package hooks

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Hook is one library entry.
type Hook struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Category  string    `gorm:"size:64;not null;index" json:"category" validate:"required,max=64"`
	Text      string    `gorm:"not null" json:"text" validate:"required,max=500"`
	Platform  string    `gorm:"size:32" json:"platform,omitempty" validate:"omitempty,oneof=tiktok instagram youtube linkedin"`
	CreatedAt time.Time `json:"created_at"`
}

// CategoryCount is one row of the category listing.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Repository persists hooks through gorm.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&Hook{}); err != nil {
		return nil, fmt.Errorf("migrate hooks: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) ListByCategory(ctx context.Context, category string) ([]Hook, error) {
	var out []Hook
	err := r.db.WithContext(ctx).
		Where("category = ?", category).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list hooks for %s: %w", category, err)
	}
	return out, nil
}

func (r *Repository) Categories(ctx context.Context) ([]CategoryCount, error) {
	var out []CategoryCount
	err := r.db.WithContext(ctx).
		Model(&Hook{}).
		Select("category, COUNT(*) AS count").
		Group("category").
		Order("category").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return out, nil
}

func (r *Repository) Create(ctx context.Context, h *Hook) error {
	if err := r.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("create hook: %w", err)
	}
	return nil
}
