package hooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Aidin1998/scriptforge/internal/cache"
	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/Aidin1998/scriptforge/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	categoriesKey     = "hooks:categories"
	categoryKeyPrefix = "hooks:category:"
	DefaultCacheTTL   = 10 * time.Minute
)

// Service reads hooks through the cache and the store breaker, and invalidates
// the affected category on every write.
type Service struct {
	repo     *Repository
	breaker  *resilience.Breaker
	cache    *cache.Store
	ttl      time.Duration
	validate *validator.Validate
	logger   *zap.Logger
}

func NewService(repo *Repository, breaker *resilience.Breaker, store *cache.Store, ttl time.Duration, lg *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		repo:     repo,
		breaker:  breaker,
		cache:    store,
		ttl:      ttl,
		validate: validator.New(),
		logger:   logger.OrNop(lg),
	}
}

// NormalizeCategory lower-cases and trims a category name.
func NormalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

func (s *Service) List(ctx context.Context, category string) ([]Hook, error) {
	category = NormalizeCategory(category)
	return cache.WithCache(ctx, s.cache, categoryKeyPrefix+category, s.ttl, cache.CategoryTags(category),
		func(ctx context.Context) ([]Hook, error) {
			return resilience.Call(ctx, s.breaker, func(ctx context.Context) ([]Hook, error) {
				return s.repo.ListByCategory(ctx, category)
			})
		})
}

func (s *Service) Categories(ctx context.Context) ([]CategoryCount, error) {
	return cache.WithCache(ctx, s.cache, categoriesKey, s.ttl, []string{cache.CategoriesTag},
		func(ctx context.Context) ([]CategoryCount, error) {
			return resilience.Call(ctx, s.breaker, s.repo.Categories)
		})
}

// Create validates and stores h, then drops every cached read derived from its
// category.
func (s *Service) Create(ctx context.Context, h *Hook) error {
	h.Category = NormalizeCategory(h.Category)
	h.Text = strings.TrimSpace(h.Text)
	if err := s.validate.Struct(h); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHook, err)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}

	_, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.repo.Create(ctx, h)
	})
	if err != nil {
		return err
	}

	s.cache.InvalidateCategory(ctx, h.Category)
	s.logger.Info("Hook created", zap.String("id", h.ID), zap.String("category", h.Category))
	return nil
}
