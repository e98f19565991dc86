package cache

import "context"

// CategoriesTag is carried by aggregates spanning all categories, such as the
// category listing. Per-category entries do not carry it.
const CategoriesTag = "categories"

func CategoryTag(category string) string {
	return "category:" + category
}

// CategoryTags returns the tags for data derived from one category.
func CategoryTags(category string) []string {
	return []string{CategoryTag(category)}
}

// InvalidateCategory drops everything derived from category, including the
// category listing itself.
func (s *Store) InvalidateCategory(ctx context.Context, category string) {
	s.InvalidateByTag(ctx, CategoryTag(category))
	s.InvalidateByTag(ctx, CategoriesTag)
}
