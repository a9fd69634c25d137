package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/iago/creator-ingest/internal/domain"
)

// ContentRepository is the storage contract behind the reconciliation store.
type ContentRepository interface {
	// FindByKeys returns the stored items, soft-deleted ones included, that
	// match any of keys.
	FindByKeys(ctx context.Context, keys []domain.ContentKey) (map[domain.ContentKey]*domain.ContentItem, error)
	// InsertContent returns ErrDuplicate when the natural key already exists.
	InsertContent(ctx context.Context, item *domain.ContentItem) error
	// UpdateContent returns ErrNotFound for missing or soft-deleted items.
	UpdateContent(ctx context.Context, item *domain.ContentItem) error
	GetContent(ctx context.Context, contentID string) (*domain.ContentItem, error)
}

type MemoryContentRepository struct {
	mu    sync.RWMutex
	items map[string]*domain.ContentItem
	keys  map[domain.ContentKey]string
}

func NewMemoryContentRepository() *MemoryContentRepository {
	return &MemoryContentRepository{
		items: make(map[string]*domain.ContentItem),
		keys:  make(map[domain.ContentKey]string),
	}
}

func (r *MemoryContentRepository) FindByKeys(
	_ context.Context,
	keys []domain.ContentKey,
) (map[domain.ContentKey]*domain.ContentItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[domain.ContentKey]*domain.ContentItem, len(keys))
	for _, key := range keys {
		id, ok := r.keys[key]
		if !ok {
			continue
		}
		found[key] = r.items[id].Clone()
	}
	return found, nil
}

func (r *MemoryContentRepository) InsertContent(_ context.Context, item *domain.ContentItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := item.Key()
	if _, exists := r.keys[key]; exists {
		return fmt.Errorf("content %s: %w", key, ErrDuplicate)
	}
	r.items[item.ID] = item.Clone()
	r.keys[key] = item.ID
	return nil
}

func (r *MemoryContentRepository) UpdateContent(_ context.Context, item *domain.ContentItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.items[item.ID]
	if !ok || stored.Deleted {
		return ErrNotFound
	}
	r.items[item.ID] = item.Clone()
	return nil
}

func (r *MemoryContentRepository) GetContent(_ context.Context, contentID string) (*domain.ContentItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[contentID]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

// SoftDelete flags an item as deleted, the way the owning service does.
func (r *MemoryContentRepository) SoftDelete(_ context.Context, contentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[contentID]
	if !ok {
		return ErrNotFound
	}
	item.Deleted = true
	return nil
}
