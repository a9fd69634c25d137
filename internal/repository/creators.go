package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

var (
	ErrNotFound  = errors.New("resource not found")
	ErrDuplicate = errors.New("resource already exists")
)

// CreatorsRepository reads creators and their sources. Creators are managed by
// another service; the pipeline only records processing metadata on them.
type CreatorsRepository interface {
	GetCreator(ctx context.Context, creatorID string) (*domain.Creator, error)
	ListActiveCreators(ctx context.Context) ([]*domain.Creator, error)
	UpdateLastProcessed(ctx context.Context, creatorID string, at time.Time, stats json.RawMessage) error
}

// MemoryCreatorsRepository stores creators in memory for local development.
type MemoryCreatorsRepository struct {
	mu       sync.RWMutex
	creators map[string]*domain.Creator
}

func NewMemoryCreatorsRepository(creators ...*domain.Creator) *MemoryCreatorsRepository {
	repo := &MemoryCreatorsRepository{creators: make(map[string]*domain.Creator, len(creators))}
	for _, creator := range creators {
		repo.creators[creator.ID] = creator.Clone()
	}
	return repo
}

// PutCreator inserts or replaces a creator.
func (r *MemoryCreatorsRepository) PutCreator(creator *domain.Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[creator.ID] = creator.Clone()
}

func (r *MemoryCreatorsRepository) GetCreator(_ context.Context, creatorID string) (*domain.Creator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	creator, ok := r.creators[creatorID]
	if !ok {
		return nil, ErrNotFound
	}
	return creator.Clone(), nil
}

func (r *MemoryCreatorsRepository) ListActiveCreators(_ context.Context) ([]*domain.Creator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Creator, 0, len(r.creators))
	for _, creator := range r.creators {
		if creator.Active {
			items = append(items, creator.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *MemoryCreatorsRepository) UpdateLastProcessed(
	_ context.Context,
	creatorID string,
	at time.Time,
	stats json.RawMessage,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	creator, ok := r.creators[creatorID]
	if !ok {
		return ErrNotFound
	}
	processedAt := at
	creator.LastProcessedAt = &processedAt
	creator.LastStats = append(json.RawMessage(nil), stats...)
	return nil
}
