package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iago/creator-ingest/internal/domain"
)

// SnapshotsRepository persists the state machine of provider snapshots.
type SnapshotsRepository interface {
	CreateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
	UpdateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (*domain.Snapshot, error)
	ListSnapshotsByStatus(ctx context.Context, status domain.SnapshotStatus) ([]*domain.Snapshot, error)
}

type MemorySnapshotsRepository struct {
	mu        sync.RWMutex
	snapshots map[string]*domain.Snapshot
}

func NewMemorySnapshotsRepository() *MemorySnapshotsRepository {
	return &MemorySnapshotsRepository{snapshots: make(map[string]*domain.Snapshot)}
}

func (r *MemorySnapshotsRepository) CreateSnapshot(_ context.Context, snapshot *domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.snapshots[snapshot.ID]; exists {
		return fmt.Errorf("snapshot %s: %w", snapshot.ID, ErrDuplicate)
	}
	r.snapshots[snapshot.ID] = snapshot.Clone()
	return nil
}

func (r *MemorySnapshotsRepository) UpdateSnapshot(_ context.Context, snapshot *domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.snapshots[snapshot.ID]; !ok {
		return ErrNotFound
	}
	r.snapshots[snapshot.ID] = snapshot.Clone()
	return nil
}

func (r *MemorySnapshotsRepository) GetSnapshot(_ context.Context, snapshotID string) (*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, ok := r.snapshots[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot.Clone(), nil
}

func (r *MemorySnapshotsRepository) ListSnapshotsByStatus(
	_ context.Context,
	status domain.SnapshotStatus,
) ([]*domain.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Snapshot, 0)
	for _, snapshot := range r.snapshots {
		if snapshot.Status == status {
			items = append(items, snapshot.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}
