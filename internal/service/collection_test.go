package service

import (
	"context"
	"testing"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func newService(creators ...*domain.Creator) (*CollectionService, *queue.Manager, *queue.MemoryStore) {
	clock := func() time.Time { return now }
	store := queue.NewMemoryStore(clock)
	manager := queue.NewManager(store, queue.ManagerConfig{Now: clock})
	return NewCollectionService(repository.NewMemoryCreatorsRepository(creators...), manager, 30*time.Second, nil), manager, store
}

func TestEnqueueCreatorDeduplicates(t *testing.T) {
	service, _, _ := newService(&domain.Creator{ID: "c1", Name: "Ada", Active: true})
	ctx := context.Background()

	first, err := service.EnqueueCreator(ctx, "c1", CollectOptions{})
	require.NoError(t, err)
	assert.True(t, first.Queued)

	second, err := service.EnqueueCreator(ctx, "c1", CollectOptions{SkipSlowPlatforms: true})
	require.NoError(t, err)
	assert.False(t, second.Queued)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestEnqueueCreatorUnknown(t *testing.T) {
	service, _, _ := newService()
	_, err := service.EnqueueCreator(context.Background(), "ghost", CollectOptions{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEnqueueAllCreatorsStaggersActiveCreators(t *testing.T) {
	service, manager, store := newService(
		&domain.Creator{ID: "c1", Active: true},
		&domain.Creator{ID: "c2", Active: true},
		&domain.Creator{ID: "c3", Active: false},
		&domain.Creator{ID: "c4", Active: true},
	)
	ctx := context.Background()

	result, err := service.EnqueueAllCreators(ctx, CollectOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Queued)

	for index, id := range []string{"c1", "c2", "c4"} {
		job, err := manager.GetJob(ctx, domain.QueueCreatorCollection, "creator:"+id)
		require.NoError(t, err)
		wantDelay := time.Duration(index) * 30 * time.Second
		if wantDelay == 0 {
			assert.Equal(t, domain.JobStateWaiting, job.State)
			continue
		}
		assert.Equal(t, domain.JobStateDelayed, job.State)
		assert.Equal(t, now.Add(wantDelay), job.ReadyAt)
	}

	again, err := service.EnqueueAllCreators(ctx, CollectOptions{})
	require.NoError(t, err)
	assert.Zero(t, again.Queued)
	assert.Equal(t, 3, again.Skipped)

	counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Waiting+counts.Delayed)
}

func TestEnqueueDigest(t *testing.T) {
	service, manager, _ := newService()
	ctx := context.Background()
	start := now.Add(-24 * time.Hour)

	result, err := service.EnqueueDigest(ctx, start, now, nil)
	require.NoError(t, err)
	assert.True(t, result.Queued)

	job, err := manager.GetJob(ctx, domain.QueueDigest, domain.DigestPayload{PeriodStart: start}.DedupKey())
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeBuildDigest, job.Type)

	_, err = service.EnqueueDigest(ctx, now, start, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}
