package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingStore struct {
	*MemoryStore
	mu     sync.Mutex
	counts int
}

func (s *countingStore) Counts(ctx context.Context, queue domain.QueueName) (domain.QueueCounts, error) {
	s.mu.Lock()
	s.counts++
	s.mu.Unlock()
	return s.MemoryStore.Counts(ctx, queue)
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	manager := NewManager(store, ManagerConfig{Now: clock.Now, StatsCacheTTL: time.Minute})
	return manager, store, clock
}

func creatorRequest(id string) EnqueueRequest {
	return EnqueueRequest{Payload: domain.CreatorCollectionPayload{CreatorID: id, CreatorName: "Creator " + id}}
}

func settleActive(t *testing.T, store *MemoryStore, queue domain.QueueName, outcome domain.JobState) *domain.Job {
	t.Helper()
	job, err := store.Claim(context.Background(), queue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	if outcome == domain.JobStateCompleted {
		require.NoError(t, store.Complete(context.Background(), job, nil))
	} else {
		require.NoError(t, store.Fail(context.Background(), job, "boom", nil))
	}
	return job
}

func TestEnqueueDeduplicatesNonTerminalJobs(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	first, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)
	assert.True(t, first.Queued)

	second, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)
	assert.False(t, second.Queued)
	assert.Equal(t, first.JobID, second.JobID)

	counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	// An active job still holds its dedup key.
	_, err = store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
	require.NoError(t, err)
	third, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)
	assert.False(t, third.Queued)
}

func TestEnqueueReplacesTerminalJob(t *testing.T) {
	for _, outcome := range []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed} {
		t.Run(string(outcome), func(t *testing.T) {
			manager, store, _ := newTestManager(t)
			ctx := context.Background()

			first, err := manager.Enqueue(ctx, creatorRequest("c1"))
			require.NoError(t, err)
			settleActive(t, store, domain.QueueCreatorCollection, outcome)

			second, err := manager.Enqueue(ctx, creatorRequest("c1"))
			require.NoError(t, err)
			assert.True(t, second.Queued)
			assert.NotEqual(t, first.JobID, second.JobID)

			job, err := manager.GetJob(ctx, domain.QueueCreatorCollection, "creator:c1")
			require.NoError(t, err)
			assert.Equal(t, second.JobID, job.ID)
			assert.Equal(t, domain.JobStateWaiting, job.State)
			assert.Zero(t, job.Attempts)

			_, err = store.Get(ctx, domain.QueueCreatorCollection, first.JobID)
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.Enqueue(context.Background(), EnqueueRequest{Payload: domain.CreatorCollectionPayload{}})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = manager.Enqueue(context.Background(), EnqueueRequest{})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestEnqueueBulkCountsQueuedAndSkipped(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Enqueue(ctx, creatorRequest("c2"))
	require.NoError(t, err)

	result, err := manager.EnqueueBulk(ctx, []EnqueueRequest{
		creatorRequest("c1"),
		creatorRequest("c2"),
		creatorRequest("c3"),
		creatorRequest("c1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Queued)
	assert.Equal(t, 2, result.Skipped)
	assert.Len(t, result.JobIDs, 2)
}

func TestEnqueueBulkFailsLoudlyOnInvalidItem(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.EnqueueBulk(ctx, []EnqueueRequest{
		creatorRequest("c1"),
		{Payload: domain.SummarizationPayload{CreatorID: "c1"}},
	})
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
	require.NoError(t, err)
	assert.Zero(t, counts.Waiting)
}

func TestStaggerAssignsDelaysInSubmissionOrder(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()
	interval := 15 * time.Second

	requests := Stagger([]EnqueueRequest{
		creatorRequest("c1"),
		creatorRequest("c2"),
		creatorRequest("c3"),
		creatorRequest("c4"),
	}, interval)
	for index, request := range requests {
		assert.Equal(t, time.Duration(index)*interval, request.Delay)
	}

	result, err := manager.EnqueueBulk(ctx, requests)
	require.NoError(t, err)
	require.Len(t, result.JobIDs, 4)

	for index, jobID := range result.JobIDs {
		job, err := store.Get(ctx, domain.QueueCreatorCollection, jobID)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(index)*interval, job.ReadyAt.Sub(job.CreatedAt))
	}

	counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(3), counts.Delayed)
}

func TestDelayedJobBecomesClaimableWhenDue(t *testing.T) {
	manager, store, clock := newTestManager(t)
	ctx := context.Background()

	request := creatorRequest("c1")
	request.Delay = 30 * time.Second
	_, err := manager.Enqueue(ctx, request)
	require.NoError(t, err)

	job, err := store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(30 * time.Second)
	job, err = store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
}

func TestClaimHonoursPriorityThenSubmissionOrder(t *testing.T) {
	manager, store, _ := newTestManager(t)
	ctx := context.Background()

	low := creatorRequest("low")
	low.Priority = 50
	high := creatorRequest("high")
	high.Priority = 1
	for _, request := range []EnqueueRequest{low, creatorRequest("a"), high, creatorRequest("b")} {
		_, err := manager.Enqueue(ctx, request)
		require.NoError(t, err)
	}

	order := make([]string, 0, 4)
	for {
		job, err := store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.DedupKey)
	}
	assert.Equal(t, []string{"creator:high", "creator:a", "creator:b", "creator:low"}, order)
}

func TestGetStatsUsesCacheWithinTTL(t *testing.T) {
	clock := newFakeClock()
	store := &countingStore{MemoryStore: NewMemoryStore(clock.Now)}
	manager := NewManager(store, ManagerConfig{Now: clock.Now, StatsCacheTTL: time.Minute})
	ctx := context.Background()

	_, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)

	stats, err := manager.GetStats(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[domain.QueueCreatorCollection].Waiting)
	assert.Equal(t, len(domain.Queues), store.counts)

	_, err = manager.Enqueue(ctx, creatorRequest("c2"))
	require.NoError(t, err)

	cached, err := manager.GetStats(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached[domain.QueueCreatorCollection].Waiting)
	assert.Equal(t, len(domain.Queues), store.counts)

	fresh, err := manager.GetStats(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh[domain.QueueCreatorCollection].Waiting)

	clock.Advance(2 * time.Minute)
	_, err = manager.Enqueue(ctx, creatorRequest("c3"))
	require.NoError(t, err)
	expired, err := manager.GetStats(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), expired[domain.QueueCreatorCollection].Waiting)
}

func TestCleanupKeepsFailuresLonger(t *testing.T) {
	manager, store, clock := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Enqueue(ctx, creatorRequest("done"))
	require.NoError(t, err)
	settleActive(t, store, domain.QueueCreatorCollection, domain.JobStateCompleted)
	_, err = manager.Enqueue(ctx, creatorRequest("broken"))
	require.NoError(t, err)
	settleActive(t, store, domain.QueueCreatorCollection, domain.JobStateFailed)

	clock.Advance(2 * time.Hour)
	report, err := manager.Cleanup(ctx, CleanupPolicy{CompletedAge: time.Hour, FailedAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed[domain.QueueCreatorCollection])
	assert.Equal(t, 0, report.Failed[domain.QueueCreatorCollection])

	_, err = manager.GetJob(ctx, domain.QueueCreatorCollection, "creator:done")
	assert.ErrorIs(t, err, ErrJobNotFound)
	failed, err := manager.GetJob(ctx, domain.QueueCreatorCollection, "creator:broken")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, failed.State)

	clock.Advance(24 * time.Hour)
	report, err = manager.Cleanup(ctx, CleanupPolicy{CompletedAge: time.Hour, FailedAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed[domain.QueueCreatorCollection])
}

func TestGetJobRejectsUnknownQueue(t *testing.T) {
	manager, _, _ := newTestManager(t)
	_, err := manager.GetJob(context.Background(), "nope", "creator:c1")
	assert.ErrorIs(t, err, ErrUnknownQueue)
}
