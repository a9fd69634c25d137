package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisManager(t *testing.T) (*Manager, *RedisStore, *fakeClock) {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: server.Addr(), Prefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	store.now = clock.Now
	manager := NewManager(store, ManagerConfig{Now: clock.Now})
	return manager, store, clock
}

func settleRedisActive(t *testing.T, store *RedisStore, queue domain.QueueName, outcome domain.JobState) *domain.Job {
	t.Helper()
	job, err := store.Claim(context.Background(), queue, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	if outcome == domain.JobStateCompleted {
		require.NoError(t, store.Complete(context.Background(), job, []byte(`{"ok":true}`)))
	} else {
		require.NoError(t, store.Fail(context.Background(), job, "boom", nil))
	}
	return job
}

func TestRedisEnqueueDeduplicatesNonTerminalJobs(t *testing.T) {
	manager, store, _ := newTestRedisManager(t)
	ctx := context.Background()

	first, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)
	assert.True(t, first.Queued)

	second, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)
	assert.False(t, second.Queued)
	assert.Equal(t, first.JobID, second.JobID)

	_, err = store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
	require.NoError(t, err)
	third, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)
	assert.False(t, third.Queued)

	counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)
}

func TestRedisEnqueueReplacesTerminalJob(t *testing.T) {
	for _, outcome := range []domain.JobState{domain.JobStateCompleted, domain.JobStateFailed} {
		t.Run(string(outcome), func(t *testing.T) {
			manager, store, _ := newTestRedisManager(t)
			ctx := context.Background()

			first, err := manager.Enqueue(ctx, creatorRequest("c1"))
			require.NoError(t, err)
			settleRedisActive(t, store, domain.QueueCreatorCollection, outcome)

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

			counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
			require.NoError(t, err)
			assert.Zero(t, counts.Completed+counts.Failed)
		})
	}
}

func TestRedisEnqueueBulkCountsQueuedAndSkipped(t *testing.T) {
	manager, store, _ := newTestRedisManager(t)
	ctx := context.Background()

	_, err := manager.Enqueue(ctx, creatorRequest("c2"))
	require.NoError(t, err)

	result, err := manager.EnqueueBulk(ctx, Stagger([]EnqueueRequest{
		creatorRequest("c1"),
		creatorRequest("c2"),
		creatorRequest("c3"),
		creatorRequest("c1"),
	}, 10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Queued)
	assert.Equal(t, 2, result.Skipped)
	require.Len(t, result.JobIDs, 2)

	delayed, err := store.Get(ctx, domain.QueueCreatorCollection, result.JobIDs[1])
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, delayed.State)
	assert.Equal(t, 20*time.Second, delayed.ReadyAt.Sub(delayed.CreatedAt))

	counts, err := store.Counts(ctx, domain.QueueCreatorCollection)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)
	assert.Equal(t, int64(1), counts.Delayed)
}

func TestRedisClaimHonoursPriorityThenSubmissionOrder(t *testing.T) {
	manager, store, clock := newTestRedisManager(t)
	ctx := context.Background()

	low := creatorRequest("low")
	low.Priority = 50
	high := creatorRequest("high")
	high.Priority = 1
	late := creatorRequest("late")
	late.Delay = time.Minute
	for _, request := range []EnqueueRequest{low, creatorRequest("a"), late, high, creatorRequest("b")} {
		_, err := manager.Enqueue(ctx, request)
		require.NoError(t, err)
	}

	claimAll := func() []string {
		order := make([]string, 0)
		for {
			job, err := store.Claim(ctx, domain.QueueCreatorCollection, time.Hour)
			require.NoError(t, err)
			if job == nil {
				return order
			}
			assert.Equal(t, 1, job.Attempts)
			assert.NotEmpty(t, job.LeaseToken)
			order = append(order, job.DedupKey)
		}
	}
	assert.Equal(t, []string{"creator:high", "creator:a", "creator:b", "creator:low"}, claimAll())

	clock.Advance(time.Minute)
	assert.Equal(t, []string{"creator:late"}, claimAll())
}

func TestRedisRetryDelaysThenTerminalFailure(t *testing.T) {
	manager, store, clock := newTestRedisManager(t)
	ctx := context.Background()

	queued, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)

	job, err := store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
	require.NoError(t, err)
	retryAt := clock.Now().Add(30 * time.Second)
	require.NoError(t, store.Fail(ctx, job, "upstream timeout", &retryAt))

	stored, err := store.Get(ctx, domain.QueueCreatorCollection, queued.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, stored.State)
	assert.Equal(t, "upstream timeout", stored.FailedReason)

	// The settled lease can not be reused.
	assert.ErrorIs(t, store.Complete(ctx, job, nil), ErrLeaseLost)

	clock.Advance(30 * time.Second)
	job, err = store.Claim(ctx, domain.QueueCreatorCollection, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, store.Fail(ctx, job, "upstream timeout", nil))

	stored, err = store.Get(ctx, domain.QueueCreatorCollection, queued.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, stored.State)
	assert.True(t, clock.Now().Equal(stored.FinishedAt))
}

func TestRedisStalledJobIsRequeuedOnceThenFailed(t *testing.T) {
	manager, store, clock := newTestRedisManager(t)
	ctx := context.Background()

	queued, err := manager.Enqueue(ctx, creatorRequest("c1"))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, domain.QueueCreatorCollection, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	requeued, failed, err := store.RecoverStalled(ctx, domain.QueueCreatorCollection, 1)
	require.NoError(t, err)
	assert.Zero(t, requeued+failed, "lease still valid")

	clock.Advance(20 * time.Second)
	require.NoError(t, store.ExtendLease(ctx, claimed, 30*time.Second))
	clock.Advance(20 * time.Second)
	requeued, failed, err = store.RecoverStalled(ctx, domain.QueueCreatorCollection, 1)
	require.NoError(t, err)
	assert.Zero(t, requeued+failed, "lease was renewed")

	clock.Advance(11 * time.Second)
	requeued, failed, err = store.RecoverStalled(ctx, domain.QueueCreatorCollection, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)
	assert.ErrorIs(t, store.Complete(ctx, claimed, nil), ErrLeaseLost)

	_, err = store.Claim(ctx, domain.QueueCreatorCollection, 30*time.Second)
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	requeued, failed, err = store.RecoverStalled(ctx, domain.QueueCreatorCollection, 1)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, 1, failed)

	job, err := store.Get(ctx, domain.QueueCreatorCollection, queued.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, stalledReason, job.FailedReason)
	assert.Equal(t, 2, job.StalledCount)
	assert.Equal(t, 2, job.Attempts)
}

func TestRedisCleanupReleasesDedupKeys(t *testing.T) {
	manager, store, clock := newTestRedisManager(t)
	ctx := context.Background()

	_, err := manager.Enqueue(ctx, creatorRequest("done"))
	require.NoError(t, err)
	settleRedisActive(t, store, domain.QueueCreatorCollection, domain.JobStateCompleted)
	_, err = manager.Enqueue(ctx, creatorRequest("broken"))
	require.NoError(t, err)
	settleRedisActive(t, store, domain.QueueCreatorCollection, domain.JobStateFailed)

	clock.Advance(2 * time.Hour)
	report, err := manager.Cleanup(ctx, CleanupPolicy{CompletedAge: time.Hour, FailedAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed[domain.QueueCreatorCollection])
	assert.Equal(t, 0, report.Failed[domain.QueueCreatorCollection])

	_, err = store.GetByDedupKey(ctx, domain.QueueCreatorCollection, "creator:done")
	assert.ErrorIs(t, err, ErrJobNotFound)
	failed, err := store.GetByDedupKey(ctx, domain.QueueCreatorCollection, "creator:broken")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, failed.State)

	again, err := manager.Enqueue(ctx, creatorRequest("done"))
	require.NoError(t, err)
	assert.True(t, again.Queued)

	_, err = store.Clean(ctx, domain.QueueCreatorCollection, domain.JobStateWaiting, clock.Now(), 0)
	assert.Error(t, err)
}
