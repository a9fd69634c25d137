package queue

import (
	"context"
	"testing"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(store Store, clock *fakeClock, settings Settings, handler Handler) *Worker {
	return NewWorker(store, WorkerConfig{
		Queue:    domain.QueueCreatorCollection,
		Settings: settings,
		Handler:  handler,
		Now:      clock.Now,
	})
}

func enqueueOne(t *testing.T, store *MemoryStore, clock *fakeClock, maxAttempts int) string {
	t.Helper()
	manager := NewManager(store, ManagerConfig{Now: clock.Now})
	result, err := manager.Enqueue(context.Background(), EnqueueRequest{
		Payload:     domain.CreatorCollectionPayload{CreatorID: "c1"},
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	require.True(t, result.Queued)
	return result.JobID
}

func TestProcessNextReportsIdleQueue(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	worker := newTestWorker(store, clock, Settings{}, func(context.Context, *domain.Job) Result {
		t.Fatal("handler must not run")
		return Completed(nil)
	})

	processed, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextCompletesJobWithResult(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	jobID := enqueueOne(t, store, clock, 3)

	var seen domain.Payload
	worker := newTestWorker(store, clock, Settings{}, func(_ context.Context, job *domain.Job) Result {
		payload, err := domain.DecodePayload(job.Type, job.Payload)
		require.NoError(t, err)
		seen = payload
		return Completed(map[string]int{"created": 2})
	})

	processed, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, domain.CreatorCollectionPayload{CreatorID: "c1"}, seen)

	job, err := store.Get(context.Background(), domain.QueueCreatorCollection, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
	assert.JSONEq(t, `{"created":2}`, string(job.Result))
	assert.Empty(t, job.LeaseToken)
}

func TestRetryBacksOffExponentiallyUntilAttemptsExhausted(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	jobID := enqueueOne(t, store, clock, 3)
	settings := Settings{Backoff: 10 * time.Second, MaxBackoff: time.Hour}

	calls := 0
	worker := newTestWorker(store, clock, settings, func(context.Context, *domain.Job) Result {
		calls++
		return Retry("provider unavailable")
	})
	ctx := context.Background()

	for attempt, wantDelay := range []time.Duration{10 * time.Second, 20 * time.Second} {
		processed, err := worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)

		job, err := store.Get(ctx, domain.QueueCreatorCollection, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateDelayed, job.State, "attempt %d", attempt+1)
		assert.Equal(t, clock.Now().Add(wantDelay), job.ReadyAt)
		assert.Equal(t, "provider unavailable", job.FailedReason)

		processed, err = worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.False(t, processed, "job must wait for its backoff")
		clock.Advance(wantDelay)
	}

	processed, err := worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	job, err := store.Get(ctx, domain.QueueCreatorCollection, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, calls)
}

func TestFailedOutcomeIsTerminalOnFirstAttempt(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	jobID := enqueueOne(t, store, clock, 5)

	worker := newTestWorker(store, clock, Settings{}, func(context.Context, *domain.Job) Result {
		return Failed("creator not found")
	})
	_, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job, err := store.Get(context.Background(), domain.QueueCreatorCollection, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, "creator not found", job.FailedReason)
	assert.Equal(t, 1, job.Attempts)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	jobID := enqueueOne(t, store, clock, 3)

	worker := newTestWorker(store, clock, Settings{}, func(context.Context, *domain.Job) Result {
		panic("nil map")
	})
	processed, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	job, err := store.Get(context.Background(), domain.QueueCreatorCollection, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, job.State)
	assert.Contains(t, job.FailedReason, "handler panic")
}

func TestStalledJobIsRequeuedOnceThenFailed(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	jobID := enqueueOne(t, store, clock, 5)
	ctx := context.Background()

	worker := newTestWorker(store, clock, Settings{LockDuration: 30 * time.Second, MaxStalledCount: 1}, nil)

	// A claim whose owner never renews or settles.
	claimed, err := store.Claim(ctx, domain.QueueCreatorCollection, 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	requeued, failed, err := worker.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued+failed, "lease still valid")

	clock.Advance(31 * time.Second)
	requeued, failed, err = worker.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Zero(t, failed)

	// The stale owner can no longer settle the job.
	assert.ErrorIs(t, store.Complete(ctx, claimed, nil), ErrLeaseLost)

	_, err = store.Claim(ctx, domain.QueueCreatorCollection, 30*time.Second)
	require.NoError(t, err)
	clock.Advance(31 * time.Second)
	requeued, failed, err = worker.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, 1, failed)

	job, err := store.Get(ctx, domain.QueueCreatorCollection, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)
	assert.Equal(t, stalledReason, job.FailedReason)
	assert.Equal(t, 2, job.StalledCount)
}

func TestBackoffForIsCapped(t *testing.T) {
	settings := Settings{Backoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, settings.BackoffFor(1))
	assert.Equal(t, 2*time.Second, settings.BackoffFor(2))
	assert.Equal(t, 4*time.Second, settings.BackoffFor(3))
	assert.Equal(t, 5*time.Second, settings.BackoffFor(4))
	assert.Equal(t, 5*time.Second, settings.BackoffFor(10))
}

func TestRunStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	jobID := enqueueOne(t, store, clock, 3)

	done := make(chan struct{})
	worker := newTestWorker(store, clock, Settings{Concurrency: 2, PollInterval: 10 * time.Millisecond}, func(context.Context, *domain.Job) Result {
		close(done)
		return Completed(nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	job, err := store.Get(context.Background(), domain.QueueCreatorCollection, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, job.State)
}

func TestRateLimitWaitDoesNotLeaseTheJob(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	manager := NewManager(store, ManagerConfig{Now: clock.Now})
	settings := Settings{RateLimitMax: 1, RateLimitWindow: time.Hour}
	worker := newTestWorker(store, clock, settings, func(context.Context, *domain.Job) Result {
		return Completed(nil)
	})

	_, err := manager.Enqueue(context.Background(), EnqueueRequest{Payload: domain.CreatorCollectionPayload{CreatorID: "c1"}})
	require.NoError(t, err)
	processed, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	second, err := manager.Enqueue(context.Background(), EnqueueRequest{Payload: domain.CreatorCollectionPayload{CreatorID: "c2"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	processed, err = worker.ProcessNext(ctx)
	assert.Error(t, err)
	assert.False(t, processed)

	job, err := store.Get(context.Background(), domain.QueueCreatorCollection, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.Zero(t, job.Attempts)
	assert.Empty(t, job.LeaseToken)
}

func TestIdleClaimReturnsRateLimitSlot(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(clock.Now)
	settings := Settings{RateLimitMax: 1, RateLimitWindow: time.Hour}
	worker := newTestWorker(store, clock, settings, func(context.Context, *domain.Job) Result {
		return Completed(nil)
	})

	processed, err := worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.False(t, processed)

	enqueueOne(t, store, clock, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	processed, err = worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
}
