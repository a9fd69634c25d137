package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/reconcile"
	"github.com/iago/creator-ingest/internal/repository"
	"github.com/iago/creator-ingest/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	poll        func(attempt, maxAttempts int) (snapshot.PollResult, error)
	expireErr   error
	expired     bool
	expireCount int
}

func (f *fakePoller) Poll(_ context.Context, snapshotID string, attempt, maxAttempts int) (snapshot.PollResult, error) {
	if snapshotID != "snap-1" {
		return snapshot.PollResult{}, errors.New("unexpected snapshot " + snapshotID)
	}
	return f.poll(attempt, maxAttempts)
}

func (f *fakePoller) Expire(_ context.Context, _ string, attempts int, reason string) (snapshot.PollResult, error) {
	f.expired = true
	f.expireCount = attempts
	if f.expireErr != nil {
		return snapshot.PollResult{}, f.expireErr
	}
	return snapshot.PollResult{Outcome: snapshot.PollFailed, Status: domain.SnapshotFailed, Reason: "timed out: " + reason}, nil
}

func pollJob(t *testing.T, attempts int) *domain.Job {
	t.Helper()
	jobType, raw, err := domain.EncodePayload(domain.SnapshotPollPayload{SnapshotID: "snap-1", CreatorID: "c1"})
	require.NoError(t, err)
	return &domain.Job{ID: "job-1", Type: jobType, Payload: raw, Attempts: attempts, MaxAttempts: 20}
}

func TestSnapshotPollerMapsOutcomes(t *testing.T) {
	cases := map[snapshot.PollOutcome]queue.Outcome{
		snapshot.PollDone:   queue.OutcomeCompleted,
		snapshot.PollRetry:  queue.OutcomeRetry,
		snapshot.PollFailed: queue.OutcomeFailed,
	}
	for outcome, want := range cases {
		var gotAttempt, gotMax int
		poller := NewSnapshotPoller(&fakePoller{poll: func(attempt, maxAttempts int) (snapshot.PollResult, error) {
			gotAttempt, gotMax = attempt, maxAttempts
			return snapshot.PollResult{Outcome: outcome, Reason: "snapshot not ready"}, nil
		}}, nil)

		result := poller.Handle(context.Background(), pollJob(t, 2))
		assert.Equal(t, want, result.Outcome, outcome)
		assert.Equal(t, 2, gotAttempt)
		assert.Equal(t, 20, gotMax)
	}
}

func TestSnapshotPollerRetriesOnError(t *testing.T) {
	fake := &fakePoller{poll: func(int, int) (snapshot.PollResult, error) {
		return snapshot.PollResult{}, errors.New("database unavailable")
	}}
	poller := NewSnapshotPoller(fake, nil)

	result := poller.Handle(context.Background(), pollJob(t, 2))
	assert.Equal(t, queue.OutcomeRetry, result.Outcome)
	assert.Equal(t, "database unavailable", result.Reason)
	assert.False(t, fake.expired)
}

func TestSnapshotPollerExpiresOnLastAttempt(t *testing.T) {
	fake := &fakePoller{poll: func(int, int) (snapshot.PollResult, error) {
		return snapshot.PollResult{}, errors.New("database unavailable")
	}}
	poller := NewSnapshotPoller(fake, nil)

	result := poller.Handle(context.Background(), pollJob(t, 20))
	assert.Equal(t, queue.OutcomeFailed, result.Outcome)
	assert.Equal(t, "timed out: database unavailable", result.Reason)
	assert.True(t, fake.expired)
	assert.Equal(t, 20, fake.expireCount)

	fake = &fakePoller{
		poll: func(int, int) (snapshot.PollResult, error) {
			return snapshot.PollResult{Outcome: snapshot.PollRetry, Reason: "snapshot not ready"}, nil
		},
		expireErr: errors.New("database unavailable"),
	}
	result = NewSnapshotPoller(fake, nil).Handle(context.Background(), pollJob(t, 20))
	assert.Equal(t, queue.OutcomeFailed, result.Outcome)
	assert.True(t, fake.expired)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// runningProvider never finishes its run.
type runningProvider struct{}

func (runningProvider) Trigger(context.Context, []string) (string, error) { return "snap-1", nil }
func (runningProvider) Status(context.Context, string) (collector.ProviderStatus, error) {
	return collector.ProviderStatus{State: collector.ProviderRunning}, nil
}
func (runningProvider) Download(context.Context, string) ([]domain.CandidateRecord, error) {
	return nil, nil
}

// flakySnapshots fails the failOn-th GetSnapshot call.
type flakySnapshots struct {
	*repository.MemorySnapshotsRepository
	mu     sync.Mutex
	calls  int
	failOn int
}

func (s *flakySnapshots) GetSnapshot(ctx context.Context, snapshotID string) (*domain.Snapshot, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls == s.failOn
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return s.MemorySnapshotsRepository.GetSnapshot(ctx, snapshotID)
}

func TestSnapshotPollJobNeverOutlivesItsSnapshot(t *testing.T) {
	cases := map[string]struct {
		failOn    int
		lastError string
	}{
		"error on first attempt": {
			failOn:    1,
			lastError: "timed out waiting for provider after 3 polls",
		},
		"error on last attempt": {
			failOn:    3,
			lastError: "timed out waiting for provider after 3 polls: load snapshot snap-1: connection reset",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			store := queue.NewMemoryStore(clock.Now)
			settings := queue.Settings{Concurrency: 1, MaxAttempts: 3, Backoff: time.Second, MaxBackoff: time.Minute}
			manager := queue.NewManager(store, queue.ManagerConfig{
				Settings: map[domain.QueueName]queue.Settings{domain.QueueSnapshotPoll: settings},
				Now:      clock.Now,
			})

			registry := collector.NewRegistry()
			registry.RegisterProvider(domain.PlatformTwitter, runningProvider{})
			snapshots := &flakySnapshots{MemorySnapshotsRepository: repository.NewMemorySnapshotsRepository(), failOn: tc.failOn}
			contentStore := reconcile.NewStore(repository.NewMemoryContentRepository(), reconcile.Config{})
			twoPhase := snapshot.NewCollector(registry, snapshots, contentStore, manager, snapshot.Config{
				InitialPollDelay: time.Second,
				Now:              clock.Now,
			})
			_, err := twoPhase.Trigger(ctx, "c1", domain.PlatformTwitter, []string{"https://x.com/ada"})
			require.NoError(t, err)

			worker := queue.NewWorker(store, queue.WorkerConfig{
				Queue:    domain.QueueSnapshotPoll,
				Settings: settings,
				Handler:  NewSnapshotPoller(twoPhase, nil).Handle,
				Now:      clock.Now,
			})
			for range 10 {
				clock.Advance(time.Hour)
				_, err := worker.ProcessNext(ctx)
				require.NoError(t, err)
			}

			job, err := manager.GetJob(ctx, domain.QueueSnapshotPoll, "snapshot:snap-1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobStateFailed, job.State)
			assert.Equal(t, 3, job.Attempts)

			stored, err := snapshots.MemorySnapshotsRepository.GetSnapshot(ctx, "snap-1")
			require.NoError(t, err)
			assert.Equal(t, domain.SnapshotFailed, stored.Status)
			assert.Equal(t, 3, stored.Attempts)
			assert.Equal(t, tc.lastError, stored.LastError)
		})
	}
}
