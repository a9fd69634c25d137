package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/reconcile"
	"github.com/iago/creator-ingest/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	ids []string
	err error
}

func (f staticFetcher) Fetch(_ context.Context, sourceURL string, _ collector.FetchOptions) ([]domain.CandidateRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	records := make([]domain.CandidateRecord, 0, len(f.ids))
	for _, id := range f.ids {
		records = append(records, domain.CandidateRecord{
			PlatformContentID: sourceURL + "#" + id,
			URL:               sourceURL + "/" + id,
			Body:              "item " + id,
			PublishedAt:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		})
	}
	return records, nil
}

type panickingFetcher struct{}

func (panickingFetcher) Fetch(context.Context, string, collector.FetchOptions) ([]domain.CandidateRecord, error) {
	panic("parser exploded")
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls map[domain.Platform][]string
}

func (f *fakeTrigger) Trigger(_ context.Context, creatorID string, platform domain.Platform, urls []string) (*domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[domain.Platform][]string)
	}
	f.calls[platform] = append(f.calls[platform], urls...)
	return &domain.Snapshot{ID: "snap-" + string(platform), CreatorID: creatorID, Platform: platform}, nil
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	requests []queue.EnqueueRequest
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, request queue.EnqueueRequest) (queue.EnqueueResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, request)
	return queue.EnqueueResult{Queued: true, JobID: "summary-job"}, nil
}

// noopProvider only needs to exist in the registry; the trigger is faked.
type noopProvider struct{}

func (noopProvider) Trigger(context.Context, []string) (string, error) { return "", nil }
func (noopProvider) Status(context.Context, string) (collector.ProviderStatus, error) {
	return collector.ProviderStatus{}, nil
}
func (noopProvider) Download(context.Context, string) ([]domain.CandidateRecord, error) {
	return nil, nil
}

type workerFixture struct {
	worker   *CreatorWorker
	creators *repository.MemoryCreatorsRepository
	trigger  *fakeTrigger
	enqueuer *recordingEnqueuer
}

func newWorkerFixture(registry *collector.Registry, creator *domain.Creator) workerFixture {
	creators := repository.NewMemoryCreatorsRepository(creator)
	trigger := &fakeTrigger{}
	enqueuer := &recordingEnqueuer{}
	store := reconcile.NewStore(repository.NewMemoryContentRepository(), reconcile.Config{})
	return workerFixture{
		worker:   NewCreatorWorker(creators, registry, store, trigger, enqueuer, CreatorConfig{SourceConcurrency: 2}),
		creators: creators,
		trigger:  trigger,
		enqueuer: enqueuer,
	}
}

func creatorJob(t *testing.T, creatorID string, skipSlow bool) *domain.Job {
	t.Helper()
	jobType, raw, err := domain.EncodePayload(domain.CreatorCollectionPayload{CreatorID: creatorID, SkipSlowPlatforms: skipSlow})
	require.NoError(t, err)
	return &domain.Job{ID: "job-1", Queue: domain.QueueCreatorCollection, Type: jobType, Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func TestOneFailingSourceDoesNotAbortCreator(t *testing.T) {
	registry := collector.NewRegistry()
	registry.RegisterFetcher(domain.PlatformRSS, staticFetcher{ids: []string{"a", "b"}})
	registry.RegisterFetcher(domain.PlatformYouTube, staticFetcher{err: errors.New("connection refused")})
	creator := &domain.Creator{ID: "c1", Name: "Ada", Active: true, Sources: []domain.Source{
		{ID: "s1", URL: "https://blog.example/feed", Platform: domain.PlatformRSS},
		{ID: "s2", URL: "https://www.youtube.com/@ada", Platform: domain.PlatformYouTube},
		{ID: "s3", URL: "https://news.example/rss", Platform: domain.PlatformRSS},
	}}
	f := newWorkerFixture(registry, creator)

	result := f.worker.Handle(context.Background(), creatorJob(t, "c1", false))
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)

	stats := result.Value.(CreatorStats)
	assert.Len(t, stats.Sources, 3)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.FailedSources)
	assert.Equal(t, 4, stats.Created)
	assert.Equal(t, "connection refused", stats.Platforms[domain.PlatformYouTube].Error)
	assert.Equal(t, 4, stats.Platforms[domain.PlatformRSS].Created)

	stored, err := f.creators.GetCreator(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastProcessedAt)
	var persisted map[string]any
	require.NoError(t, json.Unmarshal(stored.LastStats, &persisted))
	assert.EqualValues(t, 4, persisted["created"])
}

func TestSummarizationChainedOnlyForNewContent(t *testing.T) {
	registry := collector.NewRegistry()
	registry.RegisterFetcher(domain.PlatformRSS, staticFetcher{ids: []string{"a", "b"}})
	creator := &domain.Creator{ID: "c1", Active: true, Sources: []domain.Source{
		{ID: "s1", URL: "https://blog.example/feed", Platform: domain.PlatformRSS},
	}}
	f := newWorkerFixture(registry, creator)
	ctx := context.Background()

	first := f.worker.Handle(ctx, creatorJob(t, "c1", false))
	require.Equal(t, queue.OutcomeCompleted, first.Outcome)
	require.Len(t, f.enqueuer.requests, 1)
	payload := f.enqueuer.requests[0].Payload.(domain.SummarizationPayload)
	assert.Equal(t, "c1", payload.CreatorID)
	assert.Len(t, payload.ContentIDs, 2)

	second := f.worker.Handle(ctx, creatorJob(t, "c1", false))
	require.Equal(t, queue.OutcomeCompleted, second.Outcome)
	assert.Equal(t, 2, second.Value.(CreatorStats).Skipped)
	assert.Len(t, f.enqueuer.requests, 1)
}

func TestAsyncSourcesTriggerOneSnapshotPerPlatform(t *testing.T) {
	registry := collector.NewRegistry()
	registry.RegisterProvider(domain.PlatformTwitter, noopProvider{})
	creator := &domain.Creator{ID: "c1", Active: true, Sources: []domain.Source{
		{ID: "s1", URL: "https://x.com/ada", Platform: domain.PlatformTwitter},
		{ID: "s2", URL: "https://x.com/ada_alt", Platform: domain.PlatformTwitter},
		{ID: "s3", URL: "https://unknown.example", Platform: domain.PlatformLinkedIn},
	}}
	f := newWorkerFixture(registry, creator)

	result := f.worker.Handle(context.Background(), creatorJob(t, "c1", false))
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)
	stats := result.Value.(CreatorStats)
	assert.Equal(t, []string{"snap-twitter"}, stats.SnapshotIDs)
	assert.Equal(t, []string{"https://x.com/ada", "https://x.com/ada_alt"}, f.trigger.calls[domain.PlatformTwitter])
	assert.Zero(t, stats.Errors)
	assert.True(t, stats.Sources[1].NoCollector)
	assert.Empty(t, f.enqueuer.requests)
}

func TestSkipSlowPlatformsDefersAsyncSources(t *testing.T) {
	registry := collector.NewRegistry()
	registry.RegisterProvider(domain.PlatformTwitter, noopProvider{})
	creator := &domain.Creator{ID: "c1", Active: true, Sources: []domain.Source{
		{ID: "s1", URL: "https://x.com/ada", Platform: domain.PlatformTwitter},
	}}
	f := newWorkerFixture(registry, creator)

	result := f.worker.Handle(context.Background(), creatorJob(t, "c1", true))
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)
	assert.True(t, result.Value.(CreatorStats).Sources[0].Deferred)
	assert.Empty(t, f.trigger.calls)
}

func TestPanickingCollectorIsIsolated(t *testing.T) {
	registry := collector.NewRegistry()
	registry.RegisterFetcher(domain.PlatformRSS, panickingFetcher{})
	creator := &domain.Creator{ID: "c1", Active: true, Sources: []domain.Source{
		{ID: "s1", URL: "https://blog.example/feed", Platform: domain.PlatformRSS},
	}}
	f := newWorkerFixture(registry, creator)

	result := f.worker.Handle(context.Background(), creatorJob(t, "c1", false))
	require.Equal(t, queue.OutcomeCompleted, result.Outcome)
	stats := result.Value.(CreatorStats)
	assert.Equal(t, 1, stats.Errors)
	assert.Contains(t, stats.Sources[0].Error, "parser exploded")
}

func TestRateLimitedSourceIsCounted(t *testing.T) {
	registry := collector.NewRegistry()
	registry.RegisterFetcher(domain.PlatformYouTube, staticFetcher{err: &collector.ProviderError{Provider: "youtube", StatusCode: 429}})
	creator := &domain.Creator{ID: "c1", Active: true, Sources: []domain.Source{
		{ID: "s1", URL: "https://www.youtube.com/@ada", Platform: domain.PlatformYouTube},
	}}
	f := newWorkerFixture(registry, creator)

	result := f.worker.Handle(context.Background(), creatorJob(t, "c1", false))
	stats := result.Value.(CreatorStats)
	assert.Equal(t, 1, stats.RateLimited)
	assert.True(t, stats.Sources[0].RateLimited)
}

func TestUnknownCreatorFailsPermanently(t *testing.T) {
	f := newWorkerFixture(collector.NewRegistry(), &domain.Creator{ID: "c1"})
	result := f.worker.Handle(context.Background(), creatorJob(t, "ghost", false))
	assert.Equal(t, queue.OutcomeFailed, result.Outcome)
}

type unavailableCreators struct {
	*repository.MemoryCreatorsRepository
}

func (unavailableCreators) GetCreator(context.Context, string) (*domain.Creator, error) {
	return nil, errors.New("too many connections")
}

func TestCreatorReadErrorIsRetried(t *testing.T) {
	store := reconcile.NewStore(repository.NewMemoryContentRepository(), reconcile.Config{})
	worker := NewCreatorWorker(
		unavailableCreators{repository.NewMemoryCreatorsRepository()},
		collector.NewRegistry(), store, &fakeTrigger{}, &recordingEnqueuer{}, CreatorConfig{},
	)
	result := worker.Handle(context.Background(), creatorJob(t, "c1", false))
	assert.Equal(t, queue.OutcomeRetry, result.Outcome)
}

func TestMalformedPayloadFails(t *testing.T) {
	f := newWorkerFixture(collector.NewRegistry(), &domain.Creator{ID: "c1"})
	job := &domain.Job{Type: domain.JobTypeCollectCreator, Payload: json.RawMessage(`{"creatorId":""}`)}
	assert.Equal(t, queue.OutcomeFailed, f.worker.Handle(context.Background(), job).Outcome)
}
