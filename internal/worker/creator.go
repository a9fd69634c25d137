package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/reconcile"
	"github.com/iago/creator-ingest/internal/repository"
	"golang.org/x/sync/errgroup"
)

// SnapshotTrigger starts the first phase of an async collection.
type SnapshotTrigger interface {
	Trigger(ctx context.Context, creatorID string, platform domain.Platform, sourceURLs []string) (*domain.Snapshot, error)
}

type SourceStats struct {
	Platform    domain.Platform `json:"platform"`
	URLs        []string        `json:"urls"`
	Records     int             `json:"records"`
	Created     int             `json:"created"`
	Updated     int             `json:"updated"`
	Skipped     int             `json:"skipped"`
	Rejected    int             `json:"rejected"`
	SnapshotID  string          `json:"snapshotId,omitempty"`
	NoCollector bool            `json:"noCollector,omitempty"`
	Deferred    bool            `json:"deferred,omitempty"`
	RateLimited bool            `json:"rateLimited,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type PlatformStats struct {
	Created int    `json:"created"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
	Error   string `json:"error,omitempty"`
}

// CreatorStats is the outcome of one creator run. It is stored on the creator
// and returned as the job result.
type CreatorStats struct {
	CreatorID     string                             `json:"creatorId"`
	Sources       []SourceStats                      `json:"sources"`
	Platforms     map[domain.Platform]*PlatformStats `json:"platforms"`
	Created       int                                `json:"created"`
	Updated       int                                `json:"updated"`
	Skipped       int                                `json:"skipped"`
	Errors        int                                `json:"errors"`
	FailedSources int                                `json:"failedSources"`
	RateLimited   int                                `json:"rateLimited"`
	SnapshotIDs   []string                           `json:"snapshotIds,omitempty"`
	CreatedIDs    []string                           `json:"-"`
	Summarization *queue.EnqueueResult               `json:"summarization,omitempty"`
	StartedAt     time.Time                          `json:"startedAt"`
	FinishedAt    time.Time                          `json:"finishedAt"`
}

type CreatorConfig struct {
	SourceConcurrency int
	FetchLimit        int
	// Lookback is subtracted from the creator's last run to build the fetch
	// window, so late-indexed items are still seen.
	Lookback time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

// CreatorWorker handles creator-collection jobs: it fans out over the
// creator's sources, reconciles what synchronous collectors return, triggers
// async snapshots for the rest and chains summarization of new content.
type CreatorWorker struct {
	creators    repository.CreatorsRepository
	registry    *collector.Registry
	store       reconcile.Batcher
	snapshots   SnapshotTrigger
	enqueuer    queue.Enqueuer
	concurrency int
	fetchLimit  int
	lookback    time.Duration
	logger      *log.Logger
	now         func() time.Time
}

func NewCreatorWorker(
	creators repository.CreatorsRepository,
	registry *collector.Registry,
	store reconcile.Batcher,
	snapshots SnapshotTrigger,
	enqueuer queue.Enqueuer,
	cfg CreatorConfig,
) *CreatorWorker {
	if cfg.SourceConcurrency <= 0 {
		cfg.SourceConcurrency = 4
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	if cfg.Lookback < 0 {
		cfg.Lookback = 0
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &CreatorWorker{
		creators:    creators,
		registry:    registry,
		store:       store,
		snapshots:   snapshots,
		enqueuer:    enqueuer,
		concurrency: cfg.SourceConcurrency,
		fetchLimit:  cfg.FetchLimit,
		lookback:    cfg.Lookback,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Handle is the queue.Handler of the creator-collection queue.
func (w *CreatorWorker) Handle(ctx context.Context, job *domain.Job) queue.Result {
	decoded, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return queue.Failed(err.Error())
	}
	payload, ok := decoded.(domain.CreatorCollectionPayload)
	if !ok {
		return queue.Failed(fmt.Sprintf("unexpected payload %s on creator queue", job.Type))
	}

	creator, err := w.creators.GetCreator(ctx, payload.CreatorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return queue.Failed("creator not found: " + payload.CreatorID)
		}
		return queue.Retry("load creator: " + err.Error())
	}

	stats := w.Collect(ctx, creator, payload.SkipSlowPlatforms)

	if stats.Created > 0 {
		result, err := w.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			Payload: domain.SummarizationPayload{CreatorID: creator.ID, ContentIDs: stats.CreatedIDs},
		})
		if err != nil {
			w.logf("summarization enqueue failed creator_id=%s created=%d err=%v", creator.ID, stats.Created, err)
		} else {
			stats.Summarization = &result
		}
	}

	encoded, err := json.Marshal(stats)
	if err != nil {
		return queue.Failed("encode creator stats: " + err.Error())
	}
	if err := w.creators.UpdateLastProcessed(ctx, creator.ID, stats.FinishedAt, encoded); err != nil {
		w.logf("last processed update failed creator_id=%s err=%v", creator.ID, err)
	}

	w.logf(
		"creator collected creator_id=%s sources=%d created=%d updated=%d skipped=%d errors=%d failed_sources=%d snapshots=%d",
		creator.ID, len(stats.Sources), stats.Created, stats.Updated, stats.Skipped, stats.Errors, stats.FailedSources, len(stats.SnapshotIDs),
	)
	return queue.Completed(stats)
}

type sourceTask struct {
	platform domain.Platform
	urls     []string
	async    bool
}

// Collect runs every source of the creator. A failing source is recorded in
// its SourceStats and never stops the others.
func (w *CreatorWorker) Collect(ctx context.Context, creator *domain.Creator, skipSlowPlatforms bool) CreatorStats {
	stats := CreatorStats{
		CreatorID: creator.ID,
		Platforms: make(map[domain.Platform]*PlatformStats),
		StartedAt: w.now(),
	}

	tasks := w.plan(creator)
	results := make([]SourceStats, len(tasks))
	createdIDs := make([][]string, len(tasks))
	opts := collector.FetchOptions{Limit: w.fetchLimit}
	if creator.LastProcessedAt != nil {
		opts.Since = creator.LastProcessedAt.Add(-w.lookback)
	}

	var group errgroup.Group
	group.SetLimit(w.concurrency)
	for index, task := range tasks {
		results[index] = SourceStats{Platform: task.platform, URLs: task.urls}
		if task.async && skipSlowPlatforms {
			results[index].Deferred = true
			continue
		}
		group.Go(func() error {
			createdIDs[index] = w.runSource(ctx, creator.ID, task, opts, &results[index])
			return nil
		})
	}
	_ = group.Wait()

	for index, source := range results {
		stats.Sources = append(stats.Sources, source)
		stats.CreatedIDs = append(stats.CreatedIDs, createdIDs[index]...)
		stats.fold(source)
	}
	stats.FinishedAt = w.now()
	return stats
}

// plan turns sources into tasks: one per synchronous source and one per async
// platform, since providers take every URL of a platform in one run.
func (w *CreatorWorker) plan(creator *domain.Creator) []sourceTask {
	tasks := make([]sourceTask, 0, len(creator.Sources))
	asyncIndex := make(map[domain.Platform]int)
	for _, source := range creator.Sources {
		if _, ok := w.registry.Fetcher(source.Platform); ok {
			tasks = append(tasks, sourceTask{platform: source.Platform, urls: []string{source.URL}})
			continue
		}
		if _, ok := w.registry.Provider(source.Platform); ok {
			if index, seen := asyncIndex[source.Platform]; seen {
				tasks[index].urls = append(tasks[index].urls, source.URL)
				continue
			}
			asyncIndex[source.Platform] = len(tasks)
			tasks = append(tasks, sourceTask{platform: source.Platform, urls: []string{source.URL}, async: true})
			continue
		}
		tasks = append(tasks, sourceTask{platform: source.Platform, urls: []string{source.URL}})
	}
	return tasks
}

func (w *CreatorWorker) runSource(
	ctx context.Context,
	creatorID string,
	task sourceTask,
	opts collector.FetchOptions,
	out *SourceStats,
) (created []string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			out.Error = fmt.Sprintf("collector panic: %v", recovered)
			created = nil
			w.logf("source failed creator_id=%s platform=%s err=%q", creatorID, task.platform, out.Error)
		}
	}()

	if task.async {
		snapshot, err := w.snapshots.Trigger(ctx, creatorID, task.platform, task.urls)
		if snapshot != nil {
			out.SnapshotID = snapshot.ID
		}
		if err != nil {
			w.recordError(creatorID, task, out, err)
		}
		return nil
	}

	fetcher, ok := w.registry.Fetcher(task.platform)
	if !ok {
		out.NoCollector = true
		return nil
	}
	records, err := fetcher.Fetch(ctx, task.urls[0], opts)
	if err != nil {
		w.recordError(creatorID, task, out, err)
		return nil
	}
	for index := range records {
		records[index].CreatorID = creatorID
		records[index].Platform = task.platform
	}
	out.Records = len(records)

	result, err := w.store.StoreBatch(ctx, records)
	if err != nil {
		w.recordError(creatorID, task, out, err)
		return nil
	}
	out.Created = result.Created
	out.Updated = result.Updated
	out.Skipped = result.Skipped
	out.Rejected = len(result.Errors)
	return result.CreatedIDs
}

func (w *CreatorWorker) recordError(creatorID string, task sourceTask, out *SourceStats, err error) {
	out.Error = err.Error()
	if collector.IsRateLimited(err) {
		out.RateLimited = true
		w.logf("source rate_limited creator_id=%s platform=%s err=%v", creatorID, task.platform, err)
		return
	}
	w.logf("source failed creator_id=%s platform=%s err=%v", creatorID, task.platform, err)
}

func (s *CreatorStats) fold(source SourceStats) {
	platform, ok := s.Platforms[source.Platform]
	if !ok {
		platform = &PlatformStats{}
		s.Platforms[source.Platform] = platform
	}
	platform.Created += source.Created
	platform.Updated += source.Updated
	platform.Skipped += source.Skipped
	platform.Errors += source.Rejected

	s.Created += source.Created
	s.Updated += source.Updated
	s.Skipped += source.Skipped
	s.Errors += source.Rejected
	if source.SnapshotID != "" {
		s.SnapshotIDs = append(s.SnapshotIDs, source.SnapshotID)
	}
	if source.Error != "" {
		platform.Errors++
		platform.Error = source.Error
		s.Errors++
		s.FailedSources++
		if source.RateLimited {
			s.RateLimited++
		}
	}
}

func (w *CreatorWorker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
