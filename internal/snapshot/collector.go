package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/reconcile"
	"github.com/iago/creator-ingest/internal/repository"
)

var ErrNoProvider = errors.New("no async provider registered for platform")

type PollOutcome string

const (
	// PollDone means the snapshot is terminal and processed.
	PollDone PollOutcome = "done"
	// PollRetry asks the queue to poll again later.
	PollRetry PollOutcome = "retry"
	// PollFailed means the snapshot is terminal and failed.
	PollFailed PollOutcome = "failed"
)

type PollResult struct {
	Outcome             PollOutcome                  `json:"outcome"`
	Status              domain.SnapshotStatus        `json:"status"`
	Attempts            int                          `json:"attempts"`
	Reason              string                       `json:"reason,omitempty"`
	Reconciliation      *domain.ReconciliationResult `json:"reconciliation,omitempty"`
	SummarizationQueued bool                         `json:"summarizationQueued,omitempty"`
}

type Config struct {
	InitialPollDelay time.Duration
	Logger           *log.Logger
	Now              func() time.Time
}

// Collector drives the two-phase collection of async providers: Trigger
// starts a provider run and schedules a poll job, Poll advances the snapshot
// state machine one step per job attempt.
type Collector struct {
	registry  *collector.Registry
	snapshots repository.SnapshotsRepository
	store     reconcile.Batcher
	enqueuer  queue.Enqueuer
	delay     time.Duration
	logger    *log.Logger
	now       func() time.Time
}

func NewCollector(
	registry *collector.Registry,
	snapshots repository.SnapshotsRepository,
	store reconcile.Batcher,
	enqueuer queue.Enqueuer,
	cfg Config,
) *Collector {
	if cfg.InitialPollDelay <= 0 {
		cfg.InitialPollDelay = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Collector{
		registry:  registry,
		snapshots: snapshots,
		store:     store,
		enqueuer:  enqueuer,
		delay:     cfg.InitialPollDelay,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Trigger starts a provider run for the given sources, persists it as a
// pending snapshot and schedules the first poll. It does not wait for the
// provider.
func (c *Collector) Trigger(
	ctx context.Context,
	creatorID string,
	platform domain.Platform,
	sourceURLs []string,
) (*domain.Snapshot, error) {
	provider, ok := c.registry.Provider(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, platform)
	}

	snapshotID, err := provider.Trigger(ctx, sourceURLs)
	if err != nil {
		return nil, fmt.Errorf("trigger %s snapshot: %w", platform, err)
	}

	now := c.now()
	snapshot := &domain.Snapshot{
		ID:         snapshotID,
		CreatorID:  creatorID,
		Platform:   platform,
		SourceURLs: append([]string(nil), sourceURLs...),
		Status:     domain.SnapshotPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.snapshots.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("persist snapshot %s: %w", snapshotID, err)
	}

	if _, err := c.schedulePoll(ctx, snapshot, c.delay); err != nil {
		// The pending snapshot is picked up again by ResumePending.
		return snapshot, err
	}
	c.logf("snapshot triggered snapshot_id=%s creator_id=%s platform=%s sources=%d", snapshot.ID, creatorID, platform, len(sourceURLs))
	return snapshot, nil
}

func (c *Collector) schedulePoll(ctx context.Context, snapshot *domain.Snapshot, delay time.Duration) (queue.EnqueueResult, error) {
	result, err := c.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
		Payload: domain.SnapshotPollPayload{SnapshotID: snapshot.ID, CreatorID: snapshot.CreatorID},
		Delay:   delay,
	})
	if err != nil {
		return result, fmt.Errorf("schedule poll for snapshot %s: %w", snapshot.ID, err)
	}
	return result, nil
}

// pollBudget bounds the number of polls a snapshot may take. attempt is the
// 1-based attempt of the poll job, zero when unknown.
type pollBudget struct {
	attempt int
	max     int
}

// Poll checks the provider once and moves the snapshot accordingly. A
// returned error means the poll could not run at all and should be retried.
// attempt is the poll job's attempt number; the snapshot's poll count never
// falls behind it, so polls lost to errors still count toward maxAttempts.
func (c *Collector) Poll(ctx context.Context, snapshotID string, attempt, maxAttempts int) (PollResult, error) {
	budget := pollBudget{attempt: attempt, max: maxAttempts}
	snapshot, err := c.snapshots.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return PollResult{Outcome: PollFailed, Reason: "snapshot not found"}, nil
		}
		return PollResult{}, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	if snapshot.Status.Terminal() {
		return resultFor(snapshot, PollDone, "snapshot already "+string(snapshot.Status)), nil
	}

	provider, ok := c.registry.Provider(snapshot.Platform)
	if !ok {
		return c.fail(ctx, snapshot, fmt.Sprintf("%s: %s", ErrNoProvider, snapshot.Platform))
	}

	status, err := provider.Status(ctx, snapshot.ID)
	if err != nil {
		if !collector.IsRetryable(err) {
			return c.fail(ctx, snapshot, "provider status: "+err.Error())
		}
		if collector.IsRateLimited(err) {
			c.logf("snapshot poll rate_limited snapshot_id=%s platform=%s err=%v", snapshot.ID, snapshot.Platform, err)
		}
		return c.notReady(ctx, snapshot, budget, "provider status: "+err.Error())
	}

	switch status.State {
	case collector.ProviderFailed:
		reason := status.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return c.fail(ctx, snapshot, reason)
	case collector.ProviderReady:
		return c.collect(ctx, snapshot, provider, budget)
	default:
		return c.notReady(ctx, snapshot, budget, "snapshot not ready")
	}
}

func (c *Collector) collect(
	ctx context.Context,
	snapshot *domain.Snapshot,
	provider collector.AsyncProvider,
	budget pollBudget,
) (PollResult, error) {
	if snapshot.Status != domain.SnapshotProcessing {
		if err := c.transition(ctx, snapshot, domain.SnapshotProcessing); err != nil {
			return PollResult{}, err
		}
	}

	records, err := provider.Download(ctx, snapshot.ID)
	if err != nil {
		if !collector.IsRetryable(err) {
			return c.fail(ctx, snapshot, "download: "+err.Error())
		}
		return c.notReady(ctx, snapshot, budget, "download: "+err.Error())
	}
	for index := range records {
		records[index].CreatorID = snapshot.CreatorID
		records[index].Platform = snapshot.Platform
	}

	stored, err := c.store.StoreBatch(ctx, records)
	if err != nil {
		return c.notReady(ctx, snapshot, budget, "store results: "+err.Error())
	}

	now := c.now()
	snapshot.ResultCount = len(records)
	snapshot.Created = stored.Created
	snapshot.Updated = stored.Updated
	snapshot.Skipped = stored.Skipped
	snapshot.Errors = len(stored.Errors)
	snapshot.LastError = ""
	snapshot.CompletedAt = &now
	if err := c.transition(ctx, snapshot, domain.SnapshotProcessed); err != nil {
		return PollResult{}, err
	}

	result := resultFor(snapshot, PollDone, "")
	result.Reconciliation = &stored
	if stored.Created > 0 {
		_, err := c.enqueuer.Enqueue(ctx, queue.EnqueueRequest{
			Payload: domain.SummarizationPayload{CreatorID: snapshot.CreatorID, ContentIDs: stored.CreatedIDs},
		})
		if err != nil {
			c.logf("summarization enqueue failed snapshot_id=%s creator_id=%s err=%v", snapshot.ID, snapshot.CreatorID, err)
		} else {
			result.SummarizationQueued = true
		}
	}
	c.logf(
		"snapshot processed snapshot_id=%s creator_id=%s records=%d created=%d updated=%d skipped=%d errors=%d",
		snapshot.ID, snapshot.CreatorID, len(records), stored.Created, stored.Updated, stored.Skipped, len(stored.Errors),
	)
	return result, nil
}

// notReady records one more non-terminal poll and fails the snapshot once
// the attempt budget is spent.
func (c *Collector) notReady(ctx context.Context, snapshot *domain.Snapshot, budget pollBudget, reason string) (PollResult, error) {
	snapshot.Attempts = max(snapshot.Attempts+1, budget.attempt)
	if budget.max > 0 && snapshot.Attempts >= budget.max {
		return c.fail(ctx, snapshot, fmt.Sprintf("timed out waiting for provider after %d polls", snapshot.Attempts))
	}

	snapshot.LastError = ""
	if reason != "snapshot not ready" {
		snapshot.LastError = reason
	}
	if err := c.transition(ctx, snapshot, snapshot.Status); err != nil {
		return PollResult{}, err
	}
	return resultFor(snapshot, PollRetry, reason), nil
}

// Expire fails a non-terminal snapshot whose poll job has run out of
// attempts without the snapshot reaching a verdict.
func (c *Collector) Expire(ctx context.Context, snapshotID string, attempts int, reason string) (PollResult, error) {
	snapshot, err := c.snapshots.GetSnapshot(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return PollResult{Outcome: PollFailed, Reason: "snapshot not found"}, nil
		}
		return PollResult{}, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	if snapshot.Status.Terminal() {
		return resultFor(snapshot, PollDone, "snapshot already "+string(snapshot.Status)), nil
	}

	snapshot.Attempts = max(snapshot.Attempts, attempts)
	message := fmt.Sprintf("timed out waiting for provider after %d polls", snapshot.Attempts)
	if reason != "" {
		message += ": " + reason
	}
	return c.fail(ctx, snapshot, message)
}

func (c *Collector) fail(ctx context.Context, snapshot *domain.Snapshot, reason string) (PollResult, error) {
	now := c.now()
	snapshot.LastError = reason
	snapshot.CompletedAt = &now
	if err := c.transition(ctx, snapshot, domain.SnapshotFailed); err != nil {
		return PollResult{}, err
	}
	c.logf("snapshot failed snapshot_id=%s creator_id=%s attempts=%d reason=%q", snapshot.ID, snapshot.CreatorID, snapshot.Attempts, reason)
	return resultFor(snapshot, PollFailed, reason), nil
}

func (c *Collector) transition(ctx context.Context, snapshot *domain.Snapshot, next domain.SnapshotStatus) error {
	if !snapshot.Status.CanTransition(next) {
		return fmt.Errorf("snapshot %s: invalid transition %s -> %s", snapshot.ID, snapshot.Status, next)
	}
	snapshot.Status = next
	snapshot.UpdatedAt = c.now()
	if err := c.snapshots.UpdateSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("update snapshot %s: %w", snapshot.ID, err)
	}
	return nil
}

// ResumePending schedules a poll for every non-terminal snapshot. Snapshots
// that still have a live poll job are absorbed by the queue's dedup rule.
func (c *Collector) ResumePending(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []domain.SnapshotStatus{domain.SnapshotPending, domain.SnapshotProcessing} {
		snapshots, err := c.snapshots.ListSnapshotsByStatus(ctx, status)
		if err != nil {
			return resumed, fmt.Errorf("list %s snapshots: %w", status, err)
		}
		for _, snapshot := range snapshots {
			result, err := c.schedulePoll(ctx, snapshot, 0)
			if err != nil {
				return resumed, err
			}
			if result.Queued {
				resumed++
			}
		}
	}
	if resumed > 0 {
		c.logf("pending snapshots resumed count=%d", resumed)
	}
	return resumed, nil
}

func resultFor(snapshot *domain.Snapshot, outcome PollOutcome, reason string) PollResult {
	return PollResult{
		Outcome:  outcome,
		Status:   snapshot.Status,
		Attempts: snapshot.Attempts,
		Reason:   reason,
	}
}

func (c *Collector) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
