package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/iago/creator-ingest/internal/domain"
)

const maxPriority = 1000

// EnqueueRequest describes one job submission. Zero Priority and MaxAttempts
// take the queue defaults; an empty DedupKey takes the payload's own key.
type EnqueueRequest struct {
	Payload     domain.Payload
	DedupKey    string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

type EnqueueResult struct {
	Queued bool   `json:"queued"`
	JobID  string `json:"jobId"`
}

type BulkResult struct {
	Queued  int      `json:"queued"`
	Skipped int      `json:"skipped"`
	JobIDs  []string `json:"jobIds"`
}

type CleanupPolicy struct {
	CompletedAge time.Duration
	FailedAge    time.Duration
	Limit        int
}

// DefaultCleanupPolicy keeps failures far longer than successes so they can
// be diagnosed.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{
		CompletedAge: time.Hour,
		FailedAge:    7 * 24 * time.Hour,
		Limit:        1000,
	}
}

type CleanupReport struct {
	Completed map[domain.QueueName]int `json:"completed"`
	Failed    map[domain.QueueName]int `json:"failed"`
}

// Enqueuer is the narrow view of the manager used by job producers.
type Enqueuer interface {
	Enqueue(ctx context.Context, request EnqueueRequest) (EnqueueResult, error)
}

type ManagerConfig struct {
	Settings      map[domain.QueueName]Settings
	StatsCacheTTL time.Duration
	Now           func() time.Time
	Logger        *log.Logger
}

// Manager is the job queue API: deduplicated enqueue, bulk submission,
// cached stats and age-bounded cleanup over a Store.
type Manager struct {
	store    Store
	settings map[domain.QueueName]Settings
	cache    *statsCache
	now      func() time.Time
	logger   *log.Logger
}

func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	settings := DefaultSettings()
	for queue, override := range cfg.Settings {
		settings[queue] = override
	}
	for queue, value := range settings {
		settings[queue] = value.withDefaults()
	}
	return &Manager{
		store:    store,
		settings: settings,
		cache:    newStatsCache(cfg.StatsCacheTTL, cfg.Now),
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Settings returns the effective settings of a queue.
func (m *Manager) Settings(queue domain.QueueName) Settings {
	if settings, ok := m.settings[queue]; ok {
		return settings
	}
	return Settings{}.withDefaults()
}

func (m *Manager) Enqueue(ctx context.Context, request EnqueueRequest) (EnqueueResult, error) {
	job, err := m.buildJob(request)
	if err != nil {
		return EnqueueResult{}, err
	}

	added, err := m.store.Add(ctx, job)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	if !added.Added {
		m.logf("enqueue skipped queue=%s dedup_key=%s existing_job_id=%s", job.Queue, job.DedupKey, added.JobID)
		return EnqueueResult{Queued: false, JobID: added.JobID}, nil
	}

	m.logf("job enqueued queue=%s job_id=%s dedup_key=%s delay_ms=%d", job.Queue, job.ID, job.DedupKey, request.Delay.Milliseconds())
	return EnqueueResult{Queued: true, JobID: added.JobID}, nil
}

// EnqueueBulk applies the Enqueue dedup rule to every request and submits the
// survivors as a single batch. Invalid payloads fail the whole call before
// anything is submitted.
func (m *Manager) EnqueueBulk(ctx context.Context, requests []EnqueueRequest) (BulkResult, error) {
	result := BulkResult{JobIDs: make([]string, 0, len(requests))}
	if len(requests) == 0 {
		return result, nil
	}

	jobs := make([]*domain.Job, 0, len(requests))
	seen := make(map[string]struct{}, len(requests))
	for index, request := range requests {
		job, err := m.buildJob(request)
		if err != nil {
			return BulkResult{}, fmt.Errorf("bulk item %d: %w", index, err)
		}
		if job.DedupKey != "" {
			key := string(job.Queue) + "|" + job.DedupKey
			if _, duplicate := seen[key]; duplicate {
				result.Skipped++
				continue
			}
			seen[key] = struct{}{}
		}
		jobs = append(jobs, job)
	}

	added, err := m.store.AddBatch(ctx, jobs)
	if err != nil {
		return BulkResult{}, fmt.Errorf("enqueue bulk: %w", err)
	}
	for _, item := range added {
		if !item.Added {
			result.Skipped++
			continue
		}
		result.Queued++
		result.JobIDs = append(result.JobIDs, item.JobID)
	}

	m.logf("bulk enqueue finished requested=%d queued=%d skipped=%d", len(requests), result.Queued, result.Skipped)
	return result, nil
}

// Stagger spreads job start times: request i gets Delay = i*interval, in
// submission order.
func Stagger(requests []EnqueueRequest, interval time.Duration) []EnqueueRequest {
	for index := range requests {
		requests[index].Delay = time.Duration(index) * interval
	}
	return requests
}

// GetJob returns the latest job registered under dedupKey in queue.
func (m *Manager) GetJob(ctx context.Context, queue domain.QueueName, dedupKey string) (*domain.Job, error) {
	if _, ok := m.settings[queue]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return m.store.GetByDedupKey(ctx, queue, dedupKey)
}

// GetStats returns per-queue counts, served from a TTL cache when useCache
// is set and the cached snapshot is still fresh.
func (m *Manager) GetStats(ctx context.Context, useCache bool) (map[domain.QueueName]domain.QueueCounts, error) {
	if useCache {
		if cached, ok := m.cache.Get(); ok {
			return cached, nil
		}
	}

	stats := make(map[domain.QueueName]domain.QueueCounts, len(domain.Queues))
	for _, queue := range domain.Queues {
		counts, err := m.store.Counts(ctx, queue)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", queue, err)
		}
		stats[queue] = counts
	}
	m.cache.Set(stats)
	return stats, nil
}

// Cleanup removes completed and failed jobs older than the policy thresholds,
// which also releases their dedup keys.
func (m *Manager) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupReport, error) {
	defaults := DefaultCleanupPolicy()
	if policy.CompletedAge <= 0 {
		policy.CompletedAge = defaults.CompletedAge
	}
	if policy.FailedAge <= 0 {
		policy.FailedAge = defaults.FailedAge
	}

	now := m.now()
	report := CleanupReport{
		Completed: make(map[domain.QueueName]int, len(domain.Queues)),
		Failed:    make(map[domain.QueueName]int, len(domain.Queues)),
	}
	for _, queue := range domain.Queues {
		completed, err := m.store.Clean(ctx, queue, domain.JobStateCompleted, now.Add(-policy.CompletedAge), policy.Limit)
		if err != nil {
			return report, fmt.Errorf("cleanup %s: %w", queue, err)
		}
		failed, err := m.store.Clean(ctx, queue, domain.JobStateFailed, now.Add(-policy.FailedAge), policy.Limit)
		if err != nil {
			return report, fmt.Errorf("cleanup %s: %w", queue, err)
		}
		report.Completed[queue] = completed
		report.Failed[queue] = failed
		if completed > 0 || failed > 0 {
			m.logf("queue cleaned queue=%s completed=%d failed=%d", queue, completed, failed)
		}
	}
	m.cache.Invalidate()
	return report, nil
}

func (m *Manager) buildJob(request EnqueueRequest) (*domain.Job, error) {
	if request.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", domain.ErrInvalidPayload)
	}
	jobType, raw, err := domain.EncodePayload(request.Payload)
	if err != nil {
		return nil, err
	}
	queue, ok := domain.QueueFor(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJobType, jobType)
	}
	settings := m.Settings(queue)

	dedupKey := request.DedupKey
	if dedupKey == "" {
		dedupKey = request.Payload.DedupKey()
	}
	priority := request.Priority
	if priority == 0 {
		priority = settings.Priority
	}
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	maxAttempts := request.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = settings.MaxAttempts
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		DedupKey:    dedupKey,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}
	if request.Delay > 0 {
		job.ReadyAt = m.now().Add(request.Delay)
	}
	return job, nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
