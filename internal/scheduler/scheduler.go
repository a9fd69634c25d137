package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/service"
	"github.com/robfig/cron/v3"
)

type CollectionEnqueuer interface {
	EnqueueAllCreators(ctx context.Context, opts service.CollectOptions) (queue.BulkResult, error)
	EnqueueDigest(ctx context.Context, periodStart, periodEnd time.Time, creatorIDs []string) (queue.EnqueueResult, error)
}

// SnapshotResumer reschedules polls for snapshots left without a live poll
// job, for example after the job failed on a stalled lease.
type SnapshotResumer interface {
	ResumePending(ctx context.Context) (int, error)
}

type QueueCleaner interface {
	Cleanup(ctx context.Context, policy queue.CleanupPolicy) (queue.CleanupReport, error)
}

// Config holds standard five-field cron expressions. An empty expression
// disables that job.
type Config struct {
	CollectSchedule   string
	CleanupSchedule   string
	DigestSchedule    string
	DigestPeriod      time.Duration
	ResumeSchedule    string
	Resumer           SnapshotResumer
	SkipSlowPlatforms bool
	CleanupPolicy     queue.CleanupPolicy
	RunTimeout        time.Duration
	Logger            *log.Logger
	Now               func() time.Time
}

// Scheduler fires the periodic bulk collection, digest builds and queue cleanup.
type Scheduler struct {
	cron     *cron.Cron
	creators CollectionEnqueuer
	cleaner  QueueCleaner
	cfg      Config
	logger   *log.Logger
}

func New(creators CollectionEnqueuer, cleaner QueueCleaner, cfg Config) (*Scheduler, error) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	if cfg.DigestPeriod <= 0 {
		cfg.DigestPeriod = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	cronLogger := cron.DiscardLogger
	if cfg.Logger != nil {
		cronLogger = cron.PrintfLogger(cfg.Logger)
	}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		creators: creators,
		cleaner:  cleaner,
		cfg:      cfg,
		logger:   cfg.Logger,
	}

	if cfg.CollectSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.CollectSchedule, func() { s.run(s.RunCollection) }); err != nil {
			return nil, fmt.Errorf("collect schedule %q: %w", cfg.CollectSchedule, err)
		}
	}
	if cfg.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupSchedule, func() { s.run(s.RunCleanup) }); err != nil {
			return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
	}
	if cfg.DigestSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.DigestSchedule, func() { s.run(s.RunDigest) }); err != nil {
			return nil, fmt.Errorf("digest schedule %q: %w", cfg.DigestSchedule, err)
		}
	}
	if cfg.ResumeSchedule != "" && cfg.Resumer != nil {
		if _, err := s.cron.AddFunc(cfg.ResumeSchedule, func() { s.run(s.RunResume) }); err != nil {
			return nil, fmt.Errorf("resume schedule %q: %w", cfg.ResumeSchedule, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logf("scheduler started entries=%d", len(s.cron.Entries()))
}

// Stop stops firing new runs and returns a context that is done once the
// running ones finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// NextRuns lists the next activation of each scheduled job.
func (s *Scheduler) NextRuns() []time.Time {
	entries := s.cron.Entries()
	next := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		next = append(next, entry.Next)
	}
	return next
}

func (s *Scheduler) RunCollection(ctx context.Context) error {
	result, err := s.creators.EnqueueAllCreators(ctx, service.CollectOptions{SkipSlowPlatforms: s.cfg.SkipSlowPlatforms})
	if err != nil {
		return fmt.Errorf("scheduled collection: %w", err)
	}
	s.logf("scheduled collection queued=%d skipped=%d", result.Queued, result.Skipped)
	return nil
}

// RunDigest enqueues a digest of every creator for the period ending now,
// truncated to the period so repeated fires within it dedup.
func (s *Scheduler) RunDigest(ctx context.Context) error {
	end := s.cfg.Now().Truncate(s.cfg.DigestPeriod)
	start := end.Add(-s.cfg.DigestPeriod)
	result, err := s.creators.EnqueueDigest(ctx, start, end, nil)
	if err != nil {
		return fmt.Errorf("scheduled digest: %w", err)
	}
	s.logf("scheduled digest period_start=%s queued=%t job_id=%s", start.Format(time.RFC3339), result.Queued, result.JobID)
	return nil
}

func (s *Scheduler) RunResume(ctx context.Context) error {
	if s.cfg.Resumer == nil {
		return nil
	}
	resumed, err := s.cfg.Resumer.ResumePending(ctx)
	if err != nil {
		return fmt.Errorf("scheduled snapshot resume: %w", err)
	}
	if resumed > 0 {
		s.logf("scheduled snapshot resume resumed=%d", resumed)
	}
	return nil
}

func (s *Scheduler) RunCleanup(ctx context.Context) error {
	report, err := s.cleaner.Cleanup(ctx, s.cfg.CleanupPolicy)
	if err != nil {
		return fmt.Errorf("scheduled cleanup: %w", err)
	}
	completed, failed := 0, 0
	for _, count := range report.Completed {
		completed += count
	}
	for _, count := range report.Failed {
		failed += count
	}
	s.logf("scheduled cleanup completed=%d failed=%d", completed, failed)
	return nil
}

func (s *Scheduler) run(task func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()
	if err := task(ctx); err != nil {
		s.logf("scheduler run failed err=%v", err)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
