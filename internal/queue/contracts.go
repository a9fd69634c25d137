package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrLeaseLost    = errors.New("job lease lost")
	ErrUnknownQueue = errors.New("unknown queue")
)

// AddResult reports whether a job was created or absorbed by an existing
// non-terminal job holding the same dedup key.
type AddResult struct {
	Added bool
	JobID string
}

// Store is the backing job-state store. Every state transition is atomic in
// the store so that workers in different processes coordinate only through it.
type Store interface {
	Add(ctx context.Context, job *domain.Job) (AddResult, error)
	// AddBatch applies the Add dedup rule to each job in order and submits
	// them as one round trip.
	AddBatch(ctx context.Context, jobs []*domain.Job) ([]AddResult, error)
	Get(ctx context.Context, queue domain.QueueName, jobID string) (*domain.Job, error)
	GetByDedupKey(ctx context.Context, queue domain.QueueName, dedupKey string) (*domain.Job, error)
	// Claim promotes due delayed jobs, then moves the highest priority waiting
	// job to active under a fresh lease. It returns nil when nothing is ready.
	Claim(ctx context.Context, queue domain.QueueName, lease time.Duration) (*domain.Job, error)
	ExtendLease(ctx context.Context, job *domain.Job, lease time.Duration) error
	Complete(ctx context.Context, job *domain.Job, result json.RawMessage) error
	// Fail records reason on the job. A non-nil retryAt schedules another
	// attempt; nil makes the failure terminal.
	Fail(ctx context.Context, job *domain.Job, reason string, retryAt *time.Time) error
	// RecoverStalled requeues active jobs whose lease expired and fails the
	// ones that stalled more than maxStalled times.
	RecoverStalled(ctx context.Context, queue domain.QueueName, maxStalled int) (requeued int, failed int, err error)
	Counts(ctx context.Context, queue domain.QueueName) (domain.QueueCounts, error)
	// Clean removes up to limit terminal jobs in state finished before olderThan.
	Clean(ctx context.Context, queue domain.QueueName, state domain.JobState, olderThan time.Time, limit int) (int, error)
	Close() error
}
