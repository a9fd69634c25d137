package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iago/creator-ingest/internal/domain"
)

const stalledReason = "job stalled more than allowable limit"

type memoryQueue struct {
	jobs  map[string]*domain.Job
	dedup map[string]string
	order map[string]uint64
}

// MemoryStore is the fallback job store used when Redis is not configured.
// It gives the same guarantees as RedisStore within a single process.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[domain.QueueName]*memoryQueue
	seq    uint64
	now    func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		queues: make(map[domain.QueueName]*memoryQueue),
		now:    now,
	}
}

func (s *MemoryStore) queue(name domain.QueueName) *memoryQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memoryQueue{
			jobs:  make(map[string]*domain.Job),
			dedup: make(map[string]string),
			order: make(map[string]uint64),
		}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) Add(_ context.Context, job *domain.Job) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(job), nil
}

func (s *MemoryStore) AddBatch(_ context.Context, jobs []*domain.Job) ([]AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]AddResult, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, s.addLocked(job))
	}
	return results, nil
}

func (s *MemoryStore) addLocked(job *domain.Job) AddResult {
	q := s.queue(job.Queue)
	if job.DedupKey != "" {
		if existingID, ok := q.dedup[job.DedupKey]; ok {
			if existing, found := q.jobs[existingID]; found {
				if !existing.State.Terminal() {
					return AddResult{Added: false, JobID: existingID}
				}
				delete(q.jobs, existingID)
				delete(q.order, existingID)
			}
		}
	}

	now := s.now()
	stored := job.Clone()
	stored.CreatedAt = now
	if stored.ReadyAt.After(now) {
		stored.State = domain.JobStateDelayed
	} else {
		stored.State = domain.JobStateWaiting
		stored.ReadyAt = now
	}

	s.seq++
	q.jobs[stored.ID] = stored
	q.order[stored.ID] = s.seq
	if stored.DedupKey != "" {
		q.dedup[stored.DedupKey] = stored.ID
	}
	return AddResult{Added: true, JobID: stored.ID}
}

func (s *MemoryStore) Get(_ context.Context, queue domain.QueueName, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queue(queue).jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetByDedupKey(_ context.Context, queue domain.QueueName, dedupKey string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	jobID, ok := q.dedup[dedupKey]
	if !ok {
		return nil, ErrJobNotFound
	}
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Claim(_ context.Context, queue domain.QueueName, lease time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	now := s.now()

	var next *domain.Job
	for _, job := range q.jobs {
		if job.State == domain.JobStateDelayed && !job.ReadyAt.After(now) {
			job.State = domain.JobStateWaiting
		}
		if job.State != domain.JobStateWaiting {
			continue
		}
		if next == nil || job.Priority < next.Priority ||
			(job.Priority == next.Priority && q.order[job.ID] < q.order[next.ID]) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	next.State = domain.JobStateActive
	next.Attempts++
	next.ProcessedAt = now
	next.LeaseToken = uuid.NewString()
	next.LeaseExpiry = now.Add(lease)
	return next.Clone(), nil
}

func (s *MemoryStore) owned(job *domain.Job) (*domain.Job, error) {
	stored, ok := s.queue(job.Queue).jobs[job.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if stored.State != domain.JobStateActive || stored.LeaseToken != job.LeaseToken {
		return nil, ErrLeaseLost
	}
	return stored, nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, job *domain.Job, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.owned(job)
	if err != nil {
		return err
	}
	stored.LeaseExpiry = s.now().Add(lease)
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, job *domain.Job, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.owned(job)
	if err != nil {
		return err
	}
	stored.State = domain.JobStateCompleted
	stored.Result = append(json.RawMessage(nil), result...)
	stored.FailedReason = ""
	stored.FinishedAt = s.now()
	stored.LeaseToken = ""
	stored.LeaseExpiry = time.Time{}
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, job *domain.Job, reason string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.owned(job)
	if err != nil {
		return err
	}
	stored.FailedReason = reason
	stored.LeaseToken = ""
	stored.LeaseExpiry = time.Time{}
	if retryAt != nil {
		stored.State = domain.JobStateDelayed
		stored.ReadyAt = *retryAt
		return nil
	}
	stored.State = domain.JobStateFailed
	stored.FinishedAt = s.now()
	return nil
}

func (s *MemoryStore) RecoverStalled(_ context.Context, queue domain.QueueName, maxStalled int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	requeued, failed := 0, 0
	for _, job := range s.queue(queue).jobs {
		if job.State != domain.JobStateActive || job.LeaseExpiry.After(now) {
			continue
		}
		job.StalledCount++
		job.LeaseToken = ""
		job.LeaseExpiry = time.Time{}
		if job.StalledCount > maxStalled {
			job.State = domain.JobStateFailed
			job.FailedReason = stalledReason
			job.FinishedAt = now
			failed++
			continue
		}
		job.State = domain.JobStateWaiting
		job.ReadyAt = now
		requeued++
	}
	return requeued, failed, nil
}

func (s *MemoryStore) Counts(_ context.Context, queue domain.QueueName) (domain.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts domain.QueueCounts
	for _, job := range s.queue(queue).jobs {
		switch job.State {
		case domain.JobStateWaiting:
			counts.Waiting++
		case domain.JobStateActive:
			counts.Active++
		case domain.JobStateCompleted:
			counts.Completed++
		case domain.JobStateFailed:
			counts.Failed++
		case domain.JobStateDelayed:
			counts.Delayed++
		}
	}
	return counts, nil
}

func (s *MemoryStore) Clean(
	_ context.Context,
	queue domain.QueueName,
	state domain.JobState,
	olderThan time.Time,
	limit int,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(queue)
	removed := 0
	for id, job := range q.jobs {
		if limit > 0 && removed >= limit {
			break
		}
		if job.State != state || !job.State.Terminal() || !job.FinishedAt.Before(olderThan) {
			continue
		}
		delete(q.jobs, id)
		delete(q.order, id)
		if job.DedupKey != "" && q.dedup[job.DedupKey] == id {
			delete(q.dedup, job.DedupKey)
		}
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
