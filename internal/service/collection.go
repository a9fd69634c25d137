package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/repository"
)

// Queue is the part of the queue manager the service submits jobs through.
type Queue interface {
	Enqueue(ctx context.Context, request queue.EnqueueRequest) (queue.EnqueueResult, error)
	EnqueueBulk(ctx context.Context, requests []queue.EnqueueRequest) (queue.BulkResult, error)
}

type CollectOptions struct {
	SkipSlowPlatforms bool
	Priority          int
}

// CollectionService turns creator and digest requests into queue jobs. It is
// shared by the scheduler and the HTTP API.
type CollectionService struct {
	creators repository.CreatorsRepository
	queue    Queue
	stagger  time.Duration
	logger   *log.Logger
}

func NewCollectionService(
	creators repository.CreatorsRepository,
	jobs Queue,
	stagger time.Duration,
	logger *log.Logger,
) *CollectionService {
	return &CollectionService{creators: creators, queue: jobs, stagger: stagger, logger: logger}
}

func (s *CollectionService) EnqueueCreator(
	ctx context.Context,
	creatorID string,
	opts CollectOptions,
) (queue.EnqueueResult, error) {
	creator, err := s.creators.GetCreator(ctx, creatorID)
	if err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("load creator %s: %w", creatorID, err)
	}
	return s.queue.Enqueue(ctx, creatorRequest(creator, opts))
}

// EnqueueAllCreators submits one collection job per active creator, with
// start times staggered so providers are not hit all at once.
func (s *CollectionService) EnqueueAllCreators(ctx context.Context, opts CollectOptions) (queue.BulkResult, error) {
	creators, err := s.creators.ListActiveCreators(ctx)
	if err != nil {
		return queue.BulkResult{}, fmt.Errorf("list active creators: %w", err)
	}

	requests := make([]queue.EnqueueRequest, 0, len(creators))
	for _, creator := range creators {
		requests = append(requests, creatorRequest(creator, opts))
	}
	result, err := s.queue.EnqueueBulk(ctx, queue.Stagger(requests, s.stagger))
	if err != nil {
		return queue.BulkResult{}, err
	}

	if s.logger != nil {
		s.logger.Printf("creators enqueued active=%d queued=%d skipped=%d stagger=%s", len(creators), result.Queued, result.Skipped, s.stagger)
	}
	return result, nil
}

func (s *CollectionService) EnqueueDigest(
	ctx context.Context,
	periodStart time.Time,
	periodEnd time.Time,
	creatorIDs []string,
) (queue.EnqueueResult, error) {
	return s.queue.Enqueue(ctx, queue.EnqueueRequest{
		Payload: domain.DigestPayload{
			CreatorIDs:  creatorIDs,
			PeriodStart: periodStart.UTC(),
			PeriodEnd:   periodEnd.UTC(),
		},
	})
}

func creatorRequest(creator *domain.Creator, opts CollectOptions) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Payload: domain.CreatorCollectionPayload{
			CreatorID:         creator.ID,
			CreatorName:       creator.Name,
			SkipSlowPlatforms: opts.SkipSlowPlatforms,
		},
		Priority: opts.Priority,
	}
}
