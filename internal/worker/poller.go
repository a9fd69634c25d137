package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/snapshot"
)

type Poller interface {
	Poll(ctx context.Context, snapshotID string, attempt, maxAttempts int) (snapshot.PollResult, error)
	Expire(ctx context.Context, snapshotID string, attempts int, reason string) (snapshot.PollResult, error)
}

// SnapshotPoller handles snapshot-poll jobs. Not-ready snapshots become a
// queue retry so the poll is rescheduled with backoff instead of sleeping.
// On the job's last attempt a snapshot without a verdict is expired, so the
// job never ends while its snapshot is still pending.
type SnapshotPoller struct {
	poller Poller
	logger *log.Logger
}

func NewSnapshotPoller(poller Poller, logger *log.Logger) *SnapshotPoller {
	return &SnapshotPoller{poller: poller, logger: logger}
}

func (p *SnapshotPoller) Handle(ctx context.Context, job *domain.Job) queue.Result {
	decoded, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return queue.Failed(err.Error())
	}
	payload, ok := decoded.(domain.SnapshotPollPayload)
	if !ok {
		return queue.Failed(fmt.Sprintf("unexpected payload %s on snapshot queue", job.Type))
	}

	result, err := p.poller.Poll(ctx, payload.SnapshotID, job.Attempts, job.MaxAttempts)
	if err != nil {
		p.logf("snapshot poll error snapshot_id=%s attempt=%d err=%v", payload.SnapshotID, job.Attempts, err)
		if job.Attempts >= job.MaxAttempts {
			return p.expire(ctx, job, payload.SnapshotID, err.Error())
		}
		return queue.Retry(err.Error())
	}

	switch result.Outcome {
	case snapshot.PollDone:
		return queue.Completed(result)
	case snapshot.PollRetry:
		if job.Attempts >= job.MaxAttempts {
			return p.expire(ctx, job, payload.SnapshotID, result.Reason)
		}
		return queue.Retry(result.Reason)
	default:
		return queue.Failed(result.Reason)
	}
}

func (p *SnapshotPoller) expire(ctx context.Context, job *domain.Job, snapshotID, reason string) queue.Result {
	result, err := p.poller.Expire(ctx, snapshotID, job.Attempts, reason)
	if err != nil {
		// Left pending; the periodic resume schedules a fresh poll job.
		p.logf("snapshot expire failed snapshot_id=%s err=%v", snapshotID, err)
		return queue.Failed(reason)
	}
	if result.Outcome == snapshot.PollDone {
		return queue.Completed(result)
	}
	return queue.Failed(result.Reason)
}

func (p *SnapshotPoller) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
