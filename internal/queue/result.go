package queue

import (
	"context"

	"github.com/iago/creator-ingest/internal/domain"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
)

// Result is what a handler returns for one job. Retry and terminal failure are
// distinct values so the worker never has to guess from an error type.
type Result struct {
	Outcome Outcome
	Value   any
	Reason  string
}

func Completed(value any) Result {
	return Result{Outcome: OutcomeCompleted, Value: value}
}

// Retry asks for another attempt with backoff, bounded by MaxAttempts.
func Retry(reason string) Result {
	return Result{Outcome: OutcomeRetry, Reason: reason}
}

// Failed ends the job without further attempts.
func Failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *domain.Job) Result
