package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iago/creator-ingest/internal/domain"
	"golang.org/x/time/rate"
)

// Worker runs one queue: Concurrency slots claim jobs from the store, a rate
// limiter caps how many jobs start per window, and a sweeper returns jobs with
// expired leases to the queue.
type Worker struct {
	store    Store
	queue    domain.QueueName
	settings Settings
	handler  Handler
	limiter  *rate.Limiter
	logger   *log.Logger
	now      func() time.Time
}

type WorkerConfig struct {
	Queue    domain.QueueName
	Settings Settings
	Handler  Handler
	Logger   *log.Logger
	Now      func() time.Time
}

func NewWorker(store Store, cfg WorkerConfig) *Worker {
	settings := cfg.Settings.withDefaults()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	var limiter *rate.Limiter
	if settings.RateLimitMax > 0 && settings.RateLimitWindow > 0 {
		every := settings.RateLimitWindow / time.Duration(settings.RateLimitMax)
		limiter = rate.NewLimiter(rate.Every(every), settings.RateLimitMax)
	}

	return &Worker{
		store:    store,
		queue:    cfg.Queue,
		settings: settings,
		handler:  cfg.Handler,
		limiter:  limiter,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for slot := 0; slot < w.settings.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(slot)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.stalledLoop(ctx)
	}()

	w.logf("worker started queue=%s concurrency=%d rate_limit=%d/%s", w.queue, w.settings.Concurrency, w.settings.RateLimitMax, w.settings.RateLimitWindow)
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logf("worker loop error queue=%s slot=%d err=%v", w.queue, slot, err)
			wait = 2 * time.Second
		case !processed:
			wait = w.settings.PollInterval
		}
		if wait == 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) stalledLoop(ctx context.Context) {
	ticker := time.NewTicker(w.settings.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := w.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
				w.logf("stalled check failed queue=%s err=%v", w.queue, err)
			}
		}
	}
}

// RecoverStalled runs one stalled-job sweep for the queue.
func (w *Worker) RecoverStalled(ctx context.Context) (int, int, error) {
	requeued, failed, err := w.store.RecoverStalled(ctx, w.queue, w.settings.MaxStalledCount)
	if err != nil {
		return 0, 0, err
	}
	if requeued > 0 || failed > 0 {
		w.logf("stalled jobs recovered queue=%s requeued=%d failed=%d", w.queue, requeued, failed)
	}
	return requeued, failed, nil
}

// ProcessNext claims and runs at most one job. It reports whether a job was
// claimed.
//
// The rate limit slot is taken before the claim, so a job is never leased
// while the worker waits on the limiter. An unused slot is handed back.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	reservation, err := w.reserve(ctx)
	if err != nil {
		return false, err
	}

	job, err := w.store.Claim(ctx, w.queue, w.settings.LockDuration)
	if err != nil {
		reservation.release()
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		reservation.release()
		return false, nil
	}

	stopRenewal := w.keepLease(ctx, job)
	defer stopRenewal()

	started := w.now()
	result := w.invoke(ctx, job)
	stopRenewal()

	if err := w.settle(ctx, job, result); err != nil {
		return true, err
	}
	w.logf(
		"job settled queue=%s job_id=%s type=%s attempt=%d/%d outcome=%s duration_ms=%d",
		w.queue, job.ID, job.Type, job.Attempts, job.MaxAttempts, result.Outcome, w.now().Sub(started).Milliseconds(),
	)
	return true, nil
}

// slot is a granted job start. Releasing it before the job starts returns
// the token to the limiter.
type slot struct {
	reservation *rate.Reservation
	reservedAt  time.Time
}

func (s slot) release() {
	if s.reservation != nil {
		s.reservation.CancelAt(s.reservedAt)
	}
}

// reserve blocks until the limiter grants a job start or ctx is done.
func (w *Worker) reserve(ctx context.Context) (slot, error) {
	if w.limiter == nil {
		return slot{}, nil
	}
	reservedAt := time.Now()
	reservation := w.limiter.ReserveN(reservedAt, 1)
	if !reservation.OK() {
		return slot{}, errors.New("rate limiter cannot grant a job start")
	}
	granted := slot{reservation: reservation, reservedAt: reservedAt}
	delay := reservation.DelayFrom(reservedAt)
	if delay <= 0 {
		return granted, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		granted.release()
		return slot{}, fmt.Errorf("rate limiter wait: %w", ctx.Err())
	case <-timer.C:
		return granted, nil
	}
}

func (w *Worker) invoke(ctx context.Context, job *domain.Job) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Retry(fmt.Sprintf("handler panic: %v", recovered))
		}
	}()
	if w.handler == nil {
		return Failed("no handler registered for queue " + string(w.queue))
	}
	return w.handler(ctx, job)
}

func (w *Worker) keepLease(ctx context.Context, job *domain.Job) func() {
	done := make(chan struct{})
	var once sync.Once
	interval := w.settings.LockDuration / 2

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.ExtendLease(ctx, job, w.settings.LockDuration); err != nil {
					w.logf("lease renewal failed queue=%s job_id=%s err=%v", w.queue, job.ID, err)
					if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobNotFound) {
						return
					}
				}
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

func (w *Worker) settle(ctx context.Context, job *domain.Job, result Result) error {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	switch result.Outcome {
	case OutcomeCompleted:
		var encoded json.RawMessage
		if result.Value != nil {
			encoded, err = json.Marshal(result.Value)
			if err != nil {
				return fmt.Errorf("encode job result: %w", err)
			}
		}
		err = w.store.Complete(settleCtx, job, encoded)
	case OutcomeRetry:
		if job.Attempts >= job.MaxAttempts {
			w.logf("job attempts exhausted queue=%s job_id=%s attempts=%d reason=%s", w.queue, job.ID, job.Attempts, result.Reason)
			err = w.store.Fail(settleCtx, job, result.Reason, nil)
			break
		}
		retryAt := w.now().Add(w.settings.BackoffFor(job.Attempts))
		err = w.store.Fail(settleCtx, job, result.Reason, &retryAt)
	default:
		err = w.store.Fail(settleCtx, job, result.Reason, nil)
	}

	if errors.Is(err, ErrLeaseLost) {
		w.logf("job lease lost before settle queue=%s job_id=%s", w.queue, job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("settle job %s: %w", job.ID, err)
	}
	return nil
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}
