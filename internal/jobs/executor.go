package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/example/calendar-assistant/internal/connector"
	"github.com/example/calendar-assistant/internal/logging"
	"github.com/example/calendar-assistant/internal/persistence"
)

// Handler executes one job kind. The returned bytes are stored as the
// job's result and replayed on duplicate submissions.
type Handler func(ctx context.Context, job persistence.JobRecord) ([]byte, error)

// ErrTerminal wraps handler errors that must not be retried regardless
// of attempt count.
var ErrTerminal = errors.New("terminal job failure")

const (
	defaultWorkers     = 2
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 5
	defaultClaimLease  = 5 * time.Minute
	backoffBase        = 2 * time.Second
	backoffCap         = 5 * time.Minute
)

// Executor claims due job records and runs their handlers in a small
// worker pool.
type Executor struct {
	repo        persistence.JobRepository
	handlers    map[string]Handler
	workers     int
	poll        time.Duration
	maxAttempts int
	claimLease  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// ExecutorOption tweaks executor defaults.
type ExecutorOption func(*Executor)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker sleeps between claims.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithMaxAttempts sets the retry ceiling.
func WithMaxAttempts(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClaimLease sets how long a claim may sit in running state before
// it is treated as lost and requeued.
func WithClaimLease(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.claimLease = d
		}
	}
}

// WithClock injects the executor clock, used by tests.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor builds an executor over the job repository.
func NewExecutor(repo persistence.JobRepository, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		repo:        repo,
		handlers:    map[string]Handler{},
		workers:     defaultWorkers,
		poll:        defaultPoll,
		maxAttempts: defaultMaxAttempts,
		claimLease:  defaultClaimLease,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register binds a handler to a job kind. Kinds without a handler fail
// terminally when claimed.
func (e *Executor) Register(kind string, handler Handler) {
	e.handlers[kind] = handler
}

// Run blocks, processing jobs until the context is cancelled. All
// workers have drained their in-flight job when Run returns.
func (e *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.leaseLoop(ctx)
	}()
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// leaseLoop periodically requeues claims whose worker died before
// recording an outcome, here or in another process.
func (e *Executor) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(e.claimLease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := e.ReleaseStalled(ctx)
			if err != nil {
				e.logger.Error("release stalled jobs", logging.Error(err))
				continue
			}
			if released > 0 {
				e.logger.Warn("requeued stalled jobs", slog.Int64("count", released))
			}
		}
	}
}

// ReleaseStalled requeues running jobs whose claim outlived the lease.
func (e *Executor) ReleaseStalled(ctx context.Context) (int64, error) {
	return e.repo.ReleaseStalledJobs(ctx, e.now().Add(-e.claimLease))
}

func (e *Executor) workerLoop(ctx context.Context, worker int) {
	logger := e.logger.With(slog.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := e.repo.ClaimJob(ctx, e.now())
		if errors.Is(err, persistence.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.poll):
			}
			continue
		}
		if err != nil {
			logger.Error("claim job", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.poll):
			}
			continue
		}
		e.runJob(logging.ContextWithLogger(ctx, logger), job)
	}
}

// RunOnce claims and runs at most one due job, reporting whether one
// was found. Tests and the sweep path drive the executor through here.
func (e *Executor) RunOnce(ctx context.Context) (bool, error) {
	job, err := e.repo.ClaimJob(ctx, e.now())
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.runJob(ctx, job)
	return true, nil
}

func (e *Executor) runJob(ctx context.Context, job persistence.JobRecord) {
	logger := logging.FromContext(ctx).With(
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.AttemptCount),
	)

	handler, ok := e.handlers[job.Kind]
	if !ok {
		job.Status = persistence.JobStatusFailedTerminal
		job.LastError = fmt.Sprintf("no handler for kind %s", job.Kind)
		e.complete(ctx, logger, job)
		return
	}

	result, err := handler(ctx, job)
	now := e.now()
	job.UpdatedAt = now

	switch {
	case err == nil:
		job.Status = persistence.JobStatusSucceeded
		job.Result = result
		job.LastError = ""
		logger.Info("job succeeded")
	case errors.Is(err, ErrTerminal), !retryable(err), job.AttemptCount >= e.maxAttempts:
		job.Status = persistence.JobStatusFailedTerminal
		job.LastError = err.Error()
		logger.Error("job failed terminally", logging.Error(err))
	default:
		job.Status = persistence.JobStatusFailedRetryable
		job.LastError = err.Error()
		job.RunAfter = now.Add(e.backoff(job.AttemptCount, err))
		logger.Warn("job failed, will retry",
			logging.Error(err),
			slog.Time("run_after", job.RunAfter),
		)
	}
	e.complete(ctx, logger, job)
}

func (e *Executor) complete(ctx context.Context, logger *slog.Logger, job persistence.JobRecord) {
	if err := e.repo.CompleteJob(ctx, job); err != nil {
		// A stale record means another writer finished the job first;
		// anything else is worth surfacing.
		if !errors.Is(err, persistence.ErrStaleRecord) {
			logger.Error("record job outcome", logging.Error(err))
		}
	}
}

// retryable treats provider rejections as permanent and everything
// else as transient.
func retryable(err error) bool {
	var provErr *connector.Error
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	return true
}

// backoff grows exponentially with the attempt count, capped and
// jittered. A provider-specified retry delay takes precedence.
func (e *Executor) backoff(attempt int, err error) time.Duration {
	var provErr *connector.Error
	if errors.As(err, &provErr) && provErr.RetryAfter > 0 {
		return provErr.RetryAfter
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 10 {
		shift = 10
	}
	delay := backoffBase << shift
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
