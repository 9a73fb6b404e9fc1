package queue

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mbflow/engine/internal/domain"
)

// Handler executes one JobItem and returns its result, or an error the
// queue will classify via domain.AsEngineError to decide whether to
// retry.
type Handler func(ctx context.Context, job *JobItem) (any, error)

// CompletionFunc is called exactly once per JobItem, on terminal
// success or terminal (non-retryable / attempts-exhausted) failure.
// It is never called for a retryable failure that was re-enqueued.
type CompletionFunc func(job *JobItem, result any, err error)

// RetryFunc is called once per retryable failure that gets
// re-enqueued instead of reaching CompletionFunc — the queue's only
// notification of the running -> error (retry) transition spec.md
// §4.4.3/§4.5 describes. nextAttempt is the attempt number the
// re-enqueued job will run as.
type RetryFunc func(job *JobItem, err error, nextAttempt int)

// Config holds the Job Queue's tunables, matching the fields spec.md
// §6 lists under "Configuration".
type Config struct {
	MaxConcurrency   int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	BacklogThreshold int // channel capacity; Enqueue blocks above it
}

// Queue is the at-least-once, backoff-retrying job queue. The
// JobStore is the source of truth; the buffered channel is only a
// work-availability signal — redelivery after a crash comes from
// replaying JobStore.ListRedeliverable, never from the channel.
type Queue struct {
	store  JobStore
	cfg    Config
	logger zerolog.Logger

	ch chan *JobItem

	mu       sync.Mutex
	handler  Handler
	complete CompletionFunc
	retry    RetryFunc
	stopping bool
	stopCh   chan struct{}
	inFlight sync.WaitGroup
}

func New(store JobStore, cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = 1024
	}
	return &Queue{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "queue").Logger(),
		ch:     make(chan *JobItem, cfg.BacklogThreshold),
		stopCh: make(chan struct{}),
	}
}

// OnRetry registers fn to be called once per retry. Must be called
// before Start; a nil fn (the default) means retries are silent
// beyond the queue's own log line.
func (q *Queue) OnRetry(fn RetryFunc) {
	q.mu.Lock()
	q.retry = fn
	q.mu.Unlock()
}

// Start launches the worker pool and replays any job left Pending or
// Leased from a previous process, then begins draining the channel.
// handler is invoked once per delivery attempt; complete is invoked
// once per job on terminal outcome.
func (q *Queue) Start(ctx context.Context, handler Handler, complete CompletionFunc) error {
	q.mu.Lock()
	q.handler = handler
	q.complete = complete
	q.mu.Unlock()

	redeliver, err := q.store.ListRedeliverable(ctx)
	if err != nil {
		return domain.NewEngineError(domain.ErrStorePersistenceFailure, "list redeliverable jobs", err)
	}
	for _, j := range redeliver {
		q.logger.Info().Str("job_id", j.ID).Str("node_id", j.NodeID).Msg("redelivering job from durable store")
		q.schedule(j)
	}

	for i := 0; i < q.cfg.MaxConcurrency; i++ {
		go q.worker(ctx, i)
	}
	return nil
}

// InFlightNodeIDs returns, per execution id, the node ids whose job
// rows are still Pending or Leased — the same rows Start will
// redeliver. The Scheduler calls this before Start so it can rebuild
// a tracker that already knows those nodes are in flight, rather than
// unready, before the Job Queue hands their redelivered jobs to
// RunJob.
func (q *Queue) InFlightNodeIDs(ctx context.Context) (map[string][]string, error) {
	jobs, err := q.store.ListRedeliverable(ctx)
	if err != nil {
		return nil, domain.NewEngineError(domain.ErrStorePersistenceFailure, "list redeliverable jobs", err)
	}
	out := make(map[string][]string)
	for _, j := range jobs {
		out[j.ExecutionID] = append(out[j.ExecutionID], j.NodeID)
	}
	return out, nil
}

// Enqueue persists a new job row and makes it available to workers
// after delay (zero means immediately). Enqueue blocks if the
// in-memory backlog channel is at BacklogThreshold capacity — spec.md
// §4.3's chosen backpressure policy: block callers (Scheduler
// goroutines), never drop or reject.
func (q *Queue) Enqueue(ctx context.Context, executionID, nodeID string, input any, attemptsRemaining int, delay time.Duration) (*JobItem, error) {
	now := time.Now()
	job := &JobItem{
		ID:                uuid.NewString(),
		ExecutionID:       executionID,
		NodeID:            nodeID,
		Input:             input,
		Attempt:           1,
		EnqueuedAt:        now,
		AttemptsRemaining: attemptsRemaining,
		AvailableAt:       now.Add(delay),
		Status:            StatusPending,
	}
	if err := q.store.Save(ctx, job); err != nil {
		return nil, domain.NewEngineError(domain.ErrStorePersistenceFailure, "save job", err)
	}
	q.schedule(job)
	return job, nil
}

// schedule makes job available on the channel, immediately or after
// its AvailableAt delay.
func (q *Queue) schedule(job *JobItem) {
	delay := time.Until(job.AvailableAt)
	if delay <= 0 {
		q.ch <- job
		return
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			q.ch <- job
		case <-q.stopCh:
		}
	}()
}

func (q *Queue) worker(ctx context.Context, id int) {
	log := q.logger.With().Int("worker_id", id).Logger()
	for {
		select {
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			q.inFlight.Add(1)
			q.runOnce(ctx, job, log)
			q.inFlight.Done()
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) runOnce(ctx context.Context, job *JobItem, log zerolog.Logger) {
	_ = q.store.UpdateStatus(ctx, job.ID, StatusLeased)

	result, err := q.handler(ctx, job)
	if err == nil {
		// spec.md §3: job rows are deleted on terminal success/failure,
		// not left around as Done rows.
		_ = q.store.Delete(ctx, job.ID)
		q.complete(job, result, nil)
		return
	}

	ee, _ := domain.AsEngineError(err)
	retryable := ee != nil && ee.Retryable()

	if retryable && job.AttemptsRemaining > 1 {
		next := *job
		next.Attempt++
		next.AttemptsRemaining--
		next.AvailableAt = time.Now().Add(q.backoffDelay(job.Attempt))
		next.Status = StatusPending
		if saveErr := q.store.Save(ctx, &next); saveErr != nil {
			log.Error().Err(saveErr).Str("job_id", job.ID).Msg("failed to persist retry, job left leased for restart redelivery")
			return
		}
		log.Warn().Str("job_id", job.ID).Int("attempt", next.Attempt).Err(err).Msg("retrying job after backoff")
		if q.retry != nil {
			q.retry(job, err, next.Attempt)
		}
		q.schedule(&next)
		return
	}

	_ = q.store.Delete(ctx, job.ID)
	q.complete(job, nil, err)
}

// backoffDelay implements the teacher's retry.go formula verbatim:
// base * multiplier^(attempt-1), capped at MaxDelay, with ±10% jitter.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	const multiplier = 2.0
	delay := float64(q.cfg.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(q.cfg.MaxDelay) && q.cfg.MaxDelay > 0 {
		delay = float64(q.cfg.MaxDelay)
	}
	jitter := delay * 0.1 * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Shutdown stops pulling new items and waits for in-flight jobs up to
// deadline, then returns — matching spec.md §5's graceful-shutdown
// rule, adapted from the teacher's cmd/server/main.go
// signal.Notify + context.WithTimeout + http.Server.Shutdown idiom.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	q.mu.Unlock()

	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
