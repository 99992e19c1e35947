package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
)

// Result signals what a handler wants done with a claimed job.
type Result int

const (
	// ResultDone marks the job complete (subject to the completion CAS).
	ResultDone Result = iota
	// ResultLocked means another process holds the generation lock for this
	// job's subject; the job is requeued to retry shortly.
	ResultLocked
)

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *models.ReportJob) (Result, error)

const (
	lockedRetryDelay     = 10 * time.Second
	supersededRetryDelay = time.Second
	maxBackoff           = 120 * time.Second
)

// Worker is a polling consumer of the job queue. Multiple workers may run
// concurrently across processes; the claim CAS guarantees each job is
// executed by at most one of them at a time.
type Worker struct {
	queue        *Queue
	workerID     string
	pollInterval time.Duration
	handlers     map[string]Handler
	log          zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(q *Queue, workerID string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		queue:        q,
		workerID:     workerID,
		pollInterval: pollInterval,
		handlers:     make(map[string]Handler),
		log:          logger.With("worker"),
	}
}

// Handle registers a handler for a job type. Registration happens once at
// startup, before Start.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

func (w *Worker) jobTypes() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}

// Start begins the polling loop in a background goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		w.log.Info().
			Str("worker_id", w.workerID).
			Strs("job_types", w.jobTypes()).
			Msg("worker started")
		w.run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight job to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().Str("worker_id", w.workerID).Msg("worker stopped")
}

// Run blocks until ctx is cancelled, for callers that manage their own
// lifecycle (cmd/worker).
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().
		Str("worker_id", w.workerID).
		Strs("job_types", w.jobTypes()).
		Msg("worker started")
	w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !w.runOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// runOnce fetches, claims and executes at most one job. It returns false
// when there was nothing to do, so the loop backs off to the poll interval.
func (w *Worker) runOnce(ctx context.Context) bool {
	job, err := w.queue.FetchNextQueued(ctx, w.jobTypes())
	if err != nil {
		w.log.Error().Err(err).Msg("fetch failed")
		return false
	}
	if job == nil {
		return false
	}

	claimed, err := w.queue.Claim(ctx, job.JobKey, w.workerID)
	if err != nil {
		w.log.Error().Err(err).Str("job_key", job.JobKey).Msg("claim failed")
		return false
	}
	if claimed == nil {
		// Another worker won the race; immediately look for more work.
		return true
	}

	w.process(ctx, claimed)
	return true
}

func (w *Worker) process(ctx context.Context, job *models.ReportJob) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		w.log.Warn().Str("job_key", job.JobKey).Str("job_type", job.JobType).Msg("unknown job type")
		if err := w.queue.MarkFailed(ctx, job.JobKey, w.workerID, "unknown job_type: "+job.JobType); err != nil {
			w.log.Error().Err(err).Str("job_key", job.JobKey).Msg("mark failed errored")
		}
		return
	}

	result, err := func() (r Result, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return handler(ctx, job)
	}()

	switch {
	case err != nil:
		w.handleFailure(ctx, job, err)
	case result == ResultLocked:
		if qerr := w.queue.Requeue(ctx, job.JobKey, w.workerID, "locked", lockedRetryDelay); qerr != nil {
			w.log.Error().Err(qerr).Str("job_key", job.JobKey).Msg("requeue after lock miss failed")
		}
	default:
		done, derr := w.queue.MarkDoneIfUnchanged(ctx, job.JobKey, w.workerID, job.UpdatedAt)
		if derr != nil {
			w.log.Error().Err(derr).Str("job_key", job.JobKey).Msg("mark done failed")
			return
		}
		if !done {
			// A newer enqueue superseded this run; queue it for a fresh pass.
			if qerr := w.queue.Requeue(ctx, job.JobKey, w.workerID, "updated_while_running", supersededRetryDelay); qerr != nil {
				w.log.Error().Err(qerr).Str("job_key", job.JobKey).Msg("requeue after supersede failed")
			}
			w.log.Info().Str("job_key", job.JobKey).Msg("completion superseded, requeued")
			return
		}
		w.log.Info().
			Str("job_key", job.JobKey).
			Str("job_type", job.JobType).
			Str("user_id", job.UserID).
			Int("attempts", job.Attempts).
			Msg("job done")
	}
}

// handleFailure retries with exponential backoff until the job's attempt
// budget is exhausted, then routes it to the terminal failed state.
func (w *Worker) handleFailure(ctx context.Context, job *models.ReportJob, jobErr error) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}

	if job.Attempts >= maxAttempts {
		w.log.Warn().
			Err(jobErr).
			Str("job_key", job.JobKey).
			Int("attempts", job.Attempts).
			Msg("attempts exhausted, failing job")
		if err := w.queue.MarkFailed(ctx, job.JobKey, w.workerID, jobErr.Error()); err != nil {
			w.log.Error().Err(err).Str("job_key", job.JobKey).Msg("mark failed errored")
		}
		return
	}

	delay := backoffDelay(job.Attempts)
	w.log.Warn().
		Err(jobErr).
		Str("job_key", job.JobKey).
		Int("attempts", job.Attempts).
		Dur("delay", delay).
		Msg("job failed, requeueing")
	if err := w.queue.Requeue(ctx, job.JobKey, w.workerID, jobErr.Error(), delay); err != nil {
		w.log.Error().Err(err).Str("job_key", job.JobKey).Msg("requeue failed")
	}
}

// backoffDelay doubles from 5s per attempt, capped at maxBackoff.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := 5 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
