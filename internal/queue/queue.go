// Package queue implements a durable job queue on the shared relational
// store. Jobs are keyed by an idempotency key and coalesce: re-enqueueing an
// existing key merges into the row instead of duplicating it, and never
// interrupts a run already in flight.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// JobTypeRefreshReport regenerates one report slot asynchronously.
const JobTypeRefreshReport = "refresh_report"

// Queue provides enqueue/claim/complete operations over report_jobs.
type Queue struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

type Option func(*Queue)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(db *gorm.DB, opts ...Option) *Queue {
	q := &Queue{
		db:  db,
		log: logger.With("queue"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueParams describes one unit of work.
type EnqueueParams struct {
	JobKey      string
	JobType     string
	UserID      string
	Payload     map[string]interface{}
	Priority    int
	RunAfter    *time.Time
	MaxAttempts int
}

// Enqueue upserts a job with coalescing semantics, in three branches:
//
//  1. If the job is running, only its payload and metadata are refreshed.
//     The status stays running so in-flight work is never clobbered; the
//     bumped updated_at makes the worker's completion CAS fail, which
//     requeues the job for a fresh run.
//  2. Otherwise an existing row (queued/done/failed) flips back to queued
//     with a cleared last_error.
//  3. Otherwise a new row is inserted as queued. Losing the insert race to
//     a concurrent enqueue is success.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) error {
	if p.JobKey == "" || p.JobType == "" || p.UserID == "" {
		return errors.New("job_key, job_type and user_id are required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}

	now := q.now()
	runAfter := now
	if p.RunAfter != nil {
		runAfter = *p.RunAfter
	}

	payloadJSON := "{}"
	if p.Payload != nil {
		b, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = string(b)
	}

	// 1) Running: refresh payload and metadata only.
	res := q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("job_key = ? AND status = ?", p.JobKey, models.JobStatusRunning).
		Updates(map[string]interface{}{
			"job_type":     p.JobType,
			"user_id":      p.UserID,
			"payload":      payloadJSON,
			"priority":     p.Priority,
			"max_attempts": p.MaxAttempts,
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("enqueue (running patch): %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 2) Not running: flip back to queued.
	res = q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("job_key = ? AND status <> ?", p.JobKey, models.JobStatusRunning).
		Updates(map[string]interface{}{
			"job_type":     p.JobType,
			"user_id":      p.UserID,
			"payload":      payloadJSON,
			"status":       models.JobStatusQueued,
			"priority":     p.Priority,
			"run_after":    runAfter,
			"max_attempts": p.MaxAttempts,
			"last_error":   "",
			"updated_at":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("enqueue (queued patch): %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// 3) New key: insert.
	job := models.ReportJob{
		JobKey:      p.JobKey,
		JobType:     p.JobType,
		UserID:      p.UserID,
		Payload:     payloadJSON,
		Status:      models.JobStatusQueued,
		Priority:    p.Priority,
		RunAfter:    runAfter,
		MaxAttempts: p.MaxAttempts,
		UpdatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent enqueue created the row first; its state wins and
			// this caller's payload is dropped.
			q.log.Debug().Str("job_key", p.JobKey).Msg("enqueue insert lost race to concurrent enqueue")
			return nil
		}
		return fmt.Errorf("enqueue (insert): %w", err)
	}
	return nil
}

// FetchNextQueued returns one eligible queued job, or nil when none is due.
// It is read-only; claiming is a separate compare-and-swap so the store only
// needs single-row conditional writes, not transactions.
func (q *Queue) FetchNextQueued(ctx context.Context, jobTypes []string) (*models.ReportJob, error) {
	tx := q.db.WithContext(ctx).
		Where("status = ? AND run_after <= ?", models.JobStatusQueued, q.now())
	if len(jobTypes) > 0 {
		tx = tx.Where("job_type IN ?", jobTypes)
	}

	var job models.ReportJob
	err := tx.Order("priority DESC").
		Order("updated_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch next queued: %w", err)
	}
	return &job, nil
}

// Claim flips a job from queued to running. It returns the claimed row, or
// nil when another worker won the race. The returned row's UpdatedAt is the
// token MarkDoneIfUnchanged compares against.
func (q *Queue) Claim(ctx context.Context, jobKey, workerID string) (*models.ReportJob, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("job_key = ? AND status = ?", jobKey, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.JobStatusRunning,
			"worker_id":  workerID,
			"started_at": now,
			"updated_at": now,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var job models.ReportJob
	if err := q.db.WithContext(ctx).Where("job_key = ?", jobKey).First(&job).Error; err != nil {
		return nil, fmt.Errorf("claim readback: %w", err)
	}
	return &job, nil
}

// MarkDoneIfUnchanged completes a running job only when its updated_at still
// matches the value captured at claim time. A false return means a coalescing
// enqueue superseded this run; the caller should requeue so the newer request
// is not lost. This is not an error.
func (q *Queue) MarkDoneIfUnchanged(ctx context.Context, jobKey, workerID string, expectedUpdatedAt time.Time) (bool, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("job_key = ? AND status = ? AND updated_at = ?",
			jobKey, models.JobStatusRunning, expectedUpdatedAt).
		Updates(map[string]interface{}{
			"status":      models.JobStatusDone,
			"worker_id":   workerID,
			"finished_at": now,
			"last_error":  "",
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark done: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Requeue puts a job back into queued state with a delay, recording the
// error that caused the retry. Best-effort.
func (q *Queue) Requeue(ctx context.Context, jobKey, workerID, errMsg string, delay time.Duration) error {
	if delay < time.Second {
		delay = time.Second
	}
	now := q.now()
	err := q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("job_key = ?", jobKey).
		Updates(map[string]interface{}{
			"status":     models.JobStatusQueued,
			"worker_id":  workerID,
			"run_after":  now.Add(delay),
			"last_error": truncateError(errMsg),
			"updated_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// MarkFailed moves a job to the terminal failed state. Failed rows are kept
// for observability, not deleted.
func (q *Queue) MarkFailed(ctx context.Context, jobKey, workerID, errMsg string) error {
	now := q.now()
	err := q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("job_key = ?", jobKey).
		Updates(map[string]interface{}{
			"status":      models.JobStatusFailed,
			"worker_id":   workerID,
			"finished_at": now,
			"last_error":  truncateError(errMsg),
			"updated_at":  now,
		}).Error
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// Get returns a job by key, or nil when absent.
func (q *Queue) Get(ctx context.Context, jobKey string) (*models.ReportJob, error) {
	var job models.ReportJob
	err := q.db.WithContext(ctx).Where("job_key = ?", jobKey).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// PendingCount reports how many jobs are queued or running.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&models.ReportJob{}).
		Where("status IN ?", []string{models.JobStatusQueued, models.JobStatusRunning}).
		Count(&n).Error
	return n, err
}

func truncateError(msg string) string {
	const max = 1500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
