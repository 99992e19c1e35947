package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reflectapp/insightd/internal/batch"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// RunRecorder persists batch run records for observability. All writes are
// best-effort: a recorder failure is logged and never fails the run itself.
type RunRecorder struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

func NewRunRecorder(db *gorm.DB) *RunRecorder {
	return &RunRecorder{db: db, log: logger.With("runs"), now: time.Now}
}

// Start inserts a running record for the run.
func (r *RunRecorder) Start(ctx context.Context, runID string, p batch.Params) {
	row := models.BatchRun{
		RunID:      runID,
		Job:        p.Job,
		Status:     models.BatchRunStatusRunning,
		Now:        p.Now,
		Offset:     p.Offset,
		Limit:      p.Limit,
		ShardTotal: p.ShardTotal,
		ShardIndex: p.ShardIndex,
		Force:      p.Force,
		DryRun:     p.DryRun,
		StartedAt:  r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Msg("record run start failed")
	}
}

// Complete marks the run completed with its counters.
func (r *RunRecorder) Complete(ctx context.Context, runID string, res *batch.Result, duration time.Duration) {
	samples := "[]"
	if b, err := json.Marshal(res.ErrorSamples); err == nil {
		samples = string(b)
	}
	now := r.now()
	updates := map[string]interface{}{
		"status":        models.BatchRunStatusCompleted,
		"processed":     res.Processed,
		"generated":     res.Generated,
		"exists":        res.Exists,
		"errors":        res.Errors,
		"duration_ms":   int(duration.Milliseconds()),
		"next_offset":   res.NextOffset,
		"done":          res.Done,
		"error_samples": samples,
		"finished_at":   now,
	}
	err := r.db.WithContext(ctx).Model(&models.BatchRun{}).
		Where("run_id = ?", runID).
		Updates(updates).Error
	if err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Msg("record run completion failed")
	}
}

// Fail marks the run failed before it could produce a summary.
func (r *RunRecorder) Fail(ctx context.Context, runID string, runErr error, duration time.Duration) {
	now := r.now()
	err := r.db.WithContext(ctx).Model(&models.BatchRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":      models.BatchRunStatusFailed,
			"last_error":  runErr.Error(),
			"duration_ms": int(duration.Milliseconds()),
			"finished_at": now,
		}).Error
	if err != nil {
		r.log.Warn().Err(err).Str("run_id", runID).Msg("record run failure failed")
	}
}

// List returns recent runs, newest first.
func (r *RunRecorder) List(ctx context.Context, job string, limit int) ([]models.BatchRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	tx := r.db.WithContext(ctx).Model(&models.BatchRun{})
	if job != "" {
		tx = tx.Where("job = ?", job)
	}
	var runs []models.BatchRun
	err := tx.Order("started_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}
