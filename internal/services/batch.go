package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/reflectapp/insightd/internal/batch"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
)

// BatchService ties the page runner to the subject set, the report service
// and the run recorder. Both the HTTP trigger and the internal scheduler go
// through it.
type BatchService struct {
	runner   *batch.Runner
	subjects *SubjectService
	reports  *ReportService
	runs     *RunRecorder
	notify   Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewBatchService(runner *batch.Runner, subjects *SubjectService, reports *ReportService, runs *RunRecorder, notify Notifier) *BatchService {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &BatchService{
		runner:   runner,
		subjects: subjects,
		reports:  reports,
		runs:     runs,
		notify:   notify,
		log:      logger.With("batch_service"),
		now:      time.Now,
	}
}

// RunPage executes one sharded batch page and records the run. The returned
// summary is always structured, even when individual subjects failed.
func (s *BatchService) RunPage(ctx context.Context, p batch.Params) (*batch.Result, error) {
	if p.Now.IsZero() {
		p.Now = s.now()
	}
	runID := uuid.NewString()
	started := s.now()
	s.runs.Start(ctx, runID, p)

	res, err := s.runner.Run(ctx, p, s.subjects.ListIDs, s.processOne(p))
	if err != nil {
		s.runs.Fail(ctx, runID, err, s.now().Sub(started))
		return nil, err
	}

	s.runs.Complete(ctx, runID, res, s.now().Sub(started))
	s.notify.NotifyRunCompleted(ctx, runID, res)
	return res, nil
}

// processOne adapts the guarded generation flow to the runner's per-subject
// callback, mapping outcomes to batch counters.
func (s *BatchService) processOne(p batch.Params) batch.ProcessOne {
	return func(ctx context.Context, subjectID string) (batch.Outcome, error) {
		res, err := s.reports.EnsureReport(ctx, EnsureParams{
			UserID:     subjectID,
			ReportType: p.Job,
			Now:        p.Now,
			Force:      p.Force,
			DryRun:     p.DryRun,
		})
		if err != nil {
			return batch.OutcomeError, err
		}
		switch res.Outcome {
		case EnsureGenerated, EnsureDryRun:
			return batch.OutcomeGenerated, nil
		default:
			// EnsureExists, and EnsureInProgress where another holder will
			// finish the slot.
			return batch.OutcomeExists, nil
		}
	}
}

// RunAll pages through the whole population for one report type, used by the
// internal scheduler. A page error aborts the sweep; the scheduler retries on
// its next tick.
func (s *BatchService) RunAll(ctx context.Context, reportType string, now time.Time, limit, shardTotal, shardIndex int) error {
	offset := 0
	for {
		res, err := s.RunPage(ctx, batch.Params{
			Job:        reportType,
			Offset:     offset,
			Limit:      limit,
			ShardTotal: shardTotal,
			ShardIndex: shardIndex,
			Now:        now,
		})
		if err != nil {
			return err
		}
		if res.Done || res.NextOffset == nil {
			return nil
		}
		offset = *res.NextOffset
	}
}

// ValidReportType reports whether t names a schedulable report type.
func ValidReportType(t string) bool {
	switch t {
	case models.ReportTypeDaily, models.ReportTypeWeekly, models.ReportTypeMonthly:
		return true
	}
	return false
}
