// Package services contains the application logic sitting between the HTTP
// handlers / scheduler / queue worker and the coordination primitives.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reflectapp/insightd/internal/lock"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// EnsureOutcome classifies the result of an idempotent generation request.
type EnsureOutcome string

const (
	EnsureGenerated  EnsureOutcome = "generated"
	EnsureExists     EnsureOutcome = "exists"
	EnsureInProgress EnsureOutcome = "in_progress"
	EnsureDryRun     EnsureOutcome = "dry_run"
)

// EnsureParams describes one generation request for a (user, type, period)
// slot derived from Now.
type EnsureParams struct {
	UserID     string
	ReportType string
	Now        time.Time
	Force      bool
	DryRun     bool

	// Wait makes a lock miss poll for the other holder's result instead of
	// returning in_progress immediately. Interactive callers set this; batch
	// and worker callers do not, they requeue instead.
	Wait bool
}

// EnsureResult is the outcome of EnsureReport.
type EnsureResult struct {
	Outcome      EnsureOutcome  `json:"outcome"`
	Report       *models.Report `json:"report,omitempty"`
	PeriodStart  time.Time      `json:"period_start"`
	PeriodEnd    time.Time      `json:"period_end"`
	LockDegraded bool           `json:"lock_degraded,omitempty"`
}

// ReportService generates reports at most once per (user, type, period) slot.
// Exclusion comes from the generation lock; idempotence comes from the unique
// report index, so even a fail-open duplicate run converges on one row.
type ReportService struct {
	db    *gorm.DB
	locks *lock.Manager
	loc   *time.Location
	log   zerolog.Logger

	lockTTL      time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration
	now          func() time.Time
}

type ReportOption func(*ReportService)

// WithReportNow overrides the clock for tests.
func WithReportNow(now func() time.Time) ReportOption {
	return func(s *ReportService) { s.now = now }
}

func NewReportService(db *gorm.DB, locks *lock.Manager, loc *time.Location, lockTTL, pollInterval, pollTimeout time.Duration) *ReportService {
	if loc == nil {
		loc = time.UTC
	}
	if lockTTL <= 0 {
		lockTTL = 180 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if pollTimeout <= 0 {
		pollTimeout = 8 * time.Second
	}
	return &ReportService{
		db:           db,
		locks:        locks,
		loc:          loc,
		log:          logger.With("report"),
		lockTTL:      lockTTL,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		now:          time.Now,
	}
}

// BuildTargetPeriod maps a reference time to the report period it triggers,
// in the configured timezone. Periods are half-open [start, end):
//
//	daily   covers the previous calendar day
//	weekly  covers the 7 days ending at today's midnight
//	monthly covers the previous calendar month
func (s *ReportService) BuildTargetPeriod(reportType string, now time.Time) (time.Time, time.Time, error) {
	local := now.In(s.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	switch reportType {
	case models.ReportTypeDaily:
		return today.AddDate(0, 0, -1), today, nil
	case models.ReportTypeWeekly:
		return today.AddDate(0, 0, -7), today, nil
	case models.ReportTypeMonthly:
		firstOfMonth := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.loc)
		return firstOfMonth.AddDate(0, -1, 0), firstOfMonth, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown report type: %s", reportType)
	}
}

// Find returns the report for a slot, or nil when absent.
func (s *ReportService) Find(ctx context.Context, userID, reportType string, periodStart, periodEnd time.Time) (*models.Report, error) {
	var rep models.Report
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND report_type = ? AND period_start = ? AND period_end = ?",
			userID, reportType, periodStart, periodEnd).
		First(&rep).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rep, nil
}

// Exists reports whether a slot already has a report.
func (s *ReportService) Exists(ctx context.Context, userID, reportType string, periodStart, periodEnd time.Time) (bool, error) {
	rep, err := s.Find(ctx, userID, reportType, periodStart, periodEnd)
	if err != nil {
		return false, err
	}
	return rep != nil, nil
}

// List returns a user's reports, newest period first.
func (s *ReportService) List(ctx context.Context, userID, reportType string, limit int) ([]models.Report, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	tx := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if reportType != "" {
		tx = tx.Where("report_type = ?", reportType)
	}
	var reports []models.Report
	err := tx.Order("period_start DESC").Limit(limit).Find(&reports).Error
	return reports, err
}

// EnsureReport is the guarded generation flow: check, lock, re-check,
// generate, release. It is safe to call concurrently from any number of
// processes for the same slot.
func (s *ReportService) EnsureReport(ctx context.Context, p EnsureParams) (*EnsureResult, error) {
	if p.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if p.Now.IsZero() {
		p.Now = s.now()
	}

	start, end, err := s.BuildTargetPeriod(p.ReportType, p.Now)
	if err != nil {
		return nil, err
	}
	res := &EnsureResult{PeriodStart: start, PeriodEnd: end}

	if !p.Force {
		existing, err := s.Find(ctx, p.UserID, p.ReportType, start, end)
		if err != nil {
			return nil, fmt.Errorf("check existing: %w", err)
		}
		if existing != nil {
			res.Outcome = EnsureExists
			res.Report = existing
			return res, nil
		}
	}

	if p.DryRun {
		res.Outcome = EnsureDryRun
		return res, nil
	}

	lockKey := lock.BuildKey("report", p.UserID, p.ReportType, start, end)
	ownerID := lock.NewOwnerID("gen")
	acq := s.locks.TryAcquire(ctx, lockKey, s.lockTTL, ownerID, map[string]interface{}{
		"user_id":     p.UserID,
		"report_type": p.ReportType,
	})
	if !acq.Acquired {
		// Someone else is generating this slot right now.
		if p.Wait {
			rep, ok := lock.PollUntil(ctx, func(ctx context.Context) (*models.Report, bool) {
				r, err := s.Find(ctx, p.UserID, p.ReportType, start, end)
				return r, err == nil && r != nil
			}, s.pollTimeout, s.pollInterval)
			if ok {
				res.Outcome = EnsureExists
				res.Report = rep
				return res, nil
			}
		}
		res.Outcome = EnsureInProgress
		return res, nil
	}
	defer s.locks.Release(ctx, lockKey, ownerID)
	res.LockDegraded = acq.Degraded

	// Re-check under the lock: another holder may have finished between the
	// first check and our acquisition.
	if !p.Force {
		existing, err := s.Find(ctx, p.UserID, p.ReportType, start, end)
		if err != nil {
			return nil, fmt.Errorf("re-check existing: %w", err)
		}
		if existing != nil {
			res.Outcome = EnsureExists
			res.Report = existing
			return res, nil
		}
	}

	rep, err := s.GenerateAndSave(ctx, p.UserID, p.ReportType, start, end)
	if err != nil {
		return nil, err
	}
	res.Outcome = EnsureGenerated
	res.Report = rep
	return res, nil
}

// reportStats is the aggregate serialized into content_json.
type reportStats struct {
	EntryCount int     `json:"entry_count"`
	AvgMood    float64 `json:"avg_mood"`
	MoodCounts [5]int  `json:"mood_counts"`
}

// GenerateAndSave aggregates the user's entries in [periodStart, periodEnd)
// and upserts the report row. The computation is deterministic, so a
// duplicate run under a degraded lock writes the same content.
func (s *ReportService) GenerateAndSave(ctx context.Context, userID, reportType string, periodStart, periodEnd time.Time) (*models.Report, error) {
	var entries []models.Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, periodStart, periodEnd).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	var stats reportStats
	stats.EntryCount = len(entries)
	moodSum := 0
	for _, e := range entries {
		if e.Mood >= 1 && e.Mood <= 5 {
			stats.MoodCounts[e.Mood-1]++
			moodSum += e.Mood
		}
	}
	if stats.EntryCount > 0 {
		stats.AvgMood = float64(moodSum) / float64(stats.EntryCount)
	}

	contentJSON, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("marshal stats: %w", err)
	}

	title := fmt.Sprintf("%s report %s", reportType, periodStart.In(s.loc).Format("2006-01-02"))
	text := fmt.Sprintf("Period %s to %s: %d entries, average mood %.2f.",
		periodStart.In(s.loc).Format("2006-01-02"),
		periodEnd.In(s.loc).Format("2006-01-02"),
		stats.EntryCount, stats.AvgMood)

	now := s.now()
	rep := models.Report{
		UserID:      userID,
		ReportType:  reportType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Title:       title,
		ContentText: text,
		ContentJSON: string(contentJSON),
		GeneratedAt: now,
	}

	createErr := s.db.WithContext(ctx).Create(&rep).Error
	if createErr == nil {
		s.log.Info().
			Str("user_id", userID).
			Str("report_type", reportType).
			Time("period_start", periodStart).
			Msg("report generated")
		return &rep, nil
	}
	if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("save report: %w", createErr)
	}

	// The slot was filled concurrently or this is a forced regeneration;
	// overwrite the existing row in place.
	err = s.db.WithContext(ctx).Model(&models.Report{}).
		Where("user_id = ? AND report_type = ? AND period_start = ? AND period_end = ?",
			userID, reportType, periodStart, periodEnd).
		Updates(map[string]interface{}{
			"title":        title,
			"content_text": text,
			"content_json": string(contentJSON),
			"generated_at": now,
			"updated_at":   now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("update report: %w", err)
	}
	return s.Find(ctx, userID, reportType, periodStart, periodEnd)
}
