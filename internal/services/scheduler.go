package services

import (
	"context"
	"time"

	"github.com/reflectapp/insightd/internal/config"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/jp"
	"github.com/rickar/cal/v2/us"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler drives full-population sweeps from in-process cron schedules.
// Deployments that trigger batches from an external scheduler instead leave
// the specs empty and use the HTTP endpoints.
type Scheduler struct {
	cron  *cron.Cron
	batch *BatchService
	cfg   *config.CronConfig
	loc   *time.Location
	cal   *cal.BusinessCalendar
	log   zerolog.Logger
}

func NewScheduler(batchSvc *BatchService, cfg *config.CronConfig, loc *time.Location) *Scheduler {
	s := &Scheduler{
		cron:  cron.New(cron.WithLocation(loc)),
		batch: batchSvc,
		cfg:   cfg,
		loc:   loc,
		log:   logger.With("scheduler"),
	}
	if cfg.SkipNonBusinessDays {
		s.cal = businessCalendar(cfg.BusinessCountry)
	}
	return s
}

func businessCalendar(country string) *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	switch country {
	case "JP":
		c.AddHoliday(jp.Holidays...)
	case "US":
		c.AddHoliday(us.Holidays...)
	}
	return c
}

// Start registers the configured schedules and starts the cron loop. An
// empty spec disables its schedule.
func (s *Scheduler) Start() error {
	type schedule struct {
		spec       string
		reportType string
	}
	for _, sc := range []schedule{
		{s.cfg.DailySpec, models.ReportTypeDaily},
		{s.cfg.WeeklySpec, models.ReportTypeWeekly},
		{s.cfg.MonthlySpec, models.ReportTypeMonthly},
	} {
		if sc.spec == "" {
			continue
		}
		reportType := sc.reportType
		if _, err := s.cron.AddFunc(sc.spec, func() { s.sweep(reportType) }); err != nil {
			return err
		}
		s.log.Info().Str("report_type", reportType).Str("spec", sc.spec).Msg("schedule registered")
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweep runs the full population for one report type. The business-day gate
// applies only to the scheduled daily run; weekly and monthly sweeps, and all
// HTTP-triggered runs, are never gated.
func (s *Scheduler) sweep(reportType string) {
	now := time.Now().In(s.loc)

	if reportType == models.ReportTypeDaily && s.cal != nil && !s.cal.IsWorkday(now) {
		s.log.Info().Time("now", now).Msg("skipping daily sweep on non-business day")
		return
	}

	s.log.Info().Str("report_type", reportType).Time("now", now).Msg("scheduled sweep starting")
	err := s.batch.RunAll(context.Background(), reportType, now, s.cfg.BatchSize, 1, 0)
	if err != nil {
		s.log.Error().Err(err).Str("report_type", reportType).Msg("scheduled sweep failed")
		return
	}
	s.log.Info().Str("report_type", reportType).Msg("scheduled sweep complete")
}
