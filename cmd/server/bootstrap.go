package main

import (
	"time"

	"github.com/google/uuid"
	"github.com/reflectapp/insightd/internal/batch"
	"github.com/reflectapp/insightd/internal/config"
	"github.com/reflectapp/insightd/internal/handlers"
	"github.com/reflectapp/insightd/internal/lock"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/internal/queue"
	"github.com/reflectapp/insightd/internal/services"
	"github.com/reflectapp/insightd/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the
// application.
type appServices struct {
	cfg       *config.Config
	queue     *queue.Queue
	worker    *queue.Worker
	scheduler *services.Scheduler

	batchHandler  *handlers.BatchHandler
	reportHandler *handlers.ReportHandler
	jobsHandler   *handlers.JobsHandler
	healthHandler *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, coordination
// services, scheduler, worker, handlers.
func bootstrap(cfg *config.Config) *appServices {
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	loc := cfg.Location()
	locks := lock.NewManager(db, cfg.Lock.FailOpen,
		lock.WithDefaultTTL(time.Duration(cfg.Lock.TTLSeconds)*time.Second))
	q := queue.New(db)

	reports := services.NewReportService(db, locks, loc,
		time.Duration(cfg.Lock.TTLSeconds)*time.Second,
		cfg.Lock.PollInterval, cfg.Lock.PollTimeout)
	subjects := services.NewSubjectService(db)
	runs := services.NewRunRecorder(db)

	var notify services.Notifier = services.NopNotifier{}
	if cfg.Notify.Enabled && cfg.Notify.WebhookURL != "" {
		notify = services.NewWebhookNotifier(cfg.Notify.WebhookURL)
	}

	runner := batch.NewRunner(cfg.Cron.Concurrency)
	batchSvc := services.NewBatchService(runner, subjects, reports, runs, notify)

	scheduler := services.NewScheduler(batchSvc, &cfg.Cron, loc)

	workerID := cfg.Queue.WorkerID
	if workerID == "" {
		workerID = "server-" + uuid.NewString()[:8]
	}
	worker := queue.NewWorker(q, workerID, cfg.Queue.PollInterval)
	worker.Handle(queue.JobTypeRefreshReport, services.NewRefreshJobHandler(reports))

	return &appServices{
		cfg:           cfg,
		queue:         q,
		worker:        worker,
		scheduler:     scheduler,
		batchHandler:  handlers.NewBatchHandler(batchSvc, &cfg.Cron),
		reportHandler: handlers.NewReportHandler(reports, q, &cfg.Queue),
		jobsHandler:   handlers.NewJobsHandler(q, runs),
		healthHandler: handlers.NewHealthHandler(db, q),
	}
}

// start launches the background components.
func (s *appServices) start() {
	if err := s.scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}
	s.worker.Start()
}

// shutdown gracefully stops all background components.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	s.worker.Stop()
	logger.Info().Msg("All background components stopped")
}
