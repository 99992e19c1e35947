// Command worker runs a standalone queue consumer, for deployments that
// scale job processing independently of the API server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/reflectapp/insightd/internal/config"
	"github.com/reflectapp/insightd/internal/lock"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/internal/queue"
	"github.com/reflectapp/insightd/internal/services"
	"github.com/reflectapp/insightd/pkg/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	db := models.GetDB()

	locks := lock.NewManager(db, cfg.Lock.FailOpen,
		lock.WithDefaultTTL(time.Duration(cfg.Lock.TTLSeconds)*time.Second))
	reports := services.NewReportService(db, locks, cfg.Location(),
		time.Duration(cfg.Lock.TTLSeconds)*time.Second,
		cfg.Lock.PollInterval, cfg.Lock.PollTimeout)

	workerID := cfg.Queue.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	q := queue.New(db)
	w := queue.NewWorker(q, workerID, cfg.Queue.PollInterval)
	w.Handle(queue.JobTypeRefreshReport, services.NewRefreshJobHandler(reports))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)
	logger.Info().Msg("worker shut down")
}
