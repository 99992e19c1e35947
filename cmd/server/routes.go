package main

import (
	"github.com/gin-gonic/gin"
	"github.com/reflectapp/insightd/internal/middleware"
	"github.com/reflectapp/insightd/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	r.GET("/health", svc.healthHandler.Health)

	// Batch trigger routes for external schedulers. Token-authenticated and
	// rate limited; a misfiring scheduler must not be able to stampede.
	cronLimiter := middleware.NewRateLimiter(svc.cfg.Cron.RateRPS, svc.cfg.Cron.RateBurst)
	cron := r.Group("/cron", cronLimiter.Middleware(), middleware.CronAuth(svc.cfg.Cron.Token))
	{
		cron.POST("/reports/:type", svc.batchHandler.Trigger)
	}

	api := r.Group("/api")
	{
		api.POST("/reports/ensure", svc.reportHandler.Ensure)
		api.POST("/reports/refresh", svc.reportHandler.Refresh)
		api.GET("/reports", svc.reportHandler.List)

		api.GET("/jobs/:job_key", svc.jobsHandler.GetJob)
		api.GET("/runs", svc.jobsHandler.ListRuns)
	}
}
