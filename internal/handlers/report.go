package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reflectapp/insightd/internal/config"
	"github.com/reflectapp/insightd/internal/queue"
	"github.com/reflectapp/insightd/internal/services"
	"github.com/reflectapp/insightd/pkg/response"
)

// ReportHandler exposes interactive generation and the read API.
type ReportHandler struct {
	reports *services.ReportService
	queue   *queue.Queue
	cfg     *config.QueueConfig
}

func NewReportHandler(reports *services.ReportService, q *queue.Queue, cfg *config.QueueConfig) *ReportHandler {
	return &ReportHandler{reports: reports, queue: q, cfg: cfg}
}

type ensureRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ReportType string `json:"report_type" binding:"required"`
	Now        string `json:"now"`
	Force      bool   `json:"force"`
	DryRun     bool   `json:"dry_run"`
}

// Ensure handles POST /api/reports/ensure: generate the report for the slot
// synchronously if it does not exist yet. When another process is generating
// the same slot and does not finish within the poll window, responds 202.
func (h *ReportHandler) Ensure(c *gin.Context) {
	var req ensureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if !services.ValidReportType(req.ReportType) {
		response.BadRequest(c, "unknown report type: "+req.ReportType)
		return
	}

	now := time.Time{}
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			response.BadRequest(c, "now must be RFC3339")
			return
		}
		now = parsed
	}

	res, err := h.reports.EnsureReport(c.Request.Context(), services.EnsureParams{
		UserID:     req.UserID,
		ReportType: req.ReportType,
		Now:        now,
		Force:      req.Force,
		DryRun:     req.DryRun,
		Wait:       true,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	if res.Outcome == services.EnsureInProgress {
		response.Accepted(c, res)
		return
	}
	response.Success(c, res)
}

type refreshRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	ReportType string `json:"report_type" binding:"required"`
	Now        string `json:"now"`
	Priority   int    `json:"priority"`
}

// Refresh handles POST /api/reports/refresh: enqueue an asynchronous forced
// regeneration. The job key is derived from the slot, so repeated refreshes
// of the same slot coalesce into one queued job.
func (h *ReportHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if !services.ValidReportType(req.ReportType) {
		response.BadRequest(c, "unknown report type: "+req.ReportType)
		return
	}

	now := time.Now()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			response.BadRequest(c, "now must be RFC3339")
			return
		}
		now = parsed
	}

	start, _, err := h.reports.BuildTargetPeriod(req.ReportType, now)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	jobKey := RefreshJobKey(req.ReportType, req.UserID, start)
	err = h.queue.Enqueue(c.Request.Context(), queue.EnqueueParams{
		JobKey:  jobKey,
		JobType: queue.JobTypeRefreshReport,
		UserID:  req.UserID,
		Payload: map[string]interface{}{
			"report_type": req.ReportType,
			"now":         now.Format(time.RFC3339),
			"force":       true,
		},
		Priority:    req.Priority,
		MaxAttempts: h.cfg.MaxAttempts,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"job_key": jobKey})
}

// RefreshJobKey is the idempotency key for asynchronous regeneration of one
// slot. Refreshes of the same slot share a key and therefore coalesce.
func RefreshJobKey(reportType, userID string, periodStart time.Time) string {
	return fmt.Sprintf("refresh:%s:%s:%s", reportType, userID, periodStart.UTC().Format("2006-01-02"))
}

// List handles GET /api/reports?user_id=&type=&limit=.
func (h *ReportHandler) List(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}
	reportType := c.Query("type")
	if reportType != "" && !services.ValidReportType(reportType) {
		response.BadRequest(c, "unknown report type: "+reportType)
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			response.BadRequest(c, "limit must be an integer")
			return
		}
	}

	reports, err := h.reports.List(c.Request.Context(), userID, reportType, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, reports)
}
