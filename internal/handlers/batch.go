package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reflectapp/insightd/internal/batch"
	"github.com/reflectapp/insightd/internal/config"
	"github.com/reflectapp/insightd/internal/services"
	"github.com/reflectapp/insightd/pkg/response"
)

// BatchHandler exposes the sharded batch trigger used by external schedulers.
type BatchHandler struct {
	batch *services.BatchService
	cfg   *config.CronConfig
}

func NewBatchHandler(batchSvc *services.BatchService, cfg *config.CronConfig) *BatchHandler {
	return &BatchHandler{batch: batchSvc, cfg: cfg}
}

// batchTriggerRequest is the trigger contract. All fields are optional; the
// zero request runs the first page of shard 0/1 at the current time.
type batchTriggerRequest struct {
	Offset     int      `json:"offset"`
	Limit      int      `json:"limit"`
	ShardTotal int      `json:"shard_total"`
	ShardIndex int      `json:"shard_index"`
	Force      bool     `json:"force"`
	DryRun     bool     `json:"dry_run"`
	UserIDs    []string `json:"user_ids"`

	// Now pins the reference time used to derive report periods, RFC3339.
	// Lets a late-firing scheduler still target the intended period.
	Now string `json:"now"`
}

// Trigger handles POST /cron/reports/:type. Parameters are validated before
// any store access; a valid run always returns a structured summary even when
// individual subjects failed.
func (h *BatchHandler) Trigger(c *gin.Context) {
	reportType := c.Param("type")
	if !services.ValidReportType(reportType) {
		response.BadRequest(c, "unknown report type: "+reportType)
		return
	}

	var req batchTriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
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

	params := batch.Params{
		Job:        reportType,
		Offset:     req.Offset,
		Limit:      req.Limit,
		ShardTotal: req.ShardTotal,
		ShardIndex: req.ShardIndex,
		Force:      req.Force,
		DryRun:     req.DryRun,
		Now:        now,
		UserIDs:    req.UserIDs,
	}
	if params.Limit == 0 {
		params.Limit = h.cfg.BatchSize
	}
	if params.ShardTotal == 0 {
		params.ShardTotal = 1
	}
	if err := params.Validate(); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	res, err := h.batch.RunPage(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
