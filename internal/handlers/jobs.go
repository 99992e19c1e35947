package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/reflectapp/insightd/internal/queue"
	"github.com/reflectapp/insightd/internal/services"
	"github.com/reflectapp/insightd/pkg/response"
)

// JobsHandler exposes queue and batch run observability.
type JobsHandler struct {
	queue *queue.Queue
	runs  *services.RunRecorder
}

func NewJobsHandler(q *queue.Queue, runs *services.RunRecorder) *JobsHandler {
	return &JobsHandler{queue: q, runs: runs}
}

// GetJob handles GET /api/jobs/:job_key.
func (h *JobsHandler) GetJob(c *gin.Context) {
	jobKey := c.Param("job_key")
	job, err := h.queue.Get(c.Request.Context(), jobKey)
	if err != nil {
		response.Error(c, err)
		return
	}
	if job == nil {
		response.NotFound(c, "job not found")
		return
	}
	response.Success(c, job)
}

// ListRuns handles GET /api/runs?job=&limit=.
func (h *JobsHandler) ListRuns(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			response.BadRequest(c, "limit must be an integer")
			return
		}
	}
	runs, err := h.runs.List(c.Request.Context(), c.Query("job"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, runs)
}
