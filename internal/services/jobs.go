package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/internal/queue"
)

// refreshPayload is the payload of a refresh_report job.
type refreshPayload struct {
	ReportType string `json:"report_type"`
	Now        string `json:"now"`
	Force      bool   `json:"force"`
}

// NewRefreshJobHandler adapts the guarded generation flow to the queue
// worker. A lock miss maps to the worker's locked result so the job is
// requeued instead of failed.
func NewRefreshJobHandler(reports *ReportService) queue.Handler {
	return func(ctx context.Context, job *models.ReportJob) (queue.Result, error) {
		var p refreshPayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return queue.ResultDone, fmt.Errorf("decode payload: %w", err)
		}
		if !ValidReportType(p.ReportType) {
			return queue.ResultDone, fmt.Errorf("unknown report type: %s", p.ReportType)
		}

		now := time.Time{}
		if p.Now != "" {
			parsed, err := time.Parse(time.RFC3339, p.Now)
			if err != nil {
				return queue.ResultDone, fmt.Errorf("invalid now in payload: %w", err)
			}
			now = parsed
		}

		res, err := reports.EnsureReport(ctx, EnsureParams{
			UserID:     job.UserID,
			ReportType: p.ReportType,
			Now:        now,
			Force:      p.Force,
		})
		if err != nil {
			return queue.ResultDone, err
		}
		if res.Outcome == EnsureInProgress {
			return queue.ResultLocked, nil
		}
		return queue.ResultDone, nil
	}
}
