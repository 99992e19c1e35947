package models

import "time"

// Job status values. queued -> running -> {done | queued | failed}.
const (
	JobStatusQueued  = "queued"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// ReportJob is a durable, coalescible unit of asynchronous work keyed by an
// idempotency key. Re-enqueueing an existing key merges into the row instead
// of creating a duplicate.
type ReportJob struct {
	JobKey      string     `gorm:"primaryKey;size:150" json:"job_key"`
	JobType     string     `gorm:"size:100;index" json:"job_type"`
	UserID      string     `gorm:"size:100;index" json:"user_id"`
	Payload     string     `gorm:"type:text" json:"payload"`
	Status      string     `gorm:"size:20;index;default:queued" json:"status"`
	Priority    int        `json:"priority"`
	RunAfter    time.Time  `gorm:"index" json:"run_after"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	WorkerID    string     `gorm:"size:100" json:"worker_id"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	UpdatedAt   time.Time  `gorm:"index" json:"updated_at"`
	LastError   string     `gorm:"type:text" json:"last_error"`
}

func (ReportJob) TableName() string { return "report_jobs" }
