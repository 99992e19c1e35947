package models

import "time"

const (
	BatchRunStatusRunning   = "running"
	BatchRunStatusCompleted = "completed"
	BatchRunStatusFailed    = "failed"
)

// BatchRun records one execution of a sharded batch for observability. It is
// written best-effort and never read back for control decisions.
type BatchRun struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RunID      string    `gorm:"uniqueIndex;size:100" json:"run_id"`
	Job        string    `gorm:"size:100;index" json:"job"`
	Status     string    `gorm:"size:20" json:"status"`
	Now        time.Time `json:"now"`
	Offset     int       `json:"offset"`
	Limit      int       `json:"limit"`
	ShardTotal int       `json:"shard_total"`
	ShardIndex int       `json:"shard_index"`
	Force      bool      `json:"force"`
	DryRun     bool      `json:"dry_run"`

	Processed  int  `json:"processed"`
	Generated  int  `json:"generated"`
	Exists     int  `json:"exists"`
	Errors     int  `json:"errors"`
	DurationMS int  `json:"duration_ms"`
	NextOffset *int `json:"next_offset"`
	Done       bool `json:"done"`

	// ErrorSamples is a JSON array capped to a small number of entries.
	ErrorSamples string     `gorm:"type:text" json:"error_samples"`
	LastError    string     `gorm:"type:text" json:"last_error"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

func (BatchRun) TableName() string { return "batch_runs" }
