package models

import "time"

// Report types distributed by the batch runner.
const (
	ReportTypeDaily   = "daily"
	ReportTypeWeekly  = "weekly"
	ReportTypeMonthly = "monthly"
)

// Report is a generated insight report for one user and period. The unique
// index makes generation idempotent: regenerating the same period upserts
// instead of duplicating.
type Report struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"uniqueIndex:idx_report_period;size:100;not null" json:"user_id"`
	ReportType  string    `gorm:"uniqueIndex:idx_report_period;size:20;not null" json:"report_type"`
	PeriodStart time.Time `gorm:"uniqueIndex:idx_report_period" json:"period_start"`
	PeriodEnd   time.Time `gorm:"uniqueIndex:idx_report_period" json:"period_end"`
	Title       string    `gorm:"size:200" json:"title"`
	ContentText string    `gorm:"type:text" json:"content_text"`
	ContentJSON string    `gorm:"type:text" json:"content_json"`
	GeneratedAt time.Time `json:"generated_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Report) TableName() string { return "reports" }

// Profile is the subject set the batch runner pages over.
type Profile struct {
	ID        string    `gorm:"primaryKey;size:100" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Profile) TableName() string { return "profiles" }

// Entry is a raw user activity row aggregated into reports.
type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:100;index" json:"user_id"`
	Mood      int       `json:"mood"` // 1..5
	Note      string    `gorm:"type:text" json:"note"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (Entry) TableName() string { return "entries" }
