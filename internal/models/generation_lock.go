package models

import "time"

// GenerationLock is a short-lived, TTL-bounded mutual exclusion record.
// At most one row exists per LockKey; a row whose ExpiresAt has passed is
// logically absent and may be reclaimed by any caller.
type GenerationLock struct {
	LockKey    string    `gorm:"primaryKey;size:100" json:"lock_key"`
	OwnerID    string    `gorm:"size:100" json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
	// Context is a diagnostic JSON payload, never interpreted.
	Context string `gorm:"type:text" json:"context"`
}

func (GenerationLock) TableName() string { return "generation_locks" }
