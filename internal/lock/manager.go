// Package lock implements named, TTL-bounded mutual exclusion on top of the
// shared relational store. Every invariant is expressed as a conditional
// write; no in-process state is involved, so locks hold across independent
// server processes.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reflectapp/insightd/internal/models"
	"github.com/reflectapp/insightd/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Manager acquires and releases generation locks.
type Manager struct {
	db  *gorm.DB
	log zerolog.Logger

	// failOpen is the degradation policy: when the store is unreachable or
	// misbehaving, TryAcquire reports success so the primary generation path
	// stays available. The worst case is duplicate generation of idempotent
	// work, never incorrect data.
	failOpen bool

	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*Manager)

// WithNow overrides the clock, used by tests and by batch runs that pin a
// deterministic "now".
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.defaultTTL = ttl }
}

func NewManager(db *gorm.DB, failOpen bool, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		log:        logger.With("lock"),
		failOpen:   failOpen,
		defaultTTL: 180 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AcquireResult reports the outcome of a TryAcquire call.
type AcquireResult struct {
	Acquired  bool      `json:"acquired"`
	LockKey   string    `json:"lock_key"`
	OwnerID   string    `json:"owner_id"`
	ExpiresAt time.Time `json:"expires_at"`
	// Degraded is set when the result came from the fail-open policy rather
	// than a successful store write.
	Degraded bool `json:"degraded,omitempty"`
}

// BuildKey derives a short, stable lock key from the generation slot
// coordinates. Details go into the lock context instead of the key, keeping
// the primary key small.
func BuildKey(namespace, userID, reportType string, periodStart, periodEnd time.Time) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%s",
		namespace, userID, reportType,
		periodStart.UTC().Format(time.RFC3339Nano),
		periodEnd.UTC().Format(time.RFC3339Nano),
	)
	digest := sha256.Sum256([]byte(raw))
	ns := strings.ReplaceAll(namespace, ":", "_")
	if ns == "" {
		ns = "gen"
	}
	return ns + ":" + hex.EncodeToString(digest[:])
}

// NewOwnerID mints an opaque holder id. It identifies the holder in
// diagnostics only and is never used for authorization.
func NewOwnerID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// TryAcquire attempts to take the lock without blocking.
//
// Algorithm: insert-if-absent; on conflict read the existing row; if it has
// expired, conditionally delete it (filtered on expires_at < now so a live
// lock cannot be removed by a racing reclaimer) and retry the insert exactly
// once. Any other conflict means someone else holds the lock.
func (m *Manager) TryAcquire(ctx context.Context, lockKey string, ttl time.Duration, ownerID string, lockCtx map[string]interface{}) AcquireResult {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ownerID == "" {
		ownerID = NewOwnerID("lock")
	}

	now := m.now()
	expires := now.Add(ttl)

	ctxJSON := "{}"
	if lockCtx != nil {
		if b, err := json.Marshal(lockCtx); err == nil {
			ctxJSON = string(b)
		}
	}

	row := models.GenerationLock{
		LockKey:    lockKey,
		OwnerID:    ownerID,
		AcquiredAt: now,
		ExpiresAt:  expires,
		Context:    ctxJSON,
	}

	err := m.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return AcquireResult{Acquired: true, LockKey: lockKey, OwnerID: ownerID, ExpiresAt: expires}
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return m.degrade(lockKey, ownerID, expires, err)
	}

	// Conflict: inspect the current holder.
	var existing models.GenerationLock
	readErr := m.db.WithContext(ctx).
		Where("lock_key = ?", lockKey).
		First(&existing).Error
	if readErr != nil {
		if errors.Is(readErr, gorm.ErrRecordNotFound) {
			// The holder released between our insert and read; one retry.
			return m.retryInsert(ctx, row)
		}
		return m.degrade(lockKey, ownerID, expires, readErr)
	}

	if !existing.ExpiresAt.Before(now) {
		return AcquireResult{Acquired: false, LockKey: lockKey, OwnerID: ownerID, ExpiresAt: expires}
	}

	// Expired holder: reclaim. The expires_at filter keeps a concurrent
	// reclaimer from deleting a lock that was just re-acquired.
	delRes := m.db.WithContext(ctx).
		Where("lock_key = ? AND expires_at < ?", lockKey, now).
		Delete(&models.GenerationLock{})
	if delRes.Error != nil {
		return m.degrade(lockKey, ownerID, expires, delRes.Error)
	}

	return m.retryInsert(ctx, row)
}

func (m *Manager) retryInsert(ctx context.Context, row models.GenerationLock) AcquireResult {
	err := m.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return AcquireResult{Acquired: true, LockKey: row.LockKey, OwnerID: row.OwnerID, ExpiresAt: row.ExpiresAt}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return AcquireResult{Acquired: false, LockKey: row.LockKey, OwnerID: row.OwnerID, ExpiresAt: row.ExpiresAt}
	}
	return m.degrade(row.LockKey, row.OwnerID, row.ExpiresAt, err)
}

// degrade applies the infrastructure-failure policy in one place.
func (m *Manager) degrade(lockKey, ownerID string, expires time.Time, err error) AcquireResult {
	m.log.Warn().
		Err(err).
		Str("lock_key", lockKey).
		Bool("fail_open", m.failOpen).
		Msg("lock store unavailable")
	if m.failOpen {
		return AcquireResult{Acquired: true, LockKey: lockKey, OwnerID: ownerID, ExpiresAt: expires, Degraded: true}
	}
	return AcquireResult{Acquired: false, LockKey: lockKey, OwnerID: ownerID, ExpiresAt: expires, Degraded: true}
}

// Release deletes the lock row. It is idempotent and best-effort: a missing
// row counts as released, and store errors are logged, not returned, because
// an unreleased lock self-heals via its TTL.
func (m *Manager) Release(ctx context.Context, lockKey, ownerID string) {
	q := m.db.WithContext(ctx).Where("lock_key = ?", lockKey)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	if err := q.Delete(&models.GenerationLock{}).Error; err != nil {
		m.log.Debug().Err(err).Str("lock_key", lockKey).Msg("lock release failed")
	}
}

// PollUntil repeatedly invokes fn until it reports a result or the timeout
// elapses. fn errors are treated as "not yet"; callers that time out should
// treat the work as still in progress, not failed.
func PollUntil[T any](ctx context.Context, fn func(context.Context) (T, bool), timeout, interval time.Duration) (T, bool) {
	var zero T
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		if v, ok := fn(ctx); ok {
			return v, true
		}
		if time.Now().After(deadline) {
			return zero, false
		}
		select {
		case <-ctx.Done():
			return zero, false
		case <-time.After(interval):
		}
	}
}
