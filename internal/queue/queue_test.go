package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reflectapp/insightd/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Uniquely named shared-cache database, pinned to a single connection so
	// every pooled handle sees the same in-memory store.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.ReportJob{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// testClock gives each test an advancing, controllable now.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 8, 22, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func params(key string) EnqueueParams {
	return EnqueueParams{
		JobKey:  key,
		JobType: JobTypeRefreshReport,
		UserID:  "u1",
		Payload: map[string]interface{}{"report_type": "daily"},
	}
}

func TestEnqueue_InsertsNewJob(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job == nil {
		t.Fatalf("job should exist")
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("Status = %q, expected queued", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts = %d, expected 0", job.Attempts)
	}
}

func TestEnqueue_CoalescesIntoExistingRow(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.advance(time.Second)

	p := params("j1")
	p.Priority = 5
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	var count int64
	db.Model(&models.ReportJob{}).Where("job_key = ?", "j1").Count(&count)
	if count != 1 {
		t.Fatalf("row count = %d, expected 1", count)
	}

	job, _ := q.Get(ctx, "j1")
	if job.Priority != 5 {
		t.Errorf("Priority = %d, expected 5 after coalescing enqueue", job.Priority)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("Status = %q, expected queued", job.Status)
	}
}

func TestEnqueue_InsertConflictIsSuccess(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	// A row neither coalescing update can match stands in for a concurrent
	// enqueue landing between the update branches and the insert.
	err := db.Exec("INSERT INTO report_jobs (job_key, status, run_after, updated_at) VALUES (?, NULL, ?, ?)",
		"j1", clock.now(), clock.now()).Error
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Errorf("losing the insert race must be success, got %v", err)
	}

	var count int64
	db.Model(&models.ReportJob{}).Where("job_key = ?", "j1").Count(&count)
	if count != 1 {
		t.Errorf("row count = %d, expected 1", count)
	}
}

func TestEnqueue_RunningJobKeepsRunning(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "j1", "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}

	clock.advance(time.Second)
	p := params("j1")
	p.Priority = 9
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("enqueue while running: %v", err)
	}

	job, _ := q.Get(ctx, "j1")
	if job.Status != models.JobStatusRunning {
		t.Errorf("Status = %q, in-flight run must not be interrupted", job.Status)
	}
	if job.Attempts != claimed.Attempts {
		t.Errorf("Attempts = %d, expected unchanged %d", job.Attempts, claimed.Attempts)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(*claimed.StartedAt) {
		t.Errorf("StartedAt should be preserved by a coalescing enqueue")
	}
	if job.Priority != 9 {
		t.Errorf("Priority = %d, expected 9 (payload refreshed)", job.Priority)
	}
	if job.UpdatedAt.Equal(claimed.UpdatedAt) {
		t.Errorf("UpdatedAt should be bumped so the completion CAS fails")
	}
}

func TestClaim_OnlyOneWinner(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Claim(ctx, "j1", "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil {
		t.Fatalf("first claim should win")
	}
	if first.Attempts != 1 {
		t.Errorf("Attempts = %d, expected 1 after claim", first.Attempts)
	}
	if first.Status != models.JobStatusRunning {
		t.Errorf("Status = %q, expected running", first.Status)
	}

	second, err := q.Claim(ctx, "j1", "w2")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Errorf("second claim should lose the race")
	}
}

func TestMarkDoneIfUnchanged(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := q.Claim(ctx, "j1", "w1")

	clock.advance(time.Second)
	done, err := q.MarkDoneIfUnchanged(ctx, "j1", "w1", claimed.UpdatedAt)
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if !done {
		t.Fatalf("completion should succeed when nothing changed")
	}

	job, _ := q.Get(ctx, "j1")
	if job.Status != models.JobStatusDone {
		t.Errorf("Status = %q, expected done", job.Status)
	}
	if job.FinishedAt == nil {
		t.Errorf("FinishedAt should be set")
	}
}

func TestMarkDoneIfUnchanged_RejectsSupersededRun(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, _ := q.Claim(ctx, "j1", "w1")

	// A coalescing enqueue lands while the job runs.
	clock.advance(time.Second)
	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue while running: %v", err)
	}

	done, err := q.MarkDoneIfUnchanged(ctx, "j1", "w1", claimed.UpdatedAt)
	if err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if done {
		t.Fatalf("completion must be rejected after a coalescing enqueue")
	}

	// The superseded run requeues; the job is claimable again.
	if err := q.Requeue(ctx, "j1", "w1", "updated_while_running", time.Second); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	clock.advance(2 * time.Second)
	reclaimed, err := q.Claim(ctx, "j1", "w2")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil {
		t.Errorf("job should be claimable after requeue delay")
	}
}

func TestFetchNextQueued_Ordering(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	low := params("low")
	if err := q.Enqueue(ctx, low); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.advance(time.Second)
	high := params("high")
	high.Priority = 10
	if err := q.Enqueue(ctx, high); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.FetchNextQueued(ctx, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if job == nil || job.JobKey != "high" {
		t.Errorf("highest priority should be fetched first, got %v", job)
	}
}

func TestFetchNextQueued_RespectsRunAfter(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	future := clock.now().Add(time.Minute)
	p := params("j1")
	p.RunAfter = &future
	if err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.FetchNextQueued(ctx, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if job != nil {
		t.Errorf("job scheduled in the future should not be fetched")
	}

	clock.advance(2 * time.Minute)
	job, err = q.FetchNextQueued(ctx, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if job == nil {
		t.Errorf("job should be fetched once run_after has passed")
	}
}

func TestMarkFailed(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	if err := q.Enqueue(ctx, params("j1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "j1", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkFailed(ctx, "j1", "w1", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	job, _ := q.Get(ctx, "j1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("Status = %q, expected failed", job.Status)
	}
	if job.LastError != "boom" {
		t.Errorf("LastError = %q, expected boom", job.LastError)
	}
}

func TestPendingCount(t *testing.T) {
	db := setupTestDB(t)
	clock := newTestClock()
	q := New(db, WithNow(clock.now))
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, params(key)); err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}
	if _, err := q.Claim(ctx, "a", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkFailed(ctx, "b", "w1", "x"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	n, err := q.PendingCount(ctx)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 2 { // a running + c queued
		t.Errorf("PendingCount = %d, expected 2", n)
	}
}
